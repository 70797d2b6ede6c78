package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stoqscore/internal/blob"
	"stoqscore/pkg/domain"
)

const (
	archiveVersion     = 1
	archivePrefix      = "activities/"
	archiveContentType = "application/json"
	archiveStampLayout = "20060102T150405.000000000Z"
)

var (
	// ErrArchiveDisabled is returned by archive operations on a service built
	// without WithArchive.
	ErrArchiveDisabled = errors.New("activity archive not configured")
	// ErrActivityNotEmpty is returned when restoring into an activity that
	// still has samples.
	ErrActivityNotEmpty = errors.New("activity already has samples")
	// ErrArchiveFormat is returned for an archive this version cannot read.
	ErrArchiveFormat = errors.New("unsupported archive format")
)

// ActivityArchive is the JSON document written for one activity. Values and
// depths are decimal strings so they survive the round trip exactly.
type ActivityArchive struct {
	Version    int                     `json:"version"`
	ArchivedAt time.Time               `json:"archived_at"`
	Activity   domain.Activity         `json:"activity"`
	Parameters []domain.Parameter      `json:"parameters"`
	Counts     []domain.ParameterCount `json:"counts"`
	Samples    []domain.Sample         `json:"samples"`
}

// ArchiveKey is the blob key of an activity archive taken at t.
func ArchiveKey(activityID string, t time.Time) string {
	return archivePrefix + activityID + "/" + t.UTC().Format(archiveStampLayout) + ".json"
}

// ArchiveActivity writes the activity's samples, parameters and counts to the
// archive store and returns the stored blob.
func (s *Service) ArchiveActivity(ctx context.Context, activityID string) (blob.Info, error) {
	if s.archive == nil {
		return blob.Info{}, ErrArchiveDisabled
	}
	doc, err := read(ctx, s, "snapshot_activity", activityID, func(v domain.TransactionView) (ActivityArchive, error) {
		return snapshotActivity(v, activityID)
	})
	if err != nil {
		return blob.Info{}, err
	}
	doc.ArchivedAt = s.clock.Now().UTC()
	payload, err := json.Marshal(doc)
	if err != nil {
		return blob.Info{}, fmt.Errorf("encode archive: %w", err)
	}
	key := ArchiveKey(activityID, doc.ArchivedAt)
	var info blob.Info
	err = s.instrument(ctx, "archive_activity", activityID, func(ctx context.Context) error {
		var putErr error
		info, putErr = s.archive.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
			ContentType: archiveContentType,
			Metadata:    map[string]string{"activity-id": activityID, "samples": fmt.Sprint(len(doc.Samples))},
		})
		return putErr
	})
	if err != nil {
		return blob.Info{}, err
	}
	s.logger.Info("archived activity", "activity_id", activityID, "key", key, "samples", len(doc.Samples))
	return info, nil
}

func snapshotActivity(v domain.TransactionView, activityID string) (ActivityArchive, error) {
	a, err := v.GetActivity(activityID)
	if err != nil {
		return ActivityArchive{}, err
	}
	records, err := v.QueryMeasurements(domain.MeasurementQuery{ActivityIDs: []string{activityID}})
	if err != nil {
		return ActivityArchive{}, err
	}
	counts, err := parameterCounts(v, activityID)
	if err != nil {
		return ActivityArchive{}, err
	}
	doc := ActivityArchive{Version: archiveVersion, Activity: a, Counts: counts, Samples: make([]domain.Sample, 0, len(records))}
	seen := make(map[string]bool)
	for _, r := range records {
		sample := domain.Sample{
			TimeValue: r.InstantPoint.TimeValue,
			Geom:      r.Measurement.Geom,
			Depth:     r.Measurement.Depth,
			Values:    make([]domain.SampleValue, 0, len(r.Values)),
		}
		for _, mp := range r.Values {
			sample.Values = append(sample.Values, domain.SampleValue{ParameterID: mp.ParameterID, Value: mp.DataValue})
			if !seen[mp.ParameterID] {
				seen[mp.ParameterID] = true
				p, err := v.GetParameter(mp.ParameterID)
				if err != nil {
					return ActivityArchive{}, err
				}
				doc.Parameters = append(doc.Parameters, p)
			}
		}
		doc.Samples = append(doc.Samples, sample)
	}
	return doc, nil
}

// ListArchives returns the archives of an activity, oldest first.
func (s *Service) ListArchives(ctx context.Context, activityID string) ([]blob.Info, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return s.archive.List(ctx, archivePrefix+activityID+"/")
}

// RestoreActivity reloads an archive through LoadSamples. Parameters are
// matched by name and created when missing; the activity is recreated from
// the archive when it no longer exists. Restoring into an activity that has
// samples fails with ErrActivityNotEmpty.
func (s *Service) RestoreActivity(ctx context.Context, key string) (LoadResult, error) {
	if s.archive == nil {
		return LoadResult{}, ErrArchiveDisabled
	}
	doc, err := s.readArchive(ctx, key)
	if err != nil {
		return LoadResult{}, err
	}
	activityID := doc.Activity.ID

	paramIDs := make(map[string]string, len(doc.Parameters))
	err = s.run(ctx, "prepare_restore", activityID, func(tx domain.Transaction) error {
		_, err := tx.GetActivity(activityID)
		exists := err == nil
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if exists {
			ips, err := tx.ListInstantPoints(activityID)
			if err != nil {
				return err
			}
			if len(ips) > 0 {
				return fmt.Errorf("restore %s: %w", activityID, ErrActivityNotEmpty)
			}
		}
		for _, p := range doc.Parameters {
			got, err := restoreParameter(tx, p)
			if err != nil {
				return fmt.Errorf("restore parameter %s: %w", p.Name, err)
			}
			paramIDs[p.ID] = got.ID
		}
		if exists {
			return nil
		}
		a := doc.Activity
		a.NumMeasuredParameters, a.MapTrack, a.MinDepth, a.MaxDepth, a.LoadedDate = nil, nil, nil, nil, nil
		_, err = tx.CreateActivity(a)
		return err
	})
	if err != nil {
		return LoadResult{}, err
	}

	for i := range doc.Samples {
		for j := range doc.Samples[i].Values {
			v := &doc.Samples[i].Values[j]
			if id, ok := paramIDs[v.ParameterID]; ok {
				v.ParameterID = id
			}
		}
	}
	return s.LoadSamples(ctx, activityID, doc.Samples)
}

// restoreParameter finds the archived parameter by name or creates it under a
// fresh id.
func restoreParameter(tx domain.Transaction, p domain.Parameter) (domain.Parameter, error) {
	got, err := tx.FindParameterByName(p.Name)
	if !errors.Is(err, domain.ErrNotFound) {
		return got, err
	}
	p.ID = ""
	got, err = tx.CreateParameter(p)
	if errors.Is(err, domain.ErrUniqueness) {
		return tx.FindParameterByName(p.Name)
	}
	return got, err
}

func (s *Service) readArchive(ctx context.Context, key string) (ActivityArchive, error) {
	var doc ActivityArchive
	err := s.instrument(ctx, "read_archive", "", func(ctx context.Context) error {
		_, rc, err := s.archive.Get(ctx, key)
		if err != nil {
			return err
		}
		defer rc.Close()
		return json.NewDecoder(rc).Decode(&doc)
	})
	if err != nil {
		return ActivityArchive{}, fmt.Errorf("read archive %s: %w", key, err)
	}
	if doc.Version != archiveVersion || doc.Activity.ID == "" {
		return ActivityArchive{}, fmt.Errorf("read archive %s: %w (version %d)", key, ErrArchiveFormat, doc.Version)
	}
	return doc, nil
}

// PurgeActivity deletes every sample and count of an activity and clears its
// summary, keeping the activity for a reload. With archive set the samples
// are written to the archive store first and the returned key names them.
func (s *Service) PurgeActivity(ctx context.Context, activityID string, archive bool) (string, error) {
	var key string
	if archive {
		info, err := s.ArchiveActivity(ctx, activityID)
		if err != nil {
			return "", err
		}
		key = info.Key
	}
	err := s.run(ctx, "purge_activity", activityID, func(tx domain.Transaction) error {
		return tx.PurgeActivityData(activityID)
	})
	return key, err
}
