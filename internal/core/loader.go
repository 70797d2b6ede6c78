package core

import (
	"context"
	"fmt"
	"sort"

	"stoqscore/pkg/domain"
)

// LoadResult totals what LoadSamples wrote.
type LoadResult struct {
	Chunks             int              `json:"chunks"`
	Samples            int              `json:"samples"`
	InstantPoints      int              `json:"instant_points"`
	Measurements       int              `json:"measurements"`
	MeasuredParameters int              `json:"measured_parameters"`
	PerParameter       map[string]int64 `json:"per_parameter"`
}

func (r *LoadResult) add(b domain.SampleBatchResult) {
	r.InstantPoints += b.InstantPoints
	r.Measurements += b.Measurements
	r.MeasuredParameters += b.MeasuredParameters
	for p, n := range b.PerParameter {
		r.PerParameter[p] += n
	}
}

// LoadSamples writes loader tuples into an activity. Samples are committed in
// chunks of the configured batch size; each chunk inserts its rows and adds
// their per-parameter counts in the same transaction, so counts never run
// ahead of or behind the stored values. After the last chunk the activity
// summary is recomputed and its loaded date set.
//
// A failing chunk stops the load. Earlier chunks stay committed and are
// reflected in the returned result.
func (s *Service) LoadSamples(ctx context.Context, activityID string, samples []domain.Sample) (LoadResult, error) {
	res := LoadResult{PerParameter: make(map[string]int64)}
	for i := range samples {
		if err := samples[i].Validate(); err != nil {
			return res, fmt.Errorf("sample %d: %w", i, err)
		}
	}
	s.logger.Info("loading samples", "activity_id", activityID, "samples", len(samples), "batch_size", s.batchSize)
	for start := 0; start < len(samples); start += s.batchSize {
		end := min(start+s.batchSize, len(samples))
		chunk := samples[start:end]
		batch, err := write(ctx, s, "load_samples_chunk", activityID, func(tx domain.Transaction) (domain.SampleBatchResult, error) {
			return s.insertChunk(ctx, tx, activityID, chunk)
		})
		if err != nil {
			return res, fmt.Errorf("load %s samples %d-%d: %w", activityID, start, end-1, err)
		}
		res.Chunks++
		res.Samples += len(chunk)
		res.add(batch)
		s.observeSamples(ctx, len(chunk))
	}

	loaded := s.clock.Now().UTC()
	err := s.run(ctx, "finish_load", activityID, func(tx domain.Transaction) error {
		_, err := refreshSummary(tx, activityID, func(a *domain.Activity) { a.LoadedDate = &loaded })
		return err
	})
	if err != nil {
		return res, err
	}
	s.logger.Info("loaded samples", "activity_id", activityID, "chunks", res.Chunks,
		"measurements", res.Measurements, "measured_parameters", res.MeasuredParameters)
	return res, nil
}

func (s *Service) insertChunk(ctx context.Context, tx domain.Transaction, activityID string, chunk []domain.Sample) (domain.SampleBatchResult, error) {
	batch, err := tx.InsertSamples(activityID, chunk)
	if err != nil {
		return batch, err
	}
	params := make([]string, 0, len(batch.PerParameter))
	for p := range batch.PerParameter {
		params = append(params, p)
	}
	// fixed order keeps concurrent loads from locking count rows in opposite orders
	sort.Strings(params)
	for _, p := range params {
		if n := batch.PerParameter[p]; n > 0 {
			if _, err := s.recordSamples(ctx, tx, activityID, p, n); err != nil {
				return batch, err
			}
		}
	}
	return batch, nil
}
