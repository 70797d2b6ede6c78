package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"stoqscore/pkg/domain"
)

// verifyConcurrency bounds the activities checked in parallel by VerifyAll.
const verifyConcurrency = 4

// CountDrift reports a cached activity parameter count that disagrees with
// the stored measured parameters.
type CountDrift struct {
	ActivityID  string `json:"activity_id"`
	ParameterID string `json:"parameter_id"`
	Cached      int64  `json:"cached"`
	Actual      int64  `json:"actual"`
}

// RecordSample counts one more sample of parameterID within activityID.
func (s *Service) RecordSample(ctx context.Context, activityID, parameterID string) (domain.ActivityParameter, error) {
	return write(ctx, s, "record_sample", activityID, func(tx domain.Transaction) (domain.ActivityParameter, error) {
		return s.recordSamples(ctx, tx, activityID, parameterID, 1)
	})
}

// recordSamples adds delta to the (activity, parameter) count, creating the
// row when it is absent. Losing a create race to another writer shows up as a
// uniqueness violation and is retried as an increment.
func (s *Service) recordSamples(ctx context.Context, tx domain.Transaction, activityID, parameterID string, delta int64) (domain.ActivityParameter, error) {
	if delta <= 0 {
		return domain.ActivityParameter{}, &domain.ValidationError{Entity: domain.EntityActivityParameter, Field: "delta", Reason: "must be positive"}
	}
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.observeRetry(ctx, "record_samples", attempt, lastErr)
		}
		ap, err := tx.IncrementActivityParameter(activityID, parameterID, delta)
		if err == nil {
			return ap, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.ActivityParameter{}, err
		}
		ap, err = tx.CreateActivityParameter(domain.ActivityParameter{
			ActivityID:  activityID,
			ParameterID: parameterID,
			Number:      delta,
		})
		if err == nil {
			return ap, nil
		}
		if !errors.Is(err, domain.ErrUniqueness) {
			return domain.ActivityParameter{}, err
		}
		lastErr = err
	}
	return domain.ActivityParameter{}, fmt.Errorf("count %s/%s: gave up after %d retries: %w", activityID, parameterID, s.maxRetries, lastErr)
}

// ActivityParameterCounts returns the cached (parameter, count) pairs of an activity.
func (s *Service) ActivityParameterCounts(ctx context.Context, activityID string) ([]domain.ParameterCount, error) {
	return read(ctx, s, "activity_parameter_counts", activityID, func(v domain.TransactionView) ([]domain.ParameterCount, error) {
		if _, err := v.GetActivity(activityID); err != nil {
			return nil, err
		}
		return parameterCounts(v, activityID)
	})
}

func parameterCounts(v domain.TransactionView, activityID string) ([]domain.ParameterCount, error) {
	aps, err := v.ListActivityParameters(activityID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ParameterCount, 0, len(aps))
	for _, ap := range aps {
		out = append(out, domain.ParameterCount{ParameterID: ap.ParameterID, Count: ap.Number})
	}
	return out, nil
}

// RecountActivityParameter replaces the cached count with a full recount and
// returns it.
func (s *Service) RecountActivityParameter(ctx context.Context, activityID, parameterID string) (int64, error) {
	return write(ctx, s, "recount_activity_parameter", activityID, func(tx domain.Transaction) (int64, error) {
		if _, err := tx.GetActivity(activityID); err != nil {
			return 0, err
		}
		if _, err := tx.GetParameter(parameterID); err != nil {
			return 0, err
		}
		return tx.RecountActivityParameter(activityID, parameterID)
	})
}

// VerifyActivityParameters compares every cached count of an activity with a
// recount. A parameter with values but no cached row, or a row without
// values, is reported as well. An empty result means the cache is exact.
func (s *Service) VerifyActivityParameters(ctx context.Context, activityID string) ([]CountDrift, error) {
	return read(ctx, s, "verify_activity_parameters", activityID, func(v domain.TransactionView) ([]CountDrift, error) {
		if _, err := v.GetActivity(activityID); err != nil {
			return nil, err
		}
		return countDrift(v, activityID)
	})
}

func countDrift(v domain.TransactionView, activityID string) ([]CountDrift, error) {
	cached := make(map[string]int64)
	aps, err := v.ListActivityParameters(activityID)
	if err != nil {
		return nil, err
	}
	for _, ap := range aps {
		cached[ap.ParameterID] = ap.Number
	}
	params, err := v.ListParameters()
	if err != nil {
		return nil, err
	}
	var drift []CountDrift
	for _, p := range params {
		actual, err := v.CountMeasuredParameters(activityID, p.ID)
		if err != nil {
			return nil, err
		}
		if got := cached[p.ID]; got != actual {
			drift = append(drift, CountDrift{ActivityID: activityID, ParameterID: p.ID, Cached: got, Actual: actual})
		}
	}
	return drift, nil
}

// VerifyAll checks every activity, several at a time, and returns the drift
// ordered by activity and parameter.
func (s *Service) VerifyAll(ctx context.Context) ([]CountDrift, error) {
	activities, err := s.ListActivities(ctx)
	if err != nil {
		return nil, err
	}
	results := make([][]CountDrift, len(activities))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)
	for i, a := range activities {
		g.Go(func() error {
			d, err := s.VerifyActivityParameters(gctx, a.ID)
			if err != nil {
				return fmt.Errorf("verify %s: %w", a.ID, err)
			}
			results[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []CountDrift
	for _, d := range results {
		all = append(all, d...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ActivityID != all[j].ActivityID {
			return all[i].ActivityID < all[j].ActivityID
		}
		return all[i].ParameterID < all[j].ParameterID
	})
	return all, nil
}

// RepairActivityParameters rewrites every drifted count of an activity from a
// recount in one transaction and returns what it changed.
func (s *Service) RepairActivityParameters(ctx context.Context, activityID string) ([]CountDrift, error) {
	return write(ctx, s, "repair_activity_parameters", activityID, func(tx domain.Transaction) ([]CountDrift, error) {
		if _, err := tx.GetActivity(activityID); err != nil {
			return nil, err
		}
		drift, err := countDrift(tx, activityID)
		if err != nil {
			return nil, err
		}
		for i, d := range drift {
			n, err := tx.RecountActivityParameter(activityID, d.ParameterID)
			if err != nil {
				return nil, err
			}
			drift[i].Actual = n
		}
		return drift, nil
	})
}

// RefreshActivitySummary recomputes the activity's cached summary (value
// count, map track and depth range) from its samples.
func (s *Service) RefreshActivitySummary(ctx context.Context, activityID string) (domain.Activity, error) {
	return write(ctx, s, "refresh_activity_summary", activityID, func(tx domain.Transaction) (domain.Activity, error) {
		return refreshSummary(tx, activityID, nil)
	})
}

func refreshSummary(tx domain.Transaction, activityID string, mutate func(*domain.Activity)) (domain.Activity, error) {
	summary, err := tx.SummarizeActivity(activityID)
	if err != nil {
		return domain.Activity{}, err
	}
	return tx.UpdateActivity(activityID, func(a *domain.Activity) error {
		summary.Apply(a)
		if mutate != nil {
			mutate(a)
		}
		return nil
	})
}
