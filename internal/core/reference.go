package core

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"stoqscore/pkg/domain"
)

func write[T any](ctx context.Context, s *Service, op, activityID string, fn func(domain.Transaction) (T, error)) (T, error) {
	var out T
	err := s.run(ctx, op, activityID, func(tx domain.Transaction) error {
		var err error
		out, err = fn(tx)
		return err
	})
	return out, err
}

func read[T any](ctx context.Context, s *Service, op, activityID string, fn func(domain.TransactionView) (T, error)) (T, error) {
	var out T
	err := s.view(ctx, op, activityID, func(v domain.TransactionView) error {
		var err error
		out, err = fn(v)
		return err
	})
	return out, err
}

// ensure resolves a reference row by its natural key, creating it when
// absent. A concurrent creator surfaces as a uniqueness violation; the loop
// then re-reads the winner's row.
func ensure[T any](ctx context.Context, s *Service, op string, cache *lru.Cache[string, T], key string,
	find func(domain.TransactionView) (T, error), create func(domain.Transaction) (T, error)) (T, error) {
	if v, ok := cache.Get(key); ok {
		return v, nil
	}
	for attempt := 0; ; attempt++ {
		out, err := write(ctx, s, op, "", func(tx domain.Transaction) (T, error) {
			v, err := find(tx)
			if err == nil || !errors.Is(err, domain.ErrNotFound) {
				return v, err
			}
			return create(tx)
		})
		if err == nil {
			cache.Add(key, out)
			return out, nil
		}
		if errors.Is(err, domain.ErrUniqueness) && attempt < s.maxRetries {
			s.observeRetry(ctx, op, attempt+1, err)
			continue
		}
		return out, err
	}
}

// CreateCampaign persists a new campaign.
func (s *Service) CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	return write(ctx, s, "create_campaign", "", func(tx domain.Transaction) (domain.Campaign, error) {
		return tx.CreateCampaign(c)
	})
}

// UpdateCampaign mutates a campaign using the provided mutator.
func (s *Service) UpdateCampaign(ctx context.Context, id string, mutator func(*domain.Campaign) error) (domain.Campaign, error) {
	return write(ctx, s, "update_campaign", "", func(tx domain.Transaction) (domain.Campaign, error) {
		return tx.UpdateCampaign(id, mutator)
	})
}

// DeleteCampaign removes a campaign and its log; activities must be gone first.
func (s *Service) DeleteCampaign(ctx context.Context, id string) error {
	return s.run(ctx, "delete_campaign", "", func(tx domain.Transaction) error {
		return tx.DeleteCampaign(id)
	})
}

// ListCampaigns returns every campaign.
func (s *Service) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	return read(ctx, s, "list_campaigns", "", func(v domain.TransactionView) ([]domain.Campaign, error) {
		return v.ListCampaigns()
	})
}

// AddCampaignLog appends a note to a campaign.
func (s *Service) AddCampaignLog(ctx context.Context, l domain.CampaignLog) (domain.CampaignLog, error) {
	return write(ctx, s, "add_campaign_log", "", func(tx domain.Transaction) (domain.CampaignLog, error) {
		return tx.CreateCampaignLog(l)
	})
}

// ListCampaignLogs returns a campaign's notes in time order.
func (s *Service) ListCampaignLogs(ctx context.Context, campaignID string) ([]domain.CampaignLog, error) {
	return read(ctx, s, "list_campaign_logs", "", func(v domain.TransactionView) ([]domain.CampaignLog, error) {
		if _, err := v.GetCampaign(campaignID); err != nil {
			return nil, err
		}
		return v.ListCampaignLogs(campaignID)
	})
}

// EnsureActivityType returns the activity type called name, creating it if needed.
func (s *Service) EnsureActivityType(ctx context.Context, name string) (domain.ActivityType, error) {
	return ensure(ctx, s, "ensure_activity_type", s.refs.activityTypes, name,
		func(v domain.TransactionView) (domain.ActivityType, error) { return v.FindActivityTypeByName(name) },
		func(tx domain.Transaction) (domain.ActivityType, error) {
			return tx.CreateActivityType(domain.ActivityType{Name: name})
		})
}

// DeleteActivityType removes an unused activity type.
func (s *Service) DeleteActivityType(ctx context.Context, id string) error {
	err := s.run(ctx, "delete_activity_type", "", func(tx domain.Transaction) error {
		return tx.DeleteActivityType(id)
	})
	if err == nil {
		removeByID(s.refs.activityTypes, id, func(a domain.ActivityType) string { return a.ID })
	}
	return err
}

// EnsurePlatformType returns the platform type called name, creating it if needed.
func (s *Service) EnsurePlatformType(ctx context.Context, name string) (domain.PlatformType, error) {
	return ensure(ctx, s, "ensure_platform_type", s.refs.platformTypes, name,
		func(v domain.TransactionView) (domain.PlatformType, error) { return v.FindPlatformTypeByName(name) },
		func(tx domain.Transaction) (domain.PlatformType, error) {
			return tx.CreatePlatformType(domain.PlatformType{Name: name})
		})
}

// DeletePlatformType removes a platform type no platform refers to.
func (s *Service) DeletePlatformType(ctx context.Context, id string) error {
	err := s.run(ctx, "delete_platform_type", "", func(tx domain.Transaction) error {
		return tx.DeletePlatformType(id)
	})
	if err == nil {
		removeByID(s.refs.platformTypes, id, func(p domain.PlatformType) string { return p.ID })
		s.refs.forgetPlatformsOfType(id)
	}
	return err
}

// EnsurePlatform returns the platform called name of the named type,
// creating the type and the platform as needed.
func (s *Service) EnsurePlatform(ctx context.Context, name, platformTypeName string) (domain.Platform, error) {
	pt, err := s.EnsurePlatformType(ctx, platformTypeName)
	if err != nil {
		return domain.Platform{}, err
	}
	return ensure(ctx, s, "ensure_platform", s.refs.platforms, platformKey(name, pt.ID),
		func(v domain.TransactionView) (domain.Platform, error) { return v.FindPlatform(name, pt.ID) },
		func(tx domain.Transaction) (domain.Platform, error) {
			return tx.CreatePlatform(domain.Platform{Name: name, PlatformTypeID: pt.ID})
		})
}

// DeletePlatform removes a platform no activity refers to.
func (s *Service) DeletePlatform(ctx context.Context, id string) error {
	err := s.run(ctx, "delete_platform", "", func(tx domain.Transaction) error {
		return tx.DeletePlatform(id)
	})
	if err == nil {
		removeByID(s.refs.platforms, id, func(p domain.Platform) string { return p.ID })
	}
	return err
}

// EnsureParameter returns the parameter named p.Name, creating it from p if
// needed. Descriptive fields of an existing parameter are left unchanged.
func (s *Service) EnsureParameter(ctx context.Context, p domain.Parameter) (domain.Parameter, error) {
	return ensure(ctx, s, "ensure_parameter", s.refs.parameters, p.Name,
		func(v domain.TransactionView) (domain.Parameter, error) { return v.FindParameterByName(p.Name) },
		func(tx domain.Transaction) (domain.Parameter, error) { return tx.CreateParameter(p) })
}

// UpdateParameter mutates a parameter's descriptive fields.
func (s *Service) UpdateParameter(ctx context.Context, id string, mutator func(*domain.Parameter) error) (domain.Parameter, error) {
	removeByID(s.refs.parameters, id, func(p domain.Parameter) string { return p.ID })
	return write(ctx, s, "update_parameter", "", func(tx domain.Transaction) (domain.Parameter, error) {
		return tx.UpdateParameter(id, mutator)
	})
}

// DeleteParameter removes a parameter without stored values or counts.
func (s *Service) DeleteParameter(ctx context.Context, id string) error {
	err := s.run(ctx, "delete_parameter", "", func(tx domain.Transaction) error {
		return tx.DeleteParameter(id)
	})
	if err == nil {
		removeByID(s.refs.parameters, id, func(p domain.Parameter) string { return p.ID })
	}
	return err
}

// ListParameters returns every parameter.
func (s *Service) ListParameters(ctx context.Context) ([]domain.Parameter, error) {
	return read(ctx, s, "list_parameters", "", func(v domain.TransactionView) ([]domain.Parameter, error) {
		return v.ListParameters()
	})
}

// CreateActivity persists a new activity.
func (s *Service) CreateActivity(ctx context.Context, a domain.Activity) (domain.Activity, error) {
	return write(ctx, s, "create_activity", a.ID, func(tx domain.Transaction) (domain.Activity, error) {
		return tx.CreateActivity(a)
	})
}

// UpdateActivity mutates an activity using the provided mutator.
func (s *Service) UpdateActivity(ctx context.Context, id string, mutator func(*domain.Activity) error) (domain.Activity, error) {
	return write(ctx, s, "update_activity", id, func(tx domain.Transaction) (domain.Activity, error) {
		return tx.UpdateActivity(id, mutator)
	})
}

// DeleteActivity removes an activity with all of its samples and counts.
func (s *Service) DeleteActivity(ctx context.Context, id string) error {
	return s.run(ctx, "delete_activity", id, func(tx domain.Transaction) error {
		return tx.DeleteActivity(id)
	})
}

// GetActivity returns one activity.
func (s *Service) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	return read(ctx, s, "get_activity", id, func(v domain.TransactionView) (domain.Activity, error) {
		return v.GetActivity(id)
	})
}

// ListActivities returns every activity.
func (s *Service) ListActivities(ctx context.Context) ([]domain.Activity, error) {
	return read(ctx, s, "list_activities", "", func(v domain.TransactionView) ([]domain.Activity, error) {
		return v.ListActivities()
	})
}

// QueryMeasurements runs a time/space/depth selection.
func (s *Service) QueryMeasurements(ctx context.Context, q domain.MeasurementQuery) ([]domain.MeasurementRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return read(ctx, s, "query_measurements", "", func(v domain.TransactionView) ([]domain.MeasurementRecord, error) {
		return v.QueryMeasurements(q)
	})
}

// NearestMeasurements returns the k measurements closest to target.
func (s *Service) NearestMeasurements(ctx context.Context, target domain.Point, k int, activityIDs []string) ([]domain.MeasurementRecord, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return read(ctx, s, "nearest_measurements", "", func(v domain.TransactionView) ([]domain.MeasurementRecord, error) {
		return v.NearestMeasurements(target, k, activityIDs)
	})
}
