package domain

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

func requireText(entity EntityType, field, value string, limit int) error {
	if value == "" {
		return &ValidationError{Entity: entity, Field: field, Reason: "is required"}
	}
	return limitText(entity, field, value, limit)
}

func limitText(entity EntityType, field, value string, limit int) error {
	if utf8.RuneCountInString(value) > limit {
		return &ValidationError{Entity: entity, Field: field, Reason: "exceeds maximum length"}
	}
	return nil
}

// Times are stored as int64 nanoseconds since the Unix epoch.
var (
	minStorableTime = time.Unix(0, math.MinInt64).UTC()
	maxStorableTime = time.Unix(0, math.MaxInt64).UTC()
)

func requireTime(entity EntityType, field string, t time.Time) error {
	if t.IsZero() {
		return &ValidationError{Entity: entity, Field: field, Reason: "is required"}
	}
	if t.Before(minStorableTime) || t.After(maxStorableTime) {
		return &ValidationError{Entity: entity, Field: field, Reason: "is outside the storable range"}
	}
	return nil
}

func optionalTime(entity EntityType, field string, t *time.Time) error {
	if t == nil {
		return nil
	}
	return requireTime(entity, field, *t)
}

func limitOptional(entity EntityType, field string, value *string, limit int) error {
	if value == nil {
		return nil
	}
	return limitText(entity, field, *value, limit)
}

func optionalDecimal(field string, d *decimal.Decimal) error {
	if d == nil {
		return nil
	}
	return CheckPrecision(field, *d)
}

// Validate checks required fields and length limits.
func (c Campaign) Validate() error {
	if err := requireText(EntityCampaign, "name", c.Name, MaxNameLength); err != nil {
		return err
	}
	if err := optionalTime(EntityCampaign, "startdate", c.StartDate); err != nil {
		return err
	}
	if err := optionalTime(EntityCampaign, "enddate", c.EndDate); err != nil {
		return err
	}
	return limitOptional(EntityCampaign, "description", c.Description, MaxDescriptionLength)
}

// Validate checks required fields and length limits.
func (l CampaignLog) Validate() error {
	if l.CampaignID == "" {
		return &ValidationError{Entity: EntityCampaignLog, Field: "campaign_id", Reason: "is required"}
	}
	if err := requireTime(EntityCampaignLog, "timevalue", l.TimeValue); err != nil {
		return err
	}
	return requireText(EntityCampaignLog, "message", l.Message, MaxMessageLength)
}

// Validate checks required fields and length limits.
func (a ActivityType) Validate() error {
	return requireText(EntityActivityType, "name", a.Name, MaxNameLength)
}

// Validate checks required fields and length limits.
func (p PlatformType) Validate() error {
	return requireText(EntityPlatformType, "name", p.Name, MaxNameLength)
}

// Validate checks required fields and length limits.
func (p Platform) Validate() error {
	if err := requireText(EntityPlatform, "name", p.Name, MaxNameLength); err != nil {
		return err
	}
	if p.PlatformTypeID == "" {
		return &ValidationError{Entity: EntityPlatform, Field: "platformtype_id", Reason: "is required"}
	}
	return nil
}

// Validate checks required fields, length limits and the cached summary values.
func (a Activity) Validate() error {
	if err := requireText(EntityActivity, "name", a.Name, MaxNameLength); err != nil {
		return err
	}
	if a.PlatformID == "" {
		return &ValidationError{Entity: EntityActivity, Field: "platform_id", Reason: "is required"}
	}
	if err := requireTime(EntityActivity, "startdate", a.StartDate); err != nil {
		return err
	}
	if err := optionalTime(EntityActivity, "enddate", a.EndDate); err != nil {
		return err
	}
	if err := limitText(EntityActivity, "comment", a.Comment, MaxCommentLength); err != nil {
		return err
	}
	if a.NumMeasuredParameters != nil && *a.NumMeasuredParameters < 0 {
		return &ValidationError{Entity: EntityActivity, Field: "num_measuredparameters", Reason: "must not be negative"}
	}
	if err := optionalDecimal("mindepth", a.MinDepth); err != nil {
		return err
	}
	if err := optionalDecimal("maxdepth", a.MaxDepth); err != nil {
		return err
	}
	return a.MapTrack.Validate()
}

// Validate checks required fields.
func (p InstantPoint) Validate() error {
	if p.ActivityID == "" {
		return &ValidationError{Entity: EntityInstantPoint, Field: "activity_id", Reason: "is required"}
	}
	if err := requireTime(EntityInstantPoint, "timevalue", p.TimeValue); err != nil {
		return err
	}
	return nil
}

// Validate checks required fields and length limits.
func (p Parameter) Validate() error {
	if err := requireText(EntityParameter, "name", p.Name, MaxNameLength); err != nil {
		return err
	}
	optional := []struct {
		field string
		value *string
	}{
		{"type", p.Type},
		{"description", p.Description},
		{"standard_name", p.StandardName},
		{"long_name", p.LongName},
		{"units", p.Units},
		{"origin", p.Origin},
	}
	for _, o := range optional {
		if err := limitOptional(EntityParameter, o.field, o.value, MaxNameLength); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the depth precision and the position.
func (m Measurement) Validate() error {
	if m.InstantPointID == 0 {
		return &ValidationError{Entity: EntityMeasurement, Field: "instantpoint_id", Reason: "is required"}
	}
	if err := CheckPrecision("depth", m.Depth); err != nil {
		return err
	}
	return m.Geom.Validate()
}

// Validate checks required fields and the count.
func (a ActivityParameter) Validate() error {
	if a.ActivityID == "" {
		return &ValidationError{Entity: EntityActivityParameter, Field: "activity_id", Reason: "is required"}
	}
	if a.ParameterID == "" {
		return &ValidationError{Entity: EntityActivityParameter, Field: "parameter_id", Reason: "is required"}
	}
	if a.Number < 0 {
		return &ValidationError{Entity: EntityActivityParameter, Field: "number", Reason: "must not be negative"}
	}
	return nil
}

// Validate checks required fields and the value precision.
func (m MeasuredParameter) Validate() error {
	if m.MeasurementID == 0 {
		return &ValidationError{Entity: EntityMeasuredParameter, Field: "measurement_id", Reason: "is required"}
	}
	if m.ParameterID == "" {
		return &ValidationError{Entity: EntityMeasuredParameter, Field: "parameter_id", Reason: "is required"}
	}
	return CheckPrecision("datavalue", m.DataValue)
}

// Validate checks a loader tuple before any row is written.
func (s Sample) Validate() error {
	if err := requireTime("", "timevalue", s.TimeValue); err != nil {
		return err
	}
	if err := s.Geom.Validate(); err != nil {
		return err
	}
	if err := CheckPrecision("depth", s.Depth); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(s.Values))
	for _, v := range s.Values {
		if v.ParameterID == "" {
			return &ValidationError{Field: "parameter_id", Reason: "is required"}
		}
		if _, dup := seen[v.ParameterID]; dup {
			return &UniquenessError{Entity: EntityMeasuredParameter, Key: "parameter_id", Value: v.ParameterID}
		}
		seen[v.ParameterID] = struct{}{}
		if err := CheckPrecision("datavalue", v.Value); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the optional spatial and depth filters.
func (q MeasurementQuery) Validate() error {
	if q.BBox != nil {
		if err := q.BBox.Validate(); err != nil {
			return err
		}
	}
	if q.Start != nil && q.End != nil && q.End.Before(*q.Start) {
		return &ValidationError{Field: "time range", Reason: "ends before it starts"}
	}
	if q.MinDepth != nil && q.MaxDepth != nil && q.MaxDepth.LessThan(*q.MinDepth) {
		return &ValidationError{Field: "depth range", Reason: "max below min"}
	}
	if q.Limit < 0 {
		return &ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	return nil
}
