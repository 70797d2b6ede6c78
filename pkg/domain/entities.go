// Package domain defines the persistent entities, value types, error kinds and
// persistence contracts of the stoqs measurement storage core.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in errors, change records and persistence tables.
const (
	// EntityCampaign identifies a campaign record.
	EntityCampaign EntityType = "campaign"
	// EntityCampaignLog identifies a campaign log entry.
	EntityCampaignLog EntityType = "campaign_log"
	// EntityActivityType identifies an activity type record.
	EntityActivityType EntityType = "activity_type"
	// EntityPlatformType identifies a platform type record.
	EntityPlatformType EntityType = "platform_type"
	// EntityPlatform identifies a platform record.
	EntityPlatform EntityType = "platform"
	// EntityActivity identifies an activity (deployment) record.
	EntityActivity EntityType = "activity"
	// EntityInstantPoint identifies a sampling instant within an activity.
	EntityInstantPoint EntityType = "instant_point"
	// EntityParameter identifies a parameter definition.
	EntityParameter EntityType = "parameter"
	// EntityMeasurement identifies a spatial sample at an instant point.
	EntityMeasurement EntityType = "measurement"
	// EntityActivityParameter identifies the cached activity/parameter sample count.
	EntityActivityParameter EntityType = "activity_parameter"
	// EntityMeasuredParameter identifies one observed value of a parameter.
	EntityMeasuredParameter EntityType = "measured_parameter"
)

// Column limits carried over from the archive schema.
const (
	MaxNameLength        = 128
	MaxDescriptionLength = 4096
	MaxMessageLength     = 2048
	MaxCommentLength     = 2048
)

// Campaign is a named scientific field effort with a date range.
type Campaign struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	StartDate   *time.Time `json:"startdate,omitempty"`
	EndDate     *time.Time `json:"enddate,omitempty"`
}

// CampaignLog is a timestamped note attached to a campaign.
type CampaignLog struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	TimeValue  time.Time `json:"timevalue"`
	Message    string    `json:"message"`
}

// ActivityType categorises field activities (transect, mooring, ...).
type ActivityType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PlatformType categorises observing platforms (glider, mooring, ship, ...).
type PlatformType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Platform is a named physical instrument carrier.
type Platform struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PlatformTypeID string `json:"platformtype_id"`
}

// Activity is one deployment or run of a platform. The summary fields
// (NumMeasuredParameters, MapTrack, MinDepth, MaxDepth) are caches derived
// from the activity's measurements.
type Activity struct {
	ID                    string           `json:"id"`
	CampaignID            *string          `json:"campaign_id,omitempty"`
	PlatformID            string           `json:"platform_id"`
	ActivityTypeID        *string          `json:"activitytype_id,omitempty"`
	Name                  string           `json:"name"`
	Comment               string           `json:"comment"`
	StartDate             time.Time        `json:"startdate"`
	EndDate               *time.Time       `json:"enddate,omitempty"`
	NumMeasuredParameters *int64           `json:"num_measuredparameters,omitempty"`
	LoadedDate            *time.Time       `json:"loaded_date,omitempty"`
	MapTrack              LineString       `json:"maptrack,omitempty"`
	MinDepth              *decimal.Decimal `json:"mindepth,omitempty"`
	MaxDepth              *decimal.Decimal `json:"maxdepth,omitempty"`
}

// InstantPoint is a unique sampling instant within an activity.
type InstantPoint struct {
	ID         int64     `json:"id"`
	ActivityID string    `json:"activity_id"`
	TimeValue  time.Time `json:"timevalue"`
}

// Parameter is a physically typed quantity definition.
type Parameter struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Type         *string `json:"type,omitempty"`
	Description  *string `json:"description,omitempty"`
	StandardName *string `json:"standard_name,omitempty"`
	LongName     *string `json:"long_name,omitempty"`
	Units        *string `json:"units,omitempty"`
	Origin       *string `json:"origin,omitempty"`
}

// Measurement is a single spatial sample (position and depth) at an instant point.
type Measurement struct {
	ID             int64           `json:"id"`
	InstantPointID int64           `json:"instantpoint_id"`
	Depth          decimal.Decimal `json:"depth"`
	Geom           Point           `json:"geom"`
}

// ActivityParameter caches the number of samples of one parameter within one activity.
type ActivityParameter struct {
	ID          string `json:"id"`
	ActivityID  string `json:"activity_id"`
	ParameterID string `json:"parameter_id"`
	Number      int64  `json:"number"`
}

// MeasuredParameter is one observed value of one parameter at one measurement.
type MeasuredParameter struct {
	ID            int64           `json:"id"`
	MeasurementID int64           `json:"measurement_id"`
	ParameterID   string          `json:"parameter_id"`
	DataValue     decimal.Decimal `json:"datavalue"`
}

// Sample is one already-parsed observation tuple delivered by a loader:
// a time, a position and depth, and the values measured there.
type Sample struct {
	TimeValue time.Time       `json:"timevalue"`
	Geom      Point           `json:"geom"`
	Depth     decimal.Decimal `json:"depth"`
	Values    []SampleValue   `json:"values"`
}

// SampleValue pairs a parameter with its observed value.
type SampleValue struct {
	ParameterID string          `json:"parameter_id"`
	Value       decimal.Decimal `json:"value"`
}

// SampleBatchResult reports what a bulk insert created.
type SampleBatchResult struct {
	InstantPoints      int              `json:"instant_points"`
	Measurements       int              `json:"measurements"`
	MeasuredParameters int              `json:"measured_parameters"`
	PerParameter       map[string]int64 `json:"per_parameter"`
}

// ParameterCount is one cached (parameter, count) pair of an activity.
type ParameterCount struct {
	ParameterID string `json:"parameter_id"`
	Count       int64  `json:"count"`
}

// MeasurementRecord joins a measurement with its instant and observed values.
type MeasurementRecord struct {
	ActivityID   string              `json:"activity_id"`
	InstantPoint InstantPoint        `json:"instant_point"`
	Measurement  Measurement         `json:"measurement"`
	Values       []MeasuredParameter `json:"values"`
}

// MeasurementQuery selects measurements by activity, time, space and depth.
// Nil or empty fields do not constrain the result. Ranges are inclusive.
type MeasurementQuery struct {
	ActivityIDs  []string
	Start        *time.Time
	End          *time.Time
	BBox         *BoundingBox
	MinDepth     *decimal.Decimal
	MaxDepth     *decimal.Decimal
	ParameterIDs []string
	Limit        int
}
