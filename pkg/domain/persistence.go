package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionView provides read-only access to a consistent snapshot.
// Lookups of a single record return a NotFoundError when nothing matches.
type TransactionView interface {
	GetCampaign(id string) (Campaign, error)
	ListCampaigns() ([]Campaign, error)
	ListCampaignLogs(campaignID string) ([]CampaignLog, error)

	GetActivityType(id string) (ActivityType, error)
	FindActivityTypeByName(name string) (ActivityType, error)
	ListActivityTypes() ([]ActivityType, error)
	GetPlatformType(id string) (PlatformType, error)
	FindPlatformTypeByName(name string) (PlatformType, error)
	ListPlatformTypes() ([]PlatformType, error)
	GetPlatform(id string) (Platform, error)
	FindPlatform(name, platformTypeID string) (Platform, error)
	ListPlatforms() ([]Platform, error)
	GetParameter(id string) (Parameter, error)
	FindParameterByName(name string) (Parameter, error)
	ListParameters() ([]Parameter, error)

	GetActivity(id string) (Activity, error)
	ListActivities() ([]Activity, error)

	GetInstantPoint(id int64) (InstantPoint, error)
	FindInstantPoint(activityID string, at time.Time) (InstantPoint, error)
	ListInstantPoints(activityID string) ([]InstantPoint, error)
	GetMeasurement(id int64) (Measurement, error)
	ListMeasurements(instantPointID int64) ([]Measurement, error)
	GetMeasuredParameter(id int64) (MeasuredParameter, error)
	ListMeasuredParameters(measurementID int64) ([]MeasuredParameter, error)

	GetActivityParameter(activityID, parameterID string) (ActivityParameter, error)
	ListActivityParameters(activityID string) ([]ActivityParameter, error)
	// CountMeasuredParameters counts stored values of parameterID within activityID.
	CountMeasuredParameters(activityID, parameterID string) (int64, error)
	// SummarizeActivity derives the cached Activity summary from its children.
	SummarizeActivity(activityID string) (ActivitySummary, error)

	QueryMeasurements(q MeasurementQuery) ([]MeasurementRecord, error)
	NearestMeasurements(target Point, k int, activityIDs []string) ([]MeasurementRecord, error)
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. Reads observe the transaction's own writes.
type Transaction interface {
	TransactionView

	CreateCampaign(Campaign) (Campaign, error)
	UpdateCampaign(id string, mutator func(*Campaign) error) (Campaign, error)
	DeleteCampaign(id string) error
	CreateCampaignLog(CampaignLog) (CampaignLog, error)
	DeleteCampaignLog(id string) error

	CreateActivityType(ActivityType) (ActivityType, error)
	UpdateActivityType(id string, mutator func(*ActivityType) error) (ActivityType, error)
	DeleteActivityType(id string) error
	CreatePlatformType(PlatformType) (PlatformType, error)
	UpdatePlatformType(id string, mutator func(*PlatformType) error) (PlatformType, error)
	DeletePlatformType(id string) error
	CreatePlatform(Platform) (Platform, error)
	UpdatePlatform(id string, mutator func(*Platform) error) (Platform, error)
	DeletePlatform(id string) error
	CreateParameter(Parameter) (Parameter, error)
	UpdateParameter(id string, mutator func(*Parameter) error) (Parameter, error)
	DeleteParameter(id string) error

	CreateActivity(Activity) (Activity, error)
	UpdateActivity(id string, mutator func(*Activity) error) (Activity, error)
	// DeleteActivity removes the activity and every sample and count beneath it.
	DeleteActivity(id string) error
	// PurgeActivityData removes every sample and count beneath the activity and
	// clears its cached summary, keeping the activity itself.
	PurgeActivityData(id string) error

	CreateInstantPoint(InstantPoint) (InstantPoint, error)
	DeleteInstantPoint(id int64) error
	CreateMeasurement(Measurement) (Measurement, error)
	DeleteMeasurement(id int64) error
	CreateMeasuredParameter(MeasuredParameter) (MeasuredParameter, error)
	DeleteMeasuredParameter(id int64) error

	CreateActivityParameter(ActivityParameter) (ActivityParameter, error)
	// IncrementActivityParameter adds delta to an existing count and returns
	// a NotFoundError when the pair has no row yet.
	IncrementActivityParameter(activityID, parameterID string, delta int64) (ActivityParameter, error)
	// SetActivityParameterCount overwrites a count; zero removes the row.
	SetActivityParameterCount(activityID, parameterID string, n int64) error
	// RecountActivityParameter replaces a count with the number of stored
	// values and returns it. Concurrent increments are not lost.
	RecountActivityParameter(activityID, parameterID string) (int64, error)

	// InsertSamples writes loader tuples for one activity, reusing instant
	// points that already exist at the same time.
	InsertSamples(activityID string, samples []Sample) (SampleBatchResult, error)
}

// PersistentStore is the abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	View(ctx context.Context, fn func(TransactionView) error) error
	Close() error
}

// ActivitySummary is the derived state cached on an Activity.
type ActivitySummary struct {
	NumMeasuredParameters int64            `json:"num_measuredparameters"`
	MapTrack              LineString       `json:"maptrack,omitempty"`
	MinDepth              *decimal.Decimal `json:"mindepth,omitempty"`
	MaxDepth              *decimal.Decimal `json:"maxdepth,omitempty"`
}

// Apply copies the summary onto a.
func (s ActivitySummary) Apply(a *Activity) {
	n := s.NumMeasuredParameters
	a.NumMeasuredParameters = &n
	a.MapTrack = append(LineString(nil), s.MapTrack...)
	a.MinDepth = s.MinDepth
	a.MaxDepth = s.MaxDepth
}

// CampaignDay is the calendar day that scopes campaign name uniqueness.
func CampaignDay(start *time.Time) string {
	if start == nil {
		return ""
	}
	return start.UTC().Format(time.DateOnly)
}
