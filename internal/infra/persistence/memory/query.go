package memory

import (
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"stoqscore/pkg/domain"
)

func listMap[K int64 | string, V any](m interface {
	Scan(func(K, V) bool)
}, clone func(V) V) []V {
	var out []V
	m.Scan(func(_ K, v V) bool {
		out = append(out, clone(v))
		return true
	})
	return out
}

func same[V any](v V) V { return v }

func (v view) GetCampaign(id string) (domain.Campaign, error) {
	c, ok := v.st.campaigns.Get(id)
	if !ok {
		return domain.Campaign{}, domain.NotFound(domain.EntityCampaign, id)
	}
	return cloneCampaign(c), nil
}

func (v view) ListCampaigns() ([]domain.Campaign, error) {
	return listMap[string](v.st.campaigns, cloneCampaign), nil
}

// ListCampaignLogs returns a campaign's log entries ordered by time.
func (v view) ListCampaignLogs(campaignID string) ([]domain.CampaignLog, error) {
	var out []domain.CampaignLog
	for _, id := range refsOf(v.st.logsByCampaign, campaignID) {
		if l, ok := v.st.logs.Get(id); ok {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b domain.CampaignLog) int { return a.TimeValue.Compare(b.TimeValue) })
	return out, nil
}

func (v view) GetActivityType(id string) (domain.ActivityType, error) {
	a, ok := v.st.activityTypes.Get(id)
	if !ok {
		return domain.ActivityType{}, domain.NotFound(domain.EntityActivityType, id)
	}
	return a, nil
}

func (v view) FindActivityTypeByName(name string) (domain.ActivityType, error) {
	id, ok := v.st.activityTypeNames.Get(name)
	if !ok {
		return domain.ActivityType{}, domain.NotFound(domain.EntityActivityType, name)
	}
	return v.GetActivityType(id)
}

func (v view) ListActivityTypes() ([]domain.ActivityType, error) {
	return listMap[string](v.st.activityTypes, same[domain.ActivityType]), nil
}

func (v view) GetPlatformType(id string) (domain.PlatformType, error) {
	p, ok := v.st.platformTypes.Get(id)
	if !ok {
		return domain.PlatformType{}, domain.NotFound(domain.EntityPlatformType, id)
	}
	return p, nil
}

func (v view) FindPlatformTypeByName(name string) (domain.PlatformType, error) {
	id, ok := v.st.platformTypeNames.Get(name)
	if !ok {
		return domain.PlatformType{}, domain.NotFound(domain.EntityPlatformType, name)
	}
	return v.GetPlatformType(id)
}

func (v view) ListPlatformTypes() ([]domain.PlatformType, error) {
	return listMap[string](v.st.platformTypes, same[domain.PlatformType]), nil
}

func (v view) GetPlatform(id string) (domain.Platform, error) {
	p, ok := v.st.platforms.Get(id)
	if !ok {
		return domain.Platform{}, domain.NotFound(domain.EntityPlatform, id)
	}
	return p, nil
}

func (v view) FindPlatform(name, platformTypeID string) (domain.Platform, error) {
	for _, id := range refsOf(v.st.platformsByType, platformTypeID) {
		if p, ok := v.st.platforms.Get(id); ok && p.Name == name {
			return p, nil
		}
	}
	return domain.Platform{}, domain.NotFound(domain.EntityPlatform, name)
}

func (v view) ListPlatforms() ([]domain.Platform, error) {
	return listMap[string](v.st.platforms, same[domain.Platform]), nil
}

func (v view) GetParameter(id string) (domain.Parameter, error) {
	p, ok := v.st.parameters.Get(id)
	if !ok {
		return domain.Parameter{}, domain.NotFound(domain.EntityParameter, id)
	}
	return cloneParameter(p), nil
}

func (v view) FindParameterByName(name string) (domain.Parameter, error) {
	id, ok := v.st.parameterNames.Get(name)
	if !ok {
		return domain.Parameter{}, domain.NotFound(domain.EntityParameter, name)
	}
	return v.GetParameter(id)
}

func (v view) ListParameters() ([]domain.Parameter, error) {
	return listMap[string](v.st.parameters, cloneParameter), nil
}

func (v view) GetActivity(id string) (domain.Activity, error) {
	a, ok := v.st.activities.Get(id)
	if !ok {
		return domain.Activity{}, domain.NotFound(domain.EntityActivity, id)
	}
	return cloneActivity(a), nil
}

func (v view) ListActivities() ([]domain.Activity, error) {
	return listMap[string](v.st.activities, cloneActivity), nil
}

func (v view) GetInstantPoint(id int64) (domain.InstantPoint, error) {
	ip, ok := v.st.instants.Get(id)
	if !ok {
		return domain.InstantPoint{}, domain.NotFound(domain.EntityInstantPoint, sampleID(id))
	}
	return ip, nil
}

func (v view) FindInstantPoint(activityID string, at time.Time) (domain.InstantPoint, error) {
	ip, ok := v.findInstant(activityID, at.UTC().UnixNano())
	if !ok {
		return domain.InstantPoint{}, domain.NotFound(domain.EntityInstantPoint, activityID+"@"+at.UTC().String())
	}
	return ip, nil
}

func (v view) ListInstantPoints(activityID string) ([]domain.InstantPoint, error) {
	return v.st.instantsOf(activityID), nil
}

func (v view) GetMeasurement(id int64) (domain.Measurement, error) {
	m, ok := v.st.measurements.Get(id)
	if !ok {
		return domain.Measurement{}, domain.NotFound(domain.EntityMeasurement, sampleID(id))
	}
	return m, nil
}

func (v view) ListMeasurements(instantPointID int64) ([]domain.Measurement, error) {
	var out []domain.Measurement
	for _, id := range childrenOf(v.st.measurementsByInstant, instantPointID) {
		if m, ok := v.st.measurements.Get(id); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (v view) GetMeasuredParameter(id int64) (domain.MeasuredParameter, error) {
	mp, ok := v.st.measured.Get(id)
	if !ok {
		return domain.MeasuredParameter{}, domain.NotFound(domain.EntityMeasuredParameter, sampleID(id))
	}
	return mp, nil
}

func (v view) ListMeasuredParameters(measurementID int64) ([]domain.MeasuredParameter, error) {
	var out []domain.MeasuredParameter
	for _, id := range childrenOf(v.st.measuredByMeasurement, measurementID) {
		if mp, ok := v.st.measured.Get(id); ok {
			out = append(out, mp)
		}
	}
	return out, nil
}

func (v view) GetActivityParameter(activityID, parameterID string) (domain.ActivityParameter, error) {
	id, ok := v.st.activityParamPairs.Get(pairKey(activityID, parameterID))
	if !ok {
		return domain.ActivityParameter{}, domain.NotFound(domain.EntityActivityParameter, activityID+"/"+parameterID)
	}
	ap, _ := v.st.activityParams.Get(id)
	return ap, nil
}

// ListActivityParameters returns the cached counts of an activity ordered by parameter id.
func (v view) ListActivityParameters(activityID string) ([]domain.ActivityParameter, error) {
	var out []domain.ActivityParameter
	for _, id := range v.st.activityParamIDs(activityID) {
		if ap, ok := v.st.activityParams.Get(id); ok {
			out = append(out, ap)
		}
	}
	return out, nil
}

func (v view) CountMeasuredParameters(activityID, parameterID string) (int64, error) {
	if _, ok := v.st.activities.Get(activityID); !ok {
		return 0, domain.NotFound(domain.EntityActivity, activityID)
	}
	var n int64
	v.eachMeasurement(activityID, func(_ domain.InstantPoint, m domain.Measurement) {
		for _, id := range childrenOf(v.st.measuredByMeasurement, m.ID) {
			if mp, ok := v.st.measured.Get(id); ok && mp.ParameterID == parameterID {
				n++
			}
		}
	})
	return n, nil
}

// SummarizeActivity walks the activity's measurements in time order.
func (v view) SummarizeActivity(activityID string) (domain.ActivitySummary, error) {
	if _, ok := v.st.activities.Get(activityID); !ok {
		return domain.ActivitySummary{}, domain.NotFound(domain.EntityActivity, activityID)
	}
	var (
		summary       domain.ActivitySummary
		shallow, deep decimal.Decimal
		seen          bool
	)
	v.eachMeasurement(activityID, func(_ domain.InstantPoint, m domain.Measurement) {
		summary.NumMeasuredParameters += int64(len(childrenOf(v.st.measuredByMeasurement, m.ID)))
		summary.MapTrack = append(summary.MapTrack, m.Geom)
		if !seen || m.Depth.LessThan(shallow) {
			shallow = m.Depth
		}
		if !seen || m.Depth.GreaterThan(deep) {
			deep = m.Depth
		}
		seen = true
	})
	if seen {
		summary.MinDepth, summary.MaxDepth = &shallow, &deep
	}
	return summary, nil
}

func (v view) eachMeasurement(activityID string, fn func(domain.InstantPoint, domain.Measurement)) {
	for _, ip := range v.st.instantsOf(activityID) {
		for _, id := range childrenOf(v.st.measurementsByInstant, ip.ID) {
			if m, ok := v.st.measurements.Get(id); ok {
				fn(ip, m)
			}
		}
	}
}

// QueryMeasurements picks the most selective index for the query and filters
// the candidates against every remaining constraint.
func (v view) QueryMeasurements(q domain.MeasurementQuery) ([]domain.MeasurementRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var (
		lo int64 = math.MinInt64
		hi int64 = math.MaxInt64
	)
	if q.Start != nil {
		lo = q.Start.UTC().UnixNano()
	}
	if q.End != nil {
		hi = q.End.UTC().UnixNano()
	}
	var candidates []int64
	switch {
	case len(q.ActivityIDs) > 0:
		// a repeated id would yield its measurements twice
		ids := slices.Compact(slices.Sorted(slices.Values(q.ActivityIDs)))
		for _, activityID := range ids {
			candidates = append(candidates, v.measurementsInRange(activityID, lo, hi)...)
		}
	case q.Start != nil || q.End != nil:
		candidates = v.measurementsInRange("", lo, hi)
	case q.BBox != nil:
		b := q.BBox
		v.st.points.Search([2]float64{b.MinLon, b.MinLat}, [2]float64{b.MaxLon, b.MaxLat}, func(_, _ [2]float64, id int64) bool {
			candidates = append(candidates, id)
			return true
		})
	case q.MinDepth != nil:
		v.st.measurementsByDepth.Ascend(decimalKey{value: *q.MinDepth, id: math.MinInt64}, func(k decimalKey) bool {
			if q.MaxDepth != nil && k.value.GreaterThan(*q.MaxDepth) {
				return false
			}
			candidates = append(candidates, k.id)
			return true
		})
	default:
		v.st.measurements.Scan(func(id int64, _ domain.Measurement) bool {
			candidates = append(candidates, id)
			return true
		})
	}

	records := make([]domain.MeasurementRecord, 0, len(candidates))
	for _, id := range candidates {
		rec, ok := v.record(id, q.ParameterIDs)
		if !ok || !matches(q, rec, lo, hi) {
			continue
		}
		records = append(records, rec)
	}
	sortRecords(records)
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

func (v view) measurementsInRange(activityID string, lo, hi int64) []int64 {
	var ids []int64
	idx := v.st.instantsByActivity
	if activityID == "" {
		idx = v.st.instantsByTime
	}
	idx.Ascend(timeKey{activity: activityID, at: lo, id: math.MinInt64}, func(k timeKey) bool {
		if k.activity != activityID || k.at > hi {
			return false
		}
		ids = append(ids, childrenOf(v.st.measurementsByInstant, k.id)...)
		return true
	})
	return ids
}

func matches(q domain.MeasurementQuery, rec domain.MeasurementRecord, lo, hi int64) bool {
	at := rec.InstantPoint.TimeValue.UnixNano()
	if at < lo || at > hi {
		return false
	}
	if len(q.ActivityIDs) > 0 && !slices.Contains(q.ActivityIDs, rec.ActivityID) {
		return false
	}
	if q.BBox != nil && !q.BBox.Contains(rec.Measurement.Geom) {
		return false
	}
	if q.MinDepth != nil && rec.Measurement.Depth.LessThan(*q.MinDepth) {
		return false
	}
	if q.MaxDepth != nil && rec.Measurement.Depth.GreaterThan(*q.MaxDepth) {
		return false
	}
	if len(q.ParameterIDs) > 0 && len(rec.Values) == 0 {
		return false
	}
	return true
}

func sortRecords(records []domain.MeasurementRecord) {
	slices.SortFunc(records, func(a, b domain.MeasurementRecord) int {
		if c := a.InstantPoint.TimeValue.Compare(b.InstantPoint.TimeValue); c != 0 {
			return c
		}
		switch {
		case a.Measurement.ID < b.Measurement.ID:
			return -1
		case a.Measurement.ID > b.Measurement.ID:
			return 1
		}
		return 0
	})
}

// record joins a measurement with its instant and values, keeping only the
// listed parameters when any are given.
func (v view) record(measurementID int64, parameterIDs []string) (domain.MeasurementRecord, bool) {
	m, ok := v.st.measurements.Get(measurementID)
	if !ok {
		return domain.MeasurementRecord{}, false
	}
	ip, ok := v.st.instants.Get(m.InstantPointID)
	if !ok {
		return domain.MeasurementRecord{}, false
	}
	rec := domain.MeasurementRecord{ActivityID: ip.ActivityID, InstantPoint: ip, Measurement: m}
	for _, id := range childrenOf(v.st.measuredByMeasurement, m.ID) {
		mp, ok := v.st.measured.Get(id)
		if !ok {
			continue
		}
		if len(parameterIDs) > 0 && !slices.Contains(parameterIDs, mp.ParameterID) {
			continue
		}
		rec.Values = append(rec.Values, mp)
	}
	return rec, true
}

// NearestMeasurements walks the R-tree outward from target and returns up to
// k records, nearest first.
func (v view) NearestMeasurements(target domain.Point, k int, activityIDs []string) ([]domain.MeasurementRecord, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, &domain.ValidationError{Field: "k", Reason: "must be positive"}
	}
	var out []domain.MeasurementRecord
	v.st.points.Nearby(boxDist(target), func(_, _ [2]float64, id int64, _ float64) bool {
		rec, ok := v.record(id, nil)
		if !ok {
			return true
		}
		if len(activityIDs) > 0 && !slices.Contains(activityIDs, rec.ActivityID) {
			return true
		}
		out = append(out, rec)
		return len(out) < k
	})
	return out, nil
}

func boxDist(target domain.Point) func(lo, hi [2]float64, data int64, item bool) float64 {
	return func(lo, hi [2]float64, _ int64, _ bool) float64 {
		dx := axisDist(target.Lon, lo[0], hi[0])
		dy := axisDist(target.Lat, lo[1], hi[1])
		return dx*dx + dy*dy
	}
}

func axisDist(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo - v
	case v > hi:
		return v - hi
	}
	return 0
}
