package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stoqscore/pkg/domain"
)

// valueChunk bounds the IN lists used to fetch measured values.
const valueChunk = 500

func inList(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// collect runs query and scans every row with scan.
func collect[T any](t *Tx, scan func(scanner) (T, error), query string, args ...any) (out []T, err error) {
	rows, err := t.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, rows.Close()) }()
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Campaigns

func (t *Tx) GetCampaign(id string) (domain.Campaign, error) {
	c, err := scanCampaign(t.QueryRow("SELECT "+campaignCols+" FROM campaign WHERE id = ?", id))
	if err != nil {
		return domain.Campaign{}, notFoundOr(domain.EntityCampaign, id, err)
	}
	return c, nil
}

func (t *Tx) ListCampaigns() ([]domain.Campaign, error) {
	return collect(t, scanCampaign, "SELECT "+campaignCols+" FROM campaign ORDER BY id")
}

func scanCampaignLog(row scanner) (domain.CampaignLog, error) {
	var (
		l  domain.CampaignLog
		at int64
	)
	if err := row.Scan(&l.ID, &l.CampaignID, &at, &l.Message); err != nil {
		return domain.CampaignLog{}, err
	}
	l.TimeValue = fromNanos(at)
	return l, nil
}

func (t *Tx) ListCampaignLogs(campaignID string) ([]domain.CampaignLog, error) {
	return collect(t, scanCampaignLog,
		"SELECT id, campaign_id, timevalue, message FROM campaignlog WHERE campaign_id = ? ORDER BY timevalue, id", campaignID)
}

// Named reference tables

func scanActivityType(row scanner) (domain.ActivityType, error) {
	var a domain.ActivityType
	err := row.Scan(&a.ID, &a.Name)
	return a, err
}

func (t *Tx) GetActivityType(id string) (domain.ActivityType, error) {
	a, err := scanActivityType(t.QueryRow("SELECT id, name FROM activitytype WHERE id = ?", id))
	if err != nil {
		return domain.ActivityType{}, notFoundOr(domain.EntityActivityType, id, err)
	}
	return a, nil
}

func (t *Tx) FindActivityTypeByName(name string) (domain.ActivityType, error) {
	a, err := scanActivityType(t.QueryRow("SELECT id, name FROM activitytype WHERE name = ?", name))
	if err != nil {
		return domain.ActivityType{}, notFoundOr(domain.EntityActivityType, name, err)
	}
	return a, nil
}

func (t *Tx) ListActivityTypes() ([]domain.ActivityType, error) {
	return collect(t, scanActivityType, "SELECT id, name FROM activitytype ORDER BY id")
}

func scanPlatformType(row scanner) (domain.PlatformType, error) {
	var p domain.PlatformType
	err := row.Scan(&p.ID, &p.Name)
	return p, err
}

func (t *Tx) GetPlatformType(id string) (domain.PlatformType, error) {
	p, err := scanPlatformType(t.QueryRow("SELECT id, name FROM platformtype WHERE id = ?", id))
	if err != nil {
		return domain.PlatformType{}, notFoundOr(domain.EntityPlatformType, id, err)
	}
	return p, nil
}

func (t *Tx) FindPlatformTypeByName(name string) (domain.PlatformType, error) {
	p, err := scanPlatformType(t.QueryRow("SELECT id, name FROM platformtype WHERE name = ?", name))
	if err != nil {
		return domain.PlatformType{}, notFoundOr(domain.EntityPlatformType, name, err)
	}
	return p, nil
}

func (t *Tx) ListPlatformTypes() ([]domain.PlatformType, error) {
	return collect(t, scanPlatformType, "SELECT id, name FROM platformtype ORDER BY id")
}

func scanPlatform(row scanner) (domain.Platform, error) {
	var p domain.Platform
	err := row.Scan(&p.ID, &p.Name, &p.PlatformTypeID)
	return p, err
}

func (t *Tx) GetPlatform(id string) (domain.Platform, error) {
	p, err := scanPlatform(t.QueryRow("SELECT id, name, platformtype_id FROM platform WHERE id = ?", id))
	if err != nil {
		return domain.Platform{}, notFoundOr(domain.EntityPlatform, id, err)
	}
	return p, nil
}

func (t *Tx) FindPlatform(name, platformTypeID string) (domain.Platform, error) {
	p, err := scanPlatform(t.QueryRow("SELECT id, name, platformtype_id FROM platform WHERE name = ? AND platformtype_id = ? ORDER BY id LIMIT 1", name, platformTypeID))
	if err != nil {
		return domain.Platform{}, notFoundOr(domain.EntityPlatform, name, err)
	}
	return p, nil
}

func (t *Tx) ListPlatforms() ([]domain.Platform, error) {
	return collect(t, scanPlatform, "SELECT id, name, platformtype_id FROM platform ORDER BY id")
}

const parameterCols = "id, name, type, description, standard_name, long_name, units, origin"

func scanParameter(row scanner) (domain.Parameter, error) {
	var (
		p   domain.Parameter
		opt [6]sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &opt[0], &opt[1], &opt[2], &opt[3], &opt[4], &opt[5]); err != nil {
		return domain.Parameter{}, err
	}
	p.Type = stringPtr(opt[0])
	p.Description = stringPtr(opt[1])
	p.StandardName = stringPtr(opt[2])
	p.LongName = stringPtr(opt[3])
	p.Units = stringPtr(opt[4])
	p.Origin = stringPtr(opt[5])
	return p, nil
}

func (t *Tx) GetParameter(id string) (domain.Parameter, error) {
	p, err := scanParameter(t.QueryRow("SELECT "+parameterCols+" FROM parameter WHERE id = ?", id))
	if err != nil {
		return domain.Parameter{}, notFoundOr(domain.EntityParameter, id, err)
	}
	return p, nil
}

func (t *Tx) FindParameterByName(name string) (domain.Parameter, error) {
	p, err := scanParameter(t.QueryRow("SELECT "+parameterCols+" FROM parameter WHERE name = ?", name))
	if err != nil {
		return domain.Parameter{}, notFoundOr(domain.EntityParameter, name, err)
	}
	return p, nil
}

func (t *Tx) ListParameters() ([]domain.Parameter, error) {
	return collect(t, scanParameter, "SELECT "+parameterCols+" FROM parameter ORDER BY id")
}

// Activities

func (t *Tx) GetActivity(id string) (domain.Activity, error) {
	a, err := scanActivity(t.QueryRow(t.activitySelect()+" WHERE id = ?", id))
	if err != nil {
		return domain.Activity{}, notFoundOr(domain.EntityActivity, id, err)
	}
	return a, nil
}

func (t *Tx) ListActivities() ([]domain.Activity, error) {
	return collect(t, scanActivity, t.activitySelect()+" ORDER BY id")
}

// Samples

func scanInstant(row scanner) (domain.InstantPoint, error) {
	var (
		ip domain.InstantPoint
		at int64
	)
	if err := row.Scan(&ip.ID, &ip.ActivityID, &at); err != nil {
		return domain.InstantPoint{}, err
	}
	ip.TimeValue = fromNanos(at)
	return ip, nil
}

func (t *Tx) GetInstantPoint(id int64) (domain.InstantPoint, error) {
	ip, err := scanInstant(t.QueryRow("SELECT id, activity_id, timevalue FROM instantpoint WHERE id = ?", id))
	if err != nil {
		return domain.InstantPoint{}, notFoundOr(domain.EntityInstantPoint, sampleID(id), err)
	}
	return ip, nil
}

func (t *Tx) FindInstantPoint(activityID string, at time.Time) (domain.InstantPoint, error) {
	ip, err := scanInstant(t.QueryRow("SELECT id, activity_id, timevalue FROM instantpoint WHERE activity_id = ? AND timevalue = ?", activityID, nanos(at)))
	if err != nil {
		return domain.InstantPoint{}, notFoundOr(domain.EntityInstantPoint, activityID+"@"+at.UTC().String(), err)
	}
	return ip, nil
}

func (t *Tx) ListInstantPoints(activityID string) ([]domain.InstantPoint, error) {
	return collect(t, scanInstant, "SELECT id, activity_id, timevalue FROM instantpoint WHERE activity_id = ? ORDER BY timevalue, id", activityID)
}

func (t *Tx) measurementSelect() string {
	return "SELECT m.id, m.instantpoint_id, " + t.d.DecimalSelect("m.depth") + ", " + t.d.PointSelect("m") + " FROM measurement m"
}

func scanMeasurement(row scanner) (domain.Measurement, error) {
	var (
		m     domain.Measurement
		depth string
	)
	if err := row.Scan(&m.ID, &m.InstantPointID, &depth, &m.Geom.Lon, &m.Geom.Lat); err != nil {
		return domain.Measurement{}, err
	}
	d, err := parseDecimal("depth", depth)
	if err != nil {
		return domain.Measurement{}, err
	}
	m.Depth = d
	return m, nil
}

func (t *Tx) GetMeasurement(id int64) (domain.Measurement, error) {
	m, err := scanMeasurement(t.QueryRow(t.measurementSelect()+" WHERE m.id = ?", id))
	if err != nil {
		return domain.Measurement{}, notFoundOr(domain.EntityMeasurement, sampleID(id), err)
	}
	return m, nil
}

func (t *Tx) ListMeasurements(instantPointID int64) ([]domain.Measurement, error) {
	return collect(t, scanMeasurement, t.measurementSelect()+" WHERE m.instantpoint_id = ? ORDER BY m.id", instantPointID)
}

func (t *Tx) measuredSelect() string {
	return "SELECT id, measurement_id, parameter_id, " + t.d.DecimalSelect("datavalue") + " FROM measuredparameter"
}

func scanMeasured(row scanner) (domain.MeasuredParameter, error) {
	var (
		mp    domain.MeasuredParameter
		value string
	)
	if err := row.Scan(&mp.ID, &mp.MeasurementID, &mp.ParameterID, &value); err != nil {
		return domain.MeasuredParameter{}, err
	}
	d, err := parseDecimal("datavalue", value)
	if err != nil {
		return domain.MeasuredParameter{}, err
	}
	mp.DataValue = d
	return mp, nil
}

func (t *Tx) GetMeasuredParameter(id int64) (domain.MeasuredParameter, error) {
	mp, err := scanMeasured(t.QueryRow(t.measuredSelect()+" WHERE id = ?", id))
	if err != nil {
		return domain.MeasuredParameter{}, notFoundOr(domain.EntityMeasuredParameter, sampleID(id), err)
	}
	return mp, nil
}

func (t *Tx) ListMeasuredParameters(measurementID int64) ([]domain.MeasuredParameter, error) {
	return collect(t, scanMeasured, t.measuredSelect()+" WHERE measurement_id = ? ORDER BY id", measurementID)
}

// Activity parameters

func scanActivityParam(row scanner) (domain.ActivityParameter, error) {
	var ap domain.ActivityParameter
	err := row.Scan(&ap.ID, &ap.ActivityID, &ap.ParameterID, &ap.Number)
	return ap, err
}

func (t *Tx) GetActivityParameter(activityID, parameterID string) (domain.ActivityParameter, error) {
	ap, err := scanActivityParam(t.QueryRow("SELECT id, activity_id, parameter_id, number FROM activityparameter WHERE activity_id = ? AND parameter_id = ?", activityID, parameterID))
	if err != nil {
		return domain.ActivityParameter{}, notFoundOr(domain.EntityActivityParameter, activityID+"/"+parameterID, err)
	}
	return ap, nil
}

func (t *Tx) ListActivityParameters(activityID string) ([]domain.ActivityParameter, error) {
	return collect(t, scanActivityParam, "SELECT id, activity_id, parameter_id, number FROM activityparameter WHERE activity_id = ? ORDER BY parameter_id", activityID)
}

func (t *Tx) requireActivity(activityID string) error {
	ok, err := t.exists("activity", activityID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFound(domain.EntityActivity, activityID)
	}
	return nil
}

func (t *Tx) CountMeasuredParameters(activityID, parameterID string) (int64, error) {
	if err := t.requireActivity(activityID); err != nil {
		return 0, err
	}
	var n int64
	err := t.QueryRow(`SELECT COUNT(*) FROM measuredparameter mp
		JOIN measurement m ON m.id = mp.measurement_id
		JOIN instantpoint ip ON ip.id = m.instantpoint_id
		WHERE ip.activity_id = ? AND mp.parameter_id = ?`, activityID, parameterID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count measured parameters: %w", err)
	}
	return n, nil
}

// SummarizeActivity walks the activity's measurements in time order. Depth
// extremes are compared as exact decimals in Go because SQLite keeps them as text.
func (t *Tx) SummarizeActivity(activityID string) (domain.ActivitySummary, error) {
	if err := t.requireActivity(activityID); err != nil {
		return domain.ActivitySummary{}, err
	}
	var summary domain.ActivitySummary
	err := t.QueryRow(`SELECT COUNT(*) FROM measuredparameter mp
		JOIN measurement m ON m.id = mp.measurement_id
		JOIN instantpoint ip ON ip.id = m.instantpoint_id
		WHERE ip.activity_id = ?`, activityID).Scan(&summary.NumMeasuredParameters)
	if err != nil {
		return domain.ActivitySummary{}, fmt.Errorf("count activity values: %w", err)
	}
	ms, err := collect(t, scanMeasurement, t.measurementSelect()+
		" JOIN instantpoint ip ON ip.id = m.instantpoint_id WHERE ip.activity_id = ? ORDER BY ip.timevalue, ip.id, m.id", activityID)
	if err != nil {
		return domain.ActivitySummary{}, err
	}
	var shallow, deep decimal.Decimal
	for i, m := range ms {
		summary.MapTrack = append(summary.MapTrack, m.Geom)
		if i == 0 || m.Depth.LessThan(shallow) {
			shallow = m.Depth
		}
		if i == 0 || m.Depth.GreaterThan(deep) {
			deep = m.Depth
		}
	}
	if len(ms) > 0 {
		summary.MinDepth, summary.MaxDepth = &shallow, &deep
	}
	return summary, nil
}

// Measurement queries

func (t *Tx) recordSelect() string {
	return "SELECT m.id, m.instantpoint_id, " + t.d.DecimalSelect("m.depth") + ", " + t.d.PointSelect("m") +
		", ip.activity_id, ip.timevalue FROM measurement m JOIN instantpoint ip ON ip.id = m.instantpoint_id"
}

func scanRecord(row scanner) (domain.MeasurementRecord, error) {
	var (
		rec   domain.MeasurementRecord
		depth string
		at    int64
	)
	m := &rec.Measurement
	if err := row.Scan(&m.ID, &m.InstantPointID, &depth, &m.Geom.Lon, &m.Geom.Lat, &rec.ActivityID, &at); err != nil {
		return domain.MeasurementRecord{}, err
	}
	d, err := parseDecimal("depth", depth)
	if err != nil {
		return domain.MeasurementRecord{}, err
	}
	m.Depth = d
	rec.InstantPoint = domain.InstantPoint{ID: m.InstantPointID, ActivityID: rec.ActivityID, TimeValue: fromNanos(at)}
	return rec, nil
}

// QueryMeasurements pushes every constraint into SQL. Where decimals are
// indexed through inexact REAL keys the depth range is re-checked exactly and
// the limit applied afterwards.
func (t *Tx) QueryMeasurements(q domain.MeasurementQuery) ([]domain.MeasurementRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if len(q.ActivityIDs) > 0 {
		where = append(where, "ip.activity_id IN ("+inList(len(q.ActivityIDs))+")")
		args = append(args, stringArgs(q.ActivityIDs)...)
	}
	if q.Start != nil {
		where = append(where, "ip.timevalue >= ?")
		args = append(args, nanos(*q.Start))
	}
	if q.End != nil {
		where = append(where, "ip.timevalue <= ?")
		args = append(args, nanos(*q.End))
	}
	if q.BBox != nil {
		clause, bargs := t.d.BBox("m", *q.BBox)
		where = append(where, clause)
		args = append(args, bargs...)
	}
	exactDepth := t.d.DecimalKeys() && (q.MinDepth != nil || q.MaxDepth != nil)
	for _, bound := range []struct {
		op string
		d  *decimal.Decimal
	}{{">=", q.MinDepth}, {"<=", q.MaxDepth}} {
		if bound.d == nil {
			continue
		}
		if t.d.DecimalKeys() {
			where = append(where, "m.depth_key "+bound.op+" ?")
			args = append(args, DecimalKey(*bound.d))
		} else {
			where = append(where, "m.depth "+bound.op+" ?")
			args = append(args, decimalText(*bound.d))
		}
	}
	if len(q.ParameterIDs) > 0 {
		where = append(where, "EXISTS (SELECT 1 FROM measuredparameter mp WHERE mp.measurement_id = m.id AND mp.parameter_id IN ("+inList(len(q.ParameterIDs))+"))")
		args = append(args, stringArgs(q.ParameterIDs)...)
	}
	query := t.recordSelect()
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ip.timevalue, m.id"
	if q.Limit > 0 && !exactDepth {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	records, err := collect(t, scanRecord, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	if exactDepth {
		kept := records[:0]
		for _, rec := range records {
			depth := rec.Measurement.Depth
			if q.MinDepth != nil && depth.LessThan(*q.MinDepth) {
				continue
			}
			if q.MaxDepth != nil && depth.GreaterThan(*q.MaxDepth) {
				continue
			}
			kept = append(kept, rec)
		}
		records = kept
		if q.Limit > 0 && len(records) > q.Limit {
			records = records[:q.Limit]
		}
	}
	if err := t.attachValues(records, q.ParameterIDs); err != nil {
		return nil, err
	}
	return records, nil
}

// NearestMeasurements orders by distance from target in SQL and returns up to
// k records, nearest first.
func (t *Tx) NearestMeasurements(target domain.Point, k int, activityIDs []string) ([]domain.MeasurementRecord, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, &domain.ValidationError{Field: "k", Reason: "must be positive"}
	}
	var args []any
	query := t.recordSelect()
	if len(activityIDs) > 0 {
		query += " WHERE ip.activity_id IN (" + inList(len(activityIDs)) + ")"
		args = append(args, stringArgs(activityIDs)...)
	}
	order, oargs := t.d.NearestOrder("m", target)
	query += " ORDER BY " + order + ", m.id" + fmt.Sprintf(" LIMIT %d", k)
	args = append(args, oargs...)
	records, err := collect(t, scanRecord, query, args...)
	if err != nil {
		return nil, fmt.Errorf("nearest measurements: %w", err)
	}
	if err := t.attachValues(records, nil); err != nil {
		return nil, err
	}
	return records, nil
}

// attachValues loads the measured values of every record, keeping only the
// listed parameters when any are given.
func (t *Tx) attachValues(records []domain.MeasurementRecord, parameterIDs []string) error {
	byMeasurement := make(map[int64]int, len(records))
	ids := make([]any, 0, len(records))
	for i, rec := range records {
		byMeasurement[rec.Measurement.ID] = i
		ids = append(ids, rec.Measurement.ID)
	}
	for start := 0; start < len(ids); start += valueChunk {
		chunk := ids[start:min(start+valueChunk, len(ids))]
		query := t.measuredSelect() + " WHERE measurement_id IN (" + inList(len(chunk)) + ")"
		args := append([]any(nil), chunk...)
		if len(parameterIDs) > 0 {
			query += " AND parameter_id IN (" + inList(len(parameterIDs)) + ")"
			args = append(args, stringArgs(parameterIDs)...)
		}
		values, err := collect(t, scanMeasured, query+" ORDER BY id", args...)
		if err != nil {
			return fmt.Errorf("load measured values: %w", err)
		}
		for _, mp := range values {
			i := byMeasurement[mp.MeasurementID]
			records[i].Values = append(records[i].Values, mp)
		}
	}
	return nil
}
