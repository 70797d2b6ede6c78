package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	"stoqscore/pkg/domain"
)

func sampleID(id int64) string { return fmt.Sprint(id) }

func duplicateID(entity domain.EntityType, id string) error {
	return &domain.UniquenessError{Entity: entity, Key: "id", Value: id}
}

// insertSerial inserts a row into a table with a serial id. A zero id lets the
// database assign one; an explicit id is written as given and the sequence is
// realigned afterwards.
func (t *Tx) insertSerial(entity domain.EntityType, table string, id int64, cols, placeholders string, args []any) (int64, error) {
	if id == 0 {
		var assigned int64
		err := t.QueryRow("INSERT INTO "+table+" ("+cols+") VALUES ("+placeholders+") RETURNING id", args...).Scan(&assigned)
		if err != nil {
			return 0, err
		}
		return assigned, nil
	}
	ok, err := t.exists(table, id)
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, duplicateID(entity, sampleID(id))
	}
	if _, err := t.Exec("INSERT INTO "+table+" (id, "+cols+") VALUES (?, "+placeholders+")", append([]any{id}, args...)...); err != nil {
		return 0, err
	}
	if stmt := t.d.SyncSequence(table); stmt != "" {
		if _, err := t.Exec(stmt); err != nil {
			return 0, fmt.Errorf("sync %s sequence: %w", table, err)
		}
	}
	return id, nil
}

// Instant points

func (t *Tx) CreateInstantPoint(p domain.InstantPoint) (domain.InstantPoint, error) {
	p.TimeValue = p.TimeValue.UTC()
	if err := p.Validate(); err != nil {
		return domain.InstantPoint{}, err
	}
	err := t.guard(func() error {
		if err := t.requireRef(domain.EntityInstantPoint, sampleID(p.ID), domain.EntityActivity, "activity", p.ActivityID); err != nil {
			return err
		}
		id, err := t.insertSerial(domain.EntityInstantPoint, "instantpoint", p.ID, "activity_id, timevalue", "?, ?",
			[]any{p.ActivityID, nanos(p.TimeValue)})
		if err != nil {
			return t.fail(domain.EntityInstantPoint, "activity_id,timevalue",
				p.ActivityID+"@"+p.TimeValue.Format("2006-01-02T15:04:05.999999999Z"), err)
		}
		p.ID = id
		return nil
	})
	if err != nil {
		return domain.InstantPoint{}, err
	}
	return p, nil
}

func (t *Tx) DeleteInstantPoint(id int64) error {
	return t.guard(func() error {
		ip, err := t.GetInstantPoint(id)
		if err != nil {
			return err
		}
		if err := t.decrementFor(ip.ActivityID,
			"SELECT mp.parameter_id, COUNT(*) FROM measuredparameter mp JOIN measurement m ON m.id = mp.measurement_id WHERE m.instantpoint_id = ? GROUP BY mp.parameter_id", id); err != nil {
			return err
		}
		stmts := []string{
			"DELETE FROM measuredparameter WHERE measurement_id IN (SELECT id FROM measurement WHERE instantpoint_id = ?)",
			"DELETE FROM measurement WHERE instantpoint_id = ?",
			"DELETE FROM instantpoint WHERE id = ?",
		}
		for _, stmt := range stmts {
			if _, err := t.Exec(stmt, id); err != nil {
				return fmt.Errorf("delete instant point %d: %w", id, err)
			}
		}
		return nil
	})
}

// Measurements

func (t *Tx) CreateMeasurement(m domain.Measurement) (domain.Measurement, error) {
	if err := m.Validate(); err != nil {
		return domain.Measurement{}, err
	}
	err := t.guard(func() error {
		if err := t.requireRef(domain.EntityMeasurement, sampleID(m.ID), domain.EntityInstantPoint, "instantpoint", m.InstantPointID); err != nil {
			return err
		}
		depthCols, depthPh, depthArgs := t.decimalCols("depth", m.Depth)
		args := append([]any{m.InstantPointID}, depthArgs...)
		args = append(args, m.Geom.Lon, m.Geom.Lat)
		id, err := t.insertSerial(domain.EntityMeasurement, "measurement", m.ID,
			"instantpoint_id, "+depthCols+", "+t.d.PointColumns(),
			"?, "+depthPh+", "+t.d.PointPlaceholders(), args)
		if err != nil {
			return t.fail(domain.EntityMeasurement, "id", sampleID(m.ID), err)
		}
		m.ID = id
		return nil
	})
	if err != nil {
		return domain.Measurement{}, err
	}
	return m, nil
}

func (t *Tx) DeleteMeasurement(id int64) error {
	return t.guard(func() error {
		var activityID string
		err := t.QueryRow("SELECT ip.activity_id FROM measurement m JOIN instantpoint ip ON ip.id = m.instantpoint_id WHERE m.id = ?", id).Scan(&activityID)
		if err != nil {
			return notFoundOr(domain.EntityMeasurement, sampleID(id), err)
		}
		if err := t.decrementFor(activityID,
			"SELECT parameter_id, COUNT(*) FROM measuredparameter WHERE measurement_id = ? GROUP BY parameter_id", id); err != nil {
			return err
		}
		if _, err := t.Exec("DELETE FROM measuredparameter WHERE measurement_id = ?", id); err != nil {
			return fmt.Errorf("delete measurement %d values: %w", id, err)
		}
		res, err := t.Exec("DELETE FROM measurement WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete measurement %d: %w", id, err)
		}
		return mustAffect(res, domain.EntityMeasurement, sampleID(id))
	})
}

// Measured parameters

func (t *Tx) CreateMeasuredParameter(mp domain.MeasuredParameter) (domain.MeasuredParameter, error) {
	if err := mp.Validate(); err != nil {
		return domain.MeasuredParameter{}, err
	}
	err := t.guard(func() error {
		if err := t.requireRef(domain.EntityMeasuredParameter, sampleID(mp.ID), domain.EntityMeasurement, "measurement", mp.MeasurementID); err != nil {
			return err
		}
		if err := t.requireRef(domain.EntityMeasuredParameter, sampleID(mp.ID), domain.EntityParameter, "parameter", mp.ParameterID); err != nil {
			return err
		}
		valueCols, valuePh, valueArgs := t.decimalCols("datavalue", mp.DataValue)
		id, err := t.insertSerial(domain.EntityMeasuredParameter, "measuredparameter", mp.ID,
			"measurement_id, parameter_id, "+valueCols, "?, ?, "+valuePh,
			append([]any{mp.MeasurementID, mp.ParameterID}, valueArgs...))
		if err != nil {
			return t.fail(domain.EntityMeasuredParameter, "measurement_id,parameter_id", fmt.Sprintf("%d/%s", mp.MeasurementID, mp.ParameterID), err)
		}
		mp.ID = id
		return nil
	})
	if err != nil {
		return domain.MeasuredParameter{}, err
	}
	return mp, nil
}

func (t *Tx) DeleteMeasuredParameter(id int64) error {
	return t.guard(func() error {
		var activityID, parameterID string
		err := t.QueryRow(`SELECT ip.activity_id, mp.parameter_id FROM measuredparameter mp
			JOIN measurement m ON m.id = mp.measurement_id
			JOIN instantpoint ip ON ip.id = m.instantpoint_id
			WHERE mp.id = ?`, id).Scan(&activityID, &parameterID)
		if err != nil {
			return notFoundOr(domain.EntityMeasuredParameter, sampleID(id), err)
		}
		if _, err := t.Exec("DELETE FROM measuredparameter WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete measured parameter %d: %w", id, err)
		}
		return t.adjustActivityParam(activityID, parameterID, -1)
	})
}

// decrementFor lowers the activity's cached counts by the per-parameter
// totals that query (parameter_id, count) reports for arg.
func (t *Tx) decrementFor(activityID, query string, arg any) error {
	rows, err := t.Query(query, arg)
	if err != nil {
		return fmt.Errorf("count values: %w", err)
	}
	counts := make(map[string]int64)
	for rows.Next() {
		var (
			parameterID string
			n           int64
		)
		if err := rows.Scan(&parameterID, &n); err != nil {
			_ = rows.Close()
			return err
		}
		counts[parameterID] = n
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return err
	}
	for parameterID, n := range counts {
		if err := t.adjustActivityParam(activityID, parameterID, -n); err != nil {
			return err
		}
	}
	return nil
}

// adjustActivityParam applies delta to an existing cached count, clamping at
// zero and removing rows that reach it.
func (t *Tx) adjustActivityParam(activityID, parameterID string, delta int64) error {
	if _, err := t.Exec("UPDATE activityparameter SET number = CASE WHEN number + ? > 0 THEN number + ? ELSE 0 END WHERE activity_id = ? AND parameter_id = ?",
		delta, delta, activityID, parameterID); err != nil {
		return fmt.Errorf("adjust activity parameter: %w", err)
	}
	if _, err := t.Exec("DELETE FROM activityparameter WHERE activity_id = ? AND parameter_id = ? AND number = 0", activityID, parameterID); err != nil {
		return fmt.Errorf("prune activity parameter: %w", err)
	}
	return nil
}

// Activity parameters

func (t *Tx) CreateActivityParameter(ap domain.ActivityParameter) (domain.ActivityParameter, error) {
	if err := domain.AssignID(&ap.ID); err != nil {
		return domain.ActivityParameter{}, err
	}
	if err := ap.Validate(); err != nil {
		return domain.ActivityParameter{}, err
	}
	err := t.guard(func() error {
		if ok, err := t.exists("activityparameter", ap.ID); err != nil || ok {
			if err != nil {
				return err
			}
			return duplicateID(domain.EntityActivityParameter, ap.ID)
		}
		if err := t.requireRef(domain.EntityActivityParameter, ap.ID, domain.EntityActivity, "activity", ap.ActivityID); err != nil {
			return err
		}
		if err := t.requireRef(domain.EntityActivityParameter, ap.ID, domain.EntityParameter, "parameter", ap.ParameterID); err != nil {
			return err
		}
		_, err := t.Exec("INSERT INTO activityparameter (id, activity_id, parameter_id, number) VALUES (?, ?, ?, ?)",
			ap.ID, ap.ActivityID, ap.ParameterID, ap.Number)
		return t.fail(domain.EntityActivityParameter, "activity_id,parameter_id", ap.ActivityID+"/"+ap.ParameterID, err)
	})
	if err != nil {
		return domain.ActivityParameter{}, err
	}
	return ap, nil
}

// IncrementActivityParameter adds delta in a single statement so concurrent
// writers never overwrite each other's counts.
func (t *Tx) IncrementActivityParameter(activityID, parameterID string, delta int64) (domain.ActivityParameter, error) {
	key := activityID + "/" + parameterID
	var ap domain.ActivityParameter
	err := t.guard(func() error {
		var err error
		ap, err = scanActivityParam(t.QueryRow("UPDATE activityparameter SET number = number + ? WHERE activity_id = ? AND parameter_id = ? RETURNING id, activity_id, parameter_id, number",
			delta, activityID, parameterID))
		if err != nil {
			return notFoundOr(domain.EntityActivityParameter, key, err)
		}
		return ap.Validate()
	})
	if err != nil {
		return domain.ActivityParameter{}, err
	}
	return ap, nil
}

func (t *Tx) SetActivityParameterCount(activityID, parameterID string, n int64) error {
	if n < 0 {
		return &domain.ValidationError{Entity: domain.EntityActivityParameter, Field: "number", Reason: "must not be negative"}
	}
	key := activityID + "/" + parameterID
	var res sql.Result
	err := t.guard(func() error {
		var err error
		if n == 0 {
			res, err = t.Exec("DELETE FROM activityparameter WHERE activity_id = ? AND parameter_id = ?", activityID, parameterID)
		} else {
			res, err = t.Exec("UPDATE activityparameter SET number = ? WHERE activity_id = ? AND parameter_id = ?", n, activityID, parameterID)
		}
		return t.fail(domain.EntityActivityParameter, "activity_id,parameter_id", key, err)
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if err := mustAffect(res, domain.EntityActivityParameter, key); !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	_, err = t.CreateActivityParameter(domain.ActivityParameter{ActivityID: activityID, ParameterID: parameterID, Number: n})
	return err
}

// recountAttempts bounds how often a recount re-reads after losing a create
// race for the count row.
const recountAttempts = 3

// RecountActivityParameter locks the count row before counting. A writer that
// committed values has already released its lock on the row, so the count
// sees them; a writer still in flight blocks on the row and adds its delta on
// top of the stored recount after this transaction commits.
func (t *Tx) RecountActivityParameter(activityID, parameterID string) (int64, error) {
	key := activityID + "/" + parameterID
	var lastErr error
	for attempt := 0; attempt < recountAttempts; attempt++ {
		res, err := t.Exec("UPDATE activityparameter SET number = number WHERE activity_id = ? AND parameter_id = ?", activityID, parameterID)
		if err != nil {
			return 0, fmt.Errorf("lock activity parameter: %w", err)
		}
		locked := mustAffect(res, domain.EntityActivityParameter, key) == nil
		n, err := t.CountMeasuredParameters(activityID, parameterID)
		if err != nil {
			return 0, err
		}
		if locked {
			return n, t.SetActivityParameterCount(activityID, parameterID, n)
		}
		if n == 0 {
			// no row and no values; a row created meanwhile belongs to a writer
			return 0, nil
		}
		_, err = t.CreateActivityParameter(domain.ActivityParameter{ActivityID: activityID, ParameterID: parameterID, Number: n})
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, domain.ErrUniqueness) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("recount %s: %w", key, lastErr)
}

// InsertSamples writes every sample of a batch, reusing instants already
// present for the activity. A configured BulkLoader takes over the writes.
func (t *Tx) InsertSamples(activityID string, samples []domain.Sample) (domain.SampleBatchResult, error) {
	result := domain.SampleBatchResult{PerParameter: make(map[string]int64)}
	for i, s := range samples {
		if err := s.Validate(); err != nil {
			return result, fmt.Errorf("sample %d: %w", i, err)
		}
	}
	err := t.guard(func() error {
		if err := t.requireRef(domain.EntityInstantPoint, "", domain.EntityActivity, "activity", activityID); err != nil {
			return err
		}
		if t.bulk != nil && len(samples) > 0 {
			var err error
			result, err = t.bulk.LoadSamples(t.ctx, t, activityID, samples)
			return err
		}
		return t.insertSamplesRowwise(activityID, samples, &result)
	})
	return result, err
}

func (t *Tx) insertSamplesRowwise(activityID string, samples []domain.Sample, result *domain.SampleBatchResult) error {
	for i, s := range samples {
		ip, err := t.FindInstantPoint(activityID, s.TimeValue)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			ip, err = t.CreateInstantPoint(domain.InstantPoint{ActivityID: activityID, TimeValue: s.TimeValue})
			if err != nil {
				return fmt.Errorf("sample %d: %w", i, err)
			}
			result.InstantPoints++
		case err != nil:
			return fmt.Errorf("sample %d: %w", i, err)
		}
		m, err := t.CreateMeasurement(domain.Measurement{InstantPointID: ip.ID, Depth: s.Depth, Geom: s.Geom})
		if err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		result.Measurements++
		for _, v := range s.Values {
			if _, err := t.CreateMeasuredParameter(domain.MeasuredParameter{MeasurementID: m.ID, ParameterID: v.ParameterID, DataValue: v.Value}); err != nil {
				return fmt.Errorf("sample %d: %w", i, err)
			}
			result.MeasuredParameters++
			result.PerParameter[v.ParameterID]++
		}
	}
	return nil
}
