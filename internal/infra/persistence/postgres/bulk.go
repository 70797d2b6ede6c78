package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"stoqscore/internal/infra/persistence/sqlstore"
	"stoqscore/pkg/domain"
)

// CopyLoader streams sample batches with COPY. Ids are reserved from the
// serial sequences up front so parent links are known before any row is sent.
// Measurements and values go through temporary staging tables because COPY
// cannot encode PostGIS geometry and exact NUMERIC text directly.
type CopyLoader struct{}

var _ sqlstore.BulkLoader = CopyLoader{}

const (
	stageMeasurement = "stoqs_stage_measurement"
	stageMeasured    = "stoqs_stage_measuredparameter"
)

var stageDDL = []string{
	"CREATE TEMP TABLE IF NOT EXISTS " + stageMeasurement + " (id BIGINT, instantpoint_id BIGINT, depth TEXT, lon DOUBLE PRECISION, lat DOUBLE PRECISION) ON COMMIT DROP",
	"CREATE TEMP TABLE IF NOT EXISTS " + stageMeasured + " (id BIGINT, measurement_id BIGINT, parameter_id TEXT, datavalue TEXT) ON COMMIT DROP",
	"TRUNCATE " + stageMeasurement + ", " + stageMeasured,
}

// LoadSamples writes samples for activityID inside tx. The activity is known to exist.
func (CopyLoader) LoadSamples(ctx context.Context, tx *sqlstore.Tx, activityID string, samples []domain.Sample) (domain.SampleBatchResult, error) {
	result := domain.SampleBatchResult{PerParameter: make(map[string]int64)}
	if err := checkParameters(tx, activityID, samples); err != nil {
		return result, err
	}

	instants, err := existingInstants(tx, activityID)
	if err != nil {
		return result, err
	}
	var newTimes []int64
	for _, s := range samples {
		at := s.TimeValue.UTC().UnixNano()
		if _, ok := instants[at]; !ok {
			instants[at] = 0
			newTimes = append(newTimes, at)
		}
	}
	sort.Slice(newTimes, func(i, j int) bool { return newTimes[i] < newTimes[j] })
	ipIDs, err := reserveIDs(tx, "instantpoint", len(newTimes))
	if err != nil {
		return result, err
	}
	ipRows := make([][]any, len(newTimes))
	for i, at := range newTimes {
		instants[at] = ipIDs[i]
		ipRows[i] = []any{ipIDs[i], activityID, at}
	}

	mIDs, err := reserveIDs(tx, "measurement", len(samples))
	if err != nil {
		return result, err
	}
	valueCount := 0
	for _, s := range samples {
		valueCount += len(s.Values)
	}
	mpIDs, err := reserveIDs(tx, "measuredparameter", valueCount)
	if err != nil {
		return result, err
	}
	mRows := make([][]any, len(samples))
	mpRows := make([][]any, 0, valueCount)
	for i, s := range samples {
		mRows[i] = []any{mIDs[i], instants[s.TimeValue.UTC().UnixNano()], domain.CanonicalDecimal(s.Depth), s.Geom.Lon, s.Geom.Lat}
		for _, v := range s.Values {
			mpRows = append(mpRows, []any{mpIDs[len(mpRows)], mIDs[i], v.ParameterID, domain.CanonicalDecimal(v.Value)})
			result.PerParameter[v.ParameterID]++
		}
	}

	for _, stmt := range stageDDL {
		if _, err := tx.Exec(stmt); err != nil {
			return result, fmt.Errorf("prepare staging: %w", err)
		}
	}
	err = tx.Conn().Raw(func(driverConn any) error {
		direct, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected postgres driver %T", driverConn)
		}
		conn := direct.Conn()
		copies := []struct {
			table string
			cols  []string
			rows  [][]any
		}{
			{"instantpoint", []string{"id", "activity_id", "timevalue"}, ipRows},
			{stageMeasurement, []string{"id", "instantpoint_id", "depth", "lon", "lat"}, mRows},
			{stageMeasured, []string{"id", "measurement_id", "parameter_id", "datavalue"}, mpRows},
		}
		for _, c := range copies {
			if len(c.rows) == 0 {
				continue
			}
			if _, err := conn.CopyFrom(ctx, pgx.Identifier{c.table}, c.cols, pgx.CopyFromRows(c.rows)); err != nil {
				return fmt.Errorf("copy %s: %w", c.table, err)
			}
		}
		return nil
	})
	if err != nil {
		return result, translateCopy(err)
	}

	merges := []string{
		fmt.Sprintf("INSERT INTO measurement (id, instantpoint_id, depth, geom) SELECT id, instantpoint_id, depth::numeric, ST_SetSRID(ST_MakePoint(lon, lat), %d) FROM %s", domain.SRID, stageMeasurement),
		"INSERT INTO measuredparameter (id, measurement_id, parameter_id, datavalue) SELECT id, measurement_id, parameter_id, datavalue::numeric FROM " + stageMeasured,
	}
	for _, stmt := range merges {
		if _, err := tx.Exec(stmt); err != nil {
			return result, translateCopy(fmt.Errorf("merge staged samples: %w", err))
		}
	}

	result.InstantPoints = len(newTimes)
	result.Measurements = len(samples)
	result.MeasuredParameters = valueCount
	return result, nil
}

func translateCopy(err error) error {
	switch (Dialect{}).Classify(err) {
	case sqlstore.ClassUnique:
		return &domain.UniquenessError{Entity: domain.EntityInstantPoint, Key: "activity_id,timevalue", Value: err.Error()}
	case sqlstore.ClassForeignKey:
		ref := &domain.ReferentialIntegrityError{Entity: domain.EntityMeasuredParameter, ID: "copy"}
		if detail, ok := (Dialect{}).ForeignKeyDetail(err); ok {
			ref.Referenced, ref.RefID = sqlstore.EntityForTable(detail.Table), detail.Key
		}
		return fmt.Errorf("%w: %v", ref, err)
	}
	return err
}

func checkParameters(tx *sqlstore.Tx, activityID string, samples []domain.Sample) error {
	seen := make(map[string]struct{})
	for _, s := range samples {
		for _, v := range s.Values {
			if _, ok := seen[v.ParameterID]; ok {
				continue
			}
			seen[v.ParameterID] = struct{}{}
			var one int
			err := tx.QueryRow("SELECT 1 FROM parameter WHERE id = ?", v.ParameterID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return domain.MissingReference(domain.EntityMeasuredParameter, activityID, domain.EntityParameter, v.ParameterID)
			}
			if err != nil {
				return fmt.Errorf("lookup parameter: %w", err)
			}
		}
	}
	return nil
}

func existingInstants(tx *sqlstore.Tx, activityID string) (map[int64]int64, error) {
	rows, err := tx.Query("SELECT id, timevalue FROM instantpoint WHERE activity_id = ?", activityID)
	if err != nil {
		return nil, fmt.Errorf("load instants: %w", err)
	}
	out := make(map[int64]int64)
	for rows.Next() {
		var id, at int64
		if err := rows.Scan(&id, &at); err != nil {
			_ = rows.Close()
			return nil, err
		}
		out[at] = id
	}
	return out, errors.Join(rows.Err(), rows.Close())
}

// reserveIDs draws n values from table's serial sequence.
func reserveIDs(tx *sqlstore.Tx, table string, n int) ([]int64, error) {
	if n == 0 {
		return nil, nil
	}
	rows, err := tx.Query("SELECT nextval(pg_get_serial_sequence('"+table+"', 'id')) FROM generate_series(1, ?)", n)
	if err != nil {
		return nil, fmt.Errorf("reserve %s ids: %w", table, err)
	}
	ids := make([]int64, 0, n)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return nil, err
	}
	if len(ids) != n {
		return nil, fmt.Errorf("reserve %s ids: got %d of %d", table, len(ids), n)
	}
	return ids, nil
}
