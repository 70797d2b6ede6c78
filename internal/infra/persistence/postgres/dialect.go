package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"

	"stoqscore/internal/infra/persistence/sqlstore"
	"stoqscore/pkg/domain"
)

// SQLSTATE codes the store maps to domain errors or retries.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Dialect adapts sqlstore to Postgres with PostGIS. Decimals are exact
// NUMERIC(100,30) and points are geometry(Point, 4326).
type Dialect struct{}

var (
	_ sqlstore.Dialect           = Dialect{}
	_ sqlstore.ReferenceReporter = Dialect{}
)

func (Dialect) Name() string { return "postgres" }

func (Dialect) Rebind(query string) string { return sqlstore.RebindDollar(query) }

func (Dialect) DecimalKeys() bool { return false }

// DecimalSelect casts to text so the value scans without float rounding.
func (Dialect) DecimalSelect(expr string) string { return expr + "::text" }

func (Dialect) PointColumns() string { return "geom" }

func (Dialect) PointPlaceholders() string {
	return fmt.Sprintf("ST_SetSRID(ST_MakePoint(?, ?), %d)", domain.SRID)
}

func (Dialect) PointSelect(alias string) string {
	return "ST_X(" + alias + ".geom), ST_Y(" + alias + ".geom)"
}

// BBox uses the GIST index through &&, then ST_Covers keeps boundary points.
func (Dialect) BBox(alias string, b domain.BoundingBox) (string, []any) {
	envelope := fmt.Sprintf("ST_MakeEnvelope(?, ?, ?, ?, %d)", domain.SRID)
	return alias + ".geom && " + envelope + " AND ST_Covers(" + envelope + ", " + alias + ".geom)",
		[]any{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat, b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}
}

// NearestOrder is the index-assisted planar distance operator.
func (Dialect) NearestOrder(alias string, p domain.Point) (string, []any) {
	return fmt.Sprintf("%s.geom <-> ST_SetSRID(ST_MakePoint(?, ?), %d)", alias, domain.SRID), []any{p.Lon, p.Lat}
}

func (Dialect) SyncSequence(table string) string {
	return fmt.Sprintf("SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), (SELECT MAX(id) FROM %[1]s))", table)
}

func (Dialect) Savepoints() bool { return true }

func (Dialect) ReadOptions() *sql.TxOptions {
	return &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}
}

func (Dialect) Classify(err error) sqlstore.ErrorClass {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return sqlstore.ClassOther
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return sqlstore.ClassUnique
	case codeForeignKeyViolation:
		return sqlstore.ClassForeignKey
	case codeSerializationFailure, codeDeadlockDetected:
		return sqlstore.ClassRetry
	}
	return sqlstore.ClassOther
}

// foreignKeyDetail matches the DETAIL of a 23503 error, e.g.
// Key (activity_id)=(ab12) is not present in table "activity".
var foreignKeyDetail = regexp.MustCompile(`^Key \((?:[^)]*)\)=\((.*)\) is (not present in|still referenced from) table "([^"]+)"`)

func (Dialect) ForeignKeyDetail(err error) (sqlstore.ForeignKeyDetail, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeForeignKeyViolation {
		return sqlstore.ForeignKeyDetail{}, false
	}
	m := foreignKeyDetail.FindStringSubmatch(pgErr.Detail)
	if m == nil {
		return sqlstore.ForeignKeyDetail{}, false
	}
	return sqlstore.ForeignKeyDetail{Table: m[3], Key: m[1], Blocking: m[2] == "still referenced from"}, true
}
