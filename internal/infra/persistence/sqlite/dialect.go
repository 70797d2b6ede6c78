package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"stoqscore/internal/infra/persistence/sqlstore"
	"stoqscore/pkg/domain"
)

// Dialect adapts sqlstore to SQLite. Decimals live in TEXT columns with REAL
// *_key companions and points are plain lon/lat pairs.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

func (Dialect) Name() string               { return "sqlite" }
func (Dialect) Rebind(query string) string { return query }
func (Dialect) DecimalKeys() bool          { return true }
func (Dialect) DecimalSelect(expr string) string {
	return expr
}
func (Dialect) PointColumns() string      { return "lon, lat" }
func (Dialect) PointPlaceholders() string { return "?, ?" }
func (Dialect) PointSelect(alias string) string {
	return alias + ".lon, " + alias + ".lat"
}

func (Dialect) BBox(alias string, b domain.BoundingBox) (string, []any) {
	return alias + ".lon BETWEEN ? AND ? AND " + alias + ".lat BETWEEN ? AND ?",
		[]any{b.MinLon, b.MaxLon, b.MinLat, b.MaxLat}
}

// NearestOrder is planar squared distance in degrees, matching the
// in-memory R-tree ordering.
func (Dialect) NearestOrder(alias string, p domain.Point) (string, []any) {
	return "((" + alias + ".lon - ?) * (" + alias + ".lon - ?) + (" + alias + ".lat - ?) * (" + alias + ".lat - ?))",
		[]any{p.Lon, p.Lon, p.Lat, p.Lat}
}

// SyncSequence is empty: INTEGER PRIMARY KEY always continues from max(id).
func (Dialect) SyncSequence(string) string  { return "" }
func (Dialect) Savepoints() bool            { return true }
func (Dialect) ReadOptions() *sql.TxOptions { return nil }

func (Dialect) Classify(err error) sqlstore.ErrorClass {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return sqlstore.ClassUnique
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return sqlstore.ClassForeignKey
		}
		// extended codes such as SQLITE_BUSY_SNAPSHOT keep the primary code in the low byte
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return sqlstore.ClassRetry
		}
	}
	if err == nil {
		return sqlstore.ClassOther
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return sqlstore.ClassUnique
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return sqlstore.ClassForeignKey
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return sqlstore.ClassRetry
	}
	return sqlstore.ClassOther
}
