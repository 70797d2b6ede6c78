// Package sqlstore implements the domain persistence contracts on database/sql.
// Driver specifics (placeholders, geometry, decimal encoding, error codes) are
// supplied by a Dialect from the sqlite and postgres packages.
package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"stoqscore/pkg/domain"
)

// ErrorClass groups driver errors by the constraint they report.
type ErrorClass int

// Constraint classes recognised by the store.
const (
	ClassOther ErrorClass = iota
	ClassUnique
	ClassForeignKey
	// ClassRetry marks lock contention or serialization failures; the whole
	// transaction can run again.
	ClassRetry
)

// ForeignKeyDetail is what a driver reports about a violated foreign key.
type ForeignKeyDetail struct {
	// Table is the other side of the key: the missing parent, or the
	// dependant left behind when Blocking.
	Table string
	// Key is the value of the key column.
	Key      string
	Blocking bool
}

// ReferenceReporter is implemented by dialects whose foreign key errors name
// the table and key involved.
type ReferenceReporter interface {
	ForeignKeyDetail(err error) (ForeignKeyDetail, bool)
}

// Dialect captures what differs between SQL backends.
type Dialect interface {
	// Name is the storage driver name, also used to pick the DDL bundle.
	Name() string
	// Rebind rewrites '?' placeholders into the driver's form.
	Rebind(query string) string
	// DecimalKeys reports whether indexed decimal columns carry a REAL *_key companion.
	DecimalKeys() bool
	// DecimalSelect wraps a decimal column so it scans into a string.
	DecimalSelect(expr string) string
	// PointColumns names the stored point column(s) of the measurement table.
	PointColumns() string
	// PointPlaceholders is the VALUES fragment for PointColumns taking lon then lat.
	PointPlaceholders() string
	// PointSelect reads lon and lat of alias's point.
	PointSelect(alias string) string
	// BBox filters alias's point to an inclusive box.
	BBox(alias string, b domain.BoundingBox) (string, []any)
	// NearestOrder orders rows by distance from p.
	NearestOrder(alias string, p domain.Point) (string, []any)
	// SyncSequence realigns an id sequence after an explicit id insert. Empty when not needed.
	SyncSequence(table string) string
	// Savepoints reports whether multi-statement writes run under a savepoint.
	Savepoints() bool
	// ReadOptions are the transaction options for View.
	ReadOptions() *sql.TxOptions
	// Classify maps a driver error to a constraint class.
	Classify(err error) ErrorClass
}

// BulkLoader is an optional fast path for InsertSamples.
type BulkLoader interface {
	LoadSamples(ctx context.Context, tx *Tx, activityID string, samples []domain.Sample) (domain.SampleBatchResult, error)
}

// RebindDollar rewrites '?' placeholders to $1, $2, ... ignoring quoted text.
func RebindDollar(query string) string {
	var (
		b     strings.Builder
		n     int
		quote bool
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quote = !quote
			b.WriteByte(c)
		case c == '?' && !quote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// DecimalKey is the REAL companion of an exact decimal. Float conversion is
// monotonic, so a range on keys is a superset of the exact range.
func DecimalKey(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}
