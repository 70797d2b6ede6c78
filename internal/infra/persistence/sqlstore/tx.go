package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stoqscore/pkg/domain"
)

// Tx implements domain.Transaction on one database transaction.
type Tx struct {
	ctx   context.Context
	sqlTx *sql.Tx
	conn  *sql.Conn
	d     Dialect
	bulk  BulkLoader
	sp    int
}

// Context returns the context the transaction was started with.
func (t *Tx) Context() context.Context { return t.ctx }

// Conn returns the dedicated connection the transaction runs on.
func (t *Tx) Conn() *sql.Conn { return t.conn }

// Exec runs a statement written with '?' placeholders.
func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.sqlTx.ExecContext(t.ctx, t.d.Rebind(query), args...)
}

// Query runs a query written with '?' placeholders.
func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	return t.sqlTx.QueryContext(t.ctx, t.d.Rebind(query), args...)
}

// QueryRow runs a single-row query written with '?' placeholders.
func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.sqlTx.QueryRowContext(t.ctx, t.d.Rebind(query), args...)
}

// guard runs fn so that its failure leaves the transaction usable and none of
// fn's statements applied. Postgres aborts the whole transaction on a failed
// statement, so without a savepoint nothing after the failure could run.
func (t *Tx) guard(fn func() error) error {
	if !t.d.Savepoints() {
		return fn()
	}
	t.sp++
	name := fmt.Sprintf("stoqs_sp_%d", t.sp)
	if _, err := t.sqlTx.ExecContext(t.ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.sqlTx.ExecContext(t.ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return err
	}
	if _, err := t.sqlTx.ExecContext(t.ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (t *Tx) fail(entity domain.EntityType, key, value string, err error) error {
	return translate(t.d, entity, key, value, err)
}

// exists reports whether table has a row with the given id.
func (t *Tx) exists(table string, id any) (bool, error) {
	var one int
	err := t.QueryRow("SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", table, err)
	}
	return true, nil
}

// firstRef returns the id of one row of table whose column equals value.
func (t *Tx) firstRef(table, column string, value any) (string, bool, error) {
	var id string
	err := t.QueryRow("SELECT CAST(id AS TEXT) FROM "+table+" WHERE "+column+" = ? LIMIT 1", value).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup %s: %w", table, err)
	}
	return id, true, nil
}

func (t *Tx) requireRef(entity domain.EntityType, id string, refEntity domain.EntityType, table string, refID any) error {
	ok, err := t.exists(table, refID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.MissingReference(entity, id, refEntity, fmt.Sprint(refID))
	}
	return nil
}

func (t *Tx) blockIfReferenced(entity domain.EntityType, id string, dependant domain.EntityType, table, column string) error {
	depID, used, err := t.firstRef(table, column, id)
	if err != nil {
		return err
	}
	if used {
		return domain.StillReferenced(entity, id, dependant, depID)
	}
	return nil
}

func notFoundOr(entity domain.EntityType, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound(entity, id)
	}
	return fmt.Errorf("select %s: %w", entity, err)
}

func mustAffect(res sql.Result, entity domain.EntityType, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFound(entity, id)
	}
	return nil
}

// Encoding helpers.

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func decimalText(d decimal.Decimal) string { return domain.CanonicalDecimal(d) }

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: decimalText(*d), Valid: true}
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode %s %q: %w", field, s, err)
	}
	return d, nil
}

func decimalPtr(field string, n sql.NullString) (*decimal.Decimal, error) {
	if !n.Valid {
		return nil, nil
	}
	d, err := parseDecimal(field, n.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func encodeTrack(track domain.LineString) (sql.NullString, error) {
	if len(track) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(track)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode maptrack: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeTrack(n sql.NullString) (domain.LineString, error) {
	if !n.Valid || n.String == "" {
		return nil, nil
	}
	var track domain.LineString
	if err := json.Unmarshal([]byte(n.String), &track); err != nil {
		return nil, fmt.Errorf("decode maptrack: %w", err)
	}
	return track, nil
}

// decimalCols returns the column list fragment, placeholders and args for an
// indexed decimal column.
func (t *Tx) decimalCols(col string, d decimal.Decimal) (string, string, []any) {
	if t.d.DecimalKeys() {
		return col + ", " + col + "_key", "?, ?", []any{decimalText(d), DecimalKey(d)}
	}
	return col, "?", []any{decimalText(d)}
}
