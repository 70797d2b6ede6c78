package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stoqscore/internal/entitymodel/sqlbundle"
	"stoqscore/internal/infra/persistence/postgres/testutil"
	"stoqscore/internal/infra/persistence/sqlstore"
	"stoqscore/internal/infra/persistence/storetest"
	"stoqscore/pkg/domain"
)

const dsnEnv = "STOQS_TEST_POSTGRES_DSN"

func TestNewStoreAppliesDDL(t *testing.T) {
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driver, dsn string) (*sql.DB, error) {
		assert.Equal(t, defaultDriver, driver)
		assert.Equal(t, defaultDSN, dsn)
		return db, nil
	})
	defer restore()

	store, err := NewStore(context.Background(), "")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	execs := conn.Statements()
	require.Len(t, execs, len(sqlbundle.SplitStatements(sqlbundle.Postgres())))
	assert.Contains(t, execs[0], "postgis")
	assert.Equal(t, "postgres", store.Dialect().Name())
}

func TestNewStoreWithoutDDL(t *testing.T) {
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()

	store, err := NewStore(context.Background(), "postgres://example/stoqs", WithoutDDL(), WithoutCopy())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	assert.Empty(t, conn.Statements())
}

func TestNewStoreFailures(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("boom") })
		defer restore()
		_, err := NewStore(context.Background(), "x")
		require.ErrorContains(t, err, "open postgres")
	})
	t.Run("ping", func(t *testing.T) {
		db, conn := testutil.NewStubDB()
		conn.FailPing = true
		restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
		defer restore()
		_, err := NewStore(context.Background(), "x")
		require.ErrorContains(t, err, "ping postgres")
	})
	t.Run("ddl", func(t *testing.T) {
		db, conn := testutil.NewStubDB()
		conn.FailOn = "measuredparameter"
		restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
		defer restore()
		_, err := NewStore(context.Background(), "x")
		require.ErrorContains(t, err, "execute ddl")
	})
}

func TestDialectSQL(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = '?' AND z = $2", d.Rebind("SELECT a FROM t WHERE x = ? AND y = '?' AND z = ?"))
	assert.Equal(t, "m.depth::text", d.DecimalSelect("m.depth"))
	assert.Equal(t, "ST_X(m.geom), ST_Y(m.geom)", d.PointSelect("m"))
	assert.False(t, d.DecimalKeys())

	clause, args := d.BBox("m", domain.BoundingBox{MinLon: -123, MinLat: 36, MaxLon: -121, MaxLat: 37})
	assert.Equal(t, strings.Count(clause, "?"), len(args))
	assert.Contains(t, clause, "&&")

	order, args := d.NearestOrder("m", domain.Point{Lon: -122, Lat: 36.5})
	assert.Equal(t, "m.geom <-> ST_SetSRID(ST_MakePoint(?, ?), 4326)", order)
	assert.Equal(t, []any{-122.0, 36.5}, args)

	assert.Contains(t, d.SyncSequence("measurement"), "pg_get_serial_sequence('measurement', 'id')")
	require.NotNil(t, d.ReadOptions())
	assert.True(t, d.ReadOptions().ReadOnly)
}

func TestDialectClassify(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, sqlstore.ClassUnique, d.Classify(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.Equal(t, sqlstore.ClassForeignKey, d.Classify(&pgconn.PgError{Code: "23503"}))
	assert.Equal(t, sqlstore.ClassOther, d.Classify(&pgconn.PgError{Code: "42P01"}))
	assert.Equal(t, sqlstore.ClassOther, d.Classify(errors.New("plain")))
}

func TestDialectForeignKeyDetail(t *testing.T) {
	d := Dialect{}
	detail, ok := d.ForeignKeyDetail(fmt.Errorf("insert: %w", &pgconn.PgError{
		Code:   "23503",
		Detail: `Key (activity_id)=(ab12) is not present in table "activity".`,
	}))
	require.True(t, ok)
	assert.Equal(t, sqlstore.ForeignKeyDetail{Table: "activity", Key: "ab12"}, detail)

	detail, ok = d.ForeignKeyDetail(&pgconn.PgError{
		Code:   "23503",
		Detail: `Key (id)=(7) is still referenced from table "measurement".`,
	})
	require.True(t, ok)
	assert.Equal(t, sqlstore.ForeignKeyDetail{Table: "measurement", Key: "7", Blocking: true}, detail)

	_, ok = d.ForeignKeyDetail(&pgconn.PgError{Code: "23505", Detail: `Key (name)=(x) already exists.`})
	assert.False(t, ok)
	_, ok = d.ForeignKeyDetail(&pgconn.PgError{Code: "23503"})
	assert.False(t, ok)
}

var tables = []string{"measuredparameter", "activityparameter", "measurement", "instantpoint", "activity", "parameter", "platform", "platformtype", "activitytype", "campaignlog", "campaign"}

// openLive connects to the server named by STOQS_TEST_POSTGRES_DSN and empties
// every table. The database needs the postgis extension available.
func openLive(t *testing.T, opts ...Option) domain.PersistentStore {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	store, err := NewStore(context.Background(), dsn, opts...)
	require.NoError(t, err)
	_, err = store.DB().Exec("TRUNCATE " + strings.Join(tables, ", ") + " RESTART IDENTITY")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreContractCopy(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.PersistentStore { return openLive(t) })
}

func TestStoreContractRowwise(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.PersistentStore { return openLive(t, WithoutCopy()) })
}

func TestCopyLoaderReusesInstants(t *testing.T) {
	store := openLive(t)
	fx := storetest.Seed(t, store)
	ctx := context.Background()
	samples := storetest.Samples(fx, 5)
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		first, err := tx.InsertSamples(fx.ActivityID, samples[:3])
		if err != nil {
			return err
		}
		assert.Equal(t, 3, first.InstantPoints)
		again := samples[2:]
		again[0].Geom.Lon += 0.01
		second, err := tx.InsertSamples(fx.ActivityID, again)
		if err != nil {
			return err
		}
		assert.Equal(t, 2, second.InstantPoints)
		assert.Equal(t, 3, second.Measurements)
		assert.Equal(t, int64(3), second.PerParameter[fx.TemperatureID])
		return nil
	})
	require.NoError(t, err)
	err = store.View(ctx, func(v domain.TransactionView) error {
		ips, err := v.ListInstantPoints(fx.ActivityID)
		require.NoError(t, err)
		assert.Len(t, ips, 5)
		n, err := v.CountMeasuredParameters(fx.ActivityID, fx.SalinityID)
		require.NoError(t, err)
		assert.Equal(t, int64(6), n)
		return nil
	})
	require.NoError(t, err)
}

func TestCopyLoaderRejectsUnknownParameter(t *testing.T) {
	store := openLive(t)
	fx := storetest.Seed(t, store)
	samples := storetest.Samples(fx, 1)
	samples[0].Values[0].ParameterID = strings.Repeat("0", domain.IDLength)
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.InsertSamples(fx.ActivityID, samples)
		return err
	})
	require.ErrorIs(t, err, domain.ErrReferentialIntegrity)
}
