package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stoqscore/internal/infra/persistence/sqlstore"
	"stoqscore/internal/infra/persistence/storetest"
	"stoqscore/pkg/domain"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "nested", "stoqs.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.PersistentStore { return openTemp(t) })
}

func TestStoreAppliesSchema(t *testing.T) {
	store := openTemp(t)
	for _, table := range []string{"campaign", "activity", "instantpoint", "measurement", "measuredparameter", "activityparameter"} {
		var name string
		if err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&name); err != nil {
			t.Fatalf("lookup %s table: %v", table, err)
		}
	}
	var fk int
	if err := store.DB().QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil || fk != 1 {
		t.Fatalf("foreign keys not enforced: %d %v", fk, err)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stoqs.db")
	ctx := context.Background()
	store, err := NewStore(ctx, path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	fx := storetest.Seed(t, store)
	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.InsertSamples(fx.ActivityID, storetest.Samples(fx, 4))
		return err
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	if reopened.Path() != path {
		t.Fatalf("unexpected path %q", reopened.Path())
	}
	err = reopened.View(ctx, func(v domain.TransactionView) error {
		n, err := v.CountMeasuredParameters(fx.ActivityID, fx.TemperatureID)
		if err != nil {
			return err
		}
		if n != 4 {
			t.Fatalf("expected 4 temperature values after reopen, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

// Depths that collapse onto one float64 must still be filtered exactly.
func TestDepthRangeIsExactBeyondFloatPrecision(t *testing.T) {
	store := openTemp(t)
	fx := storetest.Seed(t, store)
	ctx := context.Background()
	base := decimal.RequireFromString("100.000000000000000000000000000001")
	lower := decimal.RequireFromString("100")
	if sqlstore.DecimalKey(base) != sqlstore.DecimalKey(lower) {
		t.Skip("float keys already distinguish the depths")
	}
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for i, depth := range []decimal.Decimal{lower, base} {
			s := storetest.Samples(fx, 2)[i]
			s.Depth = depth
			if _, err := tx.InsertSamples(fx.ActivityID, []domain.Sample{s}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	err = store.View(ctx, func(v domain.TransactionView) error {
		recs, err := v.QueryMeasurements(domain.MeasurementQuery{MinDepth: &base, Limit: 1})
		if err != nil {
			return err
		}
		if len(recs) != 1 || !recs[0].Measurement.Depth.Equal(base) {
			t.Fatalf("expected only the deeper measurement, got %+v", recs)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestConcurrentWritersSerialise(t *testing.T) {
	store := openTemp(t)
	fx := storetest.Seed(t, store)
	ctx := context.Background()
	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateActivityParameter(domain.ActivityParameter{ActivityID: fx.ActivityID, ParameterID: fx.TemperatureID})
		return err
	}); err != nil {
		t.Fatalf("create count: %v", err)
	}

	const writers, perWriter = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
					_, err := tx.IncrementActivityParameter(fx.ActivityID, fx.TemperatureID, 1)
					return err
				})
				if err != nil {
					t.Errorf("increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	_ = store.View(ctx, func(v domain.TransactionView) error {
		ap, err := v.GetActivityParameter(fx.ActivityID, fx.TemperatureID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ap.Number != writers*perWriter {
			t.Fatalf("lost updates: %d", ap.Number)
		}
		return nil
	})
}

func TestExplicitSampleIDs(t *testing.T) {
	store := openTemp(t)
	fx := storetest.Seed(t, store)
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		ip, err := tx.CreateInstantPoint(domain.InstantPoint{ID: 40, ActivityID: fx.ActivityID, TimeValue: storetest.T0})
		if err != nil {
			return err
		}
		next, err := tx.CreateInstantPoint(domain.InstantPoint{ActivityID: fx.ActivityID, TimeValue: storetest.T0.Add(1)})
		if err != nil {
			return err
		}
		if ip.ID != 40 || next.ID != 41 {
			t.Fatalf("unexpected ids %d, %d", ip.ID, next.ID)
		}
		_, err = tx.CreateInstantPoint(domain.InstantPoint{ID: 40, ActivityID: fx.ActivityID, TimeValue: storetest.T0.Add(2)})
		if !errors.Is(err, domain.ErrUniqueness) {
			t.Fatalf("duplicate explicit id should fail, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestDialectClassifiesConstraintErrors(t *testing.T) {
	store := openTemp(t)
	_, err := store.DB().Exec("INSERT INTO platform (id, name, platformtype_id) VALUES ('p', 'x', 'missing')")
	if err == nil {
		t.Fatal("expected foreign key failure")
	}
	if got := (Dialect{}).Classify(err); got != sqlstore.ClassForeignKey {
		t.Fatalf("expected foreign key class, got %v (%v)", got, err)
	}
	if _, err := store.DB().Exec("INSERT INTO platformtype (id, name) VALUES ('a', 'glider')"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = store.DB().Exec("INSERT INTO platformtype (id, name) VALUES ('b', 'glider')")
	if got := (Dialect{}).Classify(err); got != sqlstore.ClassUnique {
		t.Fatalf("expected unique class, got %v (%v)", got, err)
	}
	if got := (Dialect{}).Classify(errors.New("disk I/O error")); got != sqlstore.ClassOther {
		t.Fatalf("expected other class, got %v", got)
	}
}

func TestDSNEnablesForeignKeysAndWAL(t *testing.T) {
	dsn := DSN("/tmp/x.db")
	for _, want := range []string{"foreign_keys(1)", "journal_mode(WAL)", "busy_timeout"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %s", dsn, want)
		}
	}
}

func TestWriterDSNBeginsImmediate(t *testing.T) {
	if !strings.Contains(WriterDSN("/tmp/x.db"), "_txlock=immediate") {
		t.Fatalf("writer dsn must take the write lock at BEGIN")
	}
	if strings.Contains(DSN("/tmp/x.db"), "_txlock") {
		t.Fatalf("reader dsn must keep deferred transactions")
	}
}

func TestDialectClassifiesLockContention(t *testing.T) {
	if got := (Dialect{}).Classify(errors.New("database is locked (5) (SQLITE_BUSY)")); got != sqlstore.ClassRetry {
		t.Fatalf("expected retry class, got %v", got)
	}
}

func TestRunInTransactionRetriesLockContention(t *testing.T) {
	store := openTemp(t)
	attempts := 0
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		attempts++
		if attempts == 1 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		_, err := tx.CreatePlatformType(domain.PlatformType{Name: "auv"})
		return err
	})
	if err != nil {
		t.Fatalf("expected the second attempt to commit, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}

	attempts = 0
	err = store.RunInTransaction(context.Background(), func(domain.Transaction) error {
		attempts++
		return errors.New("disk I/O error")
	})
	if err == nil || attempts != 1 {
		t.Fatalf("other errors must not be retried: attempts=%d err=%v", attempts, err)
	}
}

func TestWriterWaitsForAnotherHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stoqs.db")
	first, err := NewStore(context.Background(), path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })
	second, err := NewStore(context.Background(), path)
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	holding := make(chan struct{})
	release := make(chan struct{})
	held := make(chan error, 1)
	go func() {
		held <- first.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			if _, err := tx.CreatePlatformType(domain.PlatformType{Name: "auv"}); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	time.AfterFunc(200*time.Millisecond, func() { close(release) })

	err = second.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreatePlatformType(domain.PlatformType{Name: "glider"})
		return err
	})
	if err != nil {
		t.Fatalf("second writer should wait for the lock, got %v", err)
	}
	if err := <-held; err != nil {
		t.Fatalf("first writer: %v", err)
	}
	err = first.View(context.Background(), func(v domain.TransactionView) error {
		types, err := v.ListPlatformTypes()
		if err != nil {
			return err
		}
		if len(types) != 2 {
			t.Fatalf("expected both writes, got %+v", types)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
