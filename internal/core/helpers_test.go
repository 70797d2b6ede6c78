package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"stoqscore/internal/infra/persistence/memory"
	"stoqscore/internal/infra/persistence/sqlite"
	"stoqscore/internal/infra/persistence/storetest"
	"stoqscore/pkg/domain"
)

func newMemoryService(t *testing.T, opts ...Option) (*Service, storetest.Fixture) {
	t.Helper()
	store := memory.NewStore()
	fx := storetest.Seed(t, store)
	svc := NewService(store, opts...)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, fx
}

func newSQLiteService(t *testing.T, opts ...Option) (*Service, storetest.Fixture) {
	t.Helper()
	store, err := sqlite.NewStore(context.Background(), t.TempDir()+"/stoqs.db")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	fx := storetest.Seed(t, store)
	svc := NewService(store, opts...)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, fx
}

// temperatureSamples builds n samples one second apart from offset, each with
// a single temperature value.
func temperatureSamples(fx storetest.Fixture, offset, n int) []domain.Sample {
	out := make([]domain.Sample, 0, n)
	for i := offset; i < offset+n; i++ {
		out = append(out, domain.Sample{
			TimeValue: storetest.T0.Add(time.Duration(i) * time.Second),
			Geom:      domain.Point{Lon: -122.4, Lat: 36.7},
			Depth:     domain.MustDecimal("2.5"),
			Values:    []domain.SampleValue{{ParameterID: fx.TemperatureID, Value: domain.MustDecimal("11.75")}},
		})
	}
	return out
}

func countOf(t *testing.T, svc *Service, activityID, parameterID string) int64 {
	t.Helper()
	counts, err := svc.ActivityParameterCounts(context.Background(), activityID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	for _, c := range counts {
		if c.ParameterID == parameterID {
			return c.Count
		}
	}
	return 0
}

// racingStore simulates another writer committing the same count row between
// this writer's increment and create. With stuck set every create loses.
type racingStore struct {
	domain.PersistentStore
	mu    sync.Mutex
	races int
	stuck bool
}

func (r *racingStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	return r.PersistentStore.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return fn(&racingTx{Transaction: tx, store: r})
	})
}

func (r *racingStore) takeRace() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.races == 0 {
		return false
	}
	r.races--
	return true
}

type racingTx struct {
	domain.Transaction
	store *racingStore
}

func (tx *racingTx) IncrementActivityParameter(activityID, parameterID string, delta int64) (domain.ActivityParameter, error) {
	if tx.store.stuck {
		return domain.ActivityParameter{}, domain.NotFound(domain.EntityActivityParameter, activityID+"/"+parameterID)
	}
	return tx.Transaction.IncrementActivityParameter(activityID, parameterID, delta)
}

func (tx *racingTx) CreateActivityParameter(ap domain.ActivityParameter) (domain.ActivityParameter, error) {
	conflict := &domain.UniquenessError{Entity: domain.EntityActivityParameter, Key: "activity_id,parameter_id", Value: ap.ActivityID + "/" + ap.ParameterID}
	if tx.store.stuck {
		return domain.ActivityParameter{}, conflict
	}
	if tx.store.takeRace() {
		if _, err := tx.Transaction.CreateActivityParameter(domain.ActivityParameter{
			ActivityID: ap.ActivityID, ParameterID: ap.ParameterID, Number: 1,
		}); err != nil {
			return domain.ActivityParameter{}, err
		}
		return domain.ActivityParameter{}, conflict
	}
	return tx.Transaction.CreateActivityParameter(ap)
}

func (tx *racingTx) CreateParameter(p domain.Parameter) (domain.Parameter, error) {
	if tx.store.takeRace() {
		return domain.Parameter{}, &domain.UniquenessError{Entity: domain.EntityParameter, Key: "name", Value: p.Name}
	}
	return tx.Transaction.CreateParameter(p)
}

type metricsCall struct {
	op      string
	success bool
}

// captureMetrics records every observation and also acts as a LoadRecorder.
type captureMetrics struct {
	mu      sync.Mutex
	calls   []metricsCall
	samples int
	retries int
}

func (c *captureMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetrics) ObserveSamples(_ context.Context, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples += n
}

func (c *captureMetrics) ObserveAggregateRetry(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
}

func (c *captureMetrics) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

func (c *captureMetrics) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.op == op {
			n++
		}
	}
	return n
}
