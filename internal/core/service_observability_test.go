package core

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"stoqscore/internal/infra/persistence/memory"
	"stoqscore/internal/infra/persistence/storetest"
	"stoqscore/internal/observability"
	"stoqscore/pkg/domain"
)

const (
	entryStatusSuccess = "success"
	entryStatusError   = "error"
)

type spanRecord struct {
	op    string
	attrs []string
	err   error
}

type captureTracer struct {
	mu    sync.Mutex
	ended []spanRecord
}

func (c *captureTracer) Start(ctx context.Context, op string, attrs ...string) (context.Context, TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op, attrs: attrs}
}

func (c *captureTracer) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.ended {
		if record.op == op && (record.err == nil) == success {
			return true
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
	attrs  []string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, attrs: s.attrs, err: err})
}

func TestServiceObservabilityLifecycle(t *testing.T) {
	ctx := context.Background()
	metrics := &captureMetrics{}
	tracer := &captureTracer{}
	svc, fx := newMemoryService(t, WithMetricsRecorder(metrics), WithTracer(tracer))

	if _, err := svc.LoadSamples(ctx, fx.ActivityID, storetest.Samples(fx, 2)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := svc.VerifyActivityParameters(ctx, fx.ActivityID); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := svc.GetActivity(ctx, "0123456789abcdef0123456789abcdef"); err == nil {
		t.Fatalf("expected get_activity error for missing id")
	}

	for _, op := range []string{"load_samples_chunk", "finish_load", "verify_activity_parameters"} {
		if !metrics.has(op, true) {
			t.Fatalf("expected metrics success entry for %s", op)
		}
		if !tracer.has(op, true) {
			t.Fatalf("expected finished span for %s", op)
		}
	}
	if !metrics.has("get_activity", false) || !tracer.has("get_activity", false) {
		t.Fatalf("expected failed get_activity to be observed")
	}
	if metrics.samples != 2 {
		t.Fatalf("expected 2 samples reported, got %d", metrics.samples)
	}

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	for _, r := range tracer.ended {
		if r.op == "finish_load" {
			if len(r.attrs) != 2 || r.attrs[0] != "activity_id" || r.attrs[1] != fx.ActivityID {
				t.Fatalf("expected activity attribute on span, got %v", r.attrs)
			}
			return
		}
	}
	t.Fatalf("finish_load span not recorded")
}

func TestServiceLogsByErrorClass(t *testing.T) {
	ctx := context.Background()
	zcore, logs := observer.New(zapcore.DebugLevel)
	base := memory.NewStore()
	fx := storetest.Seed(t, base)
	svc := NewService(base, WithLogger(observability.Wrap(zap.New(zcore))))

	if _, err := svc.GetActivity(ctx, fx.ActivityID); err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if _, err := svc.GetActivity(ctx, "0123456789abcdef0123456789abcdef"); err == nil {
		t.Fatalf("expected missing activity error")
	}
	failing := NewService(&failingStore{PersistentStore: base}, WithLogger(observability.Wrap(zap.New(zcore))))
	if _, err := failing.ListActivities(ctx); err == nil {
		t.Fatalf("expected backend failure")
	}

	if n := logs.FilterMessage("operation completed").FilterLevelExact(zapcore.DebugLevel).Len(); n == 0 {
		t.Fatalf("expected debug entry for a successful operation")
	}
	if n := logs.FilterMessage("operation rejected").FilterLevelExact(zapcore.WarnLevel).Len(); n != 1 {
		t.Fatalf("expected one warning for a not found error, got %d", n)
	}
	if n := logs.FilterMessage("operation failed").FilterLevelExact(zapcore.ErrorLevel).Len(); n != 1 {
		t.Fatalf("expected one error entry for a backend failure, got %d", n)
	}
}

type failingStore struct {
	domain.PersistentStore
}

func (failingStore) View(context.Context, func(domain.TransactionView) error) error {
	return errBackendDown
}

var errBackendDown = errors.New("connection refused")

func TestPrometheusMetricsAsLoadRecorder(t *testing.T) {
	ctx := context.Background()
	m, _ := observability.NewMetricsForTesting()
	base := memory.NewStore()
	fx := storetest.Seed(t, base)
	svc := NewService(&racingStore{PersistentStore: base, races: 1}, WithMetricsRecorder(m), WithBatchSize(2))

	if _, err := svc.LoadSamples(ctx, fx.ActivityID, temperatureSamples(fx, 0, 3)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := testutil.ToFloat64(m.SamplesLoaded); got != 3 {
		t.Fatalf("samples loaded = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.AggregateRetries); got != 1 {
		t.Fatalf("aggregate retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Operations.WithLabelValues("load_samples_chunk", entryStatusSuccess)); got != 2 {
		t.Fatalf("chunk operations = %v, want 2", got)
	}
	// the rival's row plus three loaded values
	if got := countOf(t, svc, fx.ActivityID, fx.TemperatureID); got != 4 {
		t.Fatalf("count = %d, want 4", got)
	}
}

func TestJSONTraceTracerExports(t *testing.T) {
	var buf bytes.Buffer
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	tracer := NewJSONTracerWithClock(&buf, clock)

	_, span := tracer.Start(context.Background(), "trace_op", "activity_id", "a1")
	clock.Advance(1500 * time.Microsecond)
	span.End(nil)
	_, failed := tracer.Start(context.Background(), "trace_fail")
	failed.End(errBackendDown)

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected two span entries, got %d", len(entries))
	}
	if entries[0].Operation != "trace_op" || entries[0].Status != entryStatusSuccess || entries[0].DurationMS != 1.5 {
		t.Fatalf("unexpected span entry: %+v", entries[0])
	}
	if entries[0].Attributes["activity_id"] != "a1" {
		t.Fatalf("expected attributes to be kept: %+v", entries[0].Attributes)
	}
	if entries[1].Status != entryStatusError || entries[1].Error != "connection refused" {
		t.Fatalf("unexpected failed span: %+v", entries[1])
	}
	if !strings.Contains(buf.String(), `"operation":"trace_op"`) || strings.Count(buf.String(), "\n") != 2 {
		t.Fatalf("expected two JSON lines: %q", buf.String())
	}
}
