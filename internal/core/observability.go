package core

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Logger is the structured logger the service writes to. observability.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricsRecorder receives the outcome of every service operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// LoadRecorder is implemented by recorders that also track bulk loads.
type LoadRecorder interface {
	ObserveSamples(ctx context.Context, n int)
	ObserveAggregateRetry(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// Tracer starts a span per service operation. Attributes are key/value pairs.
type Tracer interface {
	Start(ctx context.Context, operation string, attrs ...string) (context.Context, TraceSpan)
}

// TraceSpan is finished with the operation's error, nil on success.
type TraceSpan interface {
	End(err error)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string, _ ...string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// JSONTraceEntry is one finished span as written by JSONTraceTracer.
type JSONTraceEntry struct {
	Operation  string            `json:"operation"`
	Status     string            `json:"status"`
	DurationMS float64           `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
}

// JSONTraceTracer writes spans as JSON lines and keeps them for inspection.
type JSONTraceTracer struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries []JSONTraceEntry
	enc     *json.Encoder
}

// NewJSONTracer returns a tracer writing to w; a nil writer only retains entries.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	return NewJSONTracerWithClock(w, clockwork.NewRealClock())
}

// NewJSONTracerWithClock is NewJSONTracer with an explicit time source.
func NewJSONTracerWithClock(w io.Writer, clock clockwork.Clock) *JSONTraceTracer {
	t := &JSONTraceTracer{clock: clock}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of all finished spans.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JSONTraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *JSONTraceTracer) Start(ctx context.Context, operation string, attrs ...string) (context.Context, TraceSpan) {
	var kv map[string]string
	if len(attrs) > 1 {
		kv = make(map[string]string, len(attrs)/2)
		for i := 0; i+1 < len(attrs); i += 2 {
			kv[attrs[i]] = attrs[i+1]
		}
	}
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, attrs: kv, started: t.clock.Now().UTC()}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	attrs     map[string]string
	started   time.Time
}

func (s *jsonTraceSpan) End(err error) {
	ended := s.tracer.clock.Now().UTC()
	entry := JSONTraceEntry{
		Operation:  s.operation,
		Status:     "success",
		DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
		Attributes: s.attrs,
		StartedAt:  s.started,
		EndedAt:    ended,
	}
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
	}

	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.entries = append(s.tracer.entries, entry)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(entry)
	}
}
