// Package core is the stoqs service layer: transactional wrappers over a
// domain.PersistentStore, reference data get-or-create, the activity
// parameter aggregation, bulk sample loading and activity archives.
package core

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"

	"stoqscore/internal/blob"
	"stoqscore/pkg/domain"
)

const (
	defaultBatchSize  = 1000
	defaultMaxRetries = 5
	defaultCacheSize  = 512
)

// Service exposes transactional operations over the stoqs schema.
type Service struct {
	store      domain.PersistentStore
	archive    blob.Store
	logger     Logger
	metrics    MetricsRecorder
	tracer     Tracer
	clock      clockwork.Clock
	batchSize  int
	maxRetries int
	cacheSize  int
	refs       *refCache
}

// Option configures a Service.
type Option func(*Service)

// WithLogger routes service logs to l.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder reports operation outcomes to m. If m also implements
// LoadRecorder it receives load and retry counts.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer opens a span per operation.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock sets the time source for loaded dates, archive keys and timings.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithBatchSize sets how many samples LoadSamples commits per transaction.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMaxAggregateRetries bounds the create/increment retry loops.
func WithMaxAggregateRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithReferenceCacheSize sets the number of reference rows remembered per kind.
func WithReferenceCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithArchive enables ArchiveActivity and RestoreActivity on store.
func WithArchive(store blob.Store) Option {
	return func(s *Service) { s.archive = store }
}

// NewService constructs a service backed by store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:      store,
		logger:     noopLogger{},
		metrics:    noopMetrics{},
		tracer:     noopTracer{},
		clock:      clockwork.NewRealClock(),
		batchSize:  defaultBatchSize,
		maxRetries: defaultMaxRetries,
		cacheSize:  defaultCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.refs = newRefCache(s.cacheSize)
	return s
}

// Store returns the underlying persistent store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Close releases the underlying store.
func (s *Service) Close() error { return s.store.Close() }

// run executes fn in a write transaction, instrumented as op. activityID is
// attached to logs and spans when non-empty.
func (s *Service) run(ctx context.Context, op, activityID string, fn func(domain.Transaction) error) error {
	return s.instrument(ctx, op, activityID, func(ctx context.Context) error {
		return s.store.RunInTransaction(ctx, fn)
	})
}

func (s *Service) view(ctx context.Context, op, activityID string, fn func(domain.TransactionView) error) error {
	return s.instrument(ctx, op, activityID, func(ctx context.Context) error {
		return s.store.View(ctx, fn)
	})
}

func (s *Service) instrument(ctx context.Context, op, activityID string, fn func(context.Context) error) (err error) {
	var attrs []string
	if activityID != "" {
		attrs = []string{"activity_id", activityID}
	}
	ctx, span := s.tracer.Start(ctx, op, attrs...)
	started := s.clock.Now()
	defer func() {
		elapsed := s.clock.Since(started)
		s.metrics.Observe(ctx, op, err == nil, elapsed)
		span.End(err)
		switch {
		case err == nil:
			s.logger.Debug("operation completed", "operation", op, "activity_id", activityID, "duration", elapsed)
		case isClientError(err):
			s.logger.Warn("operation rejected", "operation", op, "activity_id", activityID, "error", err)
		default:
			s.logger.Error("operation failed", "operation", op, "activity_id", activityID, "error", err)
		}
	}()
	return fn(ctx)
}

// isClientError reports errors caused by the request rather than the backend.
func isClientError(err error) bool {
	for _, kind := range []error{
		domain.ErrNotFound, domain.ErrInvalid, domain.ErrUniqueness, domain.ErrReferentialIntegrity,
		domain.ErrPrecisionLoss, domain.ErrMalformedGeometry,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func (s *Service) observeRetry(ctx context.Context, op string, attempt int, err error) {
	s.logger.Warn("retrying after concurrent create", "operation", op, "attempt", attempt, "error", err)
	if lr, ok := s.metrics.(LoadRecorder); ok {
		lr.ObserveAggregateRetry(ctx)
	}
}

func (s *Service) observeSamples(ctx context.Context, n int) {
	if lr, ok := s.metrics.(LoadRecorder); ok {
		lr.ObserveSamples(ctx, n)
	}
}
