package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := Wrap(zap.New(core))

	log.Info("opened store", "driver", "postgres", "postgres_dsn", "postgres://u:pw@db/stoqs")
	log.With("activity", "a1").Warn("retrying", "attempt", 2)
	log.Debug("odd", "dangling")

	entries := logs.All()
	require.Len(t, entries, 3)
	fields := entries[0].ContextMap()
	assert.Equal(t, "postgres", fields["driver"])
	assert.Equal(t, "[REDACTED]", fields["postgres_dsn"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "a1", entries[1].ContextMap()["activity"])
	assert.EqualValues(t, 2, entries[1].ContextMap()["attempt"])
}

func TestNewLogger(t *testing.T) {
	for _, mode := range []string{"dev", "prod"} {
		l, err := NewLogger(mode, "warn")
		require.NoError(t, err)
		assert.False(t, l.SugaredLogger.Desugar().Core().Enabled(zapcore.InfoLevel))
		assert.True(t, l.SugaredLogger.Desugar().Core().Enabled(zapcore.ErrorLevel))
	}
	_, err := NewLogger("dev", "loud")
	require.Error(t, err)
}

func TestMetricsObserve(t *testing.T) {
	m, reg := NewMetricsForTesting()
	ctx := context.Background()

	m.Observe(ctx, "load_samples", true, 20*time.Millisecond)
	m.Observe(ctx, "load_samples", false, time.Millisecond)
	m.Observe(ctx, "", true, time.Second)
	m.ObserveSamples(ctx, 42)
	m.ObserveSamples(ctx, 0)
	m.ObserveAggregateRetry(ctx)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("load_samples", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("load_samples", "error")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.SamplesLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AggregateRetries))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDuration))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
