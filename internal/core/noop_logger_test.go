package core

import (
	"context"
	"testing"
	"time"
)

func TestNoopDefaults(_ *testing.T) {
	logger := noopLogger{}
	logger.Debug("debug", "key", "value")
	logger.Info("info", "key", "value")
	logger.Warn("warn", "key", "value")
	logger.Error("error", "key", "value")

	noopMetrics{}.Observe(context.Background(), "op", true, time.Millisecond)
	_, span := noopTracer{}.Start(context.Background(), "op", "activity_id", "a1")
	span.End(nil)
}
