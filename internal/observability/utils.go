package observability

import (
	"context"
	"log/slog"
	"testing"
)

// SetTestDebugLogging assigns DEBUG level to slog Default logger for test duration
func SetTestDebugLogging(t *testing.T) {
	oldLevel := slog.SetLogLoggerLevel(slog.LevelDebug)
	if oldLevel != slog.LevelDebug {
		t.Logf("Setting slog level to %s", slog.LevelDebug)
		t.Cleanup(func() {
			t.Logf("Restoring slog level to %s", oldLevel)
			slog.SetLogLoggerLevel(oldLevel)
		})
	}
}

// TestContext returns a Context whose Observability logs at DEBUG level in the test output.
// The Context is canceled when the test ends.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return SetObservability(ctx, &Observability{Logger: NewLogger(t.Output(), true)})
}
