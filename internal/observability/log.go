package observability

import (
	"io"
	"log/slog"
	"math"
)

var noopLogger *slog.Logger

// NoopLogger returns a disabled Logger
func NoopLogger() *slog.Logger {
	return noopLogger
}

// NewLogger returns a text Logger writing to w.
// DEBUG records are kept when verbose is true.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func init() {
	hdlr := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)})
	noopLogger = slog.New(hdlr)
}
