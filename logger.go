package districts

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/hupe1980/districts/dataset"
)

// Logger wraps slog.Logger with districts-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithN adds the grid size to the logger.
func (l *Logger) WithN(n int) *Logger {
	return &Logger{
		Logger: l.Logger.With("n", n),
	}
}

// WithRunID tags every record with the run id.
func (l *Logger) WithRunID(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("run_id", id),
	}
}

// WithPhase adds a phase field ("enumerate" or "match").
func (l *Logger) WithPhase(phase string) *Logger {
	return &Logger{
		Logger: l.Logger.With("phase", phase),
	}
}

// LogDatasetLoaded logs a dataset load.
func (l *Logger) LogDatasetLoaded(ctx context.Context, path string, ds *dataset.Dataset, err error) {
	if err != nil {
		l.ErrorContext(ctx, "dataset load failed",
			"path", path,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "dataset loaded",
		"path", path,
		"n", ds.N,
		"version", ds.Version,
		"roots", ds.NumRoots(),
		"placements", ds.NumPlacements(),
		"jtypes", ds.NumJTypes(),
		"compat", string(ds.CompatSource),
		"compat_pairs", ds.Compat.NumPairs(),
	)
	if ds.CompatSource == dataset.CompatNone {
		l.WarnContext(ctx, "dataset has no compatibility relation; only partitions without crossing districts are counted",
			"path", path,
		)
	}
}

// LogRoot logs the progress after one root of the enumeration.
func (l *Logger) LogRoot(ctx context.Context, root, roots int, expanded uint64, live int, rss uint64) {
	l.DebugContext(ctx, "root done",
		"root", root,
		"roots", roots,
		"expanded", expanded,
		"live", live,
		"rss_bytes", rss,
	)
}

// LogEnumerated logs the end of phase 1.
func (l *Logger) LogEnumerated(ctx context.Context, buckets, rows int, fillings *big.Int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "enumeration failed",
			"elapsed", elapsed,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "enumeration completed",
		"buckets", buckets,
		"rows", rows,
		"half_fillings", fillings.String(),
		"elapsed", elapsed,
	)
}

// LogSnapshot logs a snapshot operation.
func (l *Logger) LogSnapshot(ctx context.Context, op, path string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot "+op+" failed",
			"path", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot "+op+" completed",
			"path", path,
		)
	}
}

// LogPair logs the contribution of one bucket pair.
func (l *Logger) LogPair(ctx context.Context, left, right string, candidates, matched uint64, sum *big.Int) {
	l.DebugContext(ctx, "bucket pair matched",
		"left", left,
		"right", right,
		"candidates", candidates,
		"matched", matched,
		"sum", sum.String(),
	)
}

// LogMatched logs the end of phase 2.
func (l *Logger) LogMatched(ctx context.Context, pairs int, count *big.Int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "matching failed",
			"elapsed", elapsed,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "matching completed",
		"pairs", pairs,
		"count", count.String(),
		"elapsed", elapsed,
	)
}
