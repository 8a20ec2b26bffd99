// Package sink defines output backends for captured query results.
package sink

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/crosstalk/internal/result"
)

// Sink is the persistence interface. Implementations deliver the
// accumulated result set to different backends (CSV, SQLite, JSONL).
// Flush receives the full set and must be idempotent: the scheduler
// flushes after every row and after every retry round, so a crash at
// any point loses at most the row in flight.
type Sink interface {
	Flush(ctx context.Context, set *result.Set) error
	Close() error
}

// Router fans out flushes to all configured sinks. One sink error does
// not block the others — errors are logged and the first encountered is
// returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router delivering to all sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) Flush(ctx context.Context, set *result.Set) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Flush(ctx, set); err != nil {
			r.logger.Warn("sink: flush failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
