// Package schedule sequences queries across rows and targets. The
// round-robin order (row 1 against every target, then row 2, and so on)
// spreads consecutive hits to the same target as far apart as the input
// allows, which keeps per-target rate limiters quiet.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/crosstalk/internal/config"
	"github.com/hazyhaar/crosstalk/internal/input"
	"github.com/hazyhaar/crosstalk/internal/prompt"
	"github.com/hazyhaar/crosstalk/internal/result"
)

// QueryFunc executes one query attempt against one target and returns
// its artifact. The scheduler owns pacing, ordering, and retries; the
// QueryFunc owns the browser work.
type QueryFunc func(ctx context.Context, target config.TargetConfig, row input.Row, promptSent string, retryRound int) result.Artifact

// FlushFunc persists the accumulated result set. Called after every row
// and after every retry round.
type FlushFunc func(ctx context.Context) error

// Config configures a Runner.
type Config struct {
	Schedule config.ScheduleConfig
	Prompt   config.PromptConfig
	Targets  []config.TargetConfig
	Query    QueryFunc
	Flush    FlushFunc
	Logger   *slog.Logger

	// Sleep is injectable for deterministic tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Runner drives the primary pass and the retry rounds. It is the sole
// owner of the attempt ledger: nothing else decides whether a cell runs
// again.
type Runner struct {
	cfg     Config
	set     *result.Set
	ledger  map[[2]string]int // attempts per (row, target)
	targets map[string]config.TargetConfig
}

// New creates a Runner writing artifacts into set.
func New(cfg Config, set *result.Set) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Flush == nil {
		cfg.Flush = func(context.Context) error { return nil }
	}
	byID := make(map[string]config.TargetConfig, len(cfg.Targets))
	for _, t := range cfg.Targets {
		byID[t.ID] = t
	}
	return &Runner{
		cfg:     cfg,
		set:     set,
		ledger:  make(map[[2]string]int),
		targets: byID,
	}
}

// Attempts returns how many times the (row, target) cell has run.
func (r *Runner) Attempts(rowID, targetID string) int {
	return r.ledger[[2]string{rowID, targetID}]
}

// Run executes the primary pass over all rows, then up to MaxRetries
// retry rounds over cells whose latest outcome is retry-eligible.
// Results are flushed after every row and every round, so an interrupt
// loses at most the attempt in flight.
func (r *Runner) Run(ctx context.Context, rows []input.Row) error {
	log := r.cfg.Logger
	sched := r.cfg.Schedule

	for i, row := range rows {
		if i > 0 {
			if err := r.cfg.Sleep(ctx, sched.RowDelay); err != nil {
				return err
			}
		}

		// One canonical prompt per row: every target receives the same
		// bytes, so responses are comparable.
		promptSent := prompt.Build(row, r.cfg.Prompt)

		log.Info("schedule: row start", "row", row.ID, "position", i+1, "total", len(rows))
		for j, target := range r.cfg.Targets {
			if j > 0 {
				if err := r.cfg.Sleep(ctx, sched.TargetDelay); err != nil {
					return err
				}
			}
			r.set.Put(r.attempt(ctx, target, row, promptSent, 0))
		}

		if err := r.cfg.Flush(ctx); err != nil {
			log.Warn("schedule: flush after row failed", "row", row.ID, "error", err)
		}
	}

	rowsByID := make(map[string]input.Row, len(rows))
	for _, row := range rows {
		rowsByID[row.ID] = row
	}

	for round := 1; round <= sched.MaxRetries; round++ {
		pending := r.set.Pending()
		if len(pending) == 0 {
			break
		}
		log.Info("schedule: retry round", "round", round, "pending", len(pending))

		if err := r.cfg.Sleep(ctx, sched.RetryCooldown); err != nil {
			return err
		}

		for i, pair := range pending {
			rowID, targetID := pair[0], pair[1]
			if r.Attempts(rowID, targetID) > sched.MaxRetries {
				continue
			}
			if i > 0 {
				if err := r.cfg.Sleep(ctx, sched.TargetDelay); err != nil {
					return err
				}
			}

			row, ok := rowsByID[rowID]
			if !ok {
				continue
			}
			target, ok := r.targets[targetID]
			if !ok {
				continue
			}
			prev, _ := r.set.Get(rowID, targetID)
			r.set.Put(r.attempt(ctx, target, row, prev.PromptSent, round))
		}

		if err := r.cfg.Flush(ctx); err != nil {
			log.Warn("schedule: flush after retry round failed", "round", round, "error", err)
		}
	}

	return ctx.Err()
}

// queryGrace bounds the non-monitoring parts of a query (navigation,
// typing, pagination capture) on top of the response hard timeout.
const queryGrace = 3 * time.Minute

// attempt runs one query under a bounded context and a panic guard. A
// panic inside browser automation downgrades to a failed artifact instead
// of killing the run.
func (r *Runner) attempt(ctx context.Context, target config.TargetConfig, row input.Row, promptSent string, retryRound int) (a result.Artifact) {
	r.ledger[[2]string{row.ID, target.ID}]++

	qctx, cancel := context.WithTimeout(ctx, target.Timing.HardTimeout+queryGrace)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.cfg.Logger.Error("schedule: query panicked", "row", row.ID, "target", target.ID, "panic", rec)
			a = result.Artifact{
				RowID:      row.ID,
				TargetID:   target.ID,
				Outcome:    result.OutcomeFailed,
				RetryRound: retryRound,
				PromptSent: promptSent,
				Error:      fmt.Sprintf("panic: %v", rec),
			}
		}
	}()

	return r.cfg.Query(qctx, target, row, promptSent, retryRound)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
