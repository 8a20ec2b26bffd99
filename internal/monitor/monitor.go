// Package monitor decides when a streamed response has truly finished.
//
// The remote interface gives no completion signal, so the monitor infers
// one from polled text: any content change re-arms two timers measured
// from the last change. The short settle threshold timestamps the moment
// generation actually stopped (latency); the longer stability threshold
// exists purely to rule out transient mid-generation pauses before
// declaring completion.
package monitor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/crosstalk/internal/config"
	"github.com/hazyhaar/crosstalk/internal/result"
)

// State is the observable phase of one monitor invocation.
type State int

const (
	StateWaitingFirstContent State = iota
	StateGrowing
	StateConfirmingStable
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateWaitingFirstContent:
		return "waiting_first_content"
	case StateGrowing:
		return "growing"
	case StateConfirmingStable:
		return "confirming_stable"
	case StateComplete:
		return "complete"
	}
	return "unknown"
}

// TextFunc extracts the current response text from the live session.
type TextFunc func(ctx context.Context) (string, error)

// ChallengedFunc reports whether an anti-automation challenge is showing.
type ChallengedFunc func(ctx context.Context) bool

// Submission is the moment a defense system is most likely to react, so
// the first defense check fires this soon after Wait starts even when the
// periodic interval is much coarser.
const initialDefenseDelay = 1500 * time.Millisecond

// Result is the outcome of one monitor invocation.
type Result struct {
	Outcome result.Outcome
	Text    string
	Latency time.Duration
}

// Config configures a Monitor. Now and Sleep exist for deterministic
// tests; the thresholds are time-based, not poll-count-based.
type Config struct {
	Timing         config.TimingConfig
	LoadingMarkers []string

	// Loading reports whether an in-progress indicator element is visible
	// on the page. Optional; complements the text-marker check.
	Loading func(ctx context.Context) bool

	Logger *slog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Monitor polls extracted text and classifies completion.
type Monitor struct {
	cfg Config
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	cfg.Timing.ApplyDefaults()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	return &Monitor{cfg: cfg}
}

// Wait polls until the response completes, the hard timeout expires, or a
// challenge appears. It returns exactly one Result per call; the tracked
// ResponseState is discarded afterwards.
//
// Growth is detected by content inequality, never by length alone: a
// shrink counts as growth, not as an error. Latency is captured exactly
// once at the first crossing of the settle threshold, as the duration from
// submission to the last growth; later unchanged polls never overwrite it,
// and any subsequent growth clears it for re-capture.
func (m *Monitor) Wait(ctx context.Context, text TextFunc, challenged ChallengedFunc) Result {
	t := m.cfg.Timing
	log := m.cfg.Logger

	start := m.cfg.Now()
	lastGrowth := start
	lastDefense := start
	if t.DefenseCheckInterval > initialDefenseDelay {
		// Backdate so the first check lands shortly after submission;
		// later checks run at the full interval.
		lastDefense = start.Add(initialDefenseDelay - t.DefenseCheckInterval)
	}
	tracked := ""

	var latency time.Duration
	latencyCaptured := false
	state := StateWaitingFirstContent

	for {
		now := m.cfg.Now()
		if now.Sub(start) >= t.HardTimeout {
			break
		}
		if err := m.cfg.Sleep(ctx, t.PollInterval); err != nil {
			break
		}
		now = m.cfg.Now()

		// Defense checks run at a coarser interval and short-circuit any
		// state. Returning immediately keeps repeated detection idempotent:
		// no further polling happens on an already-challenged session.
		if challenged != nil && now.Sub(lastDefense) >= t.DefenseCheckInterval {
			lastDefense = now
			if challenged(ctx) {
				log.Info("monitor: challenge during wait",
					"elapsed", now.Sub(start), "state", state.String())
				return Result{Outcome: result.OutcomeDefenseTriggered}
			}
		}

		// A visible loading indicator element means generation is still in
		// flight regardless of what the text currently reads.
		if m.cfg.Loading != nil && m.cfg.Loading(ctx) {
			tracked = ""
			lastGrowth = now
			state = StateWaitingFirstContent
			continue
		}

		current, err := text(ctx)
		if err != nil {
			// Transient extraction failures are expected while the page
			// re-renders; the hard timeout bounds them.
			continue
		}

		if m.stillGenerating(current) {
			tracked = ""
			lastGrowth = now
			state = StateWaitingFirstContent
			continue
		}
		if len(current) < t.MinResponseLength {
			state = StateWaitingFirstContent
			continue
		}

		if current != tracked {
			tracked = current
			lastGrowth = now
			latencyCaptured = false
			state = StateGrowing
			continue
		}

		elapsed := now.Sub(lastGrowth)

		// First settle crossing stamps when generation actually stopped.
		if !latencyCaptured && elapsed >= t.Settle {
			latency = lastGrowth.Sub(start)
			latencyCaptured = true
			state = StateConfirmingStable
			log.Debug("monitor: latency captured",
				"latency", latency, "chars", len(tracked))
		}

		if elapsed >= t.Stability {
			if !latencyCaptured {
				latency = lastGrowth.Sub(start)
			}
			log.Info("monitor: response complete",
				"stable", elapsed, "chars", len(tracked), "latency", latency)
			return Result{Outcome: result.OutcomeOK, Text: strings.TrimSpace(tracked), Latency: latency}
		}
	}

	if len(tracked) >= t.MinResponseLength {
		if !latencyCaptured {
			latency = m.cfg.Now().Sub(start)
		}
		log.Warn("monitor: hard timeout, returning partial text", "chars", len(tracked))
		return Result{Outcome: result.OutcomePartial, Text: strings.TrimSpace(tracked), Latency: latency}
	}

	log.Warn("monitor: hard timeout with no content")
	return Result{Outcome: result.OutcomeTimedOut}
}

// stillGenerating reports whether the text carries an in-progress marker.
func (m *Monitor) stillGenerating(text string) bool {
	for _, marker := range m.cfg.LoadingMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
