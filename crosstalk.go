// Package crosstalk drives automated query sessions against
// conversational web UIs and captures their responses. It submits each
// input row to every configured target, waits for the streamed response
// to stabilize, and persists text, markdown, screenshots, and latency
// through pluggable sinks.
//
// crosstalk captures, it does not interpret. Judging response quality is
// downstream work on the persisted artifacts.
package crosstalk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/crosstalk/internal/browser"
	"github.com/hazyhaar/crosstalk/internal/capture"
	"github.com/hazyhaar/crosstalk/internal/config"
	"github.com/hazyhaar/crosstalk/internal/defense"
	"github.com/hazyhaar/crosstalk/internal/extract"
	"github.com/hazyhaar/crosstalk/internal/input"
	"github.com/hazyhaar/crosstalk/internal/monitor"
	"github.com/hazyhaar/crosstalk/internal/result"
	"github.com/hazyhaar/crosstalk/internal/schedule"
	"github.com/hazyhaar/crosstalk/internal/sink"
	"github.com/hazyhaar/crosstalk/internal/status"
)

// Engine is the top-level orchestrator. It owns the browser, the
// detector, the paginator, and the sink router. Create one per run.
type Engine struct {
	cfg       *config.Config
	mgr       *browser.Manager
	det       *defense.Detector
	pag       *capture.Paginator
	conv      *extract.Converter
	set       *result.Set
	sinkR     *sink.Router
	logger    *slog.Logger
	lastRound int
}

// New creates an Engine from configuration.
func New(cfg *config.Config, logger *slog.Logger, sinks ...sink.Sink) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	targetIDs := make([]string, len(cfg.Targets))
	for i, t := range cfg.Targets {
		targetIDs[i] = t.ID
	}

	return &Engine{
		cfg: cfg,
		mgr: browser.NewManager(cfg.Browser, logger),
		det: defense.New(cfg.Detection, logger),
		pag: capture.New(capture.Config{
			Dir:       cfg.Output.Dir,
			BundlePDF: cfg.Output.BundlePDF,
			Logger:    logger,
		}),
		conv:   extract.New(),
		set:    result.NewSet(targetIDs),
		sinkR:  sink.NewRouter(logger, sinks...),
		logger: logger,
	}
}

// Results returns the live result set. Safe to read concurrently with a
// running engine; the status endpoint does exactly that.
func (e *Engine) Results() *result.Set { return e.set }

// Run executes the full capture: primary pass over all rows, retry
// rounds, and a final flush. It blocks until done or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, rows []input.Row) error {
	if err := e.mgr.Start(); err != nil {
		return fmt.Errorf("crosstalk: start browser: %w", err)
	}
	defer e.mgr.Close()

	var statSrv *status.Server
	if e.cfg.Status.Addr != "" {
		statSrv = status.New(e.cfg.Status.Addr, e.set, e.logger)
		statSrv.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			statSrv.Shutdown(sctx)
		}()
	}

	runner := schedule.New(schedule.Config{
		Schedule: e.cfg.Schedule,
		Prompt:   e.cfg.Prompt,
		Targets:  e.cfg.Targets,
		Query:    e.queryOne,
		Flush: func(ctx context.Context) error {
			return e.sinkR.Flush(ctx, e.set)
		},
		Logger: e.logger,
	}, e.set)

	runErr := runner.Run(ctx, rows)

	// Final flush on a fresh context so an aborted run still persists
	// everything captured so far.
	fctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.sinkR.Flush(fctx, e.set); err != nil {
		e.logger.Error("crosstalk: final flush failed", "error", err)
	}

	st := e.set.Stats()
	e.logger.Info("crosstalk: run finished", "stats", st.String())
	return runErr
}

// queryOne executes a single query attempt. It is the schedule.QueryFunc
// for the Runner: open a session, locate the input, submit, monitor, and
// capture.
func (e *Engine) queryOne(ctx context.Context, target config.TargetConfig, row input.Row, promptSent string, retryRound int) result.Artifact {
	a := result.Artifact{
		RowID:      row.ID,
		TargetID:   target.ID,
		RetryRound: retryRound,
		PromptSent: promptSent,
	}
	log := e.logger.With("row", row.ID, "target", target.ID, "round", retryRound)

	// Retry rounds start from a fresh browser so challenge state does not
	// carry over.
	if retryRound > e.lastRound {
		e.lastRound = retryRound
		log.Info("crosstalk: restarting browser for retry round")
		if err := e.mgr.Restart(); err != nil {
			a.Outcome = result.OutcomeNavigationFailed
			a.Error = err.Error()
			return a
		}
	}

	sess, err := browser.Open(ctx, e.mgr, target)
	if err != nil {
		log.Warn("crosstalk: navigation failed", "error", err)
		a.Outcome = result.OutcomeNavigationFailed
		a.Error = err.Error()
		return a
	}
	defer sess.Close()

	// Interstitial challenge pages replace the target outright: check as
	// soon as navigation settles, before touching any locator.
	if e.det.IsChallenged(ctx, sess) {
		log.Warn("crosstalk: challenge after navigation")
		a.Outcome = result.OutcomeDefenseTriggered
		a.DefenseTriggered = true
		e.evidenceShot(ctx, sess, row.ID, &a)
		return a
	}

	if err := sess.FindInput(ctx); err != nil {
		// A challenge page usually has no chat input either: check before
		// blaming the locators, because the two outcomes retry differently.
		if e.det.IsChallenged(ctx, sess) {
			log.Warn("crosstalk: challenge before input")
			a.Outcome = result.OutcomeDefenseTriggered
			a.DefenseTriggered = true
			e.evidenceShot(ctx, sess, row.ID, &a)
		} else {
			log.Warn("crosstalk: no input locator matched")
			a.Outcome = result.OutcomeInputNotFound
			a.Error = err.Error()
		}
		return a
	}
	a.MatchedInput = sess.MatchedInput

	if err := sess.Submit(ctx, promptSent); err != nil {
		log.Warn("crosstalk: submit failed", "error", err)
		a.Outcome = result.OutcomeFailed
		a.Error = err.Error()
		return a
	}

	// Submission is what trips rate limiters: check once right away
	// instead of waiting out the monitor's first periodic interval.
	if e.det.IsChallenged(ctx, sess) {
		log.Warn("crosstalk: challenge immediately after submit")
		a.Outcome = result.OutcomeDefenseTriggered
		a.DefenseTriggered = true
		e.evidenceShot(ctx, sess, row.ID, &a)
		return a
	}

	mon := monitor.New(monitor.Config{
		Timing:         target.Timing,
		LoadingMarkers: e.cfg.Detection.LoadingMarkers,
		Loading: func(ctx context.Context) bool {
			for _, sel := range e.cfg.Detection.LoadingSelectors {
				if n, err := sess.VisibleCount(ctx, sel); err == nil && n > 0 {
					return true
				}
			}
			return false
		},
		Logger: e.logger,
	})
	res := mon.Wait(ctx, sess.ResponseText, func(ctx context.Context) bool {
		return e.det.IsChallenged(ctx, sess)
	})

	a.Outcome = res.Outcome
	a.Text = res.Text
	a.LatencySeconds = res.Latency.Seconds()

	switch res.Outcome {
	case result.OutcomeOK, result.OutcomePartial:
		if raw, err := sess.ResponseHTML(ctx); err == nil {
			a.Markdown = e.conv.Markdown(raw, res.Text)
		}
		capRes, err := e.pag.Capture(ctx, sess, row.ID, res.Text)
		if err != nil {
			log.Warn("crosstalk: screenshot capture failed", "error", err)
		} else {
			a.ScreenshotPaths = capRes.ScreenshotPaths
			a.PDFPath = capRes.PDFPath
		}
		log.Info("crosstalk: captured",
			"outcome", string(res.Outcome),
			"chars", len(res.Text),
			"latency_seconds", a.LatencySeconds,
			"screenshots", len(a.ScreenshotPaths))
	case result.OutcomeDefenseTriggered:
		a.DefenseTriggered = true
		e.evidenceShot(ctx, sess, row.ID, &a)
		log.Warn("crosstalk: challenge during response")
	default:
		log.Warn("crosstalk: query ended without capture", "outcome", string(res.Outcome))
	}

	return a
}

// evidenceShot records one full-page screenshot of a challenge so the
// operator can see what tripped the detector.
func (e *Engine) evidenceShot(ctx context.Context, sess *browser.Session, rowID string, a *result.Artifact) {
	path := fmt.Sprintf("%s/screenshots/%s/%s/challenge.png", e.cfg.Output.Dir, rowID, sess.Target.ID)
	if err := sess.FullScreenshot(ctx, path); err != nil {
		e.logger.Debug("crosstalk: challenge screenshot failed", "error", err)
		return
	}
	a.ScreenshotPaths = append(a.ScreenshotPaths, path)
}
