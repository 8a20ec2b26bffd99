package schedule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/crosstalk/internal/config"
	"github.com/hazyhaar/crosstalk/internal/input"
	"github.com/hazyhaar/crosstalk/internal/result"
)

func testTargets(ids ...string) []config.TargetConfig {
	out := make([]config.TargetConfig, len(ids))
	for i, id := range ids {
		out[i] = config.TargetConfig{ID: id, URL: "https://" + id + ".example.com"}
		out[i].Timing.ApplyDefaults()
	}
	return out
}

func testRows(ids ...string) []input.Row {
	out := make([]input.Row, len(ids))
	for i, id := range ids {
		out[i] = input.Row{ID: id, Prompt: "prompt for " + id}
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// okQuery records the emission order and succeeds every cell.
func okQuery(log *[]string) QueryFunc {
	return func(_ context.Context, target config.TargetConfig, row input.Row, promptSent string, retryRound int) result.Artifact {
		*log = append(*log, fmt.Sprintf("%s/%s/r%d", row.ID, target.ID, retryRound))
		return result.Artifact{
			RowID:      row.ID,
			TargetID:   target.ID,
			Outcome:    result.OutcomeOK,
			PromptSent: promptSent,
			RetryRound: retryRound,
		}
	}
}

func TestRunRoundRobinOrder(t *testing.T) {
	var calls []string
	set := result.NewSet([]string{"t1", "t2", "t3"})
	r := New(Config{
		Schedule: config.ScheduleConfig{MaxRetries: 3},
		Targets:  testTargets("t1", "t2", "t3"),
		Query:    okQuery(&calls),
		Logger:   testLogger(),
		Sleep:    noSleep,
	}, set)

	if err := r.Run(context.Background(), testRows("r1", "r2")); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"r1/t1/r0", "r1/t2/r0", "r1/t3/r0",
		"r2/t1/r0", "r2/t2/r0", "r2/t3/r0",
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %s, want %s (full order %v)", i, calls[i], want[i], calls)
		}
	}
}

func TestRunEveryCellHasArtifact(t *testing.T) {
	var calls []string
	set := result.NewSet([]string{"t1", "t2"})
	r := New(Config{
		Schedule: config.ScheduleConfig{MaxRetries: 3},
		Targets:  testTargets("t1", "t2"),
		Query:    okQuery(&calls),
		Logger:   testLogger(),
		Sleep:    noSleep,
	}, set)

	rows := testRows("r1", "r2", "r3")
	if err := r.Run(context.Background(), rows); err != nil {
		t.Fatal(err)
	}

	for _, row := range rows {
		for _, tid := range []string{"t1", "t2"} {
			if _, ok := set.Get(row.ID, tid); !ok {
				t.Errorf("no artifact for (%s, %s)", row.ID, tid)
			}
		}
	}
}

func TestRunPromptBuiltOncePerRow(t *testing.T) {
	prompts := make(map[string]map[string]bool) // row -> distinct prompt bytes
	query := func(_ context.Context, target config.TargetConfig, row input.Row, promptSent string, retryRound int) result.Artifact {
		if prompts[row.ID] == nil {
			prompts[row.ID] = make(map[string]bool)
		}
		prompts[row.ID][promptSent] = true
		return result.Artifact{RowID: row.ID, TargetID: target.ID, Outcome: result.OutcomeOK, PromptSent: promptSent}
	}

	set := result.NewSet([]string{"t1", "t2", "t3"})
	r := New(Config{
		Schedule: config.ScheduleConfig{MaxRetries: 1},
		Prompt:   config.PromptConfig{MaxLength: 2000, ContextMaxLength: 1500, ContextMinLength: 50},
		Targets:  testTargets("t1", "t2", "t3"),
		Query:    query,
		Logger:   testLogger(),
		Sleep:    noSleep,
	}, set)

	rows := []input.Row{
		{ID: "r1", Prompt: "Question one", ContextText: "Background that is definitely long enough to include."},
		{ID: "r2", Prompt: "Question two"},
	}
	if err := r.Run(context.Background(), rows); err != nil {
		t.Fatal(err)
	}

	for rowID, seen := range prompts {
		if len(seen) != 1 {
			t.Errorf("row %s received %d distinct prompts, want identical bytes", rowID, len(seen))
		}
	}
}

func TestRunRetriesOnlyRetryableOutcomes(t *testing.T) {
	// t1 fails with a challenge on the primary pass, then succeeds. t2
	// times out — never retried. t3 succeeds immediately.
	attempts := make(map[string]int)
	query := func(_ context.Context, target config.TargetConfig, row input.Row, promptSent string, retryRound int) result.Artifact {
		attempts[target.ID]++
		a := result.Artifact{RowID: row.ID, TargetID: target.ID, PromptSent: promptSent, RetryRound: retryRound}
		switch {
		case target.ID == "t1" && retryRound == 0:
			a.Outcome = result.OutcomeDefenseTriggered
			a.DefenseTriggered = true
		case target.ID == "t2":
			a.Outcome = result.OutcomeTimedOut
		default:
			a.Outcome = result.OutcomeOK
		}
		return a
	}

	set := result.NewSet([]string{"t1", "t2", "t3"})
	r := New(Config{
		Schedule: config.ScheduleConfig{MaxRetries: 3},
		Targets:  testTargets("t1", "t2", "t3"),
		Query:    query,
		Logger:   testLogger(),
		Sleep:    noSleep,
	}, set)

	if err := r.Run(context.Background(), testRows("r1")); err != nil {
		t.Fatal(err)
	}

	if attempts["t1"] != 2 {
		t.Errorf("t1 attempts = %d, want 2 (primary + one retry)", attempts["t1"])
	}
	if attempts["t2"] != 1 {
		t.Errorf("t2 attempts = %d, want 1 (timeout is not retryable)", attempts["t2"])
	}
	if attempts["t3"] != 1 {
		t.Errorf("t3 attempts = %d, want 1", attempts["t3"])
	}

	a, _ := set.Get("r1", "t1")
	if a.Outcome != result.OutcomeOK || a.RetryRound != 1 {
		t.Errorf("t1 final artifact = %+v, want ok from round 1", a)
	}
}

func TestRunRetryRoundsBounded(t *testing.T) {
	attempts := 0
	query := func(_ context.Context, target config.TargetConfig, row input.Row, promptSent string, retryRound int) result.Artifact {
		attempts++
		return result.Artifact{
			RowID: row.ID, TargetID: target.ID,
			Outcome: result.OutcomeDefenseTriggered, DefenseTriggered: true,
			PromptSent: promptSent, RetryRound: retryRound,
		}
	}

	set := result.NewSet([]string{"t1"})
	r := New(Config{
		Schedule: config.ScheduleConfig{MaxRetries: 3},
		Targets:  testTargets("t1"),
		Query:    query,
		Logger:   testLogger(),
		Sleep:    noSleep,
	}, set)

	if err := r.Run(context.Background(), testRows("r1")); err != nil {
		t.Fatal(err)
	}

	// Primary attempt plus exactly MaxRetries retries, never more.
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
	if got := r.Attempts("r1", "t1"); got != 4 {
		t.Errorf("ledger = %d, want 4", got)
	}
}

func TestRunRetryKeepsOriginalPrompt(t *testing.T) {
	var retryPrompt string
	query := func(_ context.Context, target config.TargetConfig, row input.Row, promptSent string, retryRound int) result.Artifact {
		a := result.Artifact{RowID: row.ID, TargetID: target.ID, PromptSent: promptSent, RetryRound: retryRound}
		if retryRound == 0 {
			a.Outcome = result.OutcomeNavigationFailed
		} else {
			retryPrompt = promptSent
			a.Outcome = result.OutcomeOK
		}
		return a
	}

	set := result.NewSet([]string{"t1"})
	r := New(Config{
		Schedule: config.ScheduleConfig{MaxRetries: 1},
		Targets:  testTargets("t1"),
		Query:    query,
		Logger:   testLogger(),
		Sleep:    noSleep,
	}, set)

	rows := testRows("r1")
	if err := r.Run(context.Background(), rows); err != nil {
		t.Fatal(err)
	}
	if retryPrompt != "prompt for r1" {
		t.Errorf("retry prompt = %q, want primary-pass bytes", retryPrompt)
	}
}

func TestRunFlushCadence(t *testing.T) {
	flushes := 0
	var calls []string
	set := result.NewSet([]string{"t1"})
	r := New(Config{
		Schedule: config.ScheduleConfig{MaxRetries: 3},
		Targets:  testTargets("t1"),
		Query:    okQuery(&calls),
		Flush: func(context.Context) error {
			flushes++
			return nil
		},
		Logger: testLogger(),
		Sleep:  noSleep,
	}, set)

	if err := r.Run(context.Background(), testRows("r1", "r2", "r3")); err != nil {
		t.Fatal(err)
	}
	// One flush per row; nothing pending, so no retry-round flushes.
	if flushes != 3 {
		t.Errorf("flushes = %d, want 3", flushes)
	}
}

func TestRunPanicDowngradesToFailed(t *testing.T) {
	query := func(_ context.Context, target config.TargetConfig, row input.Row, promptSent string, retryRound int) result.Artifact {
		panic("element detached mid-click")
	}

	set := result.NewSet([]string{"t1"})
	r := New(Config{
		Schedule: config.ScheduleConfig{MaxRetries: 3},
		Targets:  testTargets("t1"),
		Query:    query,
		Logger:   testLogger(),
		Sleep:    noSleep,
	}, set)

	if err := r.Run(context.Background(), testRows("r1")); err != nil {
		t.Fatal(err)
	}

	a, ok := set.Get("r1", "t1")
	if !ok {
		t.Fatal("no artifact recorded for panicked query")
	}
	if a.Outcome != result.OutcomeFailed {
		t.Errorf("outcome = %s, want failed", a.Outcome)
	}
	if a.Error == "" {
		t.Error("panic message not recorded")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls []string
	inner := okQuery(&calls)
	query := func(qctx context.Context, target config.TargetConfig, row input.Row, promptSent string, retryRound int) result.Artifact {
		a := inner(qctx, target, row, promptSent, retryRound)
		cancel() // cancel after the first query completes
		return a
	}

	set := result.NewSet([]string{"t1"})
	r := New(Config{
		Schedule: config.ScheduleConfig{MaxRetries: 3, RowDelay: time.Second},
		Targets:  testTargets("t1"),
		Query:    query,
		Logger:   testLogger(),
	}, set)

	err := r.Run(ctx, testRows("r1", "r2", "r3"))
	if err == nil {
		t.Fatal("expected context error")
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want the run to stop at the row boundary", calls)
	}
}
