package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/crosstalk/dbopen"
	"github.com/hazyhaar/crosstalk/internal/result"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleSet() *result.Set {
	set := result.NewSet([]string{"copilot", "gemini"})
	set.Put(result.Artifact{
		RowID:           "r1",
		TargetID:        "copilot",
		Outcome:         result.OutcomeOK,
		Text:            "Paris is the capital of France.",
		Markdown:        "**Paris** is the capital of France.",
		ScreenshotPaths: []string{"shots/r1/copilot/response_00.png"},
		LatencySeconds:  3.42,
		PromptSent:      "What is the capital of France?",
	})
	set.Put(result.Artifact{
		RowID:            "r1",
		TargetID:         "gemini",
		Outcome:          result.OutcomeDefenseTriggered,
		DefenseTriggered: true,
		RetryRound:       1,
		PromptSent:       "What is the capital of France?",
	})
	return set
}

func TestCSVFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s := NewCSV(path, testLogger())

	if err := s.Flush(context.Background(), sampleSet()); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want header + 1 row", len(records))
	}

	header := records[0]
	for _, want := range []string{
		"row_id", "prompt_sent", "prompt_length",
		"response_copilot", "outcome_copilot", "bot_detected_copilot", "latency_seconds_copilot",
		"response_gemini", "retry_round_gemini",
	} {
		found := false
		for _, h := range header {
			if h == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("header missing %q: %v", want, header)
		}
	}

	row := records[1]
	cell := func(name string) string {
		for i, h := range header {
			if h == name {
				return row[i]
			}
		}
		t.Fatalf("no column %q", name)
		return ""
	}
	// Markdown preferred over plain text when available.
	if got := cell("response_copilot"); got != "**Paris** is the capital of France." {
		t.Errorf("response_copilot = %q", got)
	}
	if got := cell("bot_detected_gemini"); got != "true" {
		t.Errorf("bot_detected_gemini = %q", got)
	}
	if got := cell("latency_seconds_copilot"); got != "3.42" {
		t.Errorf("latency_seconds_copilot = %q", got)
	}
	if got := cell("prompt_length"); got != "30" {
		t.Errorf("prompt_length = %q", got)
	}
}

func TestCSVFlushRewritesWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s := NewCSV(path, testLogger())
	set := sampleSet()

	if err := s.Flush(context.Background(), set); err != nil {
		t.Fatal(err)
	}
	// Second flush with an updated cell must not append a duplicate row.
	set.Put(result.Artifact{
		RowID: "r1", TargetID: "gemini",
		Outcome: result.OutcomeOK, Text: strings.Repeat("x", 40), RetryRound: 2,
	})
	if err := s.Flush(context.Background(), set); err != nil {
		t.Fatal(err)
	}

	f, _ := os.Open(path)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records after re-flush, want header + 1 row", len(records))
	}
}

func TestCSVFallbackPathWhenLocked(t *testing.T) {
	// A directory at the target path makes os.Create fail the same way a
	// held Windows file lock does.
	dir := t.TempDir()
	path := filepath.Join(dir, "results.csv")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	s := NewCSV(path, testLogger(), WithLockRetry(1, 0))
	s.sleep = func(time.Duration) {}

	if err := s.Flush(context.Background(), sampleSet()); err != nil {
		t.Fatalf("fallback flush failed: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "results_*.csv"))
	if len(matches) != 1 {
		t.Fatalf("expected one timestamped fallback file, got %v", matches)
	}
}

func TestFallbackPath(t *testing.T) {
	got := fallbackPath("/out/results.csv")
	if !strings.HasPrefix(got, "/out/results_") || !strings.HasSuffix(got, ".csv") {
		t.Errorf("fallbackPath = %q", got)
	}
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestJSONLFlush(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLWriter(nopCloser{&buf})

	if err := s.Flush(context.Background(), sampleSet()); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var recs []jsonlRecord
	for _, line := range lines {
		var rec jsonlRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatal(err)
		}
		recs = append(recs, rec)
	}
	if recs[0].RowID != "r1" {
		t.Errorf("row_id = %q", recs[0].RowID)
	}
	if recs[0].RecordID == "" || recs[1].RecordID == "" {
		t.Error("record_id missing")
	}
	if recs[0].RecordID == recs[1].RecordID {
		t.Errorf("record_id %q repeated across lines", recs[0].RecordID)
	}
}

func TestJSONLFlushAppendsOnlyChanges(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLWriter(nopCloser{&buf})
	set := sampleSet()

	s.Flush(context.Background(), set)
	first := strings.Count(buf.String(), "\n")

	// Unchanged set: nothing new to log.
	s.Flush(context.Background(), set)
	if got := strings.Count(buf.String(), "\n"); got != first {
		t.Fatalf("unchanged flush appended lines: %d -> %d", first, got)
	}

	// A retried cell appears again with its new round.
	set.Put(result.Artifact{RowID: "r1", TargetID: "gemini", Outcome: result.OutcomeOK, RetryRound: 2})
	s.Flush(context.Background(), set)
	if got := strings.Count(buf.String(), "\n"); got != first+1 {
		t.Fatalf("retry flush appended %d lines, want 1", got-first)
	}
}

func TestSQLiteFlushUpserts(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s, err := NewSQLiteDB(db)
	if err != nil {
		t.Fatal(err)
	}
	set := sampleSet()
	ctx := context.Background()

	if err := s.Flush(ctx, set); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM results`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	// Retry overwrites the cell in place.
	set.Put(result.Artifact{
		RowID: "r1", TargetID: "gemini",
		Outcome: result.OutcomeOK, Text: "Recovered on retry.", RetryRound: 1,
	})
	if err := s.Flush(ctx, set); err != nil {
		t.Fatal(err)
	}

	db.QueryRow(`SELECT COUNT(*) FROM results`).Scan(&count)
	if count != 2 {
		t.Fatalf("count after upsert = %d, want 2", count)
	}

	var outcome, text string
	err = db.QueryRow(`SELECT outcome, response_text FROM results WHERE row_id = 'r1' AND target_id = 'gemini'`).
		Scan(&outcome, &text)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != "ok" || text != "Recovered on retry." {
		t.Errorf("upserted cell = %q / %q", outcome, text)
	}
}

func TestRouterFanOut(t *testing.T) {
	var a, b bytes.Buffer
	s1 := NewJSONLWriter(nopCloser{&a})
	s2 := NewJSONLWriter(nopCloser{&b})
	r := NewRouter(testLogger(), s1, s2)

	if err := r.Flush(context.Background(), sampleSet()); err != nil {
		t.Fatal(err)
	}
	if a.Len() == 0 || b.Len() == 0 {
		t.Error("router did not deliver to all sinks")
	}
}
