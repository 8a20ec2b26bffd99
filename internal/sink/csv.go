package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/crosstalk/internal/result"
)

// CSV rewrites one consolidated spreadsheet on every flush: one line per
// input row, one column group per target. Rewriting the whole file keeps
// the output consistent no matter when the run stops.
type CSV struct {
	path       string
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
	sleep      func(time.Duration)
}

// CSVOption configures a CSV sink.
type CSVOption func(*CSV)

// WithLockRetry sets how often and how long to wait when the file is
// locked by another process (the spreadsheet open in Excel, typically).
func WithLockRetry(retries int, delay time.Duration) CSVOption {
	return func(c *CSV) {
		c.retries = retries
		c.retryDelay = delay
	}
}

// NewCSV creates a CSV sink writing to path.
func NewCSV(path string, logger *slog.Logger, opts ...CSVOption) *CSV {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CSV{
		path:       path,
		retries:    3,
		retryDelay: 2 * time.Second,
		logger:     logger,
		sleep:      time.Sleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *CSV) Flush(_ context.Context, set *result.Set) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("sink: csv mkdir: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("sink: csv locked, retrying", "path", c.path, "attempt", attempt)
			c.sleep(c.retryDelay)
		}
		if lastErr = writeCSV(c.path, set); lastErr == nil {
			return nil
		}
	}

	// Still locked after all retries: divert to a timestamped sibling so
	// the results are not lost.
	alt := fallbackPath(c.path)
	if err := writeCSV(alt, set); err != nil {
		return fmt.Errorf("sink: csv write %s: %w", c.path, lastErr)
	}
	c.logger.Warn("sink: csv diverted to fallback", "path", alt, "error", lastErr)
	return nil
}

func (c *CSV) Close() error { return nil }

func fallbackPath(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s_%s%s", base, time.Now().Format("20060102_150405"), ext)
}

func writeCSV(path string, set *result.Set) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	targets := set.Targets()

	header := []string{"row_id", "prompt_sent", "prompt_length"}
	for _, t := range targets {
		header = append(header,
			"response_"+t,
			"outcome_"+t,
			"screenshots_"+t,
			"bot_detected_"+t,
			"latency_seconds_"+t,
			"retry_round_"+t,
		)
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, row := range set.Rows() {
		rec := []string{row.RowID, row.PromptSent, strconv.Itoa(len(row.PromptSent))}
		for _, t := range targets {
			a, ok := row.Cells[t]
			if !ok {
				rec = append(rec, "", "", "", "", "", "")
				continue
			}
			text := a.Text
			if a.Markdown != "" {
				text = a.Markdown
			}
			rec = append(rec,
				text,
				string(a.Outcome),
				strings.Join(a.ScreenshotPaths, ";"),
				strconv.FormatBool(a.DefenseTriggered),
				strconv.FormatFloat(a.LatencySeconds, 'f', 2, 64),
				strconv.Itoa(a.RetryRound),
			)
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}
