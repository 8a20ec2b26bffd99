package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/crosstalk/dbopen"
	"github.com/hazyhaar/crosstalk/internal/result"
)

const resultsSchema = `
CREATE TABLE IF NOT EXISTS results (
	row_id          TEXT NOT NULL,
	target_id       TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	response_text   TEXT NOT NULL DEFAULT '',
	response_md     TEXT NOT NULL DEFAULT '',
	screenshots     TEXT NOT NULL DEFAULT '',
	pdf_path        TEXT NOT NULL DEFAULT '',
	latency_seconds REAL NOT NULL DEFAULT 0,
	bot_detected    INTEGER NOT NULL DEFAULT 0,
	matched_input   TEXT NOT NULL DEFAULT '',
	retry_round     INTEGER NOT NULL DEFAULT 0,
	prompt_sent     TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	updated_at      TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (row_id, target_id)
);
`

// SQLite persists one row per (row, target) cell, upserting on every
// flush. Unlike the CSV rewrite this keeps history cheap to query and
// survives concurrent readers.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the results database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(resultsSchema))
	if err != nil {
		return nil, fmt.Errorf("sink: sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

// NewSQLiteDB wraps an already-open database. Used by tests with
// dbopen.OpenMemory.
func NewSQLiteDB(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(resultsSchema); err != nil {
		return nil, fmt.Errorf("sink: sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Flush(ctx context.Context, set *result.Set) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return upsertAll(ctx, tx, set)
	})
}

func upsertAll(ctx context.Context, tx *sql.Tx, set *result.Set) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO results (row_id, target_id, outcome, response_text, response_md,
			screenshots, pdf_path, latency_seconds, bot_detected, matched_input,
			retry_round, prompt_sent, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT (row_id, target_id) DO UPDATE SET
			outcome = excluded.outcome,
			response_text = excluded.response_text,
			response_md = excluded.response_md,
			screenshots = excluded.screenshots,
			pdf_path = excluded.pdf_path,
			latency_seconds = excluded.latency_seconds,
			bot_detected = excluded.bot_detected,
			matched_input = excluded.matched_input,
			retry_round = excluded.retry_round,
			prompt_sent = excluded.prompt_sent,
			error = excluded.error,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("sink: sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, row := range set.Rows() {
		for _, a := range row.Cells {
			bot := 0
			if a.DefenseTriggered {
				bot = 1
			}
			_, err := stmt.ExecContext(ctx,
				a.RowID, a.TargetID, string(a.Outcome), a.Text, a.Markdown,
				strings.Join(a.ScreenshotPaths, ";"), a.PDFPath, a.LatencySeconds,
				bot, a.MatchedInput, a.RetryRound, a.PromptSent, a.Error)
			if err != nil {
				return fmt.Errorf("sink: sqlite upsert %s/%s: %w", a.RowID, a.TargetID, err)
			}
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }
