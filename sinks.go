package crosstalk

import (
	"io"
	"log/slog"
	"time"

	"github.com/hazyhaar/crosstalk/internal/sink"
)

// Sink is the persistence interface for captured results.
type Sink = sink.Sink

// NewCSVSink creates the consolidated-spreadsheet sink.
func NewCSVSink(path string, logger *slog.Logger, lockRetries int, lockRetryDelay time.Duration) Sink {
	return sink.NewCSV(path, logger, sink.WithLockRetry(lockRetries, lockRetryDelay))
}

// NewSQLiteSink creates the SQLite upsert sink.
func NewSQLiteSink(path string) (Sink, error) {
	return sink.NewSQLite(path)
}

// NewJSONLSink creates the append-only attempt-log sink.
func NewJSONLSink(path string) (Sink, error) {
	return sink.NewJSONL(path)
}

// NewJSONLWriterSink wraps an arbitrary writer, mainly for tests and
// piping to stdout.
func NewJSONLWriterSink(w io.WriteCloser) Sink {
	return sink.NewJSONLWriter(w)
}
