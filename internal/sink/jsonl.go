package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hazyhaar/crosstalk/idgen"
	"github.com/hazyhaar/crosstalk/internal/result"
)

// JSONL appends one JSON line per updated artifact. Append-only: a cell
// flushed twice (primary pass then retry) appears twice, latest last, so
// the stream doubles as an attempt log. Every line carries its own
// record_id so downstream consumers can dedupe across concatenated runs.
type JSONL struct {
	mu   sync.Mutex
	w    io.WriteCloser
	enc  *json.Encoder
	gen  idgen.Generator
	seen map[string]result.Outcome // (row|target) -> last outcome written
}

type jsonlRecord struct {
	RecordID string `json:"record_id"`
	result.Artifact
}

// NewJSONL creates a JSONL sink appending to path.
func NewJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink: jsonl mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: jsonl open: %w", err)
	}
	return NewJSONLWriter(f), nil
}

// NewJSONLWriter wraps an arbitrary writer, for tests.
func NewJSONLWriter(w io.WriteCloser) *JSONL {
	return &JSONL{
		w:    w,
		enc:  json.NewEncoder(w),
		gen:  idgen.Default,
		seen: make(map[string]result.Outcome),
	}
}

func (j *JSONL) Flush(_ context.Context, set *result.Set) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, row := range set.Rows() {
		for _, a := range row.Cells {
			key := a.RowID + "\x00" + a.TargetID + "\x00" + fmt.Sprint(a.RetryRound)
			if prev, ok := j.seen[key]; ok && prev == a.Outcome {
				continue
			}
			if err := j.enc.Encode(jsonlRecord{RecordID: j.gen(), Artifact: a}); err != nil {
				return fmt.Errorf("sink: jsonl encode: %w", err)
			}
			j.seen[key] = a.Outcome
		}
	}
	return nil
}

func (j *JSONL) Close() error { return j.w.Close() }
