// Package result defines the per-query capture artifact, the outcome
// taxonomy, and the accumulating result set the sinks persist.
package result

import (
	"fmt"
	"sort"
	"sync"
)

// Outcome classifies how a query attempt ended.
type Outcome string

const (
	// OutcomeOK means the full response was captured.
	OutcomeOK Outcome = "ok"
	// OutcomePartial means the hard timeout hit but some text was captured.
	OutcomePartial Outcome = "partial"
	// OutcomeTimedOut means the hard timeout hit with no usable text.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeDefenseTriggered means an anti-automation challenge appeared.
	OutcomeDefenseTriggered Outcome = "defense_triggered"
	// OutcomeNavigationFailed means the target was unreachable.
	OutcomeNavigationFailed Outcome = "navigation_failed"
	// OutcomeInputNotFound means no input locator candidate matched. This
	// signals a stale locator (target UI changed), not a transient fault.
	OutcomeInputNotFound Outcome = "input_not_found"
	// OutcomeFailed is the generic downgrade for unexpected errors caught
	// at the query boundary.
	OutcomeFailed Outcome = "failed"
)

// Retryable reports whether an outcome is eligible for a retry round.
// Defense challenges clear with cooldown; unreachable targets may come
// back. Timeouts are assumed content-related and stale locators cannot be
// fixed by retrying.
func (o Outcome) Retryable() bool {
	return o == OutcomeDefenseTriggered || o == OutcomeNavigationFailed
}

// Artifact is the capture record for exactly one query attempt against one
// target. Immutable once produced.
type Artifact struct {
	RowID            string   `json:"row_id"`
	TargetID         string   `json:"target_id"`
	Outcome          Outcome  `json:"outcome"`
	Text             string   `json:"text"`
	Markdown         string   `json:"markdown,omitempty"`
	ScreenshotPaths  []string `json:"screenshot_paths,omitempty"`
	PDFPath          string   `json:"pdf_path,omitempty"`
	LatencySeconds   float64  `json:"latency_seconds"`
	DefenseTriggered bool     `json:"defense_triggered"`
	MatchedInput     string   `json:"matched_input,omitempty"`
	RetryRound       int      `json:"retry_round"`
	PromptSent       string   `json:"prompt_sent"`
	Error            string   `json:"error,omitempty"`
}

// Row is one tabular output line: the input row plus one cell per target.
type Row struct {
	RowID      string
	PromptSent string
	Cells      map[string]Artifact // keyed by target ID
}

// Set accumulates artifacts keyed by (row, target). Safe for concurrent
// reads from the status endpoint while the scheduler writes.
type Set struct {
	mu      sync.RWMutex
	order   []string // row IDs in input order
	rows    map[string]*Row
	targets []string
}

// NewSet creates a Set for the given target ordering. Column order in the
// tabular output follows this slice.
func NewSet(targetIDs []string) *Set {
	return &Set{
		rows:    make(map[string]*Row),
		targets: append([]string(nil), targetIDs...),
	}
}

// Put records the artifact for its (row, target) cell, overwriting any
// earlier attempt. The row is created on first sight, preserving input
// order.
func (s *Set) Put(a Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[a.RowID]
	if !ok {
		row = &Row{RowID: a.RowID, Cells: make(map[string]Artifact)}
		s.rows[a.RowID] = row
		s.order = append(s.order, a.RowID)
	}
	if a.PromptSent != "" {
		row.PromptSent = a.PromptSent
	}
	row.Cells[a.TargetID] = a
}

// Get returns the artifact for a (row, target) cell.
func (s *Set) Get(rowID, targetID string) (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[rowID]
	if !ok {
		return Artifact{}, false
	}
	a, ok := row.Cells[targetID]
	return a, ok
}

// Targets returns the target column order.
func (s *Set) Targets() []string {
	return append([]string(nil), s.targets...)
}

// Rows returns all rows in input order. The returned rows are copies.
func (s *Set) Rows() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Row, 0, len(s.order))
	for _, id := range s.order {
		src := s.rows[id]
		row := Row{RowID: src.RowID, PromptSent: src.PromptSent, Cells: make(map[string]Artifact, len(src.Cells))}
		for k, v := range src.Cells {
			row.Cells[k] = v
		}
		out = append(out, row)
	}
	return out
}

// Pending returns (rowID, targetID) pairs whose latest artifact is
// retry-eligible, sorted for deterministic retry ordering.
func (s *Set) Pending() [][2]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out [][2]string
	for _, id := range s.order {
		row := s.rows[id]
		for _, tid := range s.targets {
			if a, ok := row.Cells[tid]; ok && a.Outcome.Retryable() {
				out = append(out, [2]string{id, tid})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// Stats are the running counters exposed by the status endpoint.
type Stats struct {
	TotalQueries      int `json:"total_queries"`
	Succeeded         int `json:"succeeded"`
	DefenseDetections int `json:"defense_detections"`
	Failures          int `json:"failures"`
}

// Stats tallies outcomes across all cells.
func (s *Set) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, row := range s.rows {
		for _, a := range row.Cells {
			st.TotalQueries++
			switch {
			case a.Outcome == OutcomeOK || a.Outcome == OutcomePartial:
				st.Succeeded++
			case a.DefenseTriggered:
				st.DefenseDetections++
			default:
				st.Failures++
			}
		}
	}
	return st
}

// String implements fmt.Stringer for log lines.
func (st Stats) String() string {
	return fmt.Sprintf("queries=%d succeeded=%d defense=%d failures=%d",
		st.TotalQueries, st.Succeeded, st.DefenseDetections, st.Failures)
}
