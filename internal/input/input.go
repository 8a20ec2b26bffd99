// Package input loads prompt rows produced by the external prompt
// pipeline. crosstalk does not generate prompts; it only consumes
// (id, prompt, context) rows from CSV or JSON-lines files.
package input

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Row is one prompt row from the producer.
type Row struct {
	ID          string `json:"id"`
	Prompt      string `json:"prompt"`
	ContextText string `json:"context_text,omitempty"`
	ContextURL  string `json:"context_url,omitempty"`
}

// Load reads rows from a CSV or JSONL file, dispatching on extension.
// limit <= 0 means all rows.
func Load(path string, limit int) ([]Row, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(path, limit)
	case ".jsonl", ".ndjson", ".json":
		return LoadJSONL(path, limit)
	default:
		return nil, fmt.Errorf("input: unsupported file type %q", filepath.Ext(path))
	}
}

// LoadCSV reads rows from a CSV file with a header line. Recognised
// columns: id, prompt, context_text, context_url (the prompt producer's
// schema). Missing ids are synthesised from the row index.
func LoadCSV(path string, limit int) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("input: read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["prompt"]; !ok {
		return nil, fmt.Errorf("input: %s: no prompt column", path)
	}

	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []Row
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("input: read row %d: %w", len(rows)+1, err)
		}

		row := Row{
			ID:          field(rec, "id"),
			Prompt:      field(rec, "prompt"),
			ContextText: field(rec, "context_text"),
			ContextURL:  field(rec, "context_url"),
		}
		if row.Prompt == "" {
			continue
		}
		if row.ID == "" {
			row.ID = fmt.Sprintf("row_%06d", len(rows)+1)
		}
		rows = append(rows, row)

		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

// LoadJSONL reads one JSON row per line.
func LoadJSONL(path string, limit int) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []Row
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row Row
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("input: parse line %d: %w", len(rows)+1, err)
		}
		if row.Prompt == "" {
			continue
		}
		if row.ID == "" {
			row.ID = fmt.Sprintf("row_%06d", len(rows)+1)
		}
		rows = append(rows, row)
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("input: scan %s: %w", path, err)
	}
	return rows, nil
}
