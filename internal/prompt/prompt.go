// Package prompt builds the canonical combined prompt for one input row.
//
// The combined string is built exactly once per row and sent byte-identical
// to every target — the fairness invariant that makes cross-target
// comparison valid.
package prompt

import (
	"fmt"

	"github.com/hazyhaar/crosstalk/internal/config"
	"github.com/hazyhaar/crosstalk/internal/input"
)

// Build assembles context and prompt into the canonical combined string.
//
// A context URL wins over context text; context text shorter than the
// configured minimum is treated as absent. The result is truncated to the
// configured maximum length. Deterministic: same row, same config, same
// bytes.
func Build(row input.Row, cfg config.PromptConfig) string {
	var context string
	switch {
	case row.ContextURL != "":
		context = "Reference: " + row.ContextURL
	case len(row.ContextText) > cfg.ContextMinLength:
		context = truncate(row.ContextText, cfg.ContextMaxLength)
	}

	full := row.Prompt
	if context != "" {
		full = fmt.Sprintf("Context: %s\n\n---\n\n%s", context, row.Prompt)
	}

	return truncate(full, cfg.MaxLength)
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
