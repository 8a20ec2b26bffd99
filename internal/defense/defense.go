// Package defense classifies live session state against a configurable
// rule table of anti-automation challenge indicators.
//
// Three heuristic layers: challenge phrases in visible text, known
// challenge-widget containers that are actually visible, and verification
// controls above a minimum bounding-box size. The rules are configuration,
// not code, so targets can be tuned without touching the engine.
package defense

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hazyhaar/crosstalk/internal/config"
)

// Probe is the narrow view of a session the detector needs.
type Probe interface {
	BodyText(ctx context.Context) (string, error)
	VisibleCount(ctx context.Context, sel string) (int, error)
	VisibleBoxes(ctx context.Context, sel string) ([][2]float64, error)
}

// Verdict is a classification result with the matched layer and indicator
// kept for diagnostics.
type Verdict struct {
	Challenged bool
	Layer      string // "phrase" | "widget" | "verify"
	Indicator  string
}

// Detector inspects sessions for challenge indicators.
type Detector struct {
	rules  config.DetectionConfig
	logger *slog.Logger
}

// New creates a Detector from the rule table.
func New(rules config.DetectionConfig, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{rules: rules, logger: logger}
}

// IsChallenged is the boolean form of Check.
func (d *Detector) IsChallenged(ctx context.Context, p Probe) bool {
	return d.Check(ctx, p).Challenged
}

// Check runs all three layers. Detection is idempotent: re-checking an
// unchanged session yields the same verdict with no side effects.
func (d *Detector) Check(ctx context.Context, p Probe) Verdict {
	if body, err := p.BodyText(ctx); err == nil {
		if phrase, ok := MatchPhrase(body, d.rules.Phrases); ok {
			d.logger.Debug("defense: challenge phrase found", "phrase", phrase)
			return Verdict{Challenged: true, Layer: "phrase", Indicator: phrase}
		}
	}

	for _, sel := range d.rules.WidgetSelectors {
		n, err := p.VisibleCount(ctx, sel)
		if err != nil {
			continue
		}
		if n > 0 {
			d.logger.Debug("defense: challenge widget visible", "selector", sel)
			return Verdict{Challenged: true, Layer: "widget", Indicator: sel}
		}
	}

	for _, sel := range d.rules.VerifySelectors {
		boxes, err := p.VisibleBoxes(ctx, sel)
		if err != nil {
			continue
		}
		for _, box := range boxes {
			// Size filter drops decorative or collapsed hits.
			if box[0] >= d.rules.MinWidgetWidth && box[1] >= d.rules.MinWidgetHeight {
				d.logger.Debug("defense: verification control found",
					"selector", sel, "w", box[0], "h", box[1])
				return Verdict{Challenged: true, Layer: "verify", Indicator: sel}
			}
		}
	}

	return Verdict{}
}

// MatchPhrase reports the first configured challenge phrase present in the
// body text, case-insensitively.
func MatchPhrase(body string, phrases []string) (string, bool) {
	lower := strings.ToLower(body)
	for _, phrase := range phrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return phrase, true
		}
	}
	return "", false
}
