package defense

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/hazyhaar/crosstalk/internal/config"
)

// fakeProbe scripts what the page looks like without a browser.
type fakeProbe struct {
	body    string
	visible map[string]int          // selector -> visible count
	boxes   map[string][][2]float64 // selector -> bounding boxes
}

func (p *fakeProbe) BodyText(context.Context) (string, error) { return p.body, nil }

func (p *fakeProbe) VisibleCount(_ context.Context, sel string) (int, error) {
	return p.visible[sel], nil
}

func (p *fakeProbe) VisibleBoxes(_ context.Context, sel string) ([][2]float64, error) {
	return p.boxes[sel], nil
}

func testRules() config.DetectionConfig {
	d := config.DetectionConfig{}
	// Defaults carry the production phrase and selector tables.
	cfg := config.Config{Detection: d}
	cfg.ApplyDefaults()
	return cfg.Detection
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckPhraseLayer(t *testing.T) {
	det := New(testRules(), testLogger())

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"clean page", "Welcome back. Ask me anything.", false},
		{"cloudflare interstitial", "Just a moment...", true},
		{"captcha mention", "Please solve the CAPTCHA to continue", true},
		{"case insensitive", "VERIFY YOU ARE HUMAN", true},
		{"rate limit page", "Error 429: too many requests from your network", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := det.Check(context.Background(), &fakeProbe{body: tt.body})
			if v.Challenged != tt.want {
				t.Errorf("Challenged = %v, want %v", v.Challenged, tt.want)
			}
			if tt.want && v.Layer != "phrase" {
				t.Errorf("Layer = %q, want phrase", v.Layer)
			}
		})
	}
}

func TestCheckWidgetLayer(t *testing.T) {
	det := New(testRules(), testLogger())

	probe := &fakeProbe{
		body:    "Chat with our assistant",
		visible: map[string]int{`iframe[src*="turnstile"]`: 1},
	}
	v := det.Check(context.Background(), probe)
	if !v.Challenged {
		t.Fatal("visible turnstile iframe not detected")
	}
	if v.Layer != "widget" {
		t.Errorf("Layer = %q, want widget", v.Layer)
	}
	if v.Indicator != `iframe[src*="turnstile"]` {
		t.Errorf("Indicator = %q", v.Indicator)
	}
}

func TestCheckVerifyLayerSizeFilter(t *testing.T) {
	det := New(testRules(), testLogger())

	// A tiny decorative element matching a verify selector must not trip
	// the detector; a full-size challenge container must.
	small := &fakeProbe{
		body:  "All good here",
		boxes: map[string][][2]float64{`.challenge-container`: {{20, 20}}},
	}
	if v := det.Check(context.Background(), small); v.Challenged {
		t.Fatalf("small box tripped detector: %+v", v)
	}

	big := &fakeProbe{
		body:  "All good here",
		boxes: map[string][][2]float64{`.challenge-container`: {{20, 20}, {300, 200}}},
	}
	v := det.Check(context.Background(), big)
	if !v.Challenged {
		t.Fatal("full-size challenge container not detected")
	}
	if v.Layer != "verify" {
		t.Errorf("Layer = %q, want verify", v.Layer)
	}
}

func TestCheckIdempotent(t *testing.T) {
	det := New(testRules(), testLogger())
	probe := &fakeProbe{body: "checking your browser before accessing"}

	first := det.Check(context.Background(), probe)
	second := det.Check(context.Background(), probe)
	if first != second {
		t.Fatalf("verdicts differ: %+v vs %+v", first, second)
	}
}

func TestIsChallenged(t *testing.T) {
	det := New(testRules(), testLogger())
	if det.IsChallenged(context.Background(), &fakeProbe{body: "hello"}) {
		t.Error("clean page reported challenged")
	}
	if !det.IsChallenged(context.Background(), &fakeProbe{body: "bot detected"}) {
		t.Error("challenge page not reported")
	}
}

func TestMatchPhrase(t *testing.T) {
	phrases := []string{"unusual traffic", "security check"}

	if _, ok := MatchPhrase("ordinary response text", phrases); ok {
		t.Error("false positive on clean text")
	}
	got, ok := MatchPhrase("We detected Unusual Traffic from your network", phrases)
	if !ok || got != "unusual traffic" {
		t.Errorf("MatchPhrase = %q, %v", got, ok)
	}
}
