package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/rod/lib/utils"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/crosstalk/internal/config"
)

// ErrInputNotFound means no input locator candidate matched a visible,
// interactable element. Retrying cannot fix a stale locator, so callers
// report this as a capability gap unless a challenge is showing.
var ErrInputNotFound = errors.New("browser: no input locator candidate matched")

// submitGrace is how long the driver waits for an observable page change
// after the primary submission before falling back to the Enter key.
const submitGrace = 1500 * time.Millisecond

// Session is one browser automation context used to submit exactly one
// query and observe its response. Never reused across queries.
type Session struct {
	Page   *rod.Page
	Target config.TargetConfig

	// MatchedInput is the locator candidate that found the input element,
	// recorded for diagnostics.
	MatchedInput string

	logger *slog.Logger
	input  *rod.Element
	prompt string
}

// Open creates a stealth page for the target and navigates to its entry
// URL. The caller owns the returned session and must Close it.
func Open(ctx context.Context, mgr *Manager, target config.TargetConfig) (*Session, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	bcfg := mgr.cfg

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create stealth page: %w", err)
	}

	s := &Session{Page: page, Target: target, logger: mgr.logger}

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      bcfg.UserAgent,
		AcceptLanguage: "en-US",
	}); err != nil {
		mgr.logger.Warn("browser: set user agent failed", "error", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             bcfg.ViewportWidth,
		Height:            bcfg.ViewportHeight,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		mgr.logger.Warn("browser: set viewport failed", "error", err)
	}

	if len(bcfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(page, bcfg.ResourceBlocking); err != nil {
			mgr.logger.Warn("browser: resource blocking failed", "error", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, bcfg.NavTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(target.URL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", target.URL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.logger.Warn("browser: wait load timeout", "target", target.ID, "error", err)
	}

	// Settle like a human reading the landing page.
	humanPause(ctx, 3000, 5000)

	return s, nil
}

// FindInput tries the target's input locator candidates in priority order
// and keeps the first visible, interactable match.
func (s *Session) FindInput(ctx context.Context) error {
	for _, sel := range s.Target.InputSelectors {
		el, err := s.Page.Context(ctx).Timeout(3 * time.Second).Element(sel)
		if err != nil {
			continue
		}
		if vis, err := el.Visible(); err != nil || !vis {
			continue
		}
		if _, err := el.Interactable(); err != nil {
			continue
		}
		s.input = el
		s.MatchedInput = sel
		s.logger.Debug("browser: input located", "target", s.Target.ID, "selector", sel)
		return nil
	}
	return ErrInputNotFound
}

// Submit clears the input, injects the prompt text, and issues exactly one
// submission. The primary mechanism is a submit-button click; if no
// observable page change follows within a short grace window (or no button
// matched at all), a single Enter keypress is used instead. The driver
// never retries internally — a duplicate submission would corrupt what the
// completion monitor observes.
func (s *Session) Submit(ctx context.Context, text string) error {
	if s.input == nil {
		if err := s.FindInput(ctx); err != nil {
			return err
		}
	}
	s.prompt = text

	if err := s.typeInto(ctx, s.input, text); err != nil {
		return fmt.Errorf("browser: inject prompt: %w", err)
	}
	humanPause(ctx, 500, 1000)

	before, _ := s.BodyText(ctx)

	if s.clickSubmit(ctx) {
		humanPause(ctx, int(submitGrace/time.Millisecond), int(submitGrace/time.Millisecond))
		after, _ := s.BodyText(ctx)
		if after != before {
			return nil
		}
		s.logger.Debug("browser: no page change after click, falling back to enter",
			"target", s.Target.ID)
	}

	if err := s.input.Focus(); err == nil {
		humanPause(ctx, 200, 400)
	}
	if err := s.Page.Context(ctx).Keyboard.Press(input.Enter); err != nil {
		return fmt.Errorf("browser: press enter: %w", err)
	}
	return nil
}

// typeInto clears existing content and inputs the text. Rod's Input works
// for plain fields and rich-text contenteditable regions alike via CDP
// insertText.
func (s *Session) typeInto(ctx context.Context, el *rod.Element, text string) error {
	if err := el.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	humanPause(ctx, 300, 600)

	if err := el.Context(ctx).SelectAllText(); err == nil {
		_ = el.Context(ctx).Input("")
	}
	return el.Context(ctx).Input(text)
}

// clickSubmit clicks the first visible submit candidate. Reports whether a
// click was actually dispatched.
func (s *Session) clickSubmit(ctx context.Context) bool {
	for _, sel := range s.Target.SubmitSelectors {
		el, err := s.Page.Context(ctx).Timeout(2 * time.Second).Element(sel)
		if err != nil {
			continue
		}
		if vis, err := el.Visible(); err != nil || !vis {
			continue
		}
		if err := el.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
			s.logger.Debug("browser: submit click failed", "selector", sel, "error", err)
			continue
		}
		return true
	}
	return false
}

// BodyText returns the page's visible text.
func (s *Session) BodyText(ctx context.Context) (string, error) {
	res, err := s.Page.Context(ctx).Eval(`() => document.body.innerText`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// ResponseText extracts the current response text. Marker-split targets
// carve the response out of the whole body text; otherwise the newest
// element matching a response selector wins, with prompt echoes filtered.
func (s *Session) ResponseText(ctx context.Context) (string, error) {
	if s.Target.ResponseMarkers.Begin != "" {
		body, err := s.BodyText(ctx)
		if err != nil {
			return "", err
		}
		if text := splitMarkers(body, s.Target.ResponseMarkers); text != "" {
			return text, nil
		}
	}

	var best string
	for _, sel := range s.Target.ResponseSelectors {
		els, err := s.Page.Context(ctx).Elements(sel)
		if err != nil || len(els) == 0 {
			continue
		}
		text, err := els[len(els)-1].Text()
		if err != nil {
			continue
		}
		if s.isEcho(text) {
			continue
		}
		if len(text) > len(best) {
			best = text
		}
	}
	return best, nil
}

// ResponseHTML returns the newest response element's outer HTML, for
// markdown conversion. Empty when only marker-split extraction applies.
func (s *Session) ResponseHTML(ctx context.Context) (string, error) {
	for _, sel := range s.Target.ResponseSelectors {
		els, err := s.Page.Context(ctx).Elements(sel)
		if err != nil || len(els) == 0 {
			continue
		}
		html, err := els[len(els)-1].HTML()
		if err != nil {
			continue
		}
		return html, nil
	}
	return "", nil
}

// isEcho reports whether extracted text is just our own prompt reflected
// back by the conversation view.
func (s *Session) isEcho(text string) bool {
	if s.prompt == "" {
		return false
	}
	probe := s.prompt
	if len(probe) > 30 {
		probe = probe[:30]
	}
	return strings.Contains(text, probe)
}

// splitMarkers extracts the response between a begin marker and the first
// end marker after it.
func splitMarkers(body string, m config.ResponseMarkers) string {
	idx := strings.LastIndex(body, m.Begin)
	if idx < 0 {
		return ""
	}
	text := body[idx+len(m.Begin):]
	for _, end := range m.End {
		if i := strings.Index(text, end); i >= 0 {
			text = text[:i]
		}
	}
	return strings.TrimSpace(text)
}

// VisibleCount counts elements matching sel that are actually visible, not
// merely present in the DOM.
func (s *Session) VisibleCount(ctx context.Context, sel string) (int, error) {
	els, err := s.Page.Context(ctx).Elements(sel)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, el := range els {
		if vis, err := el.Visible(); err == nil && vis {
			n++
		}
	}
	return n, nil
}

// VisibleBoxes returns the bounding boxes of visible elements matching sel.
func (s *Session) VisibleBoxes(ctx context.Context, sel string) ([][2]float64, error) {
	els, err := s.Page.Context(ctx).Elements(sel)
	if err != nil {
		return nil, err
	}
	var boxes [][2]float64
	for _, el := range els {
		vis, err := el.Visible()
		if err != nil || !vis {
			continue
		}
		res, err := el.Eval(`() => { const r = this.getBoundingClientRect(); return [r.width, r.height]; }`)
		if err != nil {
			continue
		}
		arr := res.Value.Arr()
		if len(arr) == 2 {
			boxes = append(boxes, [2]float64{arr[0].Num(), arr[1].Num()})
		}
	}
	return boxes, nil
}

// ViewportHeight returns the window inner height in pixels.
func (s *Session) ViewportHeight(ctx context.Context) (int, error) {
	res, err := s.Page.Context(ctx).Eval(`() => window.innerHeight`)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

// Screenshot captures the current viewport to path.
func (s *Session) Screenshot(ctx context.Context, path string) error {
	data, err := s.Page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return fmt.Errorf("browser: screenshot: %w", err)
	}
	return utils.OutputFile(path, data)
}

// FullScreenshot captures the full page height to path. Used as the
// last-resort capture fallback.
func (s *Session) FullScreenshot(ctx context.Context, path string) error {
	data, err := s.Page.Context(ctx).Screenshot(true, nil)
	if err != nil {
		return fmt.Errorf("browser: full screenshot: %w", err)
	}
	return utils.OutputFile(path, data)
}

// Close tears the session down. Safe to call on every exit path.
func (s *Session) Close() error {
	if s.Page != nil {
		return s.Page.Close()
	}
	return nil
}

// humanPause sleeps a randomized human-like delay, bounded by ctx.
func humanPause(ctx context.Context, minMs, maxMs int) {
	d := time.Duration(minMs) * time.Millisecond
	if maxMs > minMs {
		d = time.Duration(minMs+rand.IntN(maxMs-minMs)) * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
