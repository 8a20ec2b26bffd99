// Package capture produces the full visual record of a finished response:
// an ordered screenshot sequence covering the rendered text with no loss
// and no duplication.
//
// Scrolling is text-anchored: each step advances viewport minus a fixed
// overlap margin so no line is dropped at a screenshot boundary, and the
// bottom-of-viewport fragment decides when to stop — on repetition (no
// forward progress) or when the true tail of the final text is visible.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hazyhaar/crosstalk/internal/browser"
)

// Config tunes the paginator.
type Config struct {
	// Dir is the base directory for screenshots.
	Dir string
	// MaxShots is the safety iteration cap. Default: 15.
	MaxShots int
	// Overlap in pixels between consecutive captures. Default: 150.
	Overlap int
	// ScrollPause lets the UI settle after each scroll. Default: 400ms.
	ScrollPause time.Duration
	// BundlePDF merges the shots into one PDF per query.
	BundlePDF bool

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Dir == "" {
		c.Dir = "results"
	}
	if c.MaxShots <= 0 {
		c.MaxShots = 15
	}
	if c.Overlap <= 0 {
		c.Overlap = 150
	}
	if c.ScrollPause <= 0 {
		c.ScrollPause = 400 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Paginator captures paged screenshots of finished responses.
type Paginator struct {
	cfg Config
}

// New creates a Paginator.
func New(cfg Config) *Paginator {
	cfg.defaults()
	return &Paginator{cfg: cfg}
}

// Result carries the capture artifacts for one query.
type Result struct {
	ScreenshotPaths []string
	PDFPath         string
	// CapHit is true when the safety iteration cap stopped the scroll; the
	// record may be incomplete and callers should log it as a warning.
	CapHit bool
}

// Capture screenshots the full rendered response. rowID/targetID name the
// artifact directory. On total failure it falls back to one full-height
// screenshot rather than returning nothing.
func (p *Paginator) Capture(ctx context.Context, s *browser.Session, rowID string, finalText string) (Result, error) {
	log := p.cfg.Logger
	dir := filepath.Join(p.cfg.Dir, "screenshots", rowID, s.Target.ID)

	res, err := p.scrollAndShoot(ctx, s, dir, finalText)
	if err != nil || len(res.ScreenshotPaths) == 0 {
		log.Warn("capture: paged capture failed, taking full-page fallback",
			"target", s.Target.ID, "error", err)
		fallback := filepath.Join(dir, "response_full.png")
		if ferr := s.FullScreenshot(ctx, fallback); ferr != nil {
			return Result{}, fmt.Errorf("capture: fallback screenshot: %w", ferr)
		}
		res = Result{ScreenshotPaths: []string{fallback}}
	}

	if p.cfg.BundlePDF && len(res.ScreenshotPaths) > 0 {
		pdfPath := filepath.Join(dir, "response.pdf")
		if err := bundlePDF(res.ScreenshotPaths, pdfPath); err != nil {
			log.Warn("capture: pdf bundle failed", "target", s.Target.ID, "error", err)
		} else {
			res.PDFPath = pdfPath
		}
	}

	return res, nil
}

func (p *Paginator) scrollAndShoot(ctx context.Context, s *browser.Session, dir, finalText string) (Result, error) {
	log := p.cfg.Logger

	viewport, err := s.ViewportHeight(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("capture: viewport height: %w", err)
	}
	step := viewport - p.cfg.Overlap
	if step <= 0 {
		step = viewport
	}

	resSel := p.responseSelector(ctx, s)
	containerSel := p.findScrollContainer(ctx, s, resSel)
	if containerSel != "" {
		log.Debug("capture: scroll container located",
			"target", s.Target.ID, "selector", containerSel)
	}

	// Position the response at the top of its container before paging.
	if resSel != "" {
		p.scrollResponseToTop(ctx, s, resSel)
	}

	var out Result
	var progress progressLog

	for i := 0; i < p.cfg.MaxShots; i++ {
		path := filepath.Join(dir, fmt.Sprintf("response_%02d.png", i+1))
		if err := s.Screenshot(ctx, path); err != nil {
			return out, fmt.Errorf("capture: shot %d: %w", i+1, err)
		}
		out.ScreenshotPaths = append(out.ScreenshotPaths, path)

		info := p.visibleInfo(ctx, s, resSel, containerSel)

		if info.ok {
			if info.atEnd || info.containerAtEnd {
				log.Debug("capture: reached end of response",
					"target", s.Target.ID, "shots", len(out.ScreenshotPaths))
				return out, nil
			}
			if i > 0 && progress.repeated(info.tail) {
				log.Debug("capture: no forward progress, stopping",
					"target", s.Target.ID, "shots", len(out.ScreenshotPaths))
				return out, nil
			}
			if i == 0 {
				progress.repeated(info.tail) // record baseline
			}
			if matchesTail(info.tail, finalText) {
				log.Debug("capture: response tail visible",
					"target", s.Target.ID, "shots", len(out.ScreenshotPaths))
				return out, nil
			}
		}

		if !p.scrollForward(ctx, s, containerSel, step) {
			return out, nil
		}
		p.pause(ctx)
	}

	out.CapHit = true
	log.Warn("capture: safety cap reached, record may be incomplete",
		"target", s.Target.ID, "cap", p.cfg.MaxShots)
	return out, nil
}

// responseSelector picks the first configured selector that currently
// matches elements. Empty when the target only uses marker extraction.
func (p *Paginator) responseSelector(ctx context.Context, s *browser.Session) string {
	for _, sel := range s.Target.ResponseSelectors {
		if n, err := s.VisibleCount(ctx, sel); err == nil && n > 0 {
			return sel
		}
	}
	return ""
}

// findScrollContainer returns a selector for the container that scrolls
// the conversation. Configured candidates are tried first; when none
// actually scrolls, the nearest scrollable ancestor of the response
// element is discovered dynamically — targets do not expose one fixed
// container.
func (p *Paginator) findScrollContainer(ctx context.Context, s *browser.Session, resSel string) string {
	for _, sel := range s.Target.ScrollSelectors {
		res, err := s.Page.Context(ctx).Eval(`(sel) => {
			const el = document.querySelector(sel);
			return !!el && el.scrollHeight > el.clientHeight;
		}`, sel)
		if err == nil && res.Value.Bool() {
			return sel
		}
	}

	if resSel == "" {
		return ""
	}

	res, err := s.Page.Context(ctx).Eval(`(resSel) => {
		const els = document.querySelectorAll(resSel);
		if (!els.length) return "";
		let current = els[els.length - 1].parentElement;
		let depth = 0;
		while (current && current !== document.body && depth < 15) {
			const style = window.getComputedStyle(current);
			const overflowY = style.overflowY;
			const scrollable = current.scrollHeight > current.clientHeight + 50;
			const hasOverflow = overflowY === 'auto' || overflowY === 'scroll' || overflowY === 'overlay';
			if (scrollable && hasOverflow) {
				if (current.id) return '#' + current.id;
				const tag = current.tagName.toLowerCase();
				if (current.classList.length > 0) return tag + '.' + current.classList[0];
				return tag;
			}
			current = current.parentElement;
			depth++;
		}
		return "";
	}`, resSel)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

func (p *Paginator) scrollResponseToTop(ctx context.Context, s *browser.Session, resSel string) {
	_, err := s.Page.Context(ctx).Eval(`(resSel) => {
		const els = document.querySelectorAll(resSel);
		if (!els.length) return;
		els[els.length - 1].scrollIntoView({block: 'start', behavior: 'instant'});
	}`, resSel)
	if err != nil {
		p.cfg.Logger.Debug("capture: scroll to response failed", "error", err)
	}
	p.pause(ctx)
}

type viewInfo struct {
	ok             bool
	tail           string
	atEnd          bool
	containerAtEnd bool
}

// visibleInfo reads the text fragment currently at the bottom of the
// viewport and whether the response or its container has reached the end.
func (p *Paginator) visibleInfo(ctx context.Context, s *browser.Session, resSel, containerSel string) viewInfo {
	if resSel == "" {
		return viewInfo{}
	}
	res, err := s.Page.Context(ctx).Eval(`(resSel, containerSel) => {
		const els = document.querySelectorAll(resSel);
		if (!els.length) return null;
		const response = els[els.length - 1];
		const vh = window.innerHeight;

		const nodes = response.querySelectorAll('p, li, h1, h2, h3, h4, h5, h6, pre, code, td, th');
		let visible = '';
		for (const el of nodes) {
			const r = el.getBoundingClientRect();
			const text = (el.innerText || el.textContent || '').trim();
			if (!text || r.height <= 0) continue;
			if (r.top < vh && r.bottom > 0) visible += text + '\n';
		}

		const rect = response.getBoundingClientRect();
		let containerAtEnd = false;
		if (containerSel) {
			const c = document.querySelector(containerSel);
			if (c) containerAtEnd = c.scrollTop + c.clientHeight >= c.scrollHeight - 10;
		}
		return {
			tail: visible.slice(-100),
			atEnd: rect.bottom <= vh + 10,
			containerAtEnd: containerAtEnd,
		};
	}`, resSel, containerSel)
	if err != nil || res.Value.Nil() {
		return viewInfo{}
	}
	return viewInfo{
		ok:             true,
		tail:           res.Value.Get("tail").Str(),
		atEnd:          res.Value.Get("atEnd").Bool(),
		containerAtEnd: res.Value.Get("containerAtEnd").Bool(),
	}
}

// scrollForward advances by step pixels. Reports false when no further
// scrolling is possible.
func (p *Paginator) scrollForward(ctx context.Context, s *browser.Session, containerSel string, step int) bool {
	if containerSel != "" {
		res, err := s.Page.Context(ctx).Eval(`(sel, amount) => {
			const c = document.querySelector(sel);
			if (!c) return [0, 0];
			const before = c.scrollTop;
			c.scrollBy(0, amount);
			return [before, c.scrollTop];
		}`, containerSel, step)
		if err != nil {
			return false
		}
		arr := res.Value.Arr()
		if len(arr) == 2 && arr[0].Num() != arr[1].Num() {
			return true
		}
		// Container ignored programmatic scroll; nudge it with the wheel.
		return p.wheelScroll(ctx, s, containerSel, step)
	}

	// Whole-page fallback.
	res, err := s.Page.Context(ctx).Eval(`(amount) => {
		const before = window.scrollY;
		window.scrollBy(0, amount);
		return before;
	}`, step)
	if err != nil {
		return false
	}
	before := res.Value.Num()
	p.pause(ctx)
	after, err := s.Page.Context(ctx).Eval(`() => window.scrollY`)
	if err != nil {
		return false
	}
	return after.Value.Num() != before
}

// wheelScroll hovers the container and scrolls with mouse wheel events,
// which some virtualized lists require.
func (p *Paginator) wheelScroll(ctx context.Context, s *browser.Session, containerSel string, step int) bool {
	el, err := s.Page.Context(ctx).Element(containerSel)
	if err != nil {
		return false
	}
	if err := el.Hover(); err != nil {
		return false
	}
	if err := s.Page.Context(ctx).Mouse.Scroll(0, float64(step), 3); err != nil {
		return false
	}
	return true
}

func (p *Paginator) pause(ctx context.Context) {
	t := time.NewTimer(p.cfg.ScrollPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
