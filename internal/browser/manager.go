// Package browser manages Chrome lifecycle and the per-query automation
// session: launch and connect via Rod, open one stealth page per query,
// locate the input control, inject the prompt, and submit it.
package browser

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/hazyhaar/crosstalk/internal/config"
)

// Manager owns the Chrome process shared by all sessions. Sessions are
// ephemeral; the browser is not.
type Manager struct {
	cfg    config.BrowserConfig
	logger *slog.Logger

	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	closed  bool
}

// NewManager creates a browser Manager. Call Start to launch Chrome.
func NewManager(cfg config.BrowserConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Start launches Chrome (or connects to a remote instance).
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		return nil
	}

	b, err := m.launch()
	if err != nil {
		return err
	}
	m.browser = b
	return nil
}

// Browser returns the current Rod browser handle. Thread-safe.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Restart tears Chrome down and launches a fresh process. Used between
// retry rounds so a new round starts with a clean fingerprint surface.
func (m *Manager) Restart() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	m.cleanup()

	b, err := m.launch()
	if err != nil {
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser = b
	m.logger.Info("browser: restarted")
	return nil
}

// Close shuts down Chrome and Xvfb.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.logger

	headful := m.cfg.Stealth == "headful"
	if headful {
		if err := m.startXvfb(); err != nil {
			return nil, fmt.Errorf("browser: xvfb: %w", err)
		}
	}

	var wsURL string
	if m.cfg.Remote != "" {
		wsURL = m.cfg.Remote
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New()
		if headful {
			l = l.Headless(false).Env("DISPLAY", m.cfg.XvfbDisplay)
		} else {
			l = l.Headless(true)
		}

		// Flags that reduce automation fingerprints.
		l = l.
			Set("disable-blink-features", "AutomationControlled").
			Set("disable-infobars").
			Set("disable-dev-shm-usage").
			Set("ignore-certificate-errors")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "headful", headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}

	return b, nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}

// startXvfb launches an Xvfb virtual display for headful stealth mode.
func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		return nil
	}

	display := m.cfg.XvfbDisplay
	cmd := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	m.xvfb = cmd

	time.Sleep(500 * time.Millisecond)

	m.logger.Info("browser: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return nil
}

func (m *Manager) stopXvfb() {
	if m.xvfb == nil {
		return
	}
	if m.xvfb.Process != nil {
		m.xvfb.Process.Kill()
		m.xvfb.Wait()
	}
	m.xvfb = nil
}
