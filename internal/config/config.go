// Package config handles crosstalk configuration from YAML files.
//
// Targets are configuration data, not compiled-in constants: adding a new
// conversational interface is a config edit, never a code change. Every
// component receives its slice of this struct at construction; there is no
// ambient lookup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level crosstalk configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Targets   []TargetConfig  `yaml:"targets"`
	Detection DetectionConfig `yaml:"detection"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Output    OutputConfig    `yaml:"output"`
	Status    StatusConfig    `yaml:"status"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Stealth          string        `yaml:"stealth"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
	UserAgent        string        `yaml:"user_agent"`
	ViewportWidth    int           `yaml:"viewport_width"`
	ViewportHeight   int           `yaml:"viewport_height"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	NavTimeout       time.Duration `yaml:"nav_timeout"`
}

// TargetConfig describes one conversational web interface: where it lives,
// how to find its controls, and how it paces generation.
type TargetConfig struct {
	ID                string          `yaml:"id"`
	URL               string          `yaml:"url"`
	InputSelectors    []string        `yaml:"input_selectors"`
	SubmitSelectors   []string        `yaml:"submit_selectors"`
	ResponseSelectors []string        `yaml:"response_selectors"`
	ScrollSelectors   []string        `yaml:"scroll_selectors"`
	ResponseMarkers   ResponseMarkers `yaml:"response_markers"`
	Timing            TimingConfig    `yaml:"timing"`
}

// ResponseMarkers enables text-split extraction for interfaces whose
// response element cannot be located directly: Begin splits the page text,
// End markers trim trailing UI chrome.
type ResponseMarkers struct {
	Begin string   `yaml:"begin"`
	End   []string `yaml:"end"`
}

// TimingConfig holds the per-target completion thresholds. Settle and
// stability are empirically tuned per target: interfaces pause
// mid-generation for different characteristic durations.
type TimingConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	Settle               time.Duration `yaml:"settle"`
	Stability            time.Duration `yaml:"stability"`
	HardTimeout          time.Duration `yaml:"hard_timeout"`
	DefenseCheckInterval time.Duration `yaml:"defense_check_interval"`
	MinResponseLength    int           `yaml:"min_response_length"`
}

// DetectionConfig is the anti-automation challenge rule table. Kept as
// configuration so targets can be added or tuned without touching the
// monitor state machine.
type DetectionConfig struct {
	Phrases          []string `yaml:"phrases"`
	WidgetSelectors  []string `yaml:"widget_selectors"`
	VerifySelectors  []string `yaml:"verify_selectors"`
	MinWidgetWidth   float64  `yaml:"min_widget_width"`
	MinWidgetHeight  float64  `yaml:"min_widget_height"`
	LoadingSelectors []string `yaml:"loading_selectors"`
	LoadingMarkers   []string `yaml:"loading_markers"`
}

// ScheduleConfig paces the round-robin scheduler.
type ScheduleConfig struct {
	TargetDelay   time.Duration `yaml:"target_delay"`
	RowDelay      time.Duration `yaml:"row_delay"`
	RetryCooldown time.Duration `yaml:"retry_cooldown"`
	MaxRetries    int           `yaml:"max_retries"`
}

// PromptConfig bounds the canonical combined prompt.
type PromptConfig struct {
	MaxLength        int `yaml:"max_length"`
	ContextMaxLength int `yaml:"context_max_length"`
	ContextMinLength int `yaml:"context_min_length"`
}

// OutputConfig controls result persistence.
type OutputConfig struct {
	Dir            string        `yaml:"dir"`
	CSVName        string        `yaml:"csv_name"`
	SQLitePath     string        `yaml:"sqlite_path"`
	JSONLPath      string        `yaml:"jsonl_path"`
	BundlePDF      bool          `yaml:"bundle_pdf"`
	LockRetries    int           `yaml:"lock_retries"`
	LockRetryDelay time.Duration `yaml:"lock_retry_delay"`
}

// StatusConfig enables the operational progress endpoint.
type StatusConfig struct {
	Addr string `yaml:"addr"` // empty = disabled
}

// LoadFile reads a YAML configuration file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Targets))
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.ID == "" {
			return fmt.Errorf("config: target %d: missing id", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("config: duplicate target id %q", t.ID)
		}
		seen[t.ID] = true
		if t.URL == "" {
			return fmt.Errorf("config: target %q: missing url", t.ID)
		}
		if len(t.InputSelectors) == 0 {
			return fmt.Errorf("config: target %q: no input selectors", t.ID)
		}
		if len(t.ResponseSelectors) == 0 && t.ResponseMarkers.Begin == "" {
			return fmt.Errorf("config: target %q: no response selectors or markers", t.ID)
		}
	}
	return nil
}

// ApplyDefaults fills unset fields with the production-tuned values.
func (c *Config) ApplyDefaults() {
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.UserAgent == "" {
		c.Browser.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if c.Browser.ViewportWidth <= 0 {
		c.Browser.ViewportWidth = 1920
	}
	if c.Browser.ViewportHeight <= 0 {
		c.Browser.ViewportHeight = 1080
	}
	if c.Browser.NavTimeout <= 0 {
		c.Browser.NavTimeout = 60 * time.Second
	}

	for i := range c.Targets {
		c.Targets[i].Timing.ApplyDefaults()
	}

	c.Detection.applyDefaults()

	if c.Schedule.TargetDelay <= 0 {
		c.Schedule.TargetDelay = 5 * time.Second
	}
	if c.Schedule.RowDelay <= 0 {
		c.Schedule.RowDelay = 15 * time.Second
	}
	if c.Schedule.RetryCooldown <= 0 {
		c.Schedule.RetryCooldown = 30 * time.Second
	}
	if c.Schedule.MaxRetries <= 0 {
		c.Schedule.MaxRetries = 3
	}

	if c.Prompt.MaxLength <= 0 {
		c.Prompt.MaxLength = 2000
	}
	if c.Prompt.ContextMaxLength <= 0 {
		c.Prompt.ContextMaxLength = 1500
	}
	if c.Prompt.ContextMinLength <= 0 {
		c.Prompt.ContextMinLength = 50
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "results"
	}
	if c.Output.CSVName == "" {
		c.Output.CSVName = "results_consolidated.csv"
	}
	if c.Output.LockRetries <= 0 {
		c.Output.LockRetries = 3
	}
	if c.Output.LockRetryDelay <= 0 {
		c.Output.LockRetryDelay = 2 * time.Second
	}
}

func (t *TimingConfig) ApplyDefaults() {
	if t.PollInterval <= 0 {
		t.PollInterval = 200 * time.Millisecond
	}
	if t.Settle <= 0 {
		t.Settle = 500 * time.Millisecond
	}
	if t.Stability <= 0 {
		t.Stability = 8 * time.Second
	}
	if t.HardTimeout <= 0 {
		t.HardTimeout = 120 * time.Second
	}
	if t.DefenseCheckInterval <= 0 {
		t.DefenseCheckInterval = 5 * time.Second
	}
	if t.MinResponseLength <= 0 {
		t.MinResponseLength = 30
	}
}

func (d *DetectionConfig) applyDefaults() {
	if len(d.Phrases) == 0 {
		d.Phrases = DefaultChallengePhrases()
	}
	if len(d.WidgetSelectors) == 0 {
		d.WidgetSelectors = DefaultWidgetSelectors()
	}
	if len(d.VerifySelectors) == 0 {
		d.VerifySelectors = DefaultVerifySelectors()
	}
	if d.MinWidgetWidth <= 0 {
		d.MinWidgetWidth = 100
	}
	if d.MinWidgetHeight <= 0 {
		d.MinWidgetHeight = 100
	}
	if len(d.LoadingSelectors) == 0 {
		d.LoadingSelectors = DefaultLoadingSelectors()
	}
	if len(d.LoadingMarkers) == 0 {
		d.LoadingMarkers = []string{"Thinking", "Generating", "Searching", "Analyzing"}
	}
}

// DefaultChallengePhrases is the built-in vocabulary of challenge-page text.
func DefaultChallengePhrases() []string {
	return []string{
		"verify you are human",
		"verify you're human",
		"human verification",
		"prove you're human",
		"prove you are human",
		"captcha",
		"security check",
		"unusual traffic",
		"automated access",
		"bot detected",
		"please verify",
		"confirm you're not a robot",
		"i'm not a robot",
		"i am not a robot",
		"checking your browser",
		"just a moment",
		"please wait while we verify",
		"complete the security check",
		"verify your identity",
		"challenge required",
		"access denied",
		"too many requests",
		"rate limited",
	}
}

// DefaultWidgetSelectors matches known challenge-widget containers.
func DefaultWidgetSelectors() []string {
	return []string{
		`iframe[src*="challenges.cloudflare"]`,
		`iframe[src*="turnstile"]`,
		`iframe[src*="recaptcha"]`,
		`iframe[src*="hcaptcha"]`,
		`iframe[src*="captcha"]`,
		`iframe[title*="challenge"]`,
		`iframe[title*="reCAPTCHA"]`,
		`#cf-turnstile`,
		`.cf-turnstile`,
		`.g-recaptcha`,
		`.h-captcha`,
	}
}

// DefaultVerifySelectors matches verification controls and overlays. These
// are size-filtered: decorative or hidden hits below the minimum bounding
// box are ignored.
func DefaultVerifySelectors() []string {
	return []string{
		`input[type="checkbox"][id*="captcha"]`,
		`.challenge-container`,
		`#challenge-running`,
		`#challenge-stage`,
		`[class*="challenge"]`,
		`[class*="captcha"]`,
		`[id*="challenge"]`,
		`[id*="captcha"]`,
	}
}

// DefaultLoadingSelectors matches in-progress generation indicators.
func DefaultLoadingSelectors() []string {
	return []string{
		`.loading`,
		`.generating`,
		`.typing`,
		`.thinking`,
		`[aria-busy="true"]`,
		`svg.animate-spin`,
		`.animate-pulse`,
		`.streaming`,
		`[data-state="streaming"]`,
		`.response-streaming`,
	}
}
