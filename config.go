package crosstalk

import (
	"github.com/hazyhaar/crosstalk/internal/config"
	"github.com/hazyhaar/crosstalk/internal/input"
)

// Config is the top-level crosstalk configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// TargetConfig defines one conversational UI to query.
type TargetConfig = config.TargetConfig

// TimingConfig holds the per-target completion thresholds.
type TimingConfig = config.TimingConfig

// DetectionConfig is the challenge-indicator rule table.
type DetectionConfig = config.DetectionConfig

// ScheduleConfig paces the round-robin scheduler.
type ScheduleConfig = config.ScheduleConfig

// Row is one input record to submit.
type Row = input.Row

// LoadConfigFile reads a YAML configuration file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// LoadRows reads input rows from a CSV or JSONL file. limit <= 0 means
// all rows.
func LoadRows(path string, limit int) ([]Row, error) {
	return input.Load(path, limit)
}
