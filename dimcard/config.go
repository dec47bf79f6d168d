package dimcard

import (
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// Device configuration, loaded from a TOML file. Everything has a working
// default; a missing file just means "all defaults".
type Config struct {
	Port           string `toml:"port"`             // serial port, "any" scans for a bridge
	PollIntervalMs int    `toml:"poll_interval_ms"` // card-detect poll cadence
	DebounceMs     int    `toml:"debounce_ms"`      // stable window before trusting a presence edge
	SettleMs       int    `toml:"settle_ms"`        // post-insertion grace period
	RetryCount     int    `toml:"retry_count"`      // transport attempts before CardNotResponding
	RetryDelayMs   int    `toml:"retry_delay_ms"`   // fixed delay between attempts
	PlanDir        string `toml:"plan_dir"`         // directory of lua plan scripts, "" = none
}

func (c *Config) ReasonableDefaults() {
	if c.Port == "" {
		c.Port = "any"
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = int(DefaultPollInterval / time.Millisecond)
	}
	if c.DebounceMs <= 0 {
		c.DebounceMs = int(DefaultDebounceWindow / time.Millisecond)
	}
	if c.SettleMs <= 0 {
		c.SettleMs = int(DefaultSettleDelay / time.Millisecond)
	}
	if c.RetryCount <= 0 {
		c.RetryCount = DefaultRetry.Attempts
	}
	if c.RetryDelayMs <= 0 {
		c.RetryDelayMs = int(DefaultRetry.Delay / time.Millisecond)
	}
}

func (c *Config) Retry() RetryConfig {
	return RetryConfig{
		Attempts: c.RetryCount,
		Delay:    time.Duration(c.RetryDelayMs) * time.Millisecond,
	}
}

// Load config from the given path. A missing file is not an error; you get
// the defaults.
func LoadConfig(path string) (*Config, error) {
	var config Config
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config.ReasonableDefaults()
			return &config, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(raw, &config); err != nil {
		return nil, err
	}
	config.ReasonableDefaults()
	return &config, nil
}
