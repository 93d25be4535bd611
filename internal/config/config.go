// Package config provides configuration management for the trading core.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/ykimdev/ruletrader/internal/models"
	"github.com/ykimdev/ruletrader/internal/retry"
)

// Config represents the complete application configuration. Secrets are
// referenced as ${VAR} in the file and expanded from the environment at
// load time.
type Config struct {
	Market   string         `yaml:"market"` // us | kr; the --market flag overrides
	Database DatabaseConfig `yaml:"database"`
	Schwab   SchwabConfig   `yaml:"schwab"`
	KIS      KISConfig      `yaml:"kis"`
	Alert    AlertConfig    `yaml:"alert"`
	Recorder RecorderConfig `yaml:"recorder"`
	Retry    RetryConfig    `yaml:"retry"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Safety   SafetyConfig   `yaml:"safety"`
}

// SafetyConfig tunes how per-order guard failures are handled. With
// HardBlock a single rejected order stops the whole session instead of
// skipping the rule.
type SafetyConfig struct {
	HardBlock bool `yaml:"hard_block"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SchwabConfig defines US broker API settings.
type SchwabConfig struct {
	AccessToken string `yaml:"access_token"`
	// Optional endpoint overrides, used against sandboxes.
	TraderURL     string `yaml:"trader_url"`
	MarketDataURL string `yaml:"marketdata_url"`
}

// KISConfig defines KR broker API settings.
type KISConfig struct {
	AppKey         string   `yaml:"app_key"`
	AppSecret      string   `yaml:"app_secret"`
	AccessToken    string   `yaml:"access_token"`
	AccountNumbers []string `yaml:"account_numbers"`
	BaseURL        string   `yaml:"base_url"`
}

// AlertConfig defines email notification settings. Leaving username
// empty disables alerting.
type AlertConfig struct {
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	To       string `yaml:"to"`
}

// Enabled reports whether mail settings are present.
func (a AlertConfig) Enabled() bool { return a.Username != "" }

// RecorderConfig defines broker-call trace settings. Recording is on
// unless the file or the --no-record flag turns it off.
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// RetryConfig tunes the transient-failure retry policy for position
// fetches. Zero values fall back to the package defaults.
type RetryConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	Timeout        string `yaml:"timeout"`
}

// ScheduleConfig tunes the trading loop.
type ScheduleConfig struct {
	PollInterval string `yaml:"poll_interval"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	// True-by-default booleans are seeded before decoding; an explicit
	// false in the file still wins.
	config.Recorder.Enabled = true
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Market == "" {
		c.Market = string(models.MarketUS)
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/trader.db"
	}
	if c.Recorder.Dir == "" {
		c.Recorder.Dir = "records"
	}
	if c.Alert.SMTPHost == "" {
		c.Alert.SMTPHost = "smtp.gmail.com"
	}
	if c.Alert.SMTPPort == 0 {
		c.Alert.SMTPPort = 587
	}
	if c.Schedule.PollInterval == "" {
		c.Schedule.PollInterval = "1s"
	}
}

// Validate checks the settings needed to trade the given market.
// The other market's credentials may be absent.
func (c *Config) Validate(market models.Market) error {
	if _, err := models.ParseMarket(c.Market); err != nil {
		return err
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch market {
	case models.MarketUS:
		if c.Schwab.AccessToken == "" {
			return fmt.Errorf("schwab.access_token is required for the us market")
		}
	case models.MarketKR:
		if c.KIS.AppKey == "" || c.KIS.AppSecret == "" {
			return fmt.Errorf("kis.app_key and kis.app_secret are required for the kr market")
		}
		if c.KIS.AccessToken == "" {
			return fmt.Errorf("kis.access_token is required for the kr market")
		}
		if len(c.KIS.AccountNumbers) == 0 {
			return fmt.Errorf("kis.account_numbers must list at least one account")
		}
	}

	if c.Alert.Enabled() {
		if c.Alert.Password == "" {
			return fmt.Errorf("alert.password is required when alert.username is set")
		}
		if c.Alert.To == "" {
			return fmt.Errorf("alert.to is required when alert.username is set")
		}
	}

	if _, err := time.ParseDuration(c.Schedule.PollInterval); err != nil {
		return fmt.Errorf("schedule.poll_interval invalid: %w", err)
	}
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}
	return nil
}

// PollInterval returns the loop sleep between rule passes.
func (c *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.PollInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// RetryPolicy converts the retry section into a retry.Config, filling
// unset fields from the defaults.
func (c *Config) RetryPolicy() (retry.Config, error) {
	cfg := retry.DefaultConfig
	if c.Retry.MaxRetries > 0 {
		cfg.MaxRetries = c.Retry.MaxRetries
	}
	var err error
	if cfg.InitialBackoff, err = overrideDuration(cfg.InitialBackoff, c.Retry.InitialBackoff); err != nil {
		return cfg, fmt.Errorf("retry.initial_backoff invalid: %w", err)
	}
	if cfg.MaxBackoff, err = overrideDuration(cfg.MaxBackoff, c.Retry.MaxBackoff); err != nil {
		return cfg, fmt.Errorf("retry.max_backoff invalid: %w", err)
	}
	if cfg.Timeout, err = overrideDuration(cfg.Timeout, c.Retry.Timeout); err != nil {
		return cfg, fmt.Errorf("retry.timeout invalid: %w", err)
	}
	return cfg, nil
}

func overrideDuration(fallback time.Duration, raw string) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
