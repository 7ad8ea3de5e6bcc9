package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models caseline.yml.
type Config struct {
	Platform struct {
		BaseURL              string `yaml:"base_url"`
		APIKey               string `yaml:"api_key"`
		TaskKind             string `yaml:"task_kind"`
		IdempotencyKeyTTLMin int    `yaml:"idempotency_key_ttl_minutes"`
	} `yaml:"platform"`
	Locks struct {
		LockTTLMin     int `yaml:"lock_ttl_minutes"`
		RunStaleTTLMin int `yaml:"run_stale_ttl_minutes"`
	} `yaml:"locks"`
	Dispatch struct {
		VerifyWindowSec       int `yaml:"verify_window_seconds"`
		VerifyPollSec         int `yaml:"verify_poll_seconds"`
		StaleQueuedMaxAgeMin  int `yaml:"stale_queued_max_age_minutes"`
		StaleQueuedLimit      int `yaml:"stale_queued_limit"`
		StaleQueuedMaxRetries int `yaml:"stale_queued_max_attempts"`
	} `yaml:"dispatch"`
	Sweeps struct {
		FollowUpIntervalMin  int `yaml:"follow_up_interval_minutes"`
		DeadlineIntervalMin  int `yaml:"deadline_interval_minutes"`
		OrphanIntervalMin    int `yaml:"orphan_interval_minutes"`
		DecisionIntervalMin  int `yaml:"decision_interval_minutes"`
		ReaperIntervalMin    int `yaml:"reaper_interval_minutes"`
		RecoveryIntervalMin  int `yaml:"recovery_interval_minutes"`
		BatchLimit           int `yaml:"batch_limit"`
		OrphanThresholdHours int `yaml:"orphan_threshold_hours"`
		DecisionStuckMin     int `yaml:"decision_stuck_minutes"`
		DecisionMaxRetries   int `yaml:"decision_max_retries"`
		DismissedBreaker     int `yaml:"dismissed_breaker_threshold"`
		InboundQuietDays     int `yaml:"inbound_quiet_days"`
	} `yaml:"sweeps"`
	FollowUps struct {
		MaxCount     int `yaml:"max_count"`
		IntervalDays int `yaml:"interval_days"`
	} `yaml:"follow_ups"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig is one notification target.
type WebhookConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool  `yaml:"enabled,omitempty"`
}

// Load reads and validates config from the workspace, falling back to
// defaults if the file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Zero values are
// filled with defaults so a partial file only overrides what it names.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseline.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Platform.TaskKind == "" {
		c.Platform.TaskKind = "case_pipeline"
	}
	if c.Platform.IdempotencyKeyTTLMin == 0 {
		c.Platform.IdempotencyKeyTTLMin = 60
	}
	if c.Locks.LockTTLMin == 0 {
		c.Locks.LockTTLMin = 30
	}
	if c.Locks.RunStaleTTLMin == 0 {
		c.Locks.RunStaleTTLMin = 120
	}
	if c.Dispatch.VerifyWindowSec == 0 {
		c.Dispatch.VerifyWindowSec = 60
	}
	if c.Dispatch.VerifyPollSec == 0 {
		c.Dispatch.VerifyPollSec = 5
	}
	if c.Dispatch.StaleQueuedMaxAgeMin == 0 {
		c.Dispatch.StaleQueuedMaxAgeMin = 10
	}
	if c.Dispatch.StaleQueuedLimit == 0 {
		c.Dispatch.StaleQueuedLimit = 20
	}
	if c.Dispatch.StaleQueuedMaxRetries == 0 {
		c.Dispatch.StaleQueuedMaxRetries = 3
	}
	if c.Sweeps.FollowUpIntervalMin == 0 {
		c.Sweeps.FollowUpIntervalMin = 15
	}
	if c.Sweeps.DeadlineIntervalMin == 0 {
		c.Sweeps.DeadlineIntervalMin = 60 * 24
	}
	if c.Sweeps.OrphanIntervalMin == 0 {
		c.Sweeps.OrphanIntervalMin = 60 * 6
	}
	if c.Sweeps.DecisionIntervalMin == 0 {
		c.Sweeps.DecisionIntervalMin = 5
	}
	if c.Sweeps.ReaperIntervalMin == 0 {
		c.Sweeps.ReaperIntervalMin = 5
	}
	if c.Sweeps.RecoveryIntervalMin == 0 {
		c.Sweeps.RecoveryIntervalMin = 10
	}
	if c.Sweeps.BatchLimit == 0 {
		c.Sweeps.BatchLimit = 25
	}
	if c.Sweeps.OrphanThresholdHours == 0 {
		c.Sweeps.OrphanThresholdHours = 48
	}
	if c.Sweeps.DecisionStuckMin == 0 {
		c.Sweeps.DecisionStuckMin = 5
	}
	if c.Sweeps.DecisionMaxRetries == 0 {
		c.Sweeps.DecisionMaxRetries = 5
	}
	if c.Sweeps.DismissedBreaker == 0 {
		c.Sweeps.DismissedBreaker = 3
	}
	if c.Sweeps.InboundQuietDays == 0 {
		c.Sweeps.InboundQuietDays = 3
	}
	if c.FollowUps.MaxCount == 0 {
		c.FollowUps.MaxCount = 3
	}
	if c.FollowUps.IntervalDays == 0 {
		c.FollowUps.IntervalDays = 7
	}
}

// Validate ensures durations and bounds make sense together.
func (c *Config) Validate() error {
	if c.Locks.LockTTLMin <= 0 {
		return fmt.Errorf("config.locks.lock_ttl_minutes must be positive")
	}
	if c.Locks.RunStaleTTLMin < c.Locks.LockTTLMin {
		return fmt.Errorf("config.locks.run_stale_ttl_minutes must be >= lock_ttl_minutes")
	}
	if c.Dispatch.VerifyPollSec > c.Dispatch.VerifyWindowSec {
		return fmt.Errorf("config.dispatch.verify_poll_seconds exceeds verify window")
	}
	if c.Sweeps.DecisionMaxRetries <= 0 {
		return fmt.Errorf("config.sweeps.decision_max_retries must be positive")
	}
	if c.Sweeps.DismissedBreaker <= 0 {
		return fmt.Errorf("config.sweeps.dismissed_breaker_threshold must be positive")
	}
	if c.FollowUps.MaxCount <= 0 {
		return fmt.Errorf("config.follow_ups.max_count must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Duration helpers keep call sites readable.

func (c *Config) LockTTL() time.Duration     { return time.Duration(c.Locks.LockTTLMin) * time.Minute }
func (c *Config) RunStaleTTL() time.Duration { return time.Duration(c.Locks.RunStaleTTLMin) * time.Minute }
func (c *Config) VerifyWindow() time.Duration {
	return time.Duration(c.Dispatch.VerifyWindowSec) * time.Second
}
func (c *Config) VerifyPoll() time.Duration {
	return time.Duration(c.Dispatch.VerifyPollSec) * time.Second
}
func (c *Config) StaleQueuedMaxAge() time.Duration {
	return time.Duration(c.Dispatch.StaleQueuedMaxAgeMin) * time.Minute
}
func (c *Config) IdempotencyKeyTTL() time.Duration {
	return time.Duration(c.Platform.IdempotencyKeyTTLMin) * time.Minute
}
func (c *Config) OrphanThreshold() time.Duration {
	return time.Duration(c.Sweeps.OrphanThresholdHours) * time.Hour
}
func (c *Config) DecisionStuckWindow() time.Duration {
	return time.Duration(c.Sweeps.DecisionStuckMin) * time.Minute
}
func (c *Config) FollowUpInterval() time.Duration {
	return time.Duration(c.FollowUps.IntervalDays) * 24 * time.Hour
}
func (c *Config) InboundQuietWindow() time.Duration {
	return time.Duration(c.Sweeps.InboundQuietDays) * 24 * time.Hour
}
