// Package config loads the pipeline configuration from YAML with environment
// overrides. Defaults are production-safe: dry-run off, conservative retry
// and circuit settings, one-week retention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crosspost-io/crosspost/publish"
	"github.com/crosspost-io/crosspost/publish/resilient"
	"github.com/crosspost-io/crosspost/schedule"
)

type (
	// Config is the root configuration.
	Config struct {
		// DryRunMode disables every external publish process-wide.
		DryRunMode bool `yaml:"dry_run_mode"`
		// MaxConcurrentJobs bounds the orchestrator worker pool.
		MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
		// BaseURL is the site root for canonical links.
		BaseURL string `yaml:"base_url"`
		// ChannelRateLimits overrides the per-channel hourly publish rate.
		// Channels absent from the map keep their publisher's static limit.
		ChannelRateLimits map[string]int `yaml:"channel_rate_limits"`

		Retry     Retry     `yaml:"retry"`
		Circuit   Circuit   `yaml:"circuit"`
		Job       JobConfig `yaml:"job"`
		Cache     Cache     `yaml:"cache"`
		Retention Retention `yaml:"retention"`
		Scheduler Scheduler `yaml:"scheduler"`
	}

	// Retry tunes the publish retry policy.
	Retry struct {
		MaxAttempts   int     `yaml:"max_attempts"`
		BaseBackoffMS int     `yaml:"base_backoff_ms"`
		MaxBackoffMS  int     `yaml:"max_backoff_ms"`
		Jitter        float64 `yaml:"jitter"`
	}

	// Circuit tunes the per-channel circuit breakers.
	Circuit struct {
		FailureThreshold int     `yaml:"failure_threshold"`
		FailureRate      float64 `yaml:"failure_rate"`
		MinSamples       int     `yaml:"min_samples"`
		WindowS          int     `yaml:"window_s"`
		RecoveryTimeoutS int     `yaml:"recovery_timeout_s"`
	}

	// JobConfig tunes job execution.
	JobConfig struct {
		DefaultDeadlineMS int `yaml:"default_deadline_ms"`
		RequestTimeoutMS  int `yaml:"request_timeout_ms"`
	}

	// Cache tunes the content cache and the invalidation fan-out.
	Cache struct {
		TiersEnabled []string `yaml:"tiers_enabled"`
		DefaultTTLS  int      `yaml:"default_ttl_s"`
		MaxEntries   int      `yaml:"max_entries"`
		CDNPurgeURL  string   `yaml:"cdn_purge_url"`
		APIPurgeURL  string   `yaml:"api_purge_url"`
	}

	// Retention tunes terminal job retention.
	Retention struct {
		TerminalJobsDays int `yaml:"terminal_jobs_days"`
		SweepIntervalS   int `yaml:"sweep_interval_s"`
	}

	// Scheduler tunes release cadence and the weekly batch mix.
	Scheduler struct {
		PollIntervalMS int                             `yaml:"poll_interval_ms"`
		RateDeferralS  int                             `yaml:"rate_deferral_s"`
		BatchRules     map[string]schedule.SectionRule `yaml:"batch_rules"`
	}
)

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		MaxConcurrentJobs: 8,
		BaseURL:           "http://localhost:8080",
		Retry: Retry{
			MaxAttempts:   3,
			BaseBackoffMS: 4000,
			MaxBackoffMS:  10000,
			Jitter:        0.2,
		},
		Circuit: Circuit{
			FailureThreshold: 5,
			FailureRate:      0.5,
			MinSamples:       20,
			WindowS:          60,
			RecoveryTimeoutS: 60,
		},
		Job: JobConfig{
			DefaultDeadlineMS: 300000,
			RequestTimeoutMS:  30000,
		},
		Cache: Cache{
			TiersEnabled: []string{"local"},
			DefaultTTLS:  300,
			MaxEntries:   4096,
		},
		Retention: Retention{
			TerminalJobsDays: 7,
			SweepIntervalS:   3600,
		},
		Scheduler: Scheduler{
			PollIntervalMS: 100,
			RateDeferralS:  60,
			BatchRules:     schedule.DefaultSectionRules(),
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides and validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects out-of-range settings.
func (c *Config) Validate() error {
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1, got %d", c.MaxConcurrentJobs)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be in [0,1], got %g", c.Retry.Jitter)
	}
	if c.Circuit.FailureRate <= 0 || c.Circuit.FailureRate > 1 {
		return fmt.Errorf("circuit.failure_rate must be in (0,1], got %g", c.Circuit.FailureRate)
	}
	if c.Retention.TerminalJobsDays < 1 || c.Retention.TerminalJobsDays > 30 {
		return fmt.Errorf("retention.terminal_jobs_days must be in [1,30], got %d", c.Retention.TerminalJobsDays)
	}
	for channel := range c.ChannelRateLimits {
		if !publish.KnownChannel(channel) {
			return fmt.Errorf("channel_rate_limits names unknown channel %q", channel)
		}
	}
	for _, tier := range c.Cache.TiersEnabled {
		switch tier {
		case "local", "shared", "cdn", "api":
		default:
			return fmt.Errorf("cache.tiers_enabled names unknown tier %q", tier)
		}
	}
	for section, rule := range c.Scheduler.BatchRules {
		if rule.Min < 0 || rule.Max < rule.Min {
			return fmt.Errorf("scheduler.batch_rules[%s] must satisfy 0 <= min <= max", section)
		}
	}
	return nil
}

// RetryConfig converts to the resilience layer's retry policy.
func (c *Config) RetryConfig() resilient.RetryConfig {
	return resilient.RetryConfig{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseBackoff: time.Duration(c.Retry.BaseBackoffMS) * time.Millisecond,
		MaxBackoff:  time.Duration(c.Retry.MaxBackoffMS) * time.Millisecond,
		Jitter:      c.Retry.Jitter,
	}
}

// BreakerConfig converts to the circuit breaker settings.
func (c *Config) BreakerConfig() resilient.BreakerConfig {
	return resilient.BreakerConfig{
		FailureThreshold:  c.Circuit.FailureThreshold,
		WindowFailureRate: c.Circuit.FailureRate,
		WindowMinSamples:  c.Circuit.MinSamples,
		Window:            time.Duration(c.Circuit.WindowS) * time.Second,
		RecoveryTimeout:   time.Duration(c.Circuit.RecoveryTimeoutS) * time.Second,
	}
}

// JobDeadline returns the per-job execution deadline.
func (c *Config) JobDeadline() time.Duration {
	return time.Duration(c.Job.DefaultDeadlineMS) * time.Millisecond
}

// RequestTimeout returns the per-attempt publish timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Job.RequestTimeoutMS) * time.Millisecond
}

// RetentionWindow returns the terminal job retention duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.TerminalJobsDays) * 24 * time.Hour
}

// TierEnabled reports whether the named cache tier is switched on.
func (c *Config) TierEnabled(name string) bool {
	for _, tier := range c.Cache.TiersEnabled {
		if tier == name {
			return true
		}
	}
	return false
}

// applyEnv layers CROSSPOST_* environment variables over the file values.
func (c *Config) applyEnv() {
	if v, ok := envBool("CROSSPOST_DRY_RUN"); ok {
		c.DryRunMode = v
	}
	if v, ok := envInt("CROSSPOST_MAX_CONCURRENT_JOBS"); ok {
		c.MaxConcurrentJobs = v
	}
	if v := os.Getenv("CROSSPOST_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v, ok := envInt("CROSSPOST_RETRY_MAX_ATTEMPTS"); ok {
		c.Retry.MaxAttempts = v
	}
	if v, ok := envInt("CROSSPOST_JOB_DEADLINE_MS"); ok {
		c.Job.DefaultDeadlineMS = v
	}
	if v, ok := envInt("CROSSPOST_RETENTION_DAYS"); ok {
		c.Retention.TerminalJobsDays = v
	}
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
