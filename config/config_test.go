package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosspost-io/crosspost/schedule"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crosspost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.False(t, cfg.DryRunMode)
	assert.Equal(t, 8, cfg.MaxConcurrentJobs)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 4*time.Second, cfg.RetryConfig().BaseBackoff)
	assert.Equal(t, 10*time.Second, cfg.RetryConfig().MaxBackoff)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 0.5, cfg.Circuit.FailureRate)
	assert.Equal(t, 5*time.Minute, cfg.JobDeadline())
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionWindow())
	assert.True(t, cfg.TierEnabled("local"))
	assert.False(t, cfg.TierEnabled("cdn"))
	assert.Contains(t, cfg.Scheduler.BatchRules, "breathscape")
	assert.LessOrEqual(t, cfg.Scheduler.PollIntervalMS, 250, "release skew stays under the start bound")
}

func TestLoadOverlaysFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
dry_run_mode: true
max_concurrent_jobs: 4
base_url: https://crosspost.example
channel_rate_limits:
  twitter: 25
retry:
  max_attempts: 5
  base_backoff_ms: 1000
cache:
  tiers_enabled: [local, shared, cdn]
  cdn_purge_url: https://cdn.example/purge
retention:
  terminal_jobs_days: 14
scheduler:
  batch_rules:
    breathscape: {min: 1, max: 2}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.DryRunMode)
	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, "https://crosspost.example", cfg.BaseURL)
	assert.Equal(t, 25, cfg.ChannelRateLimits["twitter"])
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryConfig().BaseBackoff)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.RetryConfig().MaxBackoff)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.True(t, cfg.TierEnabled("cdn"))
	assert.Equal(t, 14*24*time.Hour, cfg.RetentionWindow())
	assert.Equal(t, 1, cfg.Scheduler.BatchRules["breathscape"].Min)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "retry: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero workers", func(c *Config) { c.MaxConcurrentJobs = 0 }, "max_concurrent_jobs"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"jitter out of range", func(c *Config) { c.Retry.Jitter = 1.5 }, "jitter"},
		{"failure rate out of range", func(c *Config) { c.Circuit.FailureRate = 0 }, "failure_rate"},
		{"retention too long", func(c *Config) { c.Retention.TerminalJobsDays = 45 }, "terminal_jobs_days"},
		{"retention too short", func(c *Config) { c.Retention.TerminalJobsDays = 0 }, "terminal_jobs_days"},
		{"unknown rate limit channel", func(c *Config) { c.ChannelRateLimits = map[string]int{"myspace": 5} }, "unknown channel"},
		{"unknown cache tier", func(c *Config) { c.Cache.TiersEnabled = []string{"memcache"} }, "unknown tier"},
		{"inverted batch rule", func(c *Config) {
			c.Scheduler.BatchRules = map[string]schedule.SectionRule{"tips": {Min: 3, Max: 1}}
		}, "batch_rules"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, "dry_run_mode: false\nmax_concurrent_jobs: 4\n")
	t.Setenv("CROSSPOST_DRY_RUN", "true")
	t.Setenv("CROSSPOST_MAX_CONCURRENT_JOBS", "16")
	t.Setenv("CROSSPOST_RETENTION_DAYS", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.DryRunMode)
	assert.Equal(t, 16, cfg.MaxConcurrentJobs)
	assert.Equal(t, 3*24*time.Hour, cfg.RetentionWindow())
}

func TestEnvOverrideStillValidated(t *testing.T) {
	t.Setenv("CROSSPOST_RETENTION_DAYS", "90")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal_jobs_days")
}
