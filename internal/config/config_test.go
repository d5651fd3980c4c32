package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, 2, cfg.RateLimit.Rate)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, 30, cfg.Token.MaxAgeMinutes)
	assert.Equal(t, 3, cfg.Crawler.MaxConcurrentTasks)
	assert.Equal(t, 2.0, cfg.Crawler.PopTimeout)
	assert.Equal(t, 2112, cfg.Metrics.Port)
	assert.Equal(t, 8081, cfg.Health.Port)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: redis.internal:6380
  db: 2
rate_limit:
  rate: 4
  burst: 10
crawler:
  max_concurrent_tasks: 8
  pop_timeout: 1.5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 4, cfg.RateLimit.Rate)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, 8, cfg.Crawler.MaxConcurrentTasks)
	assert.Equal(t, 1500*time.Millisecond, cfg.PopTimeoutDuration())

	// Sections absent from the file keep their defaults.
	assert.Equal(t, 2112, cfg.Metrics.Port)
	assert.Equal(t, 30, cfg.Token.MaxAgeMinutes)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: from-yaml:6379
rate_limit:
  rate: 4
`), 0o644))

	t.Setenv("REDIS_ADDR", "from-env:6379")
	t.Setenv("APP_RATE_LIMIT", "9")
	t.Setenv("METRICS_PORT", "2113")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env:6379", cfg.Redis.Addr)
	assert.Equal(t, 9, cfg.RateLimit.Rate)
	assert.Equal(t, 2113, cfg.Metrics.Port)
}

func TestRedisRemoteAddrAlias(t *testing.T) {
	t.Setenv("REDIS_ADDR", "plain:6379")
	t.Setenv("REDIS_REMOTE_ADDR", "remote:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "remote:6379", cfg.Redis.Addr)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }},
		{"negative rate", func(c *Config) { c.RateLimit.Rate = -1 }},
		{"zero token age", func(c *Config) { c.Token.MaxAgeMinutes = 0 }},
		{"zero concurrency", func(c *Config) { c.Crawler.MaxConcurrentTasks = 0 }},
		{"zero pop timeout", func(c *Config) { c.Crawler.PopTimeout = 0 }},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = 70000 }},
		{"bad health port", func(c *Config) { c.Health.Port = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTokenMaxAge(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Minute, cfg.TokenMaxAge())
}
