// Package config loads the worker configuration. Precedence is environment
// variables over YAML file values over built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default config file locations probed when none is given explicitly.
var defaultConfigPaths = []string{
	"configs/config.yaml",
	"config.yaml",
	"/etc/mercari-crawler/config.yaml",
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig holds the shared token bucket settings. Rate and Burst must
// match the cooperating workers or the bucket math diverges.
type RateLimitConfig struct {
	Rate      int     `yaml:"rate"`
	Burst     int     `yaml:"burst"`
	JitterMin float64 `yaml:"jitter_min"`
	JitterMax float64 `yaml:"jitter_max"`
}

// TokenConfig holds browser credential validity settings
type TokenConfig struct {
	MaxAgeMinutes         int     `yaml:"max_age_minutes"`
	ProactiveRefreshRatio float64 `yaml:"proactive_refresh_ratio"`
}

// CrawlerConfig holds engine settings
type CrawlerConfig struct {
	MaxConcurrentTasks int     `yaml:"max_concurrent_tasks"`
	PopTimeout         float64 `yaml:"pop_timeout"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// HealthConfig holds the health endpoint settings
type HealthConfig struct {
	Port int `yaml:"port"`
}

// Config is the full worker configuration
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Token     TokenConfig     `yaml:"token"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Redis:     RedisConfig{Addr: "localhost:6379"},
		RateLimit: RateLimitConfig{Rate: 2, Burst: 5, JitterMin: 1.0, JitterMax: 5.0},
		Token:     TokenConfig{MaxAgeMinutes: 30, ProactiveRefreshRatio: 0.05},
		Crawler:   CrawlerConfig{MaxConcurrentTasks: 3, PopTimeout: 2.0},
		Metrics:   MetricsConfig{Port: 2112},
		Health:    HealthConfig{Port: 8081},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing precedence. An empty path probes the default
// locations; a missing default file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else {
		for _, candidate := range defaultConfigPaths {
			data, err := os.ReadFile(candidate)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", candidate, err)
			}
			break
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables. REDIS_REMOTE_ADDR is
// the producer's spelling of the Redis address; it wins over REDIS_ADDR.
func (c *Config) applyEnv() {
	c.Redis.Addr = getEnvOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Addr = getEnvOrDefault("REDIS_REMOTE_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvIntOrDefault("REDIS_DB", c.Redis.DB)

	c.RateLimit.Rate = getEnvIntOrDefault("APP_RATE_LIMIT", c.RateLimit.Rate)
	c.RateLimit.Burst = getEnvIntOrDefault("APP_RATE_BURST", c.RateLimit.Burst)
	c.RateLimit.JitterMin = getEnvFloatOrDefault("APP_RATE_JITTER_MIN", c.RateLimit.JitterMin)
	c.RateLimit.JitterMax = getEnvFloatOrDefault("APP_RATE_JITTER_MAX", c.RateLimit.JitterMax)

	c.Token.MaxAgeMinutes = getEnvIntOrDefault("TOKEN_MAX_AGE_MINUTES", c.Token.MaxAgeMinutes)
	c.Token.ProactiveRefreshRatio = getEnvFloatOrDefault("TOKEN_PROACTIVE_REFRESH_RATIO", c.Token.ProactiveRefreshRatio)

	c.Crawler.MaxConcurrentTasks = getEnvIntOrDefault("CRAWLER_MAX_CONCURRENT_TASKS", c.Crawler.MaxConcurrentTasks)
	c.Crawler.PopTimeout = getEnvFloatOrDefault("CRAWLER_POP_TIMEOUT", c.Crawler.PopTimeout)

	c.Metrics.Port = getEnvIntOrDefault("METRICS_PORT", c.Metrics.Port)
	c.Health.Port = getEnvIntOrDefault("HEALTH_PORT", c.Health.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.RateLimit.Rate < 0 {
		return fmt.Errorf("rate must be non-negative, got %d", c.RateLimit.Rate)
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("burst must be non-negative, got %d", c.RateLimit.Burst)
	}
	if c.Token.MaxAgeMinutes <= 0 {
		return fmt.Errorf("token max age must be positive, got %d", c.Token.MaxAgeMinutes)
	}
	if c.Crawler.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max concurrent tasks must be at least 1, got %d", c.Crawler.MaxConcurrentTasks)
	}
	if c.Crawler.PopTimeout <= 0 {
		return fmt.Errorf("pop timeout must be positive, got %v", c.Crawler.PopTimeout)
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics port must be in range 1-65535, got %d", c.Metrics.Port)
	}
	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health port must be in range 1-65535, got %d", c.Health.Port)
	}
	return nil
}

// PopTimeoutDuration returns the pop timeout as a duration.
func (c *Config) PopTimeoutDuration() time.Duration {
	return time.Duration(c.Crawler.PopTimeout * float64(time.Second))
}

// TokenMaxAge returns the browser credential validity as a duration.
func (c *Config) TokenMaxAge() time.Duration {
	return time.Duration(c.Token.MaxAgeMinutes) * time.Minute
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable as int or a default
func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intVal
}

// getEnvFloatOrDefault returns the environment variable as float64 or a default
func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return floatVal
}
