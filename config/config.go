// Package config loads the account-age configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration. Zero values in a loaded file keep the
// defaults from Default.
type Config struct {
	CacheTTLSeconds      int `yaml:"cacheTTLSeconds"`
	MaxCacheEntries      int `yaml:"maxCacheEntries"`
	MaxConcurrentFetches int `yaml:"maxConcurrentFetches"`
	RetryLimit           int `yaml:"retryLimit"`
	BackoffBaseMs        int `yaml:"backoffBaseMs"`

	BackoffMaxMs            int `yaml:"backoffMaxMs"`
	MinFetchIntervalMs      int `yaml:"minFetchIntervalMs"`
	NegativeCacheTTLSeconds int `yaml:"negativeCacheTTLSeconds"`

	Endpoint  string `yaml:"endpoint"`
	UserAgent string `yaml:"userAgent"`

	// StoragePath is the bbolt database file. Empty disables persistence
	// unless RedisAddr is set.
	StoragePath   string `yaml:"storagePath"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	SweepIntervalSeconds int      `yaml:"sweepIntervalSeconds"`
	AnnotationLimit      int      `yaml:"annotationLimit"`
	TextMentions         bool     `yaml:"textMentions"`
	Ignore               []string `yaml:"ignore"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CacheTTLSeconds:         86400,
		MaxCacheEntries:         10000,
		MaxConcurrentFetches:    4,
		RetryLimit:              3,
		BackoffBaseMs:           500,
		BackoffMaxMs:            30000,
		MinFetchIntervalMs:      250,
		NegativeCacheTTLSeconds: 300,
		Endpoint:                "https://www.reddit.com/user/{handle}/about.json",
		UserAgent:               "account-age/1.0",
		SweepIntervalSeconds:    600,
		AnnotationLimit:         1000,
		Ignore:                  []string{"automoderator"},
	}
}

// Load reads path over Default. A missing file is not an error; an empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("cacheTTLSeconds", c.CacheTTLSeconds)
	positive("maxCacheEntries", c.MaxCacheEntries)
	positive("maxConcurrentFetches", c.MaxConcurrentFetches)
	positive("retryLimit", c.RetryLimit)
	positive("backoffBaseMs", c.BackoffBaseMs)
	positive("sweepIntervalSeconds", c.SweepIntervalSeconds)
	positive("annotationLimit", c.AnnotationLimit)

	if c.BackoffMaxMs < c.BackoffBaseMs {
		errs = append(errs, fmt.Errorf("backoffMaxMs (%d) must not be less than backoffBaseMs (%d)", c.BackoffMaxMs, c.BackoffBaseMs))
	}
	if c.MinFetchIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("minFetchIntervalMs must not be negative, got %d", c.MinFetchIntervalMs))
	}
	if c.NegativeCacheTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("negativeCacheTTLSeconds must not be negative, got %d", c.NegativeCacheTTLSeconds))
	}
	if !strings.Contains(c.Endpoint, "{handle}") {
		errs = append(errs, fmt.Errorf("endpoint %q must contain {handle}", c.Endpoint))
	}
	if c.StoragePath != "" && c.RedisAddr != "" {
		errs = append(errs, errors.New("storagePath and redisAddr are mutually exclusive"))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("redisDB must not be negative, got %d", c.RedisDB))
	}
	return errors.Join(errs...)
}

// CacheTTL returns the cache entry lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// NegativeCacheTTL returns the lifetime of cached unknown results. Zero
// disables caching them.
func (c Config) NegativeCacheTTL() time.Duration {
	return time.Duration(c.NegativeCacheTTLSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the retry delay cap.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// MinFetchInterval returns the minimum spacing between outbound requests.
func (c Config) MinFetchInterval() time.Duration {
	return time.Duration(c.MinFetchIntervalMs) * time.Millisecond
}

// SweepInterval returns how often expired entries are swept.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
