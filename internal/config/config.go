// Package config holds the runtime configuration for the sample
// acquisition subsystem. Values come from the environment with sensible
// defaults; the CLI layers a config file on top via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Strategy mode names accepted by CacheStrategy.
const (
	StrategyLRU        = "lru"
	StrategyLFU        = "lfu"
	StrategyFIFO       = "fifo"
	StrategyAdaptive   = "adaptive"
	StrategyPredictive = "predictive"
)

// Config contains all tunables consumed by the cache, queue, and preloader.
type Config struct {
	// Freesound API key. Required for any network fetch.
	APIKey string `env:"SOUNDBANK_API_KEY"`

	// Directory for the persistent cache database. Defaults to
	// ~/.cache/soundbank when empty.
	CacheDir string `env:"SOUNDBANK_CACHE_DIR"`

	// Download queue settings
	MaxConcurrentDownloads int           `env:"SOUNDBANK_MAX_CONCURRENT" envDefault:"2"`
	MinRequestDelay        time.Duration `env:"SOUNDBANK_MIN_REQUEST_DELAY" envDefault:"200ms"`
	MaxRetries             int           `env:"SOUNDBANK_MAX_RETRIES" envDefault:"3"`
	AttemptTimeout         time.Duration `env:"SOUNDBANK_ATTEMPT_TIMEOUT" envDefault:"60s"`

	// Cache settings
	MaxMemoryCacheEntries int    `env:"SOUNDBANK_MEMORY_ENTRIES" envDefault:"50"`
	MaxStorageQuotaMB     int    `env:"SOUNDBANK_STORAGE_QUOTA_MB" envDefault:"500"`
	CacheStrategy         string `env:"SOUNDBANK_CACHE_STRATEGY" envDefault:"adaptive"`
	CompressionLevel      int    `env:"SOUNDBANK_COMPRESSION_LEVEL" envDefault:"3"`

	// Preloader settings
	PredictivePreloading bool          `env:"SOUNDBANK_PREDICTIVE_PRELOADING" envDefault:"true"`
	BackgroundLoading    bool          `env:"SOUNDBANK_BACKGROUND_LOADING" envDefault:"true"`
	IdleThreshold        time.Duration `env:"SOUNDBANK_IDLE_THRESHOLD" envDefault:"5s"`
	PollInterval         time.Duration `env:"SOUNDBANK_POLL_INTERVAL" envDefault:"2s"`
}

// Load reads configuration from the environment, applying defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.CacheDir = filepath.Join(home, ".cache", "soundbank")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a Config with all defaults applied and no API key.
// Intended for tests and embedding callers that fill fields directly.
func Default() Config {
	return Config{
		MaxConcurrentDownloads: 2,
		MinRequestDelay:        200 * time.Millisecond,
		MaxRetries:             3,
		AttemptTimeout:         60 * time.Second,
		MaxMemoryCacheEntries:  50,
		MaxStorageQuotaMB:      500,
		CacheStrategy:          StrategyAdaptive,
		CompressionLevel:       3,
		PredictivePreloading:   true,
		BackgroundLoading:      true,
		IdleThreshold:          5 * time.Second,
		PollInterval:           2 * time.Second,
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1, got %d", c.MaxConcurrentDownloads)
	}
	if c.MaxMemoryCacheEntries < 1 {
		return fmt.Errorf("memory cache capacity must be at least 1 entry, got %d", c.MaxMemoryCacheEntries)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.MinRequestDelay < 0 {
		return fmt.Errorf("min request delay cannot be negative, got %s", c.MinRequestDelay)
	}
	if c.MaxStorageQuotaMB < 1 {
		return fmt.Errorf("storage quota must be at least 1 MB, got %d", c.MaxStorageQuotaMB)
	}
	switch c.CacheStrategy {
	case StrategyLRU, StrategyLFU, StrategyFIFO, StrategyAdaptive, StrategyPredictive:
	default:
		return fmt.Errorf("unknown cache strategy %q", c.CacheStrategy)
	}
	return nil
}

// QuotaBytes returns the storage quota in bytes.
func (c Config) QuotaBytes() int64 {
	return int64(c.MaxStorageQuotaMB) * 1024 * 1024
}
