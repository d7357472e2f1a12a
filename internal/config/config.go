// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/classifier"
	"github.com/aristath/marketfeed/internal/reliability"
	"github.com/aristath/marketfeed/internal/utils"
	"github.com/joho/godotenv"
)

// Config holds application configuration. It is read once at startup.
type Config struct {
	DataDir   string // Base directory for the database and fast tier files (always absolute)
	LogLevel  string
	LogPretty bool
	Port      int
	ReadOnly  bool

	AlphaVantageAPIKey     string
	AlphaVantageDailyLimit int

	ProviderWeights   map[string]int // Overrides of the built-in provider weights
	ProvidersDisabled map[string]bool

	TTLOverrides   map[domain.Market]TTLOverride
	DegradedMaxAge time.Duration

	Breaker reliability.BreakerConfig
	Retry   reliability.RetryPolicy

	ProviderTimeout      time.Duration
	FastTierFlushDelay   time.Duration
	DurableRetentionDays int
	IndexSymbols         []string
	IndexWarmupSchedule  string
}

// TTLOverride replaces the open and/or closed TTL of every value kind for one market.
// Zero leaves the built-in TTL in place.
type TTLOverride struct {
	Open   time.Duration
	Closed time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("MARKETFEED_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	weights, err := parseWeights(getEnv("PROVIDER_WEIGHTS", ""))
	if err != nil {
		return nil, err
	}

	backoff, err := reliability.ParseBackoff(getEnv("RETRY_BACKOFF", "fixed"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_BACKOFF: %w", err)
	}

	cfg := &Config{
		DataDir:                absDataDir,
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogPretty:              getEnvAsBool("LOG_PRETTY", false),
		Port:                   getEnvAsInt("PORT", 8080),
		ReadOnly:               getEnvAsBool("READ_ONLY", false),
		AlphaVantageAPIKey:     getEnv("ALPHAVANTAGE_API_KEY", ""),
		AlphaVantageDailyLimit: getEnvAsInt("ALPHAVANTAGE_DAILY_LIMIT", 25),
		ProviderWeights:        weights,
		ProvidersDisabled:      toSet(utils.ParseCSV(getEnv("PROVIDERS_DISABLED", ""))),
		TTLOverrides:           loadTTLOverrides(),
		DegradedMaxAge:         getEnvAsDuration("DEGRADED_MAX_AGE", 120*time.Hour),
		Breaker: reliability.BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_THRESHOLD", 5),
			Cooldown:         getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
			MaxCooldown:      getEnvAsDuration("BREAKER_MAX_COOLDOWN", 10*time.Minute),
		},
		Retry: reliability.RetryPolicy{
			Attempts: getEnvAsInt("RETRY_ATTEMPTS", 3),
			Delay:    getEnvAsDuration("RETRY_DELAY", 500*time.Millisecond),
			Backoff:  backoff,
			MaxDelay: getEnvAsDuration("RETRY_MAX_DELAY", 5*time.Second),
		},
		ProviderTimeout:      getEnvAsDuration("PROVIDER_TIMEOUT", 8*time.Second),
		FastTierFlushDelay:   getEnvAsDuration("FAST_TIER_FLUSH_DELAY", 2*time.Second),
		DurableRetentionDays: getEnvAsInt("DURABLE_RETENTION_DAYS", 30),
		IndexSymbols:         utils.ParseCSV(getEnv("INDEX_SYMBOLS", "")),
		IndexWarmupSchedule:  getEnv("INDEX_WARMUP_SCHEDULE", "0 */5 * * * *"),
	}
	if len(cfg.IndexSymbols) == 0 {
		cfg.IndexSymbols = append([]string(nil), classifier.DefaultIndexSymbols...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configured values are usable
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.DurableRetentionDays < 1 {
		return fmt.Errorf("DURABLE_RETENTION_DAYS must be at least 1, got %d", c.DurableRetentionDays)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	for _, sym := range c.IndexSymbols {
		if !classifier.IsIndex(sym) {
			return fmt.Errorf("INDEX_SYMBOLS: %q is not a known index", sym)
		}
	}
	return nil
}

// Retention returns how long Durable Tier rows are kept
func (c *Config) Retention() time.Duration {
	return time.Duration(c.DurableRetentionDays) * 24 * time.Hour
}

// DatabasePath returns the path of the Durable Tier database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "marketfeed.db")
}

// FastTierDir returns the directory holding the Fast Tier files
func (c *Config) FastTierDir() string {
	return filepath.Join(c.DataDir, "fast")
}

// WeightFor returns the configured weight of provider, or def when none is set
func (c *Config) WeightFor(provider string, def int) int {
	if w, ok := c.ProviderWeights[provider]; ok {
		return w
	}
	return def
}

// IsDisabled reports whether provider was switched off
func (c *Config) IsDisabled(provider string) bool {
	return c.ProvidersDisabled[provider]
}

// parseWeights reads "name=weight,name=weight"
func parseWeights(s string) (map[string]int, error) {
	weights := make(map[string]int)
	for _, pair := range utils.ParseCSV(s) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid PROVIDER_WEIGHTS entry %q: expected name=weight", pair)
		}
		w, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || w < 0 {
			return nil, fmt.Errorf("invalid PROVIDER_WEIGHTS weight for %q: %q", name, value)
		}
		weights[strings.ToLower(strings.TrimSpace(name))] = w
	}
	return weights, nil
}

func loadTTLOverrides() map[domain.Market]TTLOverride {
	overrides := make(map[domain.Market]TTLOverride)
	for _, market := range domain.AllMarkets {
		o := TTLOverride{
			Open:   getEnvAsDuration("TTL_OPEN_"+string(market), 0),
			Closed: getEnvAsDuration("TTL_CLOSED_"+string(market), 0),
		}
		if o.Open > 0 || o.Closed > 0 {
			overrides[market] = o
		}
	}
	return overrides
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[strings.ToLower(item)] = true
	}
	return set
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
