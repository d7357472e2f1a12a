package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/classifier"
	"github.com/aristath/marketfeed/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	t.Setenv("MARKETFEED_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.DirExists(t, dir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogPretty)
	assert.Equal(t, 8080, cfg.Port)
	assert.False(t, cfg.ReadOnly)
	assert.Empty(t, cfg.AlphaVantageAPIKey)
	assert.Equal(t, 25, cfg.AlphaVantageDailyLimit)
	assert.Empty(t, cfg.ProviderWeights)
	assert.Empty(t, cfg.ProvidersDisabled)
	assert.Empty(t, cfg.TTLOverrides)
	assert.Equal(t, 120*time.Hour, cfg.DegradedMaxAge)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 10*time.Minute, cfg.Breaker.MaxCooldown)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Delay)
	assert.Equal(t, reliability.BackoffFixed, cfg.Retry.Backoff)
	assert.Equal(t, 8*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 2*time.Second, cfg.FastTierFlushDelay)
	assert.Equal(t, 30, cfg.DurableRetentionDays)
	assert.Equal(t, classifier.DefaultIndexSymbols, cfg.IndexSymbols)
	assert.Equal(t, "0 */5 * * * *", cfg.IndexWarmupSchedule)

	assert.Equal(t, filepath.Join(dir, "marketfeed.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join(dir, "fast"), cfg.FastTierDir())
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MARKETFEED_DATA_DIR", t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("READ_ONLY", "true")
	t.Setenv("LOG_PRETTY", "1")
	t.Setenv("ALPHAVANTAGE_API_KEY", "demo")
	t.Setenv("PROVIDER_WEIGHTS", "Tencent=90, sina=5")
	t.Setenv("PROVIDERS_DISABLED", "yahoo, AlphaVantage")
	t.Setenv("TTL_OPEN_CN", "2m")
	t.Setenv("TTL_CLOSED_US", "1h")
	t.Setenv("RETRY_BACKOFF", "exponential")
	t.Setenv("RETRY_ATTEMPTS", "5")
	t.Setenv("INDEX_SYMBOLS", "HSI, ^GSPC")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.ReadOnly)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, "demo", cfg.AlphaVantageAPIKey)

	assert.Equal(t, 90, cfg.WeightFor("tencent", 60))
	assert.Equal(t, 5, cfg.WeightFor("sina", 20))
	assert.Equal(t, 80, cfg.WeightFor("eastmoney", 80))

	assert.True(t, cfg.IsDisabled("yahoo"))
	assert.True(t, cfg.IsDisabled("alphavantage"))
	assert.False(t, cfg.IsDisabled("tencent"))

	assert.Equal(t, TTLOverride{Open: 2 * time.Minute}, cfg.TTLOverrides[domain.MarketCN])
	assert.Equal(t, TTLOverride{Closed: time.Hour}, cfg.TTLOverrides[domain.MarketUS])
	_, ok := cfg.TTLOverrides[domain.MarketHK]
	assert.False(t, ok)

	assert.Equal(t, reliability.BackoffExponential, cfg.Retry.Backoff)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, []string{"HSI", "^GSPC"}, cfg.IndexSymbols)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("MARKETFEED_DATA_DIR", t.TempDir())
	t.Setenv("PORT", "not-a-number")
	t.Setenv("PROVIDER_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 8*time.Second, cfg.ProviderTimeout)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"malformed weights", "PROVIDER_WEIGHTS", "tencent"},
		{"negative weight", "PROVIDER_WEIGHTS", "tencent=-1"},
		{"unknown backoff", "RETRY_BACKOFF", "linear"},
		{"zero attempts", "RETRY_ATTEMPTS", "0"},
		{"port out of range", "PORT", "70000"},
		{"non-index symbol", "INDEX_SYMBOLS", "AAPL"},
		{"zero retention", "DURABLE_RETENTION_DAYS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MARKETFEED_DATA_DIR", t.TempDir())
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseWeights(t *testing.T) {
	weights, err := parseWeights("")
	require.NoError(t, err)
	assert.Empty(t, weights)

	weights, err = parseWeights(" eastmoney = 10 ,yahoo=0")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"eastmoney": 10, "yahoo": 0}, weights)
}
