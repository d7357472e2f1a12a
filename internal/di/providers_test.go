package di

import (
	"testing"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func weightsByName(providers []domain.Provider) map[string]int {
	out := make(map[string]int, len(providers))
	for _, p := range providers {
		d := p.Descriptor()
		out[d.Name] = d.Weight
	}
	return out
}

func TestBuildProviders_Defaults(t *testing.T) {
	providers := BuildProviders(testConfig(t), zerolog.Nop())

	assert.Equal(t, map[string]int{
		"eastmoney":    80,
		"tencent":      60,
		"yahoo":        50,
		"alphavantage": 40,
		"sina":         20,
	}, weightsByName(providers))
}

func TestBuildProviders_WeightsAndDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProviderWeights = map[string]int{"sina": 95, "yahoo": 0}
	cfg.ProvidersDisabled = map[string]bool{"eastmoney": true}

	got := weightsByName(BuildProviders(cfg, zerolog.Nop()))

	assert.Equal(t, 95, got["sina"])
	assert.NotContains(t, got, "yahoo")
	assert.NotContains(t, got, "eastmoney")
	assert.Contains(t, got, "tencent")
}

func TestBuildProviders_AlphaVantageCredential(t *testing.T) {
	cfg := testConfig(t)

	for _, p := range BuildProviders(cfg, zerolog.Nop()) {
		if p.Descriptor().Name == "alphavantage" {
			assert.False(t, p.Configured())
		}
	}

	cfg.AlphaVantageAPIKey = "demo"
	for _, p := range BuildProviders(cfg, zerolog.Nop()) {
		if p.Descriptor().Name == "alphavantage" {
			assert.True(t, p.Configured())
		}
	}
}
