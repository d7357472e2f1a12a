package di

import (
	"github.com/aristath/marketfeed/internal/clients/alphavantage"
	"github.com/aristath/marketfeed/internal/clients/eastmoney"
	"github.com/aristath/marketfeed/internal/clients/sina"
	"github.com/aristath/marketfeed/internal/clients/tencent"
	"github.com/aristath/marketfeed/internal/clients/yahoo"
	"github.com/aristath/marketfeed/internal/config"
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/rs/zerolog"
)

// Built-in provider weights, heaviest first
const (
	eastmoneyWeight    = 80
	tencentWeight      = 60
	yahooWeight        = 50
	alphavantageWeight = 40
	sinaWeight         = 20
)

// BuildProviders creates every provider that is not disabled. A configured weight of
// zero disables the provider as well.
func BuildProviders(cfg *config.Config, log zerolog.Logger) []domain.Provider {
	var providers []domain.Provider

	enabled := func(name string, def int) (int, bool) {
		if cfg.IsDisabled(name) {
			log.Info().Str("provider", name).Msg("Provider disabled by configuration")
			return 0, false
		}
		w := cfg.WeightFor(name, def)
		if w <= 0 {
			log.Info().Str("provider", name).Msg("Provider disabled: zero weight")
			return 0, false
		}
		return w, true
	}

	if w, ok := enabled(eastmoney.Name, eastmoneyWeight); ok {
		providers = append(providers, eastmoney.NewClient(eastmoney.Config{
			Timeout: cfg.ProviderTimeout,
			Weight:  w,
		}, log))
	}

	if w, ok := enabled(tencent.Name, tencentWeight); ok {
		providers = append(providers, tencent.NewClient(tencent.Config{
			Timeout: cfg.ProviderTimeout,
			Weight:  w,
		}, log))
	}

	if w, ok := enabled(yahoo.Name, yahooWeight); ok {
		providers = append(providers, yahoo.NewClient(yahoo.Config{Weight: w}, log))
	}

	if w, ok := enabled(alphavantage.Name, alphavantageWeight); ok {
		providers = append(providers, alphavantage.NewClientWithConfig(alphavantage.Config{
			APIKey:     cfg.AlphaVantageAPIKey,
			DailyLimit: cfg.AlphaVantageDailyLimit,
			Timeout:    cfg.ProviderTimeout,
			Weight:     w,
		}, log))
	}

	if w, ok := enabled(sina.Name, sinaWeight); ok {
		providers = append(providers, sina.NewClient(sina.Config{
			Timeout: cfg.ProviderTimeout,
			Weight:  w,
		}, log))
	}

	return providers
}
