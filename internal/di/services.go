package di

import (
	"fmt"

	"github.com/aristath/marketfeed/internal/config"
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/freshness"
	"github.com/aristath/marketfeed/internal/modules/market_hours"
	"github.com/aristath/marketfeed/internal/reliability"
	"github.com/aristath/marketfeed/internal/services"
	"github.com/rs/zerolog"
)

// InitializeServices creates the session clock, the freshness policy, the breakers and
// the market data orchestrator
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil || container.FastTier == nil || container.DurableTier == nil {
		return fmt.Errorf("cache tiers must be initialized first")
	}

	container.MarketHoursService = market_hours.NewMarketHoursService()

	overrides := make(map[domain.Market]freshness.Rule, len(cfg.TTLOverrides))
	for market, o := range cfg.TTLOverrides {
		overrides[market] = freshness.Rule{Open: o.Open, Closed: o.Closed}
	}
	container.FreshnessPolicy = freshness.NewPolicy(container.MarketHoursService, freshness.Config{
		MarketOverrides: overrides,
		DegradedMaxAge:  cfg.DegradedMaxAge,
	})

	container.Breakers = reliability.NewBreakerSet(cfg.Breaker, log)

	if cfg.ReadOnly {
		log.Warn().Msg("Read-only mode: providers will not be called")
	}
	container.Providers = BuildProviders(cfg, log)

	container.MarketDataService = services.NewMarketDataService(
		container.Providers,
		container.FastTier,
		container.DurableTier,
		container.FreshnessPolicy,
		container.Breakers,
		services.Config{
			Retry:           cfg.Retry,
			ProviderTimeout: cfg.ProviderTimeout,
			ReadOnly:        cfg.ReadOnly,
			IndexSymbols:    cfg.IndexSymbols,
		},
		log,
	)

	return nil
}
