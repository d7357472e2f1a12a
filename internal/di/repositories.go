package di

import (
	"fmt"

	"github.com/aristath/marketfeed/internal/clientdata"
	"github.com/aristath/marketfeed/internal/config"
	"github.com/aristath/marketfeed/internal/localcache"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates both cache tiers and reloads the Fast Tier from disk
func InitializeRepositories(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil || container.CacheDB == nil {
		return fmt.Errorf("cache database must be initialized first")
	}

	container.DurableTier = clientdata.NewRepository(container.CacheDB.Conn())

	fast, err := localcache.New(localcache.Config{
		Dir:        cfg.FastTierDir(),
		FlushDelay: cfg.FastTierFlushDelay,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize fast tier: %w", err)
	}

	loaded, err := fast.Load()
	if err != nil {
		// A corrupt Fast Tier only costs a cold start
		log.Warn().Err(err).Msg("Failed to reload fast tier, starting empty")
	}
	container.FastTier = fast

	log.Info().Int("entries", loaded).Msg("Cache tiers initialized")

	return nil
}
