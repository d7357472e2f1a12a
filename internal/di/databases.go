// Package di provides dependency injection for database connections.
package di

import (
	"fmt"

	"github.com/aristath/marketfeed/internal/config"
	"github.com/aristath/marketfeed/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens the Durable Tier database and applies its schema
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// cache.db - re-derivable market data, keyed by (symbol, kind, market date)
	cacheDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}

	if err := cacheDB.Migrate(); err != nil {
		cacheDB.Close()
		return nil, fmt.Errorf("failed to migrate cache database: %w", err)
	}
	container.CacheDB = cacheDB

	log.Info().Str("path", cacheDB.Path()).Msg("Cache database initialized")

	return container, nil
}
