/**
 * Package di provides dependency injection type definitions.
 *
 * Container holds every long-lived dependency of the market data service and is
 * the single place main reaches into for the server, the scheduler and shutdown.
 */
package di

import (
	"github.com/aristath/marketfeed/internal/clientdata"
	"github.com/aristath/marketfeed/internal/database"
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/localcache"
	"github.com/aristath/marketfeed/internal/modules/freshness"
	"github.com/aristath/marketfeed/internal/modules/market_hours"
	"github.com/aristath/marketfeed/internal/reliability"
	"github.com/aristath/marketfeed/internal/scheduler"
	"github.com/aristath/marketfeed/internal/services"
)

// Container holds all dependencies for the application
type Container struct {
	// Durable Tier database
	CacheDB *database.DB

	// Cache tiers
	FastTier    *localcache.Store
	DurableTier *clientdata.Repository

	// Providers in registration order (the service sorts them by weight)
	Providers []domain.Provider

	// Services
	MarketHoursService *market_hours.MarketHoursService
	FreshnessPolicy    *freshness.Policy
	Breakers           *reliability.BreakerSet
	MarketDataService  *services.MarketDataService

	// Background jobs
	Scheduler *scheduler.Scheduler
}

// JobInstances holds references to the registered jobs for manual triggering
type JobInstances struct {
	Cleanup     scheduler.Job
	IndexWarmup scheduler.Job
}

// Close releases the tiers in reverse order of creation.
// The Fast Tier is flushed before the database closes.
func (c *Container) Close() error {
	var firstErr error
	if c.FastTier != nil {
		if err := c.FastTier.Close(); err != nil {
			firstErr = err
		}
	}
	if c.CacheDB != nil {
		if err := c.CacheDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
