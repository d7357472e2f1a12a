// Package di provides dependency injection for scheduler jobs.
package di

import (
	"fmt"

	"github.com/aristath/marketfeed/internal/clientdata"
	"github.com/aristath/marketfeed/internal/config"
	"github.com/aristath/marketfeed/internal/scheduler"
	"github.com/rs/zerolog"
)

// RegisterJobs creates the scheduler and registers the maintenance jobs on it.
// The scheduler is not started.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil || container.MarketDataService == nil {
		return nil, fmt.Errorf("services must be initialized first")
	}

	sched := scheduler.New(log)
	instances := &JobInstances{}

	// Job 1: Durable Tier retention cleanup (daily)
	cleanup := clientdata.NewCleanupJob(container.DurableTier, container.CacheDB, cfg.Retention(), log)
	if err := sched.AddJob(scheduler.CleanupSchedule, cleanup); err != nil {
		return nil, fmt.Errorf("failed to register cleanup job: %w", err)
	}
	instances.Cleanup = cleanup

	// Job 2: Index warm-up while an index market is trading
	if cfg.IndexWarmupSchedule != "" {
		warmup := scheduler.NewIndexWarmupJob(container.MarketDataService, container.MarketHoursService, cfg.ProviderTimeout*4, log)
		if err := sched.AddJob(cfg.IndexWarmupSchedule, warmup); err != nil {
			return nil, fmt.Errorf("failed to register index warmup job: %w", err)
		}
		instances.IndexWarmup = warmup
	}

	container.Scheduler = sched

	log.Info().Msg("Jobs registered")

	return instances, nil
}
