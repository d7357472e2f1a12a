// Package main is the entry point for the market data service.
// It serves realtime quotes, daily series, index levels, valuations, ETF NAVs and sector
// boards for the CN, HK and US markets from a two-tier cache backed by several providers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/marketfeed/internal/config"
	"github.com/aristath/marketfeed/internal/di"
	"github.com/aristath/marketfeed/internal/server"
	"github.com/aristath/marketfeed/pkg/logger"
)

// main wires the dependencies, starts the scheduler and the HTTP server, then waits
// for SIGINT/SIGTERM and shuts everything down in reverse order.
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("data_dir", cfg.DataDir).
		Bool("read_only", cfg.ReadOnly).
		Msg("Starting market data service")

	container, _, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	srv := server.New(server.Config{
		Log:     log,
		Port:    cfg.Port,
		DevMode: cfg.LogPretty,
		Service: container.MarketDataService,
		DB:      container.CacheDB,
		Markets: container.MarketHoursService,
	})

	container.Scheduler.Start()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Market data service started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	container.Scheduler.Stop()

	// Flushes pending Fast Tier writes before closing the database
	if err := container.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close cache tiers")
	}

	log.Info().Msg("Market data service stopped")
}
