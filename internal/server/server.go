// Package server provides the HTTP surface of the market data service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/marketfeed/internal/database"
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/market_hours"
	"github.com/aristath/marketfeed/internal/services"
)

// MarketData is the service the handlers expose
type MarketData interface {
	GetRealtimePrices(ctx context.Context, symbols []string, forceRefresh bool) (map[string]domain.Result[domain.PriceRecord], error)
	GetTrendData(ctx context.Context, symbols []string, window int) (map[string]domain.Result[domain.OHLCSeries], error)
	GetIndicesData(ctx context.Context, asOf time.Time) (map[string]domain.Result[domain.PriceRecord], error)
	GetValuations(ctx context.Context, symbols []string) (map[string]domain.Result[domain.ValuationRecord], error)
	GetETFNAV(ctx context.Context, symbols []string) (map[string]domain.Result[domain.NAVRecord], error)
	GetSectorData(ctx context.Context, boards []string) (map[string]domain.Result[domain.PriceRecord], error)
	GetCacheStats(ctx context.Context) (*services.CacheStats, error)
	ClearCache(ctx context.Context) error
	IsReadOnly() bool
}

// DatabaseStats reports the size of the Durable Tier database
type DatabaseStats interface {
	GetStats() (*database.Stats, error)
}

// MarketClock reports trading-session status per market
type MarketClock interface {
	GetMarketStatus(market domain.Market, t time.Time) (*market_hours.MarketStatus, error)
}

// Config holds server configuration
type Config struct {
	Log     zerolog.Logger
	Port    int
	DevMode bool
	Service MarketData
	DB      DatabaseStats // Optional
	Markets MarketClock   // Optional
}

// Server represents the HTTP server
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	port           int
	service        MarketData
	systemHandlers *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	log := cfg.Log.With().Str("component", "server").Logger()

	s := &Server{
		router:         chi.NewRouter(),
		log:            log,
		port:           cfg.Port,
		service:        cfg.Service,
		systemHandlers: NewSystemHandlers(log, cfg.Service, cfg.DB, cfg.Markets),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(50 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/system/status", s.systemHandlers.HandleSystemStatus)

		r.Get("/prices", s.handlePrices)
		r.Get("/trend", s.handleTrend)
		r.Get("/indices", s.handleIndices)
		r.Get("/valuations", s.handleValuations)
		r.Get("/etf-nav", s.handleETFNAV)
		r.Get("/sectors", s.handleSectors)

		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache", s.handleClearCache)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
