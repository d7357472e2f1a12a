package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/market_hours"
)

// SystemHandlers handles process and storage monitoring endpoints
type SystemHandlers struct {
	log         zerolog.Logger
	service     MarketData
	db          DatabaseStats
	markets     MarketClock
	startupTime time.Time

	// Overridable in tests
	systemStats func() (float64, float64)
}

// NewSystemHandlers creates a new system handlers instance. db and markets may be nil.
func NewSystemHandlers(log zerolog.Logger, service MarketData, db DatabaseStats, markets MarketClock) *SystemHandlers {
	h := &SystemHandlers{
		log:         log.With().Str("handler", "system").Logger(),
		service:     service,
		db:          db,
		markets:     markets,
		startupTime: time.Now(),
	}
	h.systemStats = h.getSystemStats
	return h
}

// SystemStatusResponse is returned by GET /api/system/status
type SystemStatusResponse struct {
	Status        string                       `json:"status"`
	UptimeSeconds int64                        `json:"uptime_seconds"`
	CPUPercent    float64                      `json:"cpu_percent"`
	MemoryPercent float64                      `json:"memory_percent"`
	Goroutines    int                          `json:"goroutines"`
	GoVersion     string                       `json:"go_version"`
	ReadOnly      bool                         `json:"read_only"`
	Database      *DatabaseStatus              `json:"database,omitempty"`
	Cache         *CacheStatusDigest           `json:"cache,omitempty"`
	Markets       []*market_hours.MarketStatus `json:"markets,omitempty"`
}

// DatabaseStatus reports the size of the Durable Tier database in MB
type DatabaseStatus struct {
	SizeMB    float64 `json:"size_mb"`
	WALSizeMB float64 `json:"wal_size_mb"`
	PageCount int64   `json:"page_count"`
}

// CacheStatusDigest is the short form of the cache statistics
type CacheStatusDigest struct {
	HitRate            float64 `json:"hit_rate"`
	FastTierEntries    int     `json:"fast_tier_entries"`
	DurableTierEntries int64   `json:"durable_tier_entries"`
	OpenBreakers       int     `json:"open_breakers"`
}

// HandleSystemStatus reports process health
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.systemStats()

	response := SystemStatusResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startupTime).Seconds()),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		Goroutines:    runtime.NumGoroutine(),
		GoVersion:     runtime.Version(),
		ReadOnly:      h.service.IsReadOnly(),
	}

	if h.db != nil {
		stats, err := h.db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to get database stats")
			response.Status = "degraded"
		} else {
			response.Database = &DatabaseStatus{
				SizeMB:    float64(stats.SizeBytes) / 1024 / 1024,
				WALSizeMB: float64(stats.WALSizeBytes) / 1024 / 1024,
				PageCount: stats.PageCount,
			}
		}
	}

	cacheStats, err := h.service.GetCacheStats(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get cache stats")
		response.Status = "degraded"
	} else {
		digest := &CacheStatusDigest{
			HitRate:            cacheStats.HitRate,
			FastTierEntries:    cacheStats.FastTierEntries,
			DurableTierEntries: cacheStats.DurableTierEntries,
		}
		for _, p := range cacheStats.Providers {
			if p.Breaker == "open" {
				digest.OpenBreakers++
			}
		}
		response.Cache = digest
	}

	if h.markets != nil {
		now := time.Now()
		for _, market := range domain.AllMarkets {
			status, err := h.markets.GetMarketStatus(market, now)
			if err != nil {
				h.log.Warn().Err(err).Str("market", string(market)).Msg("Failed to get market status")
				continue
			}
			response.Markets = append(response.Markets, status)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode system status")
	}
}

// getSystemStats calculates CPU and RAM usage percentages over a short sample
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
