package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/classifier"
	"github.com/rs/zerolog"
)

// IndexWarmer is the part of the market data service the warm-up job drives
type IndexWarmer interface {
	GetIndicesData(ctx context.Context, asOf time.Time) (map[string]domain.Result[domain.PriceRecord], error)
	IndexSymbols() []string
	IsReadOnly() bool
}

// MarketClock reports whether a market is trading
type MarketClock interface {
	IsMarketOpen(market domain.Market, t time.Time) bool
}

// IndexWarmupJob keeps the live index levels in the cache while any index market trades
type IndexWarmupJob struct {
	warmer  IndexWarmer
	clock   MarketClock
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewIndexWarmupJob creates the warm-up job. timeout bounds one run.
func NewIndexWarmupJob(warmer IndexWarmer, clock MarketClock, timeout time.Duration, log zerolog.Logger) *IndexWarmupJob {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &IndexWarmupJob{
		warmer:  warmer,
		clock:   clock,
		timeout: timeout,
		now:     time.Now,
		log:     log.With().Str("job", "index_warmup").Logger(),
	}
}

// Name returns the job name
func (j *IndexWarmupJob) Name() string {
	return "index_warmup"
}

// Run refreshes the index levels. It does nothing in read-only mode or while every index
// market is closed.
func (j *IndexWarmupJob) Run() error {
	if j.warmer.IsReadOnly() {
		return nil
	}

	now := j.now()
	open := j.openMarkets(now)
	if len(open) == 0 {
		j.log.Debug().Msg("No index market open, skipping warm-up")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	results, err := j.warmer.GetIndicesData(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("index warm-up failed: %w", err)
	}

	failed := 0
	for sym, res := range results {
		if !res.OK() {
			failed++
			j.log.Warn().Str("symbol", sym).Str("error", res.Error).Msg("Index level unavailable")
		}
	}

	j.log.Debug().
		Int("indices", len(results)).
		Int("failed", failed).
		Strs("open_markets", open).
		Msg("Index warm-up completed")
	return nil
}

// openMarkets lists the markets of the configured indices that are trading at now
func (j *IndexWarmupJob) openMarkets(now time.Time) []string {
	seen := make(map[domain.Market]bool)
	var open []string
	for _, sym := range j.warmer.IndexSymbols() {
		inst, err := classifier.Classify(sym)
		if err != nil || seen[inst.Market] {
			continue
		}
		seen[inst.Market] = true
		if j.clock.IsMarketOpen(inst.Market, now) {
			open = append(open, string(inst.Market))
		}
	}
	return open
}
