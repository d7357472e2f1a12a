package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWarmer struct {
	readOnly bool
	symbols  []string
	results  map[string]domain.Result[domain.PriceRecord]
	err      error
	calls    []time.Time
}

func (f *fakeWarmer) GetIndicesData(_ context.Context, asOf time.Time) (map[string]domain.Result[domain.PriceRecord], error) {
	f.calls = append(f.calls, asOf)
	return f.results, f.err
}

func (f *fakeWarmer) IndexSymbols() []string { return f.symbols }
func (f *fakeWarmer) IsReadOnly() bool       { return f.readOnly }

type fakeMarketClock map[domain.Market]bool

func (c fakeMarketClock) IsMarketOpen(market domain.Market, _ time.Time) bool {
	return c[market]
}

func TestIndexWarmupJob_Name(t *testing.T) {
	job := NewIndexWarmupJob(&fakeWarmer{}, fakeMarketClock{}, 0, zerolog.Nop())
	assert.Equal(t, "index_warmup", job.Name())
	assert.Equal(t, time.Minute, job.timeout)
}

func TestIndexWarmupJob_WarmsWhenAMarketIsOpen(t *testing.T) {
	warmer := &fakeWarmer{
		symbols: []string{"SH000001", "HSI", "^GSPC"},
		results: map[string]domain.Result[domain.PriceRecord]{
			"SH000001": {Value: &domain.PriceRecord{Price: 3050}, Origin: domain.OriginProvider},
			"HSI":      {Err: errors.New("no data"), Error: "no data", Origin: domain.OriginNone},
		},
	}
	job := NewIndexWarmupJob(warmer, fakeMarketClock{domain.MarketHK: true}, time.Second, zerolog.Nop())

	require.NoError(t, job.Run())
	require.Len(t, warmer.calls, 1)
	assert.True(t, warmer.calls[0].IsZero(), "warm-up asks for live levels")
}

func TestIndexWarmupJob_SkipsWhenAllMarketsClosed(t *testing.T) {
	warmer := &fakeWarmer{symbols: []string{"SH000001", "HSI"}}
	job := NewIndexWarmupJob(warmer, fakeMarketClock{domain.MarketUS: true}, time.Second, zerolog.Nop())

	require.NoError(t, job.Run())
	assert.Empty(t, warmer.calls)
}

func TestIndexWarmupJob_SkipsInReadOnlyMode(t *testing.T) {
	warmer := &fakeWarmer{readOnly: true, symbols: []string{"SH000001"}}
	job := NewIndexWarmupJob(warmer, fakeMarketClock{domain.MarketCN: true}, time.Second, zerolog.Nop())

	require.NoError(t, job.Run())
	assert.Empty(t, warmer.calls)
}

func TestIndexWarmupJob_PropagatesServiceError(t *testing.T) {
	warmer := &fakeWarmer{symbols: []string{"SH000001"}, err: context.DeadlineExceeded}
	job := NewIndexWarmupJob(warmer, fakeMarketClock{domain.MarketCN: true}, time.Second, zerolog.Nop())

	err := job.Run()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenMarkets_IgnoresUnknownSymbols(t *testing.T) {
	warmer := &fakeWarmer{symbols: []string{"!!", "SH000001", "SZ399001"}}
	job := NewIndexWarmupJob(warmer, fakeMarketClock{domain.MarketCN: true}, time.Second, zerolog.Nop())

	assert.Equal(t, []string{"CN"}, job.openMarkets(time.Now()))
}
