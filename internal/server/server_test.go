package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketfeed/internal/database"
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/market_hours"
	"github.com/aristath/marketfeed/internal/services"
)

type fakeMarketData struct {
	readOnly bool
	err      error
	cleared  int

	gotSymbols []string
	gotForce   bool
	gotWindow  int
	gotAsOf    time.Time
}

func priceResults(symbols []string) map[string]domain.Result[domain.PriceRecord] {
	out := make(map[string]domain.Result[domain.PriceRecord], len(symbols))
	for _, sym := range symbols {
		if sym == "BAD" {
			out[sym] = domain.Result[domain.PriceRecord]{Origin: domain.OriginNone, Err: domain.ErrUnrecognizedSymbol, Error: "unrecognized symbol"}
			continue
		}
		out[sym] = domain.Result[domain.PriceRecord]{
			Value:  &domain.PriceRecord{Symbol: sym, Price: 10, PrevClose: 9.5, Source: "tencent"},
			Origin: domain.OriginProvider,
			Source: "tencent",
		}
	}
	return out
}

func (f *fakeMarketData) GetRealtimePrices(ctx context.Context, symbols []string, forceRefresh bool) (map[string]domain.Result[domain.PriceRecord], error) {
	f.gotSymbols, f.gotForce = symbols, forceRefresh
	if f.err != nil {
		return nil, f.err
	}
	return priceResults(symbols), nil
}

func (f *fakeMarketData) GetTrendData(ctx context.Context, symbols []string, window int) (map[string]domain.Result[domain.OHLCSeries], error) {
	f.gotSymbols, f.gotWindow = symbols, window
	out := make(map[string]domain.Result[domain.OHLCSeries])
	for _, sym := range symbols {
		out[sym] = domain.Result[domain.OHLCSeries]{
			Value:  &domain.OHLCSeries{Symbol: sym, Window: window},
			Origin: domain.OriginFastTier,
		}
	}
	return out, f.err
}

func (f *fakeMarketData) GetIndicesData(ctx context.Context, asOf time.Time) (map[string]domain.Result[domain.PriceRecord], error) {
	f.gotAsOf = asOf
	return priceResults([]string{"SH000001", "HSI"}), f.err
}

func (f *fakeMarketData) GetValuations(ctx context.Context, symbols []string) (map[string]domain.Result[domain.ValuationRecord], error) {
	f.gotSymbols = symbols
	return map[string]domain.Result[domain.ValuationRecord]{}, f.err
}

func (f *fakeMarketData) GetETFNAV(ctx context.Context, symbols []string) (map[string]domain.Result[domain.NAVRecord], error) {
	f.gotSymbols = symbols
	return map[string]domain.Result[domain.NAVRecord]{}, f.err
}

func (f *fakeMarketData) GetSectorData(ctx context.Context, boards []string) (map[string]domain.Result[domain.PriceRecord], error) {
	f.gotSymbols = boards
	return priceResults(boards), f.err
}

func (f *fakeMarketData) GetCacheStats(ctx context.Context) (*services.CacheStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.CacheStats{
		Lookups:         4,
		HitRate:         0.5,
		FastTierEntries: 3,
		Providers: []services.ProviderStats{
			{Name: "eastmoney", Breaker: "open"},
			{Name: "tencent", Breaker: "closed"},
		},
		ReadOnly: f.readOnly,
	}, nil
}

func (f *fakeMarketData) ClearCache(ctx context.Context) error {
	f.cleared++
	return f.err
}

func (f *fakeMarketData) IsReadOnly() bool { return f.readOnly }

type fakeDBStats struct{}

func (fakeDBStats) GetStats() (*database.Stats, error) {
	return &database.Stats{SizeBytes: 2 * 1024 * 1024, PageCount: 512, PageSize: 4096}, nil
}

type fakeMarketClock struct{}

func (fakeMarketClock) GetMarketStatus(market domain.Market, t time.Time) (*market_hours.MarketStatus, error) {
	if market == domain.MarketUS {
		return nil, errors.New("calendar unavailable")
	}
	return &market_hours.MarketStatus{Open: market == domain.MarketCN, Market: string(market), MarketDate: "2026-03-10"}, nil
}

func newTestServer(svc *fakeMarketData) *Server {
	s := New(Config{Log: zerolog.Nop(), Port: 0, DevMode: true, Service: svc, DB: fakeDBStats{}})
	s.systemHandlers.systemStats = func() (float64, float64) { return 12.5, 40 }
	return s
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&fakeMarketData{readOnly: true})

	rec := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["read_only"])
}

func TestHandlePrices(t *testing.T) {
	svc := &fakeMarketData{}
	s := newTestServer(svc)

	rec := do(t, s, http.MethodGet, "/api/prices?symbols=600519,%20BAD,,00700&force=true")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"600519", "BAD", "00700"}, svc.gotSymbols)
	assert.True(t, svc.gotForce)

	var body BatchResponse[domain.PriceRecord]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)
	assert.Equal(t, 1, body.Failed)
	assert.Equal(t, 10.0, body.Results["600519"].Value.Price)
	assert.Equal(t, domain.OriginProvider, body.Results["600519"].Origin)
	assert.Equal(t, "unrecognized symbol", body.Results["BAD"].Error)
}

func TestHandlePrices_SymbolValidation(t *testing.T) {
	s := newTestServer(&fakeMarketData{})

	rec := do(t, s, http.MethodGet, "/api/prices")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/prices?symbols=%20,%20")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	many := strings.Repeat("600519,", maxSymbolsPerRequest+1)
	rec = do(t, s, http.MethodGet, "/api/prices?symbols="+many)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTrend_Window(t *testing.T) {
	svc := &fakeMarketData{}
	s := newTestServer(svc)

	rec := do(t, s, http.MethodGet, "/api/trend?symbols=600519&window=60")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 60, svc.gotWindow)

	rec = do(t, s, http.MethodGet, "/api/trend?symbols=600519")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, svc.gotWindow)

	for _, bad := range []string{"abc", "0", "-5", "5000"} {
		rec = do(t, s, http.MethodGet, "/api/trend?symbols=600519&window="+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "window=%s", bad)
	}
}

func TestHandleIndices_Date(t *testing.T) {
	svc := &fakeMarketData{}
	s := newTestServer(svc)

	rec := do(t, s, http.MethodGet, "/api/indices")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.gotAsOf.IsZero())

	rec = do(t, s, http.MethodGet, "/api/indices?date=2026-03-06")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), svc.gotAsOf)

	var body BatchResponse[domain.PriceRecord]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	rec = do(t, s, http.MethodGet, "/api/indices?date=06/03/2026")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchEndpoints_PassSymbols(t *testing.T) {
	for _, path := range []string{"/api/valuations", "/api/etf-nav", "/api/sectors"} {
		t.Run(path, func(t *testing.T) {
			svc := &fakeMarketData{}
			s := newTestServer(svc)

			rec := do(t, s, http.MethodGet, path+"?symbols=510300,BK0475")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, []string{"510300", "BK0475"}, svc.gotSymbols)
		})
	}
}

func TestServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unsupported", domain.ErrUnsupported, http.StatusBadRequest},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeMarketData{err: tt.err})

			rec := do(t, s, http.MethodGet, "/api/prices?symbols=600519")
			assert.Equal(t, tt.status, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHandleCacheStats(t *testing.T) {
	s := newTestServer(&fakeMarketData{})

	rec := do(t, s, http.MethodGet, "/api/cache/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats services.CacheStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(4), stats.Lookups)
	assert.Len(t, stats.Providers, 2)
}

func TestHandleClearCache(t *testing.T) {
	svc := &fakeMarketData{}
	s := newTestServer(svc)

	rec := do(t, s, http.MethodDelete, "/api/cache")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, svc.cleared)

	rec = do(t, s, http.MethodGet, "/api/cache")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleClearCache_ReadOnly(t *testing.T) {
	svc := &fakeMarketData{readOnly: true}
	s := newTestServer(svc)

	rec := do(t, s, http.MethodDelete, "/api/cache")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, svc.cleared)
}

func TestHandleSystemStatus(t *testing.T) {
	s := newTestServer(&fakeMarketData{})

	rec := do(t, s, http.MethodGet, "/api/system/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body SystemStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 12.5, body.CPUPercent)
	assert.Equal(t, 40.0, body.MemoryPercent)
	assert.Positive(t, body.Goroutines)
	assert.NotEmpty(t, body.GoVersion)

	require.NotNil(t, body.Database)
	assert.Equal(t, 2.0, body.Database.SizeMB)
	assert.Equal(t, int64(512), body.Database.PageCount)

	require.NotNil(t, body.Cache)
	assert.Equal(t, 0.5, body.Cache.HitRate)
	assert.Equal(t, 3, body.Cache.FastTierEntries)
	assert.Equal(t, 1, body.Cache.OpenBreakers)
}

func TestHandleSystemStatus_DegradedWhenStatsFail(t *testing.T) {
	s := New(Config{Log: zerolog.Nop(), DevMode: true, Service: &fakeMarketData{err: errors.New("db locked")}})
	s.systemHandlers.systemStats = func() (float64, float64) { return 0, 0 }

	rec := do(t, s, http.MethodGet, "/api/system/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body SystemStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Nil(t, body.Database)
	assert.Nil(t, body.Cache)
}

func TestHandleSystemStatus_Markets(t *testing.T) {
	s := New(Config{Log: zerolog.Nop(), DevMode: true, Service: &fakeMarketData{}, Markets: fakeMarketClock{}})
	s.systemHandlers.systemStats = func() (float64, float64) { return 0, 0 }

	rec := do(t, s, http.MethodGet, "/api/system/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body SystemStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)

	// A market whose status fails is left out without degrading the report
	require.Len(t, body.Markets, 2)
	open := map[string]bool{}
	for _, m := range body.Markets {
		open[m.Market] = m.Open
	}
	assert.Equal(t, map[string]bool{string(domain.MarketCN): true, string(domain.MarketHK): false}, open)
}

func TestHandleSystemStatus_NoMarketsWithoutClock(t *testing.T) {
	s := newTestServer(&fakeMarketData{})

	rec := do(t, s, http.MethodGet, "/api/system/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"markets"`)
}
