package clientdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/aristath/marketfeed/internal/database"
	"github.com/aristath/marketfeed/internal/domain"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)

	// A single connection keeps the in-memory database shared across queries
	db.SetMaxOpenConns(1)

	_, err = db.Exec(database.CacheSchema)
	require.NoError(t, err)

	return db
}

func entry(symbol, kind, date string, captured time.Time, complete bool) domain.CacheEntry {
	return domain.CacheEntry{
		Symbol:     symbol,
		Kind:       kind,
		Market:     domain.MarketCN,
		Payload:    json.RawMessage(`{"symbol":"` + symbol + `","price":10.5,"prev_close":10.1}`),
		CapturedAt: captured,
		MarketDate: date,
		IsComplete: complete,
		Source:     "tencent",
	}
}

func TestNewRepository(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	assert.NotNil(t, repo)
}

func TestPutGet_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()
	captured := time.Date(2024, 1, 16, 2, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Put(ctx, entry("600519", "realtime_price", "2024-01-16", captured, true)))

	got, err := repo.Get(ctx, "600519", "realtime_price", "2024-01-16")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.JSONEq(t, `{"symbol":"600519","price":10.5,"prev_close":10.1}`, string(got.Payload))
	assert.True(t, got.CapturedAt.Equal(captured))
	assert.Equal(t, domain.MarketCN, got.Market)
	assert.True(t, got.IsComplete)
	assert.Equal(t, "tencent", got.Source)
}

func TestGet_Missing(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	got, err := repo.Get(context.Background(), "600519", "realtime_price", "2024-01-16")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPut_OneRowPerKey(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()
	captured := time.Date(2024, 1, 16, 2, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Put(ctx, entry("600519", "realtime_price", "2024-01-16", captured, false)))
	require.NoError(t, repo.Put(ctx, entry("600519", "realtime_price", "2024-01-16", captured.Add(time.Minute), true)))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := repo.Get(ctx, "600519", "realtime_price", "2024-01-16")
	require.NoError(t, err)
	assert.True(t, got.IsComplete)
	assert.True(t, got.CapturedAt.Equal(captured.Add(time.Minute)))
}

func TestPut_IncompleteEntryIsRetrievable(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, entry("600519", "pe_ratio", "2024-01-16", time.Now(), false)))

	got, err := repo.Get(ctx, "600519", "pe_ratio", "2024-01-16")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsComplete)
}

func TestPut_RejectsIncompleteKey(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	err := repo.Put(context.Background(), entry("600519", "realtime_price", "", time.Now(), true))
	assert.Error(t, err)

	noPayload := entry("600519", "realtime_price", "2024-01-16", time.Now(), true)
	noPayload.Payload = nil
	assert.Error(t, repo.Put(context.Background(), noPayload))
}

func TestGetLatestBefore(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()
	base := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Put(ctx, entry("600519", "realtime_price", "2024-01-10", base, true)))
	require.NoError(t, repo.Put(ctx, entry("600519", "realtime_price", "2024-01-12", base.Add(48*time.Hour), true)))
	require.NoError(t, repo.Put(ctx, entry("600519", "realtime_price", "2024-01-16", base.Add(144*time.Hour), true)))
	require.NoError(t, repo.Put(ctx, entry("600519", "ohlc_series:30", "2024-01-15", base, true)))

	got, err := repo.GetLatestBefore(ctx, "600519", "realtime_price", "2024-01-16")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2024-01-12", got.MarketDate)

	got, err = repo.GetLatestBefore(ctx, "600519", "realtime_price", "2024-01-17")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-16", got.MarketDate)

	got, err = repo.GetLatestBefore(ctx, "600519", "realtime_price", "2024-01-10")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteOlderThan(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Put(ctx, entry("600519", "realtime_price", "2023-01-02", now, true)))
	require.NoError(t, repo.Put(ctx, entry("600519", "realtime_price", "2024-01-16", now, true)))
	require.NoError(t, repo.Put(ctx, entry("000001", "realtime_price", "2023-06-01", now, true)))

	deleted, err := repo.DeleteOlderThan(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestClear(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, entry("600519", "realtime_price", "2024-01-16", time.Now(), true)))
	require.NoError(t, repo.Clear(ctx))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
