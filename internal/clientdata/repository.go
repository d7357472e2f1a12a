// Package clientdata is the Durable Tier: provider responses persisted as JSON blobs keyed by
// (symbol, kind, market date), with a completeness flag. It is the system of record for
// "did we already succeed today" and outlives process restarts.
package clientdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
)

const selectColumns = "symbol, kind, market_date, market, data, captured_at, is_complete, source"

// Repository provides Durable Tier operations over the market_data table.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new durable tier repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Put stores entry, replacing any row with the same (symbol, kind, market_date).
func (r *Repository) Put(ctx context.Context, entry domain.CacheEntry) error {
	if entry.Symbol == "" || entry.Kind == "" || entry.MarketDate == "" {
		return fmt.Errorf("entry key is incomplete: symbol=%q kind=%q date=%q", entry.Symbol, entry.Kind, entry.MarketDate)
	}
	if len(entry.Payload) == 0 {
		return fmt.Errorf("entry %s/%s has no payload", entry.Symbol, entry.Kind)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO market_data (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Symbol,
		entry.Kind,
		entry.MarketDate,
		string(entry.Market),
		string(entry.Payload),
		entry.CapturedAt.UnixMilli(),
		entry.IsComplete,
		entry.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to store %s/%s/%s: %w", entry.Symbol, entry.Kind, entry.MarketDate, err)
	}
	return nil
}

// Get returns the entry for exactly (symbol, kind, date), complete or not.
// Returns nil, nil if there is none.
func (r *Repository) Get(ctx context.Context, symbol, kind, date string) (*domain.CacheEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM market_data WHERE symbol = ? AND kind = ? AND market_date = ?`,
		symbol, kind, date,
	)
	entry, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s/%s: %w", symbol, kind, date, err)
	}
	return entry, nil
}

// GetLatestBefore returns the most recent entry for (symbol, kind) whose market date is
// strictly before date. Used as the degraded fallback. Returns nil, nil if there is none.
func (r *Repository) GetLatestBefore(ctx context.Context, symbol, kind, date string) (*domain.CacheEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM market_data
		 WHERE symbol = ? AND kind = ? AND market_date < ?
		 ORDER BY market_date DESC, captured_at DESC
		 LIMIT 1`,
		symbol, kind, date,
	)
	entry, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest %s/%s before %s: %w", symbol, kind, date, err)
	}
	return entry, nil
}

// DeleteOlderThan removes every row whose market date is before cutoff.
// Returns the number of rows deleted.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM market_data WHERE market_date < ?",
		cutoff.Format(domain.MarketDateLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries older than %s: %w", cutoff.Format(domain.MarketDateLayout), err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// Clear removes every row.
func (r *Repository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM market_data"); err != nil {
		return fmt.Errorf("failed to clear market data: %w", err)
	}
	return nil
}

// Count returns the number of stored rows.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM market_data").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count market data: %w", err)
	}
	return count, nil
}

func scanEntry(row *sql.Row) (*domain.CacheEntry, error) {
	var (
		entry      domain.CacheEntry
		market     string
		data       string
		capturedAt int64
	)

	err := row.Scan(&entry.Symbol, &entry.Kind, &entry.MarketDate, &market, &data, &capturedAt, &entry.IsComplete, &entry.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry.Market = domain.Market(market)
	entry.Payload = []byte(data)
	entry.CapturedAt = time.UnixMilli(capturedAt).UTC()
	return &entry, nil
}
