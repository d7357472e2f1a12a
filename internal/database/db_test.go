package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CreatesDirectoryAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")

	db, err := New(Config{Path: path, Profile: ProfileCache, Name: "cache"})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "cache", db.Name())
	assert.Equal(t, path, db.Path())

	require.NoError(t, db.Migrate())
	// Migrating twice is harmless
	require.NoError(t, db.Migrate())

	var count int
	err = db.Conn().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='market_data'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.PageSize, int64(0))

	require.NoError(t, db.WALCheckpoint(""))
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "other.db"), Name: "other"})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())
}

func TestBuildConnectionString(t *testing.T) {
	connStr := buildConnectionString("/tmp/x.db", ProfileCache)
	assert.Contains(t, connStr, "journal_mode(WAL)")
	assert.Contains(t, connStr, "synchronous(OFF)")

	connStr = buildConnectionString("/tmp/x.db", ProfileStandard)
	assert.Contains(t, connStr, "synchronous(NORMAL)")
}

func TestCacheSchemaEmbedded(t *testing.T) {
	assert.Contains(t, CacheSchema, "CREATE TABLE IF NOT EXISTS market_data")
}
