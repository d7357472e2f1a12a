package clientdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCheckpointer struct {
	calls int
	err   error
}

func (f *fakeCheckpointer) WALCheckpoint(string) error {
	f.calls++
	return f.err
}

func TestNewCleanupJob(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	job := NewCleanupJob(NewRepository(db), nil, 0, zerolog.Nop())

	assert.NotNil(t, job)
	assert.Equal(t, DefaultRetention, job.retention)
}

func TestCleanupJobName(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	job := NewCleanupJob(NewRepository(db), nil, time.Hour, zerolog.Nop())

	assert.Equal(t, "market_data_cleanup", job.Name())
}

func TestCleanupJobRun(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()
	checkpointer := &fakeCheckpointer{}

	job := NewCleanupJob(repo, checkpointer, 30*24*time.Hour, zerolog.Nop())
	job.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, repo.Put(ctx, entry("600519", "realtime_price", "2024-01-10", time.Now(), true)))
	require.NoError(t, repo.Put(ctx, entry("600519", "realtime_price", "2024-02-28", time.Now(), true)))
	require.NoError(t, repo.Put(ctx, entry("0700.HK", "ohlc_series:30", "2023-12-29", time.Now(), true)))

	require.NoError(t, job.Run())

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 1, checkpointer.calls)

	// Nothing left to delete, no checkpoint
	require.NoError(t, job.Run())
	assert.Equal(t, 1, checkpointer.calls)
}

func TestCleanupJobRun_CheckpointFailureIsNotFatal(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	job := NewCleanupJob(repo, &fakeCheckpointer{err: errors.New("busy")}, time.Hour, zerolog.Nop())

	require.NoError(t, repo.Put(context.Background(), entry("600519", "realtime_price", "2020-01-01", time.Now(), true)))
	assert.NoError(t, job.Run())
}

func TestCleanupJobRun_EmptyTable(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	job := NewCleanupJob(NewRepository(db), nil, time.Hour, zerolog.Nop())
	assert.NoError(t, job.Run())
}
