package clientdata

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRetention is how long durable entries are kept when no retention is configured
const DefaultRetention = 30 * 24 * time.Hour

// Checkpointer truncates the write-ahead log after large deletes
type Checkpointer interface {
	WALCheckpoint(mode string) error
}

// CleanupJob removes durable entries older than the retention window.
// It should be scheduled to run daily.
type CleanupJob struct {
	repo      *Repository
	db        Checkpointer
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewCleanupJob creates a new durable tier cleanup job. db may be nil.
func NewCleanupJob(repo *Repository, db Checkpointer, retention time.Duration, log zerolog.Logger) *CleanupJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &CleanupJob{
		repo:      repo,
		db:        db,
		retention: retention,
		now:       time.Now,
		log:       log.With().Str("job", "market_data_cleanup").Logger(),
	}
}

// Run deletes every entry whose market date falls outside the retention window.
func (j *CleanupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	deleted, err := j.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to delete expired market data")
		return err
	}

	if deleted == 0 {
		return nil
	}

	j.log.Info().
		Int64("deleted", deleted).
		Str("cutoff", cutoff.Format("2006-01-02")).
		Msg("Market data cleanup completed")

	if j.db != nil {
		if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Msg("WAL checkpoint after cleanup failed")
		}
	}
	return nil
}

// Name returns the job name for scheduling and logging.
func (j *CleanupJob) Name() string {
	return "market_data_cleanup"
}
