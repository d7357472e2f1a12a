package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// Timer is a simple performance timer for measuring operation duration
type Timer struct {
	start    time.Time
	name     string
	log      zerolog.Logger
	slow     time.Duration
	verySlow time.Duration
	now      func() time.Time
}

// NewTimer creates a new timer with the given name. Runs longer than 10s are logged at
// info level and runs longer than 30s at warn level.
func NewTimer(name string, log zerolog.Logger) *Timer {
	return &Timer{
		start:    time.Now(),
		name:     name,
		log:      log,
		slow:     10 * time.Second,
		verySlow: 30 * time.Second,
		now:      time.Now,
	}
}

// Stop stops the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	duration := t.now().Sub(t.start)

	t.log.Debug().
		Str("operation", t.name).
		Dur("duration_ms", duration).
		Msg("Performance measurement")

	switch {
	case duration > t.verySlow:
		t.log.Warn().
			Str("operation", t.name).
			Dur("duration", duration).
			Msg("Slow operation detected")
	case duration > t.slow:
		t.log.Info().
			Str("operation", t.name).
			Dur("duration", duration).
			Msg("Operation took longer than expected")
	}

	return duration
}
