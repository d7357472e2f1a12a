package reliability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
)

// Backoff selects the delay curve between attempts
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff accepts "fixed" or "exponential" (case-insensitive)
func ParseBackoff(s string) (Backoff, error) {
	switch Backoff(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackoffFixed:
		return BackoffFixed, nil
	case BackoffExponential:
		return BackoffExponential, nil
	}
	return "", fmt.Errorf("unknown backoff %q", s)
}

// RetryPolicy bounds the attempts made against one provider for one call
type RetryPolicy struct {
	Attempts int           // Total attempts including the first
	Delay    time.Duration // Delay before the first retry
	Backoff  Backoff
	MaxDelay time.Duration // Cap for exponential backoff
}

// DefaultRetryPolicy is three attempts with a fixed half-second delay
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Delay:    500 * time.Millisecond,
		Backoff:  BackoffFixed,
		MaxDelay: 5 * time.Second,
	}
}

// DelayFor returns the wait before retry number n (1-based).
// Exponential backoff doubles per retry and is capped at MaxDelay.
func (p RetryPolicy) DelayFor(n int) time.Duration {
	if n < 1 || p.Delay <= 0 {
		return p.Delay
	}
	if p.Backoff != BackoffExponential {
		return p.Delay
	}

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	if n > 30 {
		return maxDelay
	}

	delay := p.Delay * time.Duration(1<<(n-1))
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}

// Budget is the longest Do can spend waiting between attempts
func (p RetryPolicy) Budget() time.Duration {
	var total time.Duration
	for n := 1; n < p.Attempts; n++ {
		total += p.DelayFor(n)
	}
	return total
}

// Do runs op until it succeeds, returns a non-retryable error, or attempts run out.
// op receives the 1-based attempt number. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx, attempt); err == nil {
			return nil
		}
		if !domain.IsRetryable(err) || attempt == attempts {
			return err
		}

		timer := time.NewTimer(p.DelayFor(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
