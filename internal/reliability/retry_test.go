package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackoff(t *testing.T) {
	b, err := ParseBackoff("")
	require.NoError(t, err)
	assert.Equal(t, BackoffFixed, b)

	b, err = ParseBackoff(" Exponential ")
	require.NoError(t, err)
	assert.Equal(t, BackoffExponential, b)

	_, err = ParseBackoff("linear")
	assert.Error(t, err)
}

func TestDelayFor(t *testing.T) {
	fixed := RetryPolicy{Attempts: 3, Delay: 100 * time.Millisecond, Backoff: BackoffFixed}
	assert.Equal(t, 100*time.Millisecond, fixed.DelayFor(1))
	assert.Equal(t, 100*time.Millisecond, fixed.DelayFor(5))

	exp := RetryPolicy{Attempts: 5, Delay: 100 * time.Millisecond, Backoff: BackoffExponential, MaxDelay: 500 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, exp.DelayFor(1))
	assert.Equal(t, 200*time.Millisecond, exp.DelayFor(2))
	assert.Equal(t, 400*time.Millisecond, exp.DelayFor(3))
	assert.Equal(t, 500*time.Millisecond, exp.DelayFor(4))
	assert.Equal(t, 500*time.Millisecond, exp.DelayFor(40))
}

func TestBudget(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Delay: 100 * time.Millisecond, Backoff: BackoffFixed}
	assert.Equal(t, 200*time.Millisecond, p.Budget())
}

func TestDo_RetriesRetryableErrors(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Delay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return domain.NewRetryableError("p", errors.New("timeout"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnTerminalError(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Delay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return domain.NewTerminalError("p", errors.New("bad request"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, domain.IsRetryable(err))
}

func TestDo_StopsOnBreakerOpen(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Delay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return domain.ErrBreakerOpen
	})

	assert.ErrorIs(t, err, domain.ErrBreakerOpen)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Delay: time.Millisecond}
	wantErr := domain.NewRetryableError("p", errors.New("503"))

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return wantErr
	})

	assert.Same(t, wantErr, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelledBetweenAttempts(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return domain.NewRetryableError("p", errors.New("timeout"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
