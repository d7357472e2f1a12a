package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrGateBusy is returned when no call slot frees up within the gate's wait budget
	ErrGateBusy = errors.New("no call slot available")

	// ErrCallTimeout is returned when a call outlives its deadline
	ErrCallTimeout = errors.New("call timed out")
)

// CallGate bounds the calls made to one provider: at most maxConcurrency in flight, and
// starts spaced at least minInterval apart.
type CallGate struct {
	sem      *semaphore.Weighted
	interval time.Duration
	maxWait  time.Duration // 0 waits as long as ctx allows

	mu   sync.Mutex
	next time.Time // earliest start of the next call
}

// NewCallGate creates a gate. maxConcurrency below 1 serialises calls.
func NewCallGate(maxConcurrency int, minInterval time.Duration) *CallGate {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &CallGate{
		sem:      semaphore.NewWeighted(int64(maxConcurrency)),
		interval: minInterval,
	}
}

// WithMaxWait caps how long a caller queues for a free slot. The spacing between call
// starts is not counted against it.
func (g *CallGate) WithMaxWait(d time.Duration) *CallGate {
	g.maxWait = d
	return g
}

// Do waits for a slot and runs fn. It returns ctx.Err() if ctx ends while waiting.
func (g *CallGate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.sem.Release(1)

	return fn(ctx)
}

// Call is Do with a deadline on fn. started is false when fn never ran.
//
// When the deadline passes before fn returns, Call returns ErrCallTimeout at once. fn keeps
// its slot until it actually returns, and its result is dropped.
func (g *CallGate) Call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) (started bool, err error) {
	if timeout <= 0 {
		if err := g.acquire(ctx); err != nil {
			return false, err
		}
		defer g.sem.Release(1)
		return true, fn(ctx)
	}

	if err := g.acquire(ctx); err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan error, 1)
	go func() {
		defer g.sem.Release(1)
		defer cancel()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrCallTimeout, timeout, err)
		}
		return true, err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return true, fmt.Errorf("%w after %s: %w", ErrCallTimeout, timeout, callCtx.Err())
	}
}

// acquire takes a slot and waits out the start spacing
func (g *CallGate) acquire(ctx context.Context) error {
	waitCtx := ctx
	if g.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.maxWait)
		defer cancel()
	}

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w within %s", ErrGateBusy, g.maxWait)
	}

	if wait := g.reserve(); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			g.sem.Release(1)
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// reserve claims the next start slot and returns how long to wait for it
func (g *CallGate) reserve() time.Duration {
	if g.interval <= 0 {
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	start := g.next
	if start.Before(now) {
		start = now
	}
	g.next = start.Add(g.interval)
	return start.Sub(now)
}
