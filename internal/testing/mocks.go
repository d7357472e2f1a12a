package testing

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/stretchr/testify/mock"
)

// MockProvider is a testify mock of domain.Provider
type MockProvider struct {
	mock.Mock
}

// Descriptor returns the mocked descriptor
func (m *MockProvider) Descriptor() domain.ProviderDescriptor {
	args := m.Called()
	return args.Get(0).(domain.ProviderDescriptor)
}

// Configured returns the mocked credential state
func (m *MockProvider) Configured() bool {
	args := m.Called()
	return args.Bool(0)
}

// Fetch returns the mocked payloads
func (m *MockProvider) Fetch(ctx context.Context, req domain.FetchRequest) (map[string]domain.Payload, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]domain.Payload), args.Error(1)
}

// FakeProvider is a scripted provider. It serves the payloads set per symbol and records
// every request it receives.
type FakeProvider struct {
	mu         sync.Mutex
	desc       domain.ProviderDescriptor
	configured bool
	payloads   map[string]domain.Payload
	err        error
	delay      time.Duration
	deaf       bool
	requests   []domain.FetchRequest
}

// NewFakeProvider creates a fake serving nothing until payloads are set
func NewFakeProvider(desc domain.ProviderDescriptor) *FakeProvider {
	return &FakeProvider{
		desc:       desc,
		configured: true,
		payloads:   make(map[string]domain.Payload),
	}
}

// SetValue serves value as a complete payload for symbol
func (f *FakeProvider) SetValue(symbol string, value any) {
	f.SetPayload(symbol, domain.Payload{Value: value, Complete: true})
}

// SetPayload serves p for symbol
func (f *FakeProvider) SetPayload(symbol string, p domain.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[symbol] = p
}

// RemoveValue stops serving symbol
func (f *FakeProvider) RemoveValue(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.payloads, symbol)
}

// SetError makes every call fail with err (nil restores normal service)
func (f *FakeProvider) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// SetDelay makes every call take d
func (f *FakeProvider) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// SetIgnoreContext makes the delay run to completion even after ctx ends, like a client
// library that takes no context
func (f *FakeProvider) SetIgnoreContext(ignore bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deaf = ignore
}

// SetConfigured sets what Configured reports
func (f *FakeProvider) SetConfigured(configured bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = configured
}

// Calls returns how many times Fetch ran
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Requests returns a copy of every request received
func (f *FakeProvider) Requests() []domain.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.FetchRequest(nil), f.requests...)
}

// Reset forgets the recorded requests
func (f *FakeProvider) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = nil
}

// Descriptor returns the fake's descriptor
func (f *FakeProvider) Descriptor() domain.ProviderDescriptor {
	return f.desc
}

// Configured reports the scripted credential state
func (f *FakeProvider) Configured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configured
}

// Fetch serves the scripted payloads for the requested instruments
func (f *FakeProvider) Fetch(ctx context.Context, req domain.FetchRequest) (map[string]domain.Payload, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	delay := f.delay
	deaf := f.deaf
	err := f.err
	f.mu.Unlock()

	if delay > 0 && deaf {
		time.Sleep(delay)
	} else if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, domain.NewRetryableError(f.desc.Name, ctx.Err())
		case <-timer.C:
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.Payload, len(req.Instruments))
	for _, inst := range req.Instruments {
		if p, ok := f.payloads[inst.Symbol]; ok {
			out[inst.Symbol] = p
		}
	}
	return out, nil
}

// FakeSessionClock is a domain.SessionClock with scripted session state.
// Market dates are the UTC calendar date.
type FakeSessionClock struct {
	mu   sync.Mutex
	open bool
	prev time.Time
	next time.Time
}

// NewFakeSessionClock creates a clock reporting every market closed with no transitions
func NewFakeSessionClock() *FakeSessionClock {
	return &FakeSessionClock{}
}

// SetOpen sets whether every market reports open
func (c *FakeSessionClock) SetOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = open
}

// SetTransitions sets the previous and next session boundaries
func (c *FakeSessionClock) SetTransitions(prev, next time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prev, c.next = prev, next
}

func (c *FakeSessionClock) IsMarketOpen(domain.Market, time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *FakeSessionClock) MarketDate(_ domain.Market, t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func (c *FakeSessionClock) PreviousTransition(domain.Market, time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prev
}

func (c *FakeSessionClock) NextTransition(domain.Market, time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}
