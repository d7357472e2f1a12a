package reliability

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerSet holds one breaker per provider, created lazily on first use.
// Breaker state lives in memory only and resets on restart.
type BreakerSet struct {
	cfg BreakerConfig
	now func() time.Time
	log zerolog.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty breaker set
func NewBreakerSet(cfg BreakerConfig, log zerolog.Logger) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		now:      time.Now,
		log:      log,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// SetClock replaces the time source of existing and future breakers
func (s *BreakerSet) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
	for _, cb := range s.breakers {
		cb.mu.Lock()
		cb.now = now
		cb.mu.Unlock()
	}
}

// Get returns the breaker for provider, creating it if needed
func (s *BreakerSet) Get(provider string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[provider]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(provider, s.cfg, s.log)
	cb.now = s.now
	s.breakers[provider] = cb
	return cb
}

// Snapshots returns the state of every breaker created so far, sorted by provider
func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		breakers = append(breakers, cb)
	}
	s.mu.RUnlock()

	snapshots := make([]BreakerSnapshot, 0, len(breakers))
	for _, cb := range breakers {
		snapshots = append(snapshots, cb.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name < snapshots[j].Name })
	return snapshots
}

// ResetAll closes every breaker
func (s *BreakerSet) ResetAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cb := range s.breakers {
		cb.Reset()
	}
}
