// Package localcache is the in-process Fast Tier: the latest entry per (symbol, kind),
// held in memory and written back to one msgpack file per symbol and kind after a
// quiescent delay. Files are only a warm-start aid and are reloaded by Load.
package localcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	fileExt = ".msgpack"

	// DefaultFlushDelay coalesces bursts of updates to one symbol into one write
	DefaultFlushDelay = 2 * time.Second
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Config configures the Fast Tier
type Config struct {
	Dir        string
	FlushDelay time.Duration
}

// Store is the Fast Tier. Get and Put never touch the disk.
type Store struct {
	dir        string
	flushDelay time.Duration
	log        zerolog.Logger

	mu      sync.RWMutex
	entries map[string]map[string]domain.CacheEntry // symbol -> cache kind -> entry
	dirty   map[string]map[string]bool
	timers  map[string]*time.Timer
	closed  bool

	writeMu sync.Mutex // serialises file writes so a newer snapshot is never overwritten by an older one
}

// New creates a Fast Tier rooted at cfg.Dir, creating the directory if needed
func New(cfg Config, log zerolog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("fast tier directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create fast tier directory: %w", err)
	}

	delay := cfg.FlushDelay
	if delay <= 0 {
		delay = DefaultFlushDelay
	}

	return &Store{
		dir:        cfg.Dir,
		flushDelay: delay,
		log:        log.With().Str("component", "fast_tier").Logger(),
		entries:    make(map[string]map[string]domain.CacheEntry),
		dirty:      make(map[string]map[string]bool),
		timers:     make(map[string]*time.Timer),
	}, nil
}

// Get returns a copy of the latest entry for (symbol, kind), or nil
func (s *Store) Get(symbol, kind string) *domain.CacheEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[symbol][kind]
	if !ok {
		return nil
	}
	return cloneEntry(entry)
}

// Put supersedes the entry for (symbol, kind) and schedules a write-back for symbol
func (s *Store) Put(entry domain.CacheEntry) {
	entry = *cloneEntry(entry)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[entry.Symbol] == nil {
		s.entries[entry.Symbol] = make(map[string]domain.CacheEntry)
	}
	s.entries[entry.Symbol][entry.Kind] = entry

	if s.closed {
		return
	}

	if s.dirty[entry.Symbol] == nil {
		s.dirty[entry.Symbol] = make(map[string]bool)
	}
	s.dirty[entry.Symbol][entry.Kind] = true

	if timer, ok := s.timers[entry.Symbol]; ok {
		timer.Reset(s.flushDelay)
		return
	}
	symbol := entry.Symbol
	s.timers[symbol] = time.AfterFunc(s.flushDelay, func() {
		s.flushSymbol(symbol)
	})
}

// Len returns the number of (symbol, kind) entries held in memory
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, kinds := range s.entries {
		n += len(kinds)
	}
	return n
}

// Load restores every persisted entry into memory. Unreadable files are skipped.
// Returns the number of entries loaded.
func (s *Store) Load() (int, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "*"+fileExt))
	if err != nil {
		return 0, fmt.Errorf("failed to list fast tier files: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn().Err(err).Str("file", path).Msg("Failed to read fast tier file")
			continue
		}

		var entry domain.CacheEntry
		if err := msgpack.Unmarshal(data, &entry); err != nil {
			s.log.Warn().Err(err).Str("file", path).Msg("Skipping corrupt fast tier file")
			continue
		}
		if entry.Symbol == "" || entry.Kind == "" {
			continue
		}

		if s.entries[entry.Symbol] == nil {
			s.entries[entry.Symbol] = make(map[string]domain.CacheEntry)
		}
		if existing, ok := s.entries[entry.Symbol][entry.Kind]; ok && existing.CapturedAt.After(entry.CapturedAt) {
			continue
		}
		s.entries[entry.Symbol][entry.Kind] = entry
		loaded++
	}

	s.log.Info().Int("entries", loaded).Msg("Fast tier restored")
	return loaded, nil
}

// Flush writes every pending entry to disk now
func (s *Store) Flush() error {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.dirty))
	for symbol := range s.dirty {
		symbols = append(symbols, symbol)
	}
	for symbol, timer := range s.timers {
		timer.Stop()
		delete(s.timers, symbol)
	}
	s.mu.Unlock()

	sort.Strings(symbols)

	var errs []error
	for _, symbol := range symbols {
		if err := s.flushSymbol(symbol); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending writes and stops scheduling new ones
func (s *Store) Close() error {
	err := s.Flush()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return err
}

// Clear drops every entry from memory and removes all persisted files
func (s *Store) Clear() error {
	s.mu.Lock()
	for symbol, timer := range s.timers {
		timer.Stop()
		delete(s.timers, symbol)
	}
	s.entries = make(map[string]map[string]domain.CacheEntry)
	s.dirty = make(map[string]map[string]bool)
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	files, err := filepath.Glob(filepath.Join(s.dir, "*"+fileExt))
	if err != nil {
		return fmt.Errorf("failed to list fast tier files: %w", err)
	}
	for _, path := range files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

// flushSymbol persists the dirty kinds of one symbol
func (s *Store) flushSymbol(symbol string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	kinds := s.dirty[symbol]
	delete(s.dirty, symbol)
	delete(s.timers, symbol)
	pending := make([]domain.CacheEntry, 0, len(kinds))
	for kind := range kinds {
		if entry, ok := s.entries[symbol][kind]; ok {
			pending = append(pending, entry)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, entry := range pending {
		if err := s.writeEntry(entry); err != nil {
			s.log.Error().Err(err).Str("symbol", entry.Symbol).Str("kind", entry.Kind).Msg("Failed to persist fast tier entry")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeEntry writes entry to a temp file and renames it over the target
func (s *Store) writeEntry(entry domain.CacheEntry) error {
	data, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(s.dir, FileName(entry.Symbol, entry.Kind))); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move entry into place: %w", err)
	}
	return nil
}

// FileName returns the file an entry for (symbol, kind) is persisted to
func FileName(symbol, kind string) string {
	name := unsafeFileChars.ReplaceAllString(symbol, "_") + "__" + unsafeFileChars.ReplaceAllString(kind, "_")
	return strings.TrimLeft(name, ".") + fileExt
}

func cloneEntry(entry domain.CacheEntry) *domain.CacheEntry {
	clone := entry
	if entry.Payload != nil {
		clone.Payload = append([]byte(nil), entry.Payload...)
	}
	return &clone
}
