// Package cache holds a node's local copy of the latest inbox snapshot.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/store"
)

const entryKey = "cache/entry"

// DefaultStalenessWindow is how long a snapshot is considered current.
const DefaultStalenessWindow = 24 * time.Hour

// Status is the degraded-mode signal surfaced to the UI.
type Status string

const (
	StatusFresh   Status = "fresh"
	StatusStale   Status = "stale"
	StatusMissing Status = "missing"
)

// Store keeps the entry in memory for non-blocking reads and writes it
// through to the KV.
type Store struct {
	kv     store.KV
	clock  clockwork.Clock
	window time.Duration
	log    *slog.Logger

	// writeMu serializes writers so persisted order matches memory order.
	writeMu sync.Mutex
	mu      sync.RWMutex
	entry   *model.CacheEntry
}

func New(kv store.KV, clock clockwork.Clock, window time.Duration, log *slog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{kv: kv, clock: clock, window: window, log: log}
}

// Load restores the persisted entry, if any. A corrupt entry is dropped and
// the cache starts empty.
func (s *Store) Load(ctx context.Context) error {
	var entry model.CacheEntry
	ok, err := store.GetJSON(ctx, s.kv, entryKey, &entry)
	if err != nil {
		s.log.Error("discarding unreadable cache entry", "err", err)
		return s.kv.Delete(ctx, entryKey)
	}
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.entry = &entry
	s.mu.Unlock()
	s.log.Info("restored cached snapshot", "receivedAt", entry.ReceivedAt, "unread", entry.Snapshot.UnreadCount)
	return nil
}

// Write replaces the cached snapshot. ReceivedAt is the local write time.
func (s *Store) Write(ctx context.Context, snap model.InboxSnapshot) (model.CacheEntry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entry := model.CacheEntry{Snapshot: snap, ReceivedAt: s.clock.Now()}
	s.mu.Lock()
	s.entry = &entry
	s.mu.Unlock()

	if err := store.PutJSON(ctx, s.kv, entryKey, entry); err != nil {
		return s.decorate(entry), fmt.Errorf("cache write: %w", err)
	}
	return s.decorate(entry), nil
}

// Read returns the cached entry with IsStale evaluated now.
func (s *Store) Read() (model.CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.entry == nil {
		return model.CacheEntry{}, false
	}
	return s.decorate(*s.entry), true
}

func (s *Store) Status() Status {
	entry, ok := s.Read()
	switch {
	case !ok:
		return StatusMissing
	case entry.IsStale:
		return StatusStale
	default:
		return StatusFresh
	}
}

// InvalidateIfStale flags a stale entry as invalidated and reports whether the
// entry was stale. The snapshot itself is kept so the UI can still show it
// alongside its age; the flag clears on the next Write.
func (s *Store) InvalidateIfStale(ctx context.Context) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.entry == nil || !model.IsStaleAt(s.entry.ReceivedAt, s.clock.Now(), s.window) {
		s.mu.Unlock()
		return false
	}
	if s.entry.Invalidated {
		s.mu.Unlock()
		return true
	}
	updated := *s.entry
	updated.Invalidated = true
	s.entry = &updated
	s.mu.Unlock()

	if err := store.PutJSON(ctx, s.kv, entryKey, updated); err != nil {
		s.log.Error("failed to persist cache invalidation", "err", err)
	}
	s.log.Info("cached snapshot is stale", "receivedAt", updated.ReceivedAt, "window", s.window)
	return true
}

// Window is the configured staleness window.
func (s *Store) Window() time.Duration {
	return s.window
}

func (s *Store) decorate(entry model.CacheEntry) model.CacheEntry {
	entry.IsStale = model.IsStaleAt(entry.ReceivedAt, s.clock.Now(), s.window)
	return entry
}
