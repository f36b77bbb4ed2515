// Package reach watches the link to the primary and reacts when it comes
// back: queued actions are flushed and stale data is refreshed.
package reach

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/astromechza/inboxsync/pkg/cache"
	"github.com/astromechza/inboxsync/pkg/syncmgr"
	"github.com/astromechza/inboxsync/pkg/transport"
)

// Flusher forces a queue drain.
type Flusher interface {
	Flush()
}

// Publisher receives reachability events.
type Publisher interface {
	Publish(ev syncmgr.Event)
}

type Status struct {
	Reachable bool      `json:"reachable"`
	Since     time.Time `json:"since"`
}

type Monitor struct {
	peer    transport.Peer
	flusher Flusher
	cache   *cache.Store
	events  Publisher
	clock   clockwork.Clock
	log     *slog.Logger

	mu     sync.RWMutex
	status Status
}

func New(peer transport.Peer, flusher Flusher, c *cache.Store, events Publisher, clock clockwork.Clock, log *slog.Logger) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		peer:    peer,
		flusher: flusher,
		cache:   c,
		events:  events,
		clock:   clock,
		log:     log,
		status:  Status{Since: clock.Now()},
	}
}

// Run consumes the peer's reachability feed until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	feed := m.peer.Reachability()
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-feed:
			m.Observe(ctx, v)
		}
	}
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Observe records a reachability report and reports whether it was a
// transition. Repeated reports of the same state are ignored.
func (m *Monitor) Observe(ctx context.Context, reachable bool) bool {
	m.mu.Lock()
	if m.status.Reachable == reachable {
		m.mu.Unlock()
		return false
	}
	m.status = Status{Reachable: reachable, Since: m.clock.Now()}
	status := m.status
	m.mu.Unlock()

	m.log.Info("reachability changed", "reachable", reachable)
	if reachable {
		m.onReachable(ctx)
	}
	if m.events != nil {
		m.events.Publish(syncmgr.Event{Type: syncmgr.EventReachability, Reachable: &status.Reachable, Since: status.Since})
	}
	return true
}

func (m *Monitor) onReachable(ctx context.Context) {
	if m.flusher != nil {
		m.flusher.Flush()
	}
	if m.cache == nil {
		return
	}
	switch m.cache.Status() {
	case cache.StatusFresh:
		return
	case cache.StatusStale:
		m.cache.InvalidateIfStale(ctx)
		m.refresh(ctx, false)
	case cache.StatusMissing:
		m.refresh(ctx, true)
	}
}

func (m *Monitor) refresh(ctx context.Context, full bool) {
	if err := m.peer.RequestRefresh(ctx, full); err != nil {
		m.log.Warn("failed to request refresh", "full", full, "err", err)
		return
	}
	m.log.Info("requested refresh", "full", full)
}
