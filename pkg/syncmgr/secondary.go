package syncmgr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/astromechza/inboxsync/pkg/bulk"
	"github.com/astromechza/inboxsync/pkg/cache"
	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/queue"
	"github.com/astromechza/inboxsync/pkg/syncerr"
	"github.com/astromechza/inboxsync/pkg/transport"
)

// Kicker is the part of the retry engine the secondary needs.
type Kicker interface {
	Kick()
}

type SecondaryConfig struct {
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Secondary handles traffic from the primary and is the UI's entry point.
type Secondary struct {
	transport.BaseHandler

	cache  *cache.Store
	queue  *queue.Queue
	broker *Broker
	clock  clockwork.Clock
	log    *slog.Logger
	kicker Kicker
}

func NewSecondary(c *cache.Store, q *queue.Queue, broker *Broker, cfg SecondaryConfig) *Secondary {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if broker == nil {
		broker = NewBroker(cfg.Logger)
	}
	return &Secondary{
		cache:  c,
		queue:  q,
		broker: broker,
		clock:  cfg.Clock,
		log:    cfg.Logger.With("node", "secondary"),
	}
}

// SetKicker wires the retry engine, which is built after the secondary
// because the secondary is its listener.
func (s *Secondary) SetKicker(k Kicker) {
	s.kicker = k
}

func (s *Secondary) Broker() *Broker {
	return s.broker
}

// HandleContext stores a pushed snapshot. Last arrival wins.
func (s *Secondary) HandleContext(ctx context.Context, snap model.InboxSnapshot) {
	if err := snap.Validate(); err != nil {
		s.log.Error("dropping snapshot", "err", syncerr.Corrupt("snapshot", err))
		return
	}
	s.store(ctx, snap, "push")
}

// HandleBulk stores the snapshot carried by a backfill document.
func (s *Secondary) HandleBulk(ctx context.Context, payload []byte) {
	snap, err := bulk.Decode(payload)
	if err != nil {
		s.log.Error("dropping backfill", "err", err, "bytes", len(payload))
		return
	}
	s.store(ctx, snap, "backfill")
}

func (s *Secondary) store(ctx context.Context, snap model.InboxSnapshot, source string) {
	entry, err := s.cache.Write(ctx, snap)
	if err != nil {
		s.log.Error("failed to persist snapshot", "err", err)
	}
	s.log.Info("snapshot cached", "source", source, "unread", snap.UnreadCount, "items", len(snap.Items))
	s.broker.Publish(Event{Type: EventSnapshot, Entry: &entry})
}

// Delivered is called by the retry engine when the primary acknowledged an
// action.
func (s *Secondary) Delivered(qa model.QueuedAction, outcome model.ActionOutcome) {
	if outcome.UpdatedSnapshot != nil {
		s.HandleContext(context.Background(), *outcome.UpdatedSnapshot)
	}
	outcome.UpdatedSnapshot = nil
	s.broker.Publish(Event{Type: EventDelivered, Outcome: &outcome})
}

// DeadLettered is called by the retry engine when an action failed for good.
func (s *Secondary) DeadLettered(dl model.DeadLetter, outcome model.ActionOutcome) {
	if outcome.UpdatedSnapshot != nil {
		s.HandleContext(context.Background(), *outcome.UpdatedSnapshot)
	}
	outcome.UpdatedSnapshot = nil
	s.broker.Publish(Event{Type: EventDeadLetter, Outcome: &outcome, DeadLetter: &dl})
}

// CurrentSnapshot returns the cached snapshot without touching the network.
func (s *Secondary) CurrentSnapshot() (model.CacheEntry, bool) {
	return s.cache.Read()
}

// CacheStatus is the degraded-mode signal.
func (s *Secondary) CacheStatus() cache.Status {
	return s.cache.Status()
}

// SubmitAction queues an action and returns its request id. It returns as
// soon as the action is stored locally.
func (s *Secondary) SubmitAction(ctx context.Context, kind model.ActionKind, itemID string) (string, error) {
	cmd := model.ActionCommand{
		RequestID: uuid.NewString(),
		Kind:      kind,
		ItemID:    itemID,
		IssuedAt:  s.clock.Now().UTC(),
	}
	if _, err := s.queue.Enqueue(ctx, cmd); err != nil {
		return "", fmt.Errorf("failed to queue %s on %s: %w", kind, itemID, err)
	}
	s.log.Info("action queued", "requestId", cmd.RequestID, "kind", kind, "itemId", itemID)
	if s.kicker != nil {
		s.kicker.Kick()
	}
	return cmd.RequestID, nil
}

func (s *Secondary) Subscribe(buffer int) (<-chan Event, func()) {
	return s.broker.Subscribe(buffer)
}

func (s *Secondary) PendingQueueDepth() int {
	return s.queue.Len()
}

func (s *Secondary) Pending() []model.QueuedAction {
	return s.queue.Pending()
}

func (s *Secondary) DeadLetters() []model.DeadLetter {
	return s.queue.DeadLetters()
}

// Dismiss removes a dead letter the user has acknowledged.
func (s *Secondary) Dismiss(ctx context.Context, requestID string) error {
	return s.queue.Dismiss(ctx, requestID)
}
