// Package syncmgr coordinates the two nodes: the primary builds and pushes
// snapshots and executes actions, the secondary caches snapshots and queues
// the user's actions.
package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/astromechza/inboxsync/pkg/bulk"
	"github.com/astromechza/inboxsync/pkg/inbox"
	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/store"
	"github.com/astromechza/inboxsync/pkg/transport"
)

const bulkKey = "bulk/doc"

const (
	DefaultPushInterval   = 3 * time.Minute
	DefaultCoalesceWindow = 2 * time.Second
)

// Provider reports the current inbox.
type Provider interface {
	GetCurrentState(ctx context.Context) (model.InboxState, error)
}

// Executor applies an action to the real inbox.
type Executor interface {
	Execute(ctx context.Context, kind model.ActionKind, itemID string) error
}

// ChangeNotifier is optionally implemented by a Provider that can signal
// inbox mutations it did not receive through the Executor.
type ChangeNotifier interface {
	Changes() <-chan struct{}
}

type PrimaryConfig struct {
	PushInterval   time.Duration
	CoalesceWindow time.Duration
	MaxItems       int
	LedgerTTL      time.Duration
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

type Primary struct {
	transport.BaseHandler

	provider Provider
	executor Executor
	peer     transport.Peer
	kv       store.KV
	ledger   *Ledger
	cfg      PrimaryConfig
	clock    clockwork.Clock
	log      *slog.Logger

	mutations chan struct{}

	// reqMu serializes request handling so a duplicate can never race its
	// original past the ledger.
	reqMu sync.Mutex

	bulkMu  sync.Mutex
	bulkDoc *bulk.Doc

	lastMu sync.RWMutex
	last   *model.InboxSnapshot
}

func NewPrimary(provider Provider, executor Executor, peer transport.Peer, kv store.KV, cfg PrimaryConfig) *Primary {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = DefaultPushInterval
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = DefaultCoalesceWindow
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = model.MaxSnapshotItems
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Primary{
		provider:  provider,
		executor:  executor,
		peer:      peer,
		kv:        kv,
		ledger:    NewLedger(kv, cfg.Clock, cfg.LedgerTTL, cfg.Logger),
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       cfg.Logger.With("node", "primary"),
		mutations: make(chan struct{}, 1),
		bulkDoc:   bulk.NewDoc(),
	}
}

// Load restores the idempotency ledger and the backfill document.
func (p *Primary) Load(ctx context.Context) error {
	if err := p.ledger.Load(ctx); err != nil {
		return err
	}
	doc, ok, err := LoadBulkDoc(ctx, p.kv)
	if err != nil {
		p.log.Error("discarding unreadable backfill document", "err", err)
	} else if ok {
		p.bulkMu.Lock()
		p.bulkDoc = doc
		p.bulkMu.Unlock()
	}
	p.log.Info("primary state loaded", "ledger", p.ledger.Len())
	return nil
}

// LoadBulkDoc reads the persisted backfill document.
func LoadBulkDoc(ctx context.Context, kv store.KV) (*bulk.Doc, bool, error) {
	var raw []byte
	ok, err := store.GetJSON(ctx, kv, bulkKey, &raw)
	if err != nil || !ok {
		return nil, false, err
	}
	doc, err := bulk.Load(raw)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Snapshot builds a snapshot of the inbox as it is now.
func (p *Primary) Snapshot(ctx context.Context) (model.InboxSnapshot, error) {
	state, err := p.provider.GetCurrentState(ctx)
	if err != nil {
		return model.InboxSnapshot{}, fmt.Errorf("failed to get inbox state: %w", err)
	}
	return BuildSnapshot(state, p.clock.Now(), p.cfg.MaxItems), nil
}

// LastPushed is the most recent snapshot handed to the transport.
func (p *Primary) LastPushed() (model.InboxSnapshot, bool) {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	if p.last == nil {
		return model.InboxSnapshot{}, false
	}
	return *p.last, true
}

// ForcePush builds and pushes a snapshot immediately.
func (p *Primary) ForcePush(ctx context.Context) (model.InboxSnapshot, error) {
	snap, err := p.Snapshot(ctx)
	if err != nil {
		return model.InboxSnapshot{}, err
	}
	if err := p.peer.PushContext(ctx, snap); err != nil {
		return snap, fmt.Errorf("failed to push snapshot: %w", err)
	}
	p.lastMu.Lock()
	p.last = &snap
	p.lastMu.Unlock()
	return snap, nil
}

// NotifyMutation schedules a coalesced push.
func (p *Primary) NotifyMutation() {
	select {
	case p.mutations <- struct{}{}:
	default:
	}
}

// Run pushes on startup, on the periodic interval, and once at the end of
// every coalescing window that saw a mutation.
func (p *Primary) Run(ctx context.Context) error {
	var changes <-chan struct{}
	if cn, ok := p.provider.(ChangeNotifier); ok {
		changes = cn.Changes()
	}

	ticker := p.clock.NewTicker(p.cfg.PushInterval)
	defer ticker.Stop()
	var window clockwork.Timer
	var windowC <-chan time.Time
	defer func() {
		if window != nil {
			window.Stop()
		}
	}()

	p.push(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			p.log.Info("stopping push loop")
			return nil
		case <-ticker.Chan():
			p.push(ctx, "periodic")
		case <-changes:
			if windowC == nil {
				window = p.clock.NewTimer(p.cfg.CoalesceWindow)
				windowC = window.Chan()
			}
		case <-p.mutations:
			if windowC == nil {
				window = p.clock.NewTimer(p.cfg.CoalesceWindow)
				windowC = window.Chan()
			}
		case <-windowC:
			windowC = nil
			p.push(ctx, "mutation")
		}
	}
}

func (p *Primary) push(ctx context.Context, reason string) {
	snap, err := p.ForcePush(ctx)
	if err != nil {
		p.log.Error("push failed", "reason", reason, "err", err)
		return
	}
	p.log.Info("pushed snapshot", "reason", reason, "unread", snap.UnreadCount, "items", len(snap.Items), "reachable", p.peer.Reachable())
}

// HandleRequest executes cmd at most once per request id.
func (p *Primary) HandleRequest(ctx context.Context, cmd model.ActionCommand) model.ActionOutcome {
	p.reqMu.Lock()
	defer p.reqMu.Unlock()
	log := p.log.With("requestId", cmd.RequestID, "kind", cmd.Kind, "itemId", cmd.ItemID)

	if err := cmd.Validate(); err != nil {
		log.Warn("rejecting malformed request", "err", err)
		return model.ActionOutcome{RequestID: cmd.RequestID, FailureReason: err.Error()}
	}
	prior, found, err := p.ledger.Lookup(cmd)
	if err != nil {
		log.Warn("rejecting request", "err", err)
		return model.ActionOutcome{RequestID: cmd.RequestID, FailureReason: err.Error()}
	}
	if found {
		log.Info("replaying recorded outcome", "success", prior.Success)
		return p.withSnapshot(ctx, prior)
	}

	state, err := p.provider.GetCurrentState(ctx)
	if err != nil {
		log.Error("inbox unavailable", "err", err)
		return model.ActionOutcome{RequestID: cmd.RequestID, Retryable: true, FailureReason: "inbox unavailable"}
	}
	item, ok := state.Find(cmd.ItemID)
	if !ok {
		return p.final(ctx, log, cmd, fmt.Errorf("%w: %s", inbox.ErrItemNotFound, cmd.ItemID))
	}
	if err := model.CheckTransition(item, cmd.Kind); err != nil {
		return p.final(ctx, log, cmd, err)
	}
	if err := p.executor.Execute(ctx, cmd.Kind, cmd.ItemID); err != nil {
		if errors.Is(err, inbox.ErrItemNotFound) || errors.Is(err, model.ErrIllegalTransition) {
			return p.final(ctx, log, cmd, err)
		}
		log.Error("action failed", "err", err)
		return model.ActionOutcome{RequestID: cmd.RequestID, Retryable: true, FailureReason: err.Error()}
	}
	p.NotifyMutation()
	return p.final(ctx, log, cmd, nil)
}

// final records a settled outcome in the ledger and replies with it.
func (p *Primary) final(ctx context.Context, log *slog.Logger, cmd model.ActionCommand, failure error) model.ActionOutcome {
	outcome := model.ActionOutcome{RequestID: cmd.RequestID, Success: failure == nil}
	if failure != nil {
		outcome.FailureReason = failure.Error()
		log.Warn("action rejected", "reason", outcome.FailureReason)
	} else {
		log.Info("action applied")
	}
	if err := p.ledger.Record(ctx, cmd, outcome); err != nil {
		log.Error("failed to record outcome", "err", err)
	}
	return p.withSnapshot(ctx, outcome)
}

func (p *Primary) withSnapshot(ctx context.Context, outcome model.ActionOutcome) model.ActionOutcome {
	snap, err := p.Snapshot(ctx)
	if err != nil {
		p.log.Warn("replying without snapshot", "err", err)
		return outcome
	}
	outcome.UpdatedSnapshot = &snap
	return outcome
}

// HandleRefresh answers the secondary's ask for fresh data.
func (p *Primary) HandleRefresh(ctx context.Context, full bool) {
	p.log.Info("refresh requested", "full", full)
	var err error
	if full {
		err = p.Backfill(ctx)
	} else {
		_, err = p.ForcePush(ctx)
	}
	if err != nil {
		p.log.Error("refresh failed", "full", full, "err", err)
	}
}

// Backfill commits the current snapshot to the backfill document, persists
// it and transfers it to the secondary.
func (p *Primary) Backfill(ctx context.Context) error {
	snap, err := p.Snapshot(ctx)
	if err != nil {
		return err
	}
	p.bulkMu.Lock()
	hash, err := p.bulkDoc.Record(snap)
	if err != nil {
		p.bulkMu.Unlock()
		return err
	}
	payload := p.bulkDoc.Save()
	p.bulkMu.Unlock()

	if err := store.PutJSON(ctx, p.kv, bulkKey, payload); err != nil {
		p.log.Error("failed to persist backfill document", "err", err)
	}
	if err := p.peer.TransferBulk(ctx, payload); err != nil {
		return fmt.Errorf("failed to transfer backfill: %w", err)
	}
	p.log.Info("backfill queued", "change", hash, "bytes", len(payload), "unread", snap.UnreadCount)
	return nil
}

// BulkDoc returns the backfill document. Callers must not mutate it.
func (p *Primary) BulkDoc() *bulk.Doc {
	p.bulkMu.Lock()
	defer p.bulkMu.Unlock()
	return p.bulkDoc
}
