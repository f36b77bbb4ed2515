// Package transport carries snapshots, action requests, bulk payloads and
// refresh asks between the primary and its one secondary.
package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/inboxsync/pkg/model"
)

// DefaultRequestTimeout bounds SendRequest.
const DefaultRequestTimeout = 5 * time.Second

// Peer is one end of the link.
type Peer interface {
	// PushContext delivers the latest snapshot. Nothing is guaranteed; while
	// the peer is unreachable the newest push is held and a later one
	// replaces it.
	PushContext(ctx context.Context, snap model.InboxSnapshot) error
	// SendRequest needs the peer reachable now and fails fast with
	// syncerr.ErrUnreachable otherwise. It returns syncerr.ErrTimeout when no
	// reply arrives in time.
	SendRequest(ctx context.Context, cmd model.ActionCommand) (model.ActionOutcome, error)
	// TransferBulk queues a payload for best-effort delivery. Separate calls
	// are not ordered.
	TransferBulk(ctx context.Context, payload []byte) error
	// RequestRefresh asks the other end for a new snapshot, or for a bulk
	// backfill when full is set.
	RequestRefresh(ctx context.Context, full bool) error
	Reachable() bool
	// Reachability yields reachability changes. Only the latest state is
	// buffered, and there must be a single consumer.
	Reachability() <-chan bool
}

// Handler receives inbound traffic. Attach it before the link comes up.
type Handler interface {
	HandleContext(ctx context.Context, snap model.InboxSnapshot)
	HandleRequest(ctx context.Context, cmd model.ActionCommand) model.ActionOutcome
	HandleBulk(ctx context.Context, payload []byte)
	HandleRefresh(ctx context.Context, full bool)
}

// BaseHandler ignores everything. Embed it to implement a subset of Handler.
type BaseHandler struct{}

func (BaseHandler) HandleContext(context.Context, model.InboxSnapshot) {}

func (BaseHandler) HandleRequest(_ context.Context, cmd model.ActionCommand) model.ActionOutcome {
	return model.ActionOutcome{RequestID: cmd.RequestID, FailureReason: "requests are not accepted by this node"}
}

func (BaseHandler) HandleBulk(context.Context, []byte) {}

func (BaseHandler) HandleRefresh(context.Context, bool) {}

// Options tune both transport implementations.
type Options struct {
	RequestTimeout time.Duration
	PingInterval   time.Duration
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type stateFeed struct {
	mu    sync.Mutex
	state bool
	ch    chan bool
}

func newStateFeed() *stateFeed {
	return &stateFeed{ch: make(chan bool, 1)}
}

func (f *stateFeed) set(v bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == v {
		return false
	}
	f.state = v
	select {
	case <-f.ch:
	default:
	}
	f.ch <- v
	return true
}

func (f *stateFeed) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// outbox holds traffic for a peer that is not reachable.
type outbox struct {
	mu      sync.Mutex
	context *model.InboxSnapshot
	bulk    [][]byte
	refresh *bool
}

func (o *outbox) holdContext(snap model.InboxSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.context = &snap
}

func (o *outbox) holdBulk(payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bulk = append(o.bulk, payload)
}

func (o *outbox) holdRefresh(full bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.refresh != nil && *o.refresh {
		full = true
	}
	o.refresh = &full
}

func (o *outbox) take() (*model.InboxSnapshot, [][]byte, *bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap, bulk, refresh := o.context, o.bulk, o.refresh
	o.context, o.bulk, o.refresh = nil, nil, nil
	return snap, bulk, refresh
}
