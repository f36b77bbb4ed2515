package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/syncerr"
)

// MemoryLink joins two in-process peers. It starts unreachable.
type MemoryLink struct {
	timeout time.Duration

	mu        sync.Mutex
	reachable bool
	primary   *MemoryPeer
	secondary *MemoryPeer
}

// MemoryPeer is one end of a MemoryLink.
type MemoryPeer struct {
	link    *MemoryLink
	name    string
	feed    *stateFeed
	out     outbox
	mu      sync.RWMutex
	handler Handler

	// sendMu keeps a flushed, held snapshot from landing after a newer one.
	sendMu sync.Mutex
}

var _ Peer = (*MemoryPeer)(nil)

func NewMemoryLink(timeout time.Duration) *MemoryLink {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	l := &MemoryLink{timeout: timeout}
	l.primary = &MemoryPeer{link: l, name: "primary", feed: newStateFeed()}
	l.secondary = &MemoryPeer{link: l, name: "secondary", feed: newStateFeed()}
	return l
}

// Primary is the end used by the primary node.
func (l *MemoryLink) Primary() *MemoryPeer { return l.primary }

// Secondary is the end used by the secondary node.
func (l *MemoryLink) Secondary() *MemoryPeer { return l.secondary }

// SetReachable switches the link. Coming up delivers whatever both ends held.
func (l *MemoryLink) SetReachable(v bool) {
	l.mu.Lock()
	if l.reachable == v {
		l.mu.Unlock()
		return
	}
	l.reachable = v
	l.mu.Unlock()

	if v {
		l.primary.flush()
		l.secondary.flush()
	}
	l.primary.feed.set(v)
	l.secondary.feed.set(v)
}

func (l *MemoryLink) isReachable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reachable
}

// Attach sets the handler for traffic arriving at this end.
func (p *MemoryPeer) Attach(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *MemoryPeer) remote() Handler {
	other := p.link.primary
	if p == other {
		other = p.link.secondary
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	if other.handler == nil {
		return BaseHandler{}
	}
	return other.handler
}

func (p *MemoryPeer) PushContext(ctx context.Context, snap model.InboxSnapshot) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if !p.link.isReachable() {
		p.out.holdContext(snap)
		return nil
	}
	p.remote().HandleContext(ctx, snap)
	return nil
}

func (p *MemoryPeer) SendRequest(ctx context.Context, cmd model.ActionCommand) (model.ActionOutcome, error) {
	if !p.link.isReachable() {
		return model.ActionOutcome{}, fmt.Errorf("%s link: %w", p.name, syncerr.ErrUnreachable)
	}
	ctx, cancel := context.WithTimeout(ctx, p.link.timeout)
	defer cancel()

	reply := make(chan model.ActionOutcome, 1)
	go func() {
		reply <- p.remote().HandleRequest(ctx, cmd)
	}()
	select {
	case outcome := <-reply:
		return outcome, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.ActionOutcome{}, fmt.Errorf("request %s: %w", cmd.RequestID, syncerr.ErrTimeout)
		}
		return model.ActionOutcome{}, ctx.Err()
	}
}

func (p *MemoryPeer) TransferBulk(ctx context.Context, payload []byte) error {
	if !p.link.isReachable() {
		p.out.holdBulk(payload)
		return nil
	}
	p.remote().HandleBulk(ctx, payload)
	return nil
}

func (p *MemoryPeer) RequestRefresh(ctx context.Context, full bool) error {
	if !p.link.isReachable() {
		p.out.holdRefresh(full)
		return nil
	}
	p.remote().HandleRefresh(ctx, full)
	return nil
}

func (p *MemoryPeer) Reachable() bool {
	return p.link.isReachable()
}

func (p *MemoryPeer) Reachability() <-chan bool {
	return p.feed.ch
}

func (p *MemoryPeer) flush() {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	snap, bulk, refresh := p.out.take()
	ctx := context.Background()
	h := p.remote()
	if snap != nil {
		h.HandleContext(ctx, *snap)
	}
	for _, b := range bulk {
		h.HandleBulk(ctx, b)
	}
	if refresh != nil {
		h.HandleRefresh(ctx, *refresh)
	}
}
