package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/syncerr"
)

// endpoint is the Peer side shared by the server and the client. It tracks
// the current session and holds traffic while there is none.
type endpoint struct {
	opts Options
	feed *stateFeed
	out  outbox

	mu      sync.Mutex
	handler Handler
	current *session

	// sendMu orders pushes against the flush of held traffic.
	sendMu sync.Mutex
}

func newEndpoint(opts Options) *endpoint {
	return &endpoint{opts: opts.withDefaults(), feed: newStateFeed(), handler: BaseHandler{}}
}

// Attach sets the handler for inbound traffic.
func (e *endpoint) Attach(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *endpoint) getHandler() Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

func (e *endpoint) session() *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// serve makes conn the current session and blocks until it ends. A newer
// session replaces an older one.
func (e *endpoint) serve(ctx context.Context, conn *websocket.Conn) error {
	s := newSession(conn, e.getHandler(), e.opts)
	e.mu.Lock()
	old := e.current
	e.current = s
	e.mu.Unlock()
	if old != nil {
		s.log.Info("replacing existing session")
		old.close()
	}

	e.flush(s)
	e.feed.set(true)
	s.log.Info("link up")

	err := s.run(ctx)

	e.mu.Lock()
	if e.current == s {
		e.current = nil
		e.feed.set(false)
	}
	e.mu.Unlock()
	s.log.Info("link down", "err", err)
	return err
}

func (e *endpoint) flush(s *session) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	snap, bulk, refresh := e.out.take()
	if snap != nil {
		if err := s.sendFrame(FrameContext, "", *snap); err != nil {
			e.out.holdContext(*snap)
		}
	}
	for _, b := range bulk {
		if err := s.write(websocket.BinaryMessage, b); err != nil {
			e.out.holdBulk(b)
		}
	}
	if refresh != nil {
		if err := s.sendFrame(FrameRefresh, "", refreshPayload{Full: *refresh}); err != nil {
			e.out.holdRefresh(*refresh)
		}
	}
}

func (e *endpoint) PushContext(_ context.Context, snap model.InboxSnapshot) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	s := e.session()
	if s == nil {
		e.out.holdContext(snap)
		return nil
	}
	if err := s.sendFrame(FrameContext, "", snap); err != nil {
		e.opts.Logger.Warn("holding snapshot after failed push", "err", err)
		e.out.holdContext(snap)
	}
	return nil
}

func (e *endpoint) SendRequest(ctx context.Context, cmd model.ActionCommand) (model.ActionOutcome, error) {
	s := e.session()
	if s == nil {
		return model.ActionOutcome{}, fmt.Errorf("no session: %w", syncerr.ErrUnreachable)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	return s.request(ctx, cmd)
}

func (e *endpoint) TransferBulk(_ context.Context, payload []byte) error {
	s := e.session()
	if s == nil {
		e.out.holdBulk(payload)
		return nil
	}
	if err := s.write(websocket.BinaryMessage, payload); err != nil {
		e.opts.Logger.Warn("holding bulk payload after failed transfer", "err", err)
		e.out.holdBulk(payload)
	}
	return nil
}

func (e *endpoint) RequestRefresh(_ context.Context, full bool) error {
	s := e.session()
	if s == nil {
		e.out.holdRefresh(full)
		return nil
	}
	return s.sendFrame(FrameRefresh, "", refreshPayload{Full: full})
}

func (e *endpoint) Reachable() bool {
	return e.feed.get()
}

func (e *endpoint) Reachability() <-chan bool {
	return e.feed.ch
}

// Close ends the current session, if any.
func (e *endpoint) Close() {
	if s := e.session(); s != nil {
		s.close()
	}
}

// WSServer is the primary's end. Mount it on the link route; it serves one
// secondary at a time.
type WSServer struct {
	*endpoint
	upgrader websocket.Upgrader
}

var _ Peer = (*WSServer)(nil)

func NewWSServer(opts Options) *WSServer {
	return &WSServer{
		endpoint: newEndpoint(opts),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *WSServer) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.opts.Logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()
	if err := s.serve(request.Context(), conn); err != nil {
		s.opts.Logger.Warn("session ended", "err", err)
	}
}

// WSClient is the secondary's end. Run keeps it connected.
type WSClient struct {
	*endpoint
	url       string
	reconnect time.Duration
	dialer    *websocket.Dialer
}

var _ Peer = (*WSClient)(nil)

func NewWSClient(url string, reconnect time.Duration, opts Options) *WSClient {
	if reconnect <= 0 {
		reconnect = time.Second
	}
	return &WSClient{
		endpoint:  newEndpoint(opts),
		url:       url,
		reconnect: reconnect,
		dialer:    websocket.DefaultDialer,
	}
}

// Run dials the primary and redials on a fixed interval whenever the session
// drops, until ctx is done.
func (c *WSClient) Run(ctx context.Context) error {
	c.connectAndServe(ctx)
	t := time.NewTicker(c.reconnect)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.connectAndServe(ctx)
		case <-ctx.Done():
			c.opts.Logger.Info("stopping link client")
			return nil
		}
	}
}

func (c *WSClient) connectAndServe(ctx context.Context) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.opts.Logger.Debug("failed to dial", "url", c.url, "err", err)
		}
		return
	}
	defer conn.Close()
	if err := c.serve(ctx, conn); err != nil && ctx.Err() == nil {
		c.opts.Logger.Warn("session ended", "err", err)
	}
}
