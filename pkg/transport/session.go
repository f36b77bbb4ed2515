package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/syncerr"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 8 << 20
)

// session is one live websocket connection between the nodes.
type session struct {
	conn    *websocket.Conn
	handler Handler
	ping    time.Duration
	log     *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan model.ActionOutcome

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, handler Handler, opts Options) *session {
	return &session{
		conn:    conn,
		handler: handler,
		ping:    opts.PingInterval,
		log:     opts.Logger.With("remote", conn.RemoteAddr().String()),
		waiters: make(map[string]chan model.ActionOutcome),
		closed:  make(chan struct{}),
	}
}

// run reads until the connection fails or ctx is done.
func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * s.ping))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(2 * s.ping))
	})

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepAlive(ctx)
	}()

	var err error
	for {
		if err = s.readMessage(ctx); err != nil {
			break
		}
	}
	cancel()
	s.close()
	wg.Wait()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func (s *session) keepAlive(ctx context.Context) {
	t := time.NewTicker(s.ping)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.Warn("ping failed", "err", err)
				s.close()
				return
			}
		case <-ctx.Done():
			s.close()
			return
		case <-s.closed:
			return
		}
	}
}

func (s *session) readMessage(ctx context.Context) error {
	mt, p, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * s.ping))
	switch mt {
	case websocket.BinaryMessage:
		s.handler.HandleBulk(ctx, p)
	case websocket.TextMessage:
		if err := s.dispatch(ctx, p); err != nil {
			s.log.Error("dropped frame", "err", err, "category", syncerr.Classify(err).Category)
		}
	default:
	}
	return nil
}

func (s *session) dispatch(ctx context.Context, raw []byte) error {
	f, err := decodeFrame(raw)
	if err != nil {
		return err
	}
	switch f.Type {
	case FrameContext:
		var snap model.InboxSnapshot
		if err := f.decodePayload(&snap); err != nil {
			return err
		}
		s.handler.HandleContext(ctx, snap)
	case FrameRequest:
		var cmd model.ActionCommand
		if err := f.decodePayload(&cmd); err != nil {
			return err
		}
		// the executor may block, keep reading meanwhile
		go func() {
			outcome := s.handler.HandleRequest(ctx, cmd)
			if err := s.sendFrame(FrameReply, f.ID, outcome); err != nil {
				s.log.Warn("failed to send reply", "requestId", cmd.RequestID, "err", err)
			}
		}()
	case FrameReply:
		var outcome model.ActionOutcome
		if err := f.decodePayload(&outcome); err != nil {
			return err
		}
		s.mu.Lock()
		waiter, ok := s.waiters[f.ID]
		delete(s.waiters, f.ID)
		s.mu.Unlock()
		if !ok {
			s.log.Debug("reply for unknown or expired request", "id", f.ID)
			return nil
		}
		waiter <- outcome
	case FrameRefresh:
		var r refreshPayload
		if err := f.decodePayload(&r); err != nil {
			return err
		}
		s.handler.HandleRefresh(ctx, r.Full)
	}
	return nil
}

func (s *session) write(mt int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.closed:
		return fmt.Errorf("link closed: %w", syncerr.ErrUnreachable)
	default:
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(mt, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *session) sendFrame(typ, id string, v any) error {
	raw, err := encodeFrame(typ, id, v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, raw)
}

// request sends cmd and waits for the matching reply until ctx is done.
func (s *session) request(ctx context.Context, cmd model.ActionCommand) (model.ActionOutcome, error) {
	id := uuid.NewString()
	waiter := make(chan model.ActionOutcome, 1)
	s.mu.Lock()
	s.waiters[id] = waiter
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}()

	if err := s.sendFrame(FrameRequest, id, cmd); err != nil {
		return model.ActionOutcome{}, fmt.Errorf("%w: %v", syncerr.ErrUnreachable, err)
	}
	select {
	case outcome := <-waiter:
		return outcome, nil
	case <-s.closed:
		return model.ActionOutcome{}, fmt.Errorf("link closed awaiting %s: %w", cmd.RequestID, syncerr.ErrUnreachable)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.ActionOutcome{}, fmt.Errorf("request %s: %w", cmd.RequestID, syncerr.ErrTimeout)
		}
		return model.ActionOutcome{}, ctx.Err()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}
