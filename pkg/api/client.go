package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/syncmgr"
)

var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx reply.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client talks to either node's API.
type Client struct {
	base string
	http *http.Client
}

// NewClient accepts "host:port" or a full http(s) url.
func NewClient(base string) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return &StatusError{Code: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw, err = io.ReadAll(resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", path, err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

// Snapshot is the secondary's cached snapshot.
func (c *Client) Snapshot(ctx context.Context) (model.CacheEntry, error) {
	var entry model.CacheEntry
	err := c.do(ctx, http.MethodGet, "/v1/snapshot", nil, &entry)
	return entry, err
}

// Act submits an action and returns its request id.
func (c *Client) Act(ctx context.Context, kind model.ActionKind, itemID string) (string, error) {
	var accepted ActionAccepted
	err := c.do(ctx, http.MethodPost, "/v1/actions", ActionRequest{Kind: string(kind), ItemID: itemID}, &accepted)
	return accepted.RequestID, err
}

func (c *Client) Queue(ctx context.Context) ([]model.QueuedAction, error) {
	var out []model.QueuedAction
	err := c.do(ctx, http.MethodGet, "/v1/queue", nil, &out)
	return out, err
}

func (c *Client) DeadLetters(ctx context.Context) ([]model.DeadLetter, error) {
	var out []model.DeadLetter
	err := c.do(ctx, http.MethodGet, "/v1/deadletters", nil, &out)
	return out, err
}

func (c *Client) Dismiss(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/deadletters/"+url.PathEscape(requestID), nil, nil)
}

// Push asks the primary to push a snapshot now.
func (c *Client) Push(ctx context.Context) (model.InboxSnapshot, error) {
	var snap model.InboxSnapshot
	err := c.do(ctx, http.MethodPost, "/v1/push", nil, &snap)
	return snap, err
}

// PrimarySnapshot is the snapshot the primary would push right now.
func (c *Client) PrimarySnapshot(ctx context.Context) (model.InboxSnapshot, error) {
	var snap model.InboxSnapshot
	err := c.do(ctx, http.MethodGet, "/v1/snapshot", nil, &snap)
	return snap, err
}

// Bulk downloads the primary's backfill document.
func (c *Client) Bulk(ctx context.Context) ([]byte, error) {
	var raw []byte
	err := c.do(ctx, http.MethodGet, "/v1/bulk", nil, &raw)
	return raw, err
}

// Events calls fn for every event from the secondary until ctx is done, the
// stream ends, or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(syncmgr.Event) error) error {
	u := "ws" + strings.TrimPrefix(c.base, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", u, err)
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	for {
		var ev syncmgr.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
