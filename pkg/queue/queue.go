// Package queue is the secondary's durable outbox of user actions waiting to
// be acknowledged by the primary.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/store"
	"github.com/astromechza/inboxsync/pkg/syncerr"
)

const (
	actionsKey    = "queue/actions"
	deadLetterKey = "queue/deadletter"
)

var (
	ErrNotFound  = errors.New("action not in queue")
	ErrDuplicate = errors.New("request id already queued")
)

// Queue is ordered by EnqueuedAt. Every mutation is written through to the KV
// before it returns; a failed write leaves the in-memory state untouched.
type Queue struct {
	kv    store.KV
	clock clockwork.Clock
	log   *slog.Logger

	mu      sync.Mutex
	actions []model.QueuedAction
	dead    []model.DeadLetter
}

func New(kv store.KV, clock clockwork.Clock, log *slog.Logger) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{kv: kv, clock: clock, log: log}
}

// Load restores the queue and the dead-letter log. Actions left in flight by
// an earlier process are returned to pending: their reply, if any, was lost.
// An unreadable value is moved aside to "<key>.corrupt" and the node starts
// with nothing in its place.
func (q *Queue) Load(ctx context.Context) error {
	var actions []model.QueuedAction
	if corrupt, err := q.loadValue(ctx, actionsKey, &actions); err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	} else if corrupt {
		actions = nil
	}
	var dead []model.DeadLetter
	if corrupt, err := q.loadValue(ctx, deadLetterKey, &dead); err != nil {
		return fmt.Errorf("failed to load dead letters: %w", err)
	} else if corrupt {
		dead = nil
	}
	recovered := 0
	for i := range actions {
		if actions[i].State == model.StateInFlight {
			actions[i].State = model.StatePending
			recovered++
		}
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].EnqueuedAt.Before(actions[j].EnqueuedAt)
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = actions
	q.dead = dead
	if recovered > 0 {
		if err := store.PutJSON(ctx, q.kv, actionsKey, q.actions); err != nil {
			return err
		}
	}
	q.log.Info("loaded action queue", "pending", len(actions), "recovered", recovered, "deadLetters", len(dead))
	return nil
}

func (q *Queue) loadValue(ctx context.Context, key string, v any) (bool, error) {
	_, err := store.GetJSON(ctx, q.kv, key, v)
	if err == nil || !errors.Is(err, syncerr.ErrCorrupt) {
		return false, err
	}
	raw, _, getErr := q.kv.Get(ctx, key)
	if getErr != nil {
		return false, getErr
	}
	aside := key + ".corrupt"
	if putErr := q.kv.Put(ctx, aside, raw); putErr != nil {
		return false, fmt.Errorf("failed to set aside %s: %w", key, putErr)
	}
	if delErr := q.kv.Delete(ctx, key); delErr != nil {
		return false, fmt.Errorf("failed to clear %s: %w", key, delErr)
	}
	q.log.Error("set aside unreadable queue state", "key", key, "movedTo", aside, "err", err)
	return true, nil
}

// Enqueue appends cmd. It only touches local storage.
func (q *Queue) Enqueue(ctx context.Context, cmd model.ActionCommand) (model.QueuedAction, error) {
	if err := cmd.Validate(); err != nil {
		return model.QueuedAction{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.indexOf(cmd.RequestID) >= 0 {
		return model.QueuedAction{}, fmt.Errorf("%w: %s", ErrDuplicate, cmd.RequestID)
	}
	now := q.clock.Now()
	if n := len(q.actions); n > 0 && now.Before(q.actions[n-1].EnqueuedAt) {
		// keep FIFO order if the wall clock stepped backwards
		now = q.actions[n-1].EnqueuedAt
	}
	qa := model.QueuedAction{
		Command:    cmd,
		EnqueuedAt: now,
		State:      model.StatePending,
	}
	next := append(slices.Clone(q.actions), qa)
	if err := q.commitActions(ctx, next); err != nil {
		return model.QueuedAction{}, err
	}
	return qa, nil
}

// Peek returns the head of the queue.
func (q *Queue) Peek() (model.QueuedAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.actions) == 0 {
		return model.QueuedAction{}, false
	}
	return q.actions[0], true
}

// Dequeue removes and returns the head of the queue.
func (q *Queue) Dequeue(ctx context.Context) (model.QueuedAction, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.actions) == 0 {
		return model.QueuedAction{}, false, nil
	}
	head := q.actions[0]
	if err := q.commitActions(ctx, slices.Clone(q.actions[1:])); err != nil {
		return model.QueuedAction{}, false, err
	}
	return head, true, nil
}

// Pending returns a copy of the queue in delivery order.
func (q *Queue) Pending() []model.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.actions)
}

func (q *Queue) Get(requestID string) (model.QueuedAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOf(requestID); i >= 0 {
		return q.actions[i], true
	}
	return model.QueuedAction{}, false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// BeginAttempt moves an action to in flight and counts the attempt. The count
// is persisted before the caller sends anything so a crash mid-send still
// consumes the attempt.
func (q *Queue) BeginAttempt(ctx context.Context, requestID string) (model.QueuedAction, error) {
	return q.update(ctx, requestID, func(qa *model.QueuedAction) {
		qa.State = model.StateInFlight
		qa.AttemptCount++
	})
}

// Ack removes an acknowledged action.
func (q *Queue) Ack(ctx context.Context, requestID string) (model.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(requestID)
	if i < 0 {
		return model.QueuedAction{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	qa := q.actions[i]
	if err := q.commitActions(ctx, slices.Delete(slices.Clone(q.actions), i, i+1)); err != nil {
		return model.QueuedAction{}, err
	}
	return qa, nil
}

// MarkFailed records a failed attempt. A retryable failure returns the action
// to pending until nextRetryAt; a permanent one moves it to the dead-letter
// log and returns the new dead letter.
func (q *Queue) MarkFailed(ctx context.Context, requestID string, permanent bool, reason string, nextRetryAt time.Time) (model.QueuedAction, *model.DeadLetter, error) {
	if !permanent {
		qa, err := q.update(ctx, requestID, func(qa *model.QueuedAction) {
			qa.State = model.StatePending
			qa.LastError = reason
			qa.NextRetryAt = nextRetryAt
		})
		return qa, nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(requestID)
	if i < 0 {
		return model.QueuedAction{}, nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	qa := q.actions[i]
	qa.State = model.StatePending
	qa.LastError = reason
	dl := model.DeadLetter{Action: qa, Reason: reason, FailedAt: q.clock.Now()}

	// dead letter first: a crash in between leaves a duplicate, never a loss
	dead := append(slices.Clone(q.dead), dl)
	if err := store.PutJSON(ctx, q.kv, deadLetterKey, dead); err != nil {
		return model.QueuedAction{}, nil, err
	}
	q.dead = dead
	if err := q.commitActions(ctx, slices.Delete(slices.Clone(q.actions), i, i+1)); err != nil {
		return model.QueuedAction{}, nil, err
	}
	return qa, &dl, nil
}

// DeadLetters returns the dead-letter log, oldest first.
func (q *Queue) DeadLetters() []model.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.dead)
}

// Dismiss drops a dead letter once the user has seen it.
func (q *Queue) Dismiss(ctx context.Context, requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.dead, func(dl model.DeadLetter) bool {
		return dl.Action.Command.RequestID == requestID
	})
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	dead := slices.Delete(slices.Clone(q.dead), i, i+1)
	if err := store.PutJSON(ctx, q.kv, deadLetterKey, dead); err != nil {
		return err
	}
	q.dead = dead
	return nil
}

func (q *Queue) update(ctx context.Context, requestID string, fn func(*model.QueuedAction)) (model.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(requestID)
	if i < 0 {
		return model.QueuedAction{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	next := slices.Clone(q.actions)
	fn(&next[i])
	if err := q.commitActions(ctx, next); err != nil {
		return model.QueuedAction{}, err
	}
	return next[i], nil
}

// commitActions persists next and swaps it in. Callers hold mu.
func (q *Queue) commitActions(ctx context.Context, next []model.QueuedAction) error {
	if err := store.PutJSON(ctx, q.kv, actionsKey, next); err != nil {
		return err
	}
	q.actions = next
	return nil
}

func (q *Queue) indexOf(requestID string) int {
	return slices.IndexFunc(q.actions, func(qa model.QueuedAction) bool {
		return qa.Command.RequestID == requestID
	})
}
