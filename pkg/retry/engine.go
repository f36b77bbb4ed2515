package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/queue"
	"github.com/astromechza/inboxsync/pkg/syncerr"
)

// Sender delivers one command and waits for its outcome. transport.Peer
// satisfies it.
type Sender interface {
	SendRequest(ctx context.Context, cmd model.ActionCommand) (model.ActionOutcome, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, cmd model.ActionCommand) (model.ActionOutcome, error)

func (f SenderFunc) SendRequest(ctx context.Context, cmd model.ActionCommand) (model.ActionOutcome, error) {
	return f(ctx, cmd)
}

// Listener receives exactly one terminal notification per action.
type Listener interface {
	Delivered(qa model.QueuedAction, outcome model.ActionOutcome)
	DeadLettered(dl model.DeadLetter, outcome model.ActionOutcome)
}

type Config struct {
	Schedule Schedule
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Stats summarises one drain pass.
type Stats struct {
	Delivered    int
	Retried      int
	DeadLettered int
	Deferred     int
}

type Engine struct {
	queue    *queue.Queue
	sender   Sender
	listener Listener
	schedule Schedule
	clock    clockwork.Clock
	log      *slog.Logger

	kick  chan struct{}
	flush chan struct{}

	drainMu sync.Mutex
	// pausedUntil holds back unforced passes after the peer was unreachable
	// or the queue could not be persisted, so the rest of the queue does not
	// burn attempts against a dead link or a failing store.
	pauseMu     sync.Mutex
	pausedUntil time.Time
}

func NewEngine(q *queue.Queue, sender Sender, listener Listener, cfg Config) *Engine {
	if cfg.Schedule.MaxAttempts == 0 {
		cfg.Schedule = DefaultSchedule()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		queue:    q,
		sender:   sender,
		listener: listener,
		schedule: cfg.Schedule,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		kick:     make(chan struct{}, 1),
		flush:    make(chan struct{}, 1),
	}
}

// Kick wakes Run to look at newly enqueued work.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Flush wakes Run for a forced pass that ignores backoff timers.
func (e *Engine) Flush() {
	select {
	case e.flush <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	force := true
	for {
		e.DrainOnce(ctx, force)
		force = false

		var timerC <-chan time.Time
		var timer clockwork.Timer
		if wake, ok := e.NextWake(); ok {
			timer = e.clock.NewTimer(max(wake.Sub(e.clock.Now()), 0))
			timerC = timer.Chan()
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-timerC:
		case <-e.kick:
		case <-e.flush:
			force = true
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// NextWake is when the next unforced pass has work, false if the queue is
// empty. Only the first pending action of each item is considered since the
// ones behind it cannot go first.
func (e *Engine) NextWake() (time.Time, bool) {
	var earliest time.Time
	found := false
	heads := make(map[string]bool)
	for _, qa := range e.queue.Pending() {
		if heads[qa.Command.ItemID] {
			continue
		}
		heads[qa.Command.ItemID] = true
		if !found || qa.NextRetryAt.Before(earliest) {
			earliest = qa.NextRetryAt
			found = true
		}
	}
	if !found {
		return time.Time{}, false
	}
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	if earliest.Before(e.pausedUntil) {
		earliest = e.pausedUntil
	}
	return earliest, true
}

// DrainOnce makes one ordered pass over the queue. Once an action for an item
// is deferred or fails retryably, later actions for the same item wait for a
// later pass, which keeps per-item order.
func (e *Engine) DrainOnce(ctx context.Context, force bool) Stats {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	var stats Stats
	now := e.clock.Now()
	e.pauseMu.Lock()
	if force {
		e.pausedUntil = time.Time{}
	}
	paused := now.Before(e.pausedUntil)
	e.pauseMu.Unlock()
	if paused {
		stats.Deferred = e.queue.Len()
		return stats
	}

	blocked := make(map[string]bool)
	for _, qa := range e.queue.Pending() {
		if ctx.Err() != nil {
			return stats
		}
		item := qa.Command.ItemID
		if blocked[item] || (!force && now.Before(qa.NextRetryAt)) {
			blocked[item] = true
			stats.Deferred++
			continue
		}
		switch e.attempt(ctx, qa) {
		case resultDelivered:
			stats.Delivered++
		case resultDeadLettered:
			stats.DeadLettered++
		case resultRetry:
			stats.Retried++
			blocked[item] = true
		case resultUnreachable:
			stats.Retried++
			return stats
		case resultStalled:
			return stats
		}
	}
	return stats
}

type result int

const (
	resultDelivered result = iota
	resultDeadLettered
	resultRetry
	resultUnreachable
	// resultStalled means the queue could not be written; the pass stops.
	resultStalled
)

func (e *Engine) attempt(ctx context.Context, qa model.QueuedAction) result {
	id := qa.Command.RequestID
	qa, err := e.queue.BeginAttempt(ctx, id)
	if err != nil {
		delay := e.schedule.Delay(1)
		e.log.Error("failed to begin attempt", "requestId", id, "err", err, "pause", delay)
		e.pause(e.clock.Now().Add(delay))
		return resultStalled
	}
	log := e.log.With("requestId", id, "kind", qa.Command.Kind, "itemId", qa.Command.ItemID, "attempt", qa.AttemptCount)

	outcome, err := e.sender.SendRequest(ctx, qa.Command)
	// state changes below must land even when ctx was cancelled mid-send
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil && outcome.Success:
		acked, ackErr := e.queue.Ack(persistCtx, id)
		if ackErr != nil {
			log.Error("failed to ack delivered action", "err", ackErr)
			e.pause(e.clock.Now().Add(e.schedule.Delay(1)))
			acked = qa
		}
		log.Info("action delivered")
		e.notifyDelivered(acked, outcome)
		return resultDelivered

	case err == nil && outcome.Retryable:
		return e.retry(persistCtx, log, qa, outcome.FailureReason, false)

	case err == nil:
		return e.deadLetter(persistCtx, log, qa, outcome)

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// shutting down; the attempt stays counted and the action is retried
		// on the next start
		if _, _, mErr := e.queue.MarkFailed(persistCtx, id, false, "interrupted", time.Time{}); mErr != nil {
			log.Error("failed to release interrupted action", "err", mErr)
		}
		return resultRetry

	case syncerr.Retryable(err):
		return e.retry(persistCtx, log, qa, err.Error(), errors.Is(err, syncerr.ErrUnreachable))

	default:
		return e.deadLetter(persistCtx, log, qa, model.ActionOutcome{RequestID: id, FailureReason: err.Error()})
	}
}

func (e *Engine) retry(ctx context.Context, log *slog.Logger, qa model.QueuedAction, reason string, unreachable bool) result {
	id := qa.Command.RequestID
	if qa.AttemptCount >= e.schedule.MaxAttempts {
		reason = fmt.Sprintf("gave up after %d attempts: %s", qa.AttemptCount, reason)
		return e.deadLetter(ctx, log, qa, model.ActionOutcome{RequestID: id, FailureReason: reason})
	}
	delay := e.schedule.Delay(qa.AttemptCount)
	next := e.clock.Now().Add(delay)
	if _, _, err := e.queue.MarkFailed(ctx, id, false, reason, next); err != nil {
		// the stored retry time is stale, so hold the queue in memory instead
		log.Error("failed to schedule retry", "err", err)
		e.pause(next)
		return resultStalled
	}
	log.Warn("action failed, will retry", "reason", reason, "delay", delay)
	if unreachable {
		e.pause(next)
		return resultUnreachable
	}
	return resultRetry
}

// pause holds back unforced passes until until. It never shortens a pause.
func (e *Engine) pause(until time.Time) {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	if until.After(e.pausedUntil) {
		e.pausedUntil = until
	}
}

func (e *Engine) deadLetter(ctx context.Context, log *slog.Logger, qa model.QueuedAction, outcome model.ActionOutcome) result {
	outcome.RequestID = qa.Command.RequestID
	outcome.Success = false
	outcome.Retryable = false
	if outcome.FailureReason == "" {
		outcome.FailureReason = "rejected"
	}
	_, dl, err := e.queue.MarkFailed(ctx, qa.Command.RequestID, true, outcome.FailureReason, time.Time{})
	if err != nil {
		log.Error("failed to dead-letter action", "err", err)
		dl = &model.DeadLetter{Action: qa, Reason: outcome.FailureReason, FailedAt: e.clock.Now()}
	}
	log.Warn("action dead-lettered", "reason", outcome.FailureReason)
	if e.listener != nil {
		e.listener.DeadLettered(*dl, outcome)
	}
	return resultDeadLettered
}

func (e *Engine) notifyDelivered(qa model.QueuedAction, outcome model.ActionOutcome) {
	if e.listener != nil {
		e.listener.Delivered(qa, outcome)
	}
}
