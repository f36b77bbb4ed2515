package syncmgr

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/inboxsync/pkg/bulk"
	"github.com/astromechza/inboxsync/pkg/cache"
	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/queue"
	"github.com/astromechza/inboxsync/pkg/store"
)

type kickCounter struct{ n int }

func (k *kickCounter) Kick() { k.n++ }

func newSecondary(t *testing.T) (*Secondary, *kickCounter) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	kv := store.NewMemory()
	s := NewSecondary(
		cache.New(kv, clock, time.Hour, nil),
		queue.New(kv, clock, nil),
		nil,
		SecondaryConfig{Clock: clock},
	)
	k := &kickCounter{}
	s.SetKicker(k)
	return s, k
}

func validSnapshot(unread int) model.InboxSnapshot {
	return model.InboxSnapshot{
		UnreadCount:   unread,
		Items:         []model.ItemSummary{{ID: "item-42", PriorityTier: model.PriorityHigh, IsUnread: true}},
		GeneratedAt:   time.Now().UTC(),
		SchemaVersion: model.SchemaVersion,
	}
}

func TestHandleContextDropsInvalidSnapshots(t *testing.T) {
	s, _ := newSecondary(t)
	ctx := context.Background()

	s.HandleContext(ctx, validSnapshot(15))
	bad := validSnapshot(-1)
	s.HandleContext(ctx, bad)
	noVersion := validSnapshot(3)
	noVersion.SchemaVersion = 0
	s.HandleContext(ctx, noVersion)

	entry, ok := s.CurrentSnapshot()
	require.True(t, ok)
	assert.Equal(t, 15, entry.Snapshot.UnreadCount)
	assert.Equal(t, cache.StatusFresh, s.CacheStatus())
}

func TestHandleBulk(t *testing.T) {
	s, _ := newSecondary(t)
	ctx := context.Background()

	s.HandleBulk(ctx, []byte("garbage"))
	_, ok := s.CurrentSnapshot()
	assert.False(t, ok)

	raw, err := bulk.Encode(validSnapshot(9))
	require.NoError(t, err)
	s.HandleBulk(ctx, raw)
	entry, ok := s.CurrentSnapshot()
	require.True(t, ok)
	assert.Equal(t, 9, entry.Snapshot.UnreadCount)
}

func TestSubmitActionQueuesLocally(t *testing.T) {
	s, k := newSecondary(t)
	events, cancel := s.Subscribe(4)
	defer cancel()

	id, err := s.SubmitAction(context.Background(), model.ActionArchive, "item-42")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, s.PendingQueueDepth())
	assert.Equal(t, 1, k.n)
	assert.Equal(t, id, s.Pending()[0].Command.RequestID)

	_, err = s.SubmitAction(context.Background(), "explode", "item-42")
	assert.Error(t, err)

	updated := validSnapshot(14)
	s.Delivered(s.Pending()[0], model.ActionOutcome{RequestID: id, Success: true, UpdatedSnapshot: &updated})

	ev := <-events
	assert.Equal(t, EventSnapshot, ev.Type)
	assert.Equal(t, 14, ev.Entry.Snapshot.UnreadCount)
	ev = <-events
	assert.Equal(t, EventDelivered, ev.Type)
	assert.Equal(t, id, ev.Outcome.RequestID)
	assert.Nil(t, ev.Outcome.UpdatedSnapshot)
}

func TestDeadLetterEvent(t *testing.T) {
	s, _ := newSecondary(t)
	events, cancel := s.Subscribe(1)
	defer cancel()

	dl := model.DeadLetter{Reason: "item not found", FailedAt: time.Now()}
	s.DeadLettered(dl, model.ActionOutcome{RequestID: "r1", FailureReason: "item not found"})
	ev := <-events
	assert.Equal(t, EventDeadLetter, ev.Type)
	assert.Equal(t, "item not found", ev.DeadLetter.Reason)
}

func TestBrokerNeverBlocks(t *testing.T) {
	b := NewBroker(nil)
	slow, cancelSlow := b.Subscribe(1)
	fast, cancelFast := b.Subscribe(8)
	defer cancelFast()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventSnapshot})
	}
	assert.Len(t, slow, 1)
	assert.Len(t, fast, 5)

	cancelSlow()
	cancelSlow()
	_, open := <-slow
	assert.True(t, open)
	_, open = <-slow
	assert.False(t, open)
	b.Publish(Event{Type: EventSnapshot})
	assert.Len(t, fast, 6)
}
