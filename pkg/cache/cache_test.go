package cache

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/store"
)

func snapshot(unread int, generatedAt time.Time) model.InboxSnapshot {
	return model.InboxSnapshot{
		UnreadCount:   unread,
		Items:         []model.ItemSummary{{ID: "item-1", PriorityTier: model.PriorityHigh}},
		GeneratedAt:   generatedAt,
		SchemaVersion: model.SchemaVersion,
	}
}

func TestReadMissing(t *testing.T) {
	c := New(store.NewMemory(), clockwork.NewFakeClock(), time.Hour, nil)
	_, ok := c.Read()
	assert.False(t, ok)
	assert.Equal(t, StatusMissing, c.Status())
}

func TestWriteReplacesAndStampsLocalTime(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	c := New(store.NewMemory(), clock, time.Hour, nil)
	ctx := context.Background()

	// The primary's clock runs a day ahead; receivedAt must ignore it.
	skewed := clock.Now().Add(24 * time.Hour)
	_, err := c.Write(ctx, snapshot(15, skewed))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	entry, err := c.Write(ctx, snapshot(14, skewed))
	require.NoError(t, err)

	got, ok := c.Read()
	require.True(t, ok)
	assert.Equal(t, 14, got.Snapshot.UnreadCount)
	assert.Equal(t, clock.Now(), got.ReceivedAt)
	assert.Equal(t, entry.ReceivedAt, got.ReceivedAt)
	assert.False(t, got.IsStale)
}

func TestStaleExactlyAtWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	window := 24 * time.Hour
	c := New(store.NewMemory(), clock, window, nil)
	_, err := c.Write(context.Background(), snapshot(1, clock.Now()))
	require.NoError(t, err)

	clock.Advance(window - time.Nanosecond)
	entry, _ := c.Read()
	assert.False(t, entry.IsStale)
	assert.Equal(t, StatusFresh, c.Status())

	clock.Advance(time.Nanosecond)
	entry, _ = c.Read()
	assert.True(t, entry.IsStale)
	assert.Equal(t, StatusStale, c.Status())
}

func TestInvalidateIfStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	kv := store.NewMemory()
	c := New(kv, clock, time.Hour, nil)
	ctx := context.Background()

	assert.False(t, c.InvalidateIfStale(ctx))

	_, err := c.Write(ctx, snapshot(3, clock.Now()))
	require.NoError(t, err)
	assert.False(t, c.InvalidateIfStale(ctx))

	clock.Advance(2 * time.Hour)
	assert.True(t, c.InvalidateIfStale(ctx))
	entry, ok := c.Read()
	require.True(t, ok)
	assert.True(t, entry.Invalidated)
	assert.Equal(t, 3, entry.Snapshot.UnreadCount)

	_, err = c.Write(ctx, snapshot(4, clock.Now()))
	require.NoError(t, err)
	entry, _ = c.Read()
	assert.False(t, entry.Invalidated)
}

func TestLoadRestoresPersistedEntry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	kv := store.NewMemory()
	ctx := context.Background()

	first := New(kv, clock, time.Hour, nil)
	_, err := first.Write(ctx, snapshot(9, clock.Now()))
	require.NoError(t, err)

	second := New(kv, clock, time.Hour, nil)
	require.NoError(t, second.Load(ctx))
	entry, ok := second.Read()
	require.True(t, ok)
	assert.Equal(t, 9, entry.Snapshot.UnreadCount)
}

func TestLoadDropsCorruptEntry(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, kv.Put(ctx, entryKey, []byte("{not json")))

	c := New(kv, clockwork.NewFakeClock(), time.Hour, nil)
	require.NoError(t, c.Load(ctx))
	_, ok := c.Read()
	assert.False(t, ok)
	_, found, _ := kv.Get(ctx, entryKey)
	assert.False(t, found)
}
