package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/store"
)

func command(id, item string) model.ActionCommand {
	return model.ActionCommand{RequestID: id, Kind: model.ActionArchive, ItemID: item, IssuedAt: time.Unix(1700000000, 0).UTC()}
}

func requestIDs(actions []model.QueuedAction) []string {
	out := make([]string, 0, len(actions))
	for _, qa := range actions {
		out = append(out, qa.Command.RequestID)
	}
	return out
}

func TestEnqueueKeepsFIFO(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := New(store.NewMemory(), clock, nil)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		_, err := q.Enqueue(ctx, command(id, "item-"+id))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	assert.Equal(t, []string{"r1", "r2", "r3"}, requestIDs(q.Pending()))
	assert.Equal(t, 3, q.Len())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "r1", head.Command.RequestID)
	assert.Equal(t, model.StatePending, head.State)
	assert.Zero(t, head.AttemptCount)

	got, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", got.Command.RequestID)
	assert.Equal(t, []string{"r2", "r3"}, requestIDs(q.Pending()))
}

func TestEnqueueRejectsInvalidAndDuplicate(t *testing.T) {
	q := New(store.NewMemory(), clockwork.NewFakeClock(), nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, model.ActionCommand{RequestID: "r1", Kind: "explode", ItemID: "x"})
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, command("r1", "item-1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, command("r1", "item-1"))
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestAttemptLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := New(store.NewMemory(), clock, nil)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, command("r1", "item-1"))
	require.NoError(t, err)

	qa, err := q.BeginAttempt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StateInFlight, qa.State)
	assert.Equal(t, 1, qa.AttemptCount)

	retryAt := clock.Now().Add(2 * time.Second)
	qa, dl, err := q.MarkFailed(ctx, "r1", false, "timeout", retryAt)
	require.NoError(t, err)
	assert.Nil(t, dl)
	assert.Equal(t, model.StatePending, qa.State)
	assert.Equal(t, retryAt, qa.NextRetryAt)
	assert.Equal(t, "timeout", qa.LastError)

	_, err = q.BeginAttempt(ctx, "r1")
	require.NoError(t, err)
	acked, err := q.Ack(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, acked.AttemptCount)
	assert.Zero(t, q.Len())

	_, err = q.Ack(ctx, "r1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPermanentFailureMovesToDeadLetters(t *testing.T) {
	q := New(store.NewMemory(), clockwork.NewFakeClock(), nil)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, command("r1", "item-1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, command("r2", "item-2"))
	require.NoError(t, err)

	_, dl, err := q.MarkFailed(ctx, "r1", true, "item not found", time.Time{})
	require.NoError(t, err)
	require.NotNil(t, dl)
	assert.Equal(t, "item not found", dl.Reason)
	assert.Equal(t, []string{"r2"}, requestIDs(q.Pending()))
	require.Len(t, q.DeadLetters(), 1)

	require.NoError(t, q.Dismiss(ctx, "r1"))
	assert.Empty(t, q.DeadLetters())
	assert.True(t, errors.Is(q.Dismiss(ctx, "r1"), ErrNotFound))
}

func TestLoadRecoversInFlight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	kv, err := store.OpenSQLite(path)
	require.NoError(t, err)
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	q := New(kv, clock, nil)
	_, err = q.Enqueue(ctx, command("r1", "item-1"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = q.Enqueue(ctx, command("r2", "item-1"))
	require.NoError(t, err)
	_, err = q.BeginAttempt(ctx, "r1")
	require.NoError(t, err)
	_, _, err = q.MarkFailed(ctx, "r2", true, "rejected", time.Time{})
	require.NoError(t, err)
	require.NoError(t, kv.Close())

	kv, err = store.OpenSQLite(path)
	require.NoError(t, err)
	defer kv.Close()
	restored := New(kv, clock, nil)
	require.NoError(t, restored.Load(ctx))

	pending := restored.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, model.StatePending, pending[0].State)
	assert.Equal(t, 1, pending[0].AttemptCount)
	require.Len(t, restored.DeadLetters(), 1)
	assert.Equal(t, "r2", restored.DeadLetters()[0].Action.Command.RequestID)
}

type failingKV struct {
	store.KV
	fail bool
}

func (f *failingKV) Put(ctx context.Context, key string, value []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.KV.Put(ctx, key, value)
}

func TestFailedPersistLeavesStateUntouched(t *testing.T) {
	kv := &failingKV{KV: store.NewMemory()}
	q := New(kv, clockwork.NewFakeClock(), nil)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, command("r1", "item-1"))
	require.NoError(t, err)

	kv.fail = true
	_, err = q.Enqueue(ctx, command("r2", "item-2"))
	assert.Error(t, err)
	_, err = q.BeginAttempt(ctx, "r1")
	assert.Error(t, err)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, model.StatePending, pending[0].State)
	assert.Zero(t, pending[0].AttemptCount)
}

func TestLoadSetsAsideCorruptState(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	garbage := []byte(`{"schemaVersion":1,"data":[{"command":`)
	require.NoError(t, kv.Put(ctx, actionsKey, garbage))
	require.NoError(t, kv.Put(ctx, deadLetterKey, []byte("not json")))

	q := New(kv, clockwork.NewFakeClock(), nil)
	require.NoError(t, q.Load(ctx))
	assert.Zero(t, q.Len())
	assert.Empty(t, q.DeadLetters())

	kept, ok, err := kv.Get(ctx, actionsKey+".corrupt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, garbage, kept)
	_, ok, err = kv.Get(ctx, deadLetterKey+".corrupt")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = kv.Get(ctx, actionsKey)
	require.NoError(t, err)
	assert.False(t, ok)

	// the queue works again and a reload sees only the new state
	_, err = q.Enqueue(ctx, command("r1", "item-1"))
	require.NoError(t, err)
	reloaded := New(kv, clockwork.NewFakeClock(), nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, []string{"r1"}, requestIDs(reloaded.Pending()))
}
