package syncmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/store"
)

func TestLedgerReplayAndConflict(t *testing.T) {
	clock := clockwork.NewFakeClock()
	kv := store.NewMemory()
	l := NewLedger(kv, clock, time.Hour, nil)
	ctx := context.Background()
	cmd := model.ActionCommand{RequestID: "r1", Kind: model.ActionArchive, ItemID: "item-42"}

	_, found, err := l.Lookup(cmd)
	require.NoError(t, err)
	assert.False(t, found)

	snap := model.InboxSnapshot{SchemaVersion: 1}
	require.NoError(t, l.Record(ctx, cmd, model.ActionOutcome{RequestID: "r1", Success: true, UpdatedSnapshot: &snap}))
	got, found, err := l.Lookup(cmd)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Success)
	assert.Nil(t, got.UpdatedSnapshot)

	other := cmd
	other.ItemID = "item-43"
	_, _, err = l.Lookup(other)
	assert.True(t, errors.Is(err, ErrPayloadConflict))

	reloaded := NewLedger(kv, clock, time.Hour, nil)
	require.NoError(t, reloaded.Load(ctx))
	_, found, err = reloaded.Lookup(cmd)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestLedgerExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewLedger(store.NewMemory(), clock, time.Hour, nil)
	ctx := context.Background()
	cmd := model.ActionCommand{RequestID: "r1", Kind: model.ActionFlag, ItemID: "a"}
	require.NoError(t, l.Record(ctx, cmd, model.ActionOutcome{RequestID: "r1", Success: true}))

	clock.Advance(time.Hour)
	_, found, err := l.Lookup(cmd)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, l.Record(ctx, model.ActionCommand{RequestID: "r2", Kind: model.ActionFlag, ItemID: "b"}, model.ActionOutcome{RequestID: "r2"}))
	assert.Equal(t, 1, l.Len())
}

func TestLedgerLoadsStoredNull(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	var none map[string]ledgerRecord
	require.NoError(t, store.PutJSON(ctx, kv, ledgerKey, none))

	l := NewLedger(kv, clockwork.NewFakeClock(), time.Hour, nil)
	require.NoError(t, l.Load(ctx))
	assert.Zero(t, l.Len())

	cmd := model.ActionCommand{RequestID: "r1", Kind: model.ActionFlag, ItemID: "item-7"}
	require.NoError(t, l.Record(ctx, cmd, model.ActionOutcome{RequestID: "r1", Success: true}))
	assert.Equal(t, 1, l.Len())
}
