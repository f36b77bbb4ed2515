package syncmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/inboxsync/pkg/bulk"
	"github.com/astromechza/inboxsync/pkg/inbox"
	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/store"
	"github.com/astromechza/inboxsync/pkg/transport"
)

// countingExecutor wraps an executor, counts calls and can fail on demand.
type countingExecutor struct {
	Executor
	mu    sync.Mutex
	calls int
	fail  error
}

func (c *countingExecutor) Execute(ctx context.Context, kind model.ActionKind, itemID string) error {
	c.mu.Lock()
	c.calls++
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return fail
	}
	return c.Executor.Execute(ctx, kind, itemID)
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// sink records what reaches the secondary end of the link.
type sink struct {
	transport.BaseHandler
	mu        sync.Mutex
	snapshots []model.InboxSnapshot
	bulk      [][]byte
}

func (s *sink) HandleContext(_ context.Context, snap model.InboxSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
}

func (s *sink) HandleBulk(_ context.Context, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulk = append(s.bulk, payload)
}

func (s *sink) pushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

type primaryFixture struct {
	primary  *Primary
	inbox    *inbox.Memory
	executor *countingExecutor
	link     *transport.MemoryLink
	sink     *sink
	kv       store.KV
}

func newPrimaryFixture(t *testing.T, cfg PrimaryConfig) *primaryFixture {
	t.Helper()
	mem := inbox.NewMemory(inbox.DemoItems(time.Now()))
	exec := &countingExecutor{Executor: mem}
	link := transport.NewMemoryLink(time.Second)
	kv := store.NewMemory()
	p := NewPrimary(mem, exec, link.Primary(), kv, cfg)
	link.Primary().Attach(p)
	s := &sink{}
	link.Secondary().Attach(s)
	link.SetReachable(true)
	require.NoError(t, p.Load(context.Background()))
	return &primaryFixture{primary: p, inbox: mem, executor: exec, link: link, sink: s, kv: kv}
}

func archive(id string) model.ActionCommand {
	return model.ActionCommand{RequestID: id, Kind: model.ActionArchive, ItemID: "item-42", IssuedAt: time.Now()}
}

func TestHandleRequestAppliesOnce(t *testing.T) {
	f := newPrimaryFixture(t, PrimaryConfig{})
	ctx := context.Background()

	first := f.primary.HandleRequest(ctx, archive("r1"))
	require.True(t, first.Success, first.FailureReason)
	require.NotNil(t, first.UpdatedSnapshot)
	assert.Equal(t, 14, first.UpdatedSnapshot.UnreadCount)
	_, visible := first.UpdatedSnapshot.Item("item-42")
	assert.False(t, visible)

	replay := f.primary.HandleRequest(ctx, archive("r1"))
	assert.True(t, replay.Success)
	require.NotNil(t, replay.UpdatedSnapshot)
	assert.Equal(t, 14, replay.UpdatedSnapshot.UnreadCount)
	assert.Equal(t, 1, f.executor.count())
}

func TestHandleRequestConcurrentDuplicates(t *testing.T) {
	f := newPrimaryFixture(t, PrimaryConfig{})
	wg := new(sync.WaitGroup)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := f.primary.HandleRequest(context.Background(), archive("r1"))
			assert.True(t, outcome.Success)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.executor.count())
}

func TestHandleRequestRejections(t *testing.T) {
	f := newPrimaryFixture(t, PrimaryConfig{})
	ctx := context.Background()

	missing := f.primary.HandleRequest(ctx, model.ActionCommand{RequestID: "r1", Kind: model.ActionFlag, ItemID: "item-999"})
	assert.False(t, missing.Success)
	assert.False(t, missing.Retryable)
	assert.Contains(t, missing.FailureReason, "item not found")

	conflict := f.primary.HandleRequest(ctx, model.ActionCommand{RequestID: "r1", Kind: model.ActionFlag, ItemID: "item-42"})
	assert.False(t, conflict.Success)
	assert.Contains(t, conflict.FailureReason, "different payload")

	require.True(t, f.primary.HandleRequest(ctx, model.ActionCommand{RequestID: "r2", Kind: model.ActionDelete, ItemID: "item-31"}).Success)
	illegal := f.primary.HandleRequest(ctx, model.ActionCommand{RequestID: "r3", Kind: model.ActionMarkRead, ItemID: "item-31"})
	assert.False(t, illegal.Success)
	assert.False(t, illegal.Retryable)

	malformed := f.primary.HandleRequest(ctx, model.ActionCommand{RequestID: "r4", Kind: "explode", ItemID: "item-42"})
	assert.False(t, malformed.Success)
	assert.Equal(t, 1, f.executor.count())
}

func TestHandleRequestTransientFailureIsNotRecorded(t *testing.T) {
	f := newPrimaryFixture(t, PrimaryConfig{})
	ctx := context.Background()

	f.executor.fail = errors.New("imap connection reset")
	outcome := f.primary.HandleRequest(ctx, archive("r1"))
	assert.False(t, outcome.Success)
	assert.True(t, outcome.Retryable)

	f.executor.fail = nil
	outcome = f.primary.HandleRequest(ctx, archive("r1"))
	assert.True(t, outcome.Success)
	assert.Equal(t, 2, f.executor.count())
}

func TestRunCoalescesMutationBursts(t *testing.T) {
	f := newPrimaryFixture(t, PrimaryConfig{PushInterval: time.Hour, CoalesceWindow: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.primary.Run(ctx) }()

	require.Eventually(t, func() bool { return f.sink.pushes() == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 5; i++ {
		f.primary.NotifyMutation()
		f.inbox.Add(model.Item{ID: "new-" + string(rune('a'+i)), SenderName: "n", PriorityTier: model.PriorityHigh, ReceivedAt: time.Now(), Unread: true})
	}
	require.Eventually(t, func() bool { return f.sink.pushes() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 2, f.sink.pushes())

	last, ok := f.primary.LastPushed()
	require.True(t, ok)
	assert.Equal(t, 20, last.UnreadCount)
}

func TestRefreshFullSendsBackfill(t *testing.T) {
	f := newPrimaryFixture(t, PrimaryConfig{})
	ctx := context.Background()

	f.primary.HandleRefresh(ctx, true)
	f.primary.HandleRefresh(ctx, false)
	require.Len(t, f.sink.bulk, 1)
	assert.Equal(t, 1, f.sink.pushes())

	snap, err := bulk.Decode(f.sink.bulk[0])
	require.NoError(t, err)
	assert.Equal(t, 15, snap.UnreadCount)

	doc, ok, err := LoadBulkDoc(ctx, f.kv)
	require.NoError(t, err)
	require.True(t, ok)
	history, err := doc.History()
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
