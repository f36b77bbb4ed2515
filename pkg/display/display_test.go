package display

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/astromechza/inboxsync/pkg/api"
	"github.com/astromechza/inboxsync/pkg/bulk"
	"github.com/astromechza/inboxsync/pkg/cache"
	"github.com/astromechza/inboxsync/pkg/model"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAgo(t *testing.T) {
	assert.Equal(t, "just now", Ago(-time.Second))
	assert.Equal(t, "just now", Ago(59*time.Second))
	assert.Equal(t, "5m ago", Ago(5*time.Minute))
	assert.Equal(t, "2h ago", Ago(2*time.Hour+10*time.Minute))
	assert.Equal(t, "3d ago", Ago(72*time.Hour))
}

func TestFreshness(t *testing.T) {
	assert.Contains(t, Freshness(cache.StatusMissing, time.Time{}, now), "no data yet")
	assert.Contains(t, Freshness(cache.StatusFresh, now.Add(-2*time.Hour), now), "last updated 2h ago")
	stale := Freshness(cache.StatusStale, now.Add(-25*time.Hour), now)
	assert.Contains(t, stale, "last updated 1d ago")
	assert.Contains(t, stale, "stale")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "Quarte...", Truncate("Quarterly numbers", 9))
	assert.Equal(t, "Zü", Truncate("Züri", 2))
}

func TestStatus(t *testing.T) {
	var buf bytes.Buffer
	Status(&buf, api.Status{
		Cache:          cache.StatusStale,
		ReceivedAt:     now.Add(-30 * time.Hour),
		UnreadCount:    14,
		PendingActions: 2,
		DeadLetters:    1,
		Now:            now,
	})
	out := buf.String()
	assert.Contains(t, out, "primary unreachable")
	assert.Contains(t, out, "Unread:   14")
	assert.Contains(t, out, "last updated 1d ago (stale)")
	assert.Contains(t, out, "Pending:        2")
}

func TestStatusWithoutData(t *testing.T) {
	var buf bytes.Buffer
	Status(&buf, api.Status{Cache: cache.StatusMissing, Reachable: true, ReachableSince: now.Add(-5 * time.Minute), Now: now})
	out := buf.String()
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "since 5m ago")
	assert.Contains(t, out, "no data yet")
	assert.NotContains(t, out, "Unread")
}

func TestSnapshot(t *testing.T) {
	var buf bytes.Buffer
	entry := model.CacheEntry{
		ReceivedAt: now.Add(-time.Minute),
		Snapshot: model.InboxSnapshot{
			UnreadCount: 1,
			Items: []model.ItemSummary{{
				ID: "item-42", Title: "Quarterly numbers", SenderDisplayName: "Dana Whitfield", SenderInitial: "D",
				RelativeAge: "3h", PriorityTier: model.PriorityHigh, PrimaryActionLabel: "Reply", IsUnread: true, IsUrgent: true,
			}},
		},
	}
	Snapshot(&buf, entry, cache.StatusFresh, now)
	out := buf.String()
	assert.Contains(t, out, "Inbox (1 unread, 0 urgent)")
	assert.Contains(t, out, "item-42")
	assert.Contains(t, out, "Dana Whitfield")
	assert.Contains(t, out, "Reply")

	buf.Reset()
	Snapshot(&buf, model.CacheEntry{ReceivedAt: now}, cache.StatusFresh, now)
	assert.Contains(t, buf.String(), "nothing to show")
}

func TestQueueAndDeadLetters(t *testing.T) {
	qa := model.QueuedAction{
		Command:      model.ActionCommand{RequestID: "req-1", Kind: model.ActionArchive, ItemID: "item-42"},
		EnqueuedAt:   now.Add(-10 * time.Minute),
		AttemptCount: 2,
		LastError:    "peer unreachable",
	}
	var buf bytes.Buffer
	Queue(&buf, []model.QueuedAction{qa}, now)
	out := buf.String()
	assert.Contains(t, out, "Pending actions (1)")
	assert.Contains(t, out, "archive")
	assert.Contains(t, out, "queued 10m ago")
	assert.Contains(t, out, "attempts=2")

	buf.Reset()
	DeadLetters(&buf, []model.DeadLetter{{Action: qa, Reason: "item no longer exists", FailedAt: now}}, now)
	out = buf.String()
	assert.Contains(t, out, "Failed actions (1)")
	assert.Contains(t, out, "item no longer exists")
	assert.Contains(t, out, "req-1")
}

func TestHistory(t *testing.T) {
	var buf bytes.Buffer
	History(&buf, []bulk.Revision{{
		Hash: "0123456789abcdef", Actor: "fedcba9876543210", Seq: 3, UnreadCount: 15, Items: 20, Time: now,
		Dependencies: []string{"aaaaaaaabbbbbbbb"},
	}})
	out := buf.String()
	assert.Contains(t, out, "Backfill history (1 changes)")
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "fedcba98@3")
	assert.Contains(t, out, "unread=15 items=20")
	assert.Contains(t, out, "aaaaaaaa")
}
