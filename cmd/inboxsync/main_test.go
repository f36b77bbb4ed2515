package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/inboxsync/pkg/bulk"
	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/syncmgr"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	t.Setenv("CONFIG_PATH", "")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return buf.String()
}

func TestVersion(t *testing.T) {
	assert.Contains(t, execute(t, "version"), "inboxsync version dev")
}

func TestBulkInspect(t *testing.T) {
	doc := bulk.NewDoc()
	_, err := doc.Record(model.InboxSnapshot{
		UnreadCount:   4,
		UrgentCount:   1,
		GeneratedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SchemaVersion: model.SchemaVersion,
		Items:         []model.ItemSummary{{ID: "item-42", Title: "Quarterly numbers", PriorityTier: model.PriorityHigh}},
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "backfill.automerge")
	require.NoError(t, os.WriteFile(path, doc.Save(), 0o644))

	out := execute(t, "bulk", "inspect", path)
	assert.Contains(t, out, "Backfill history")
	assert.Contains(t, out, "unread=4 items=1")
	assert.Contains(t, out, "latest: 4 unread, 1 urgent, 1 items")
}

func TestDescribeEvent(t *testing.T) {
	up, down := true, false
	assert.Equal(t, "primary reachable", describeEvent(syncmgr.Event{Type: syncmgr.EventReachability, Reachable: &up}))
	assert.Equal(t, "primary unreachable", describeEvent(syncmgr.Event{Type: syncmgr.EventReachability, Reachable: &down}))
	assert.Contains(t, describeEvent(syncmgr.Event{
		Type:  syncmgr.EventSnapshot,
		Entry: &model.CacheEntry{Snapshot: model.InboxSnapshot{UnreadCount: 14}},
	}), "14 unread")
	assert.Contains(t, describeEvent(syncmgr.Event{
		Type: syncmgr.EventDeadLetter,
		DeadLetter: &model.DeadLetter{
			Action: model.QueuedAction{Command: model.ActionCommand{Kind: model.ActionArchive, ItemID: "item-42"}},
			Reason: "item no longer exists",
		},
	}), "archive item-42: item no longer exists")
}
