package syncmgr

import (
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/astromechza/inboxsync/pkg/model"
)

// actionLabels maps an item category to the one action the secondary offers
// for it.
var actionLabels = map[string]string{
	"work":       "Reply",
	"personal":   "Reply",
	"alerts":     "Acknowledge",
	"newsletter": "Archive",
	"promotions": "Archive",
	"finance":    "Review",
	"travel":     "View",
}

// BuildSnapshot projects state for the secondary. Archived and deleted items
// are hidden; the rest are ordered by priority tier and then newest first,
// and at most limit of them are kept. Items without an id are dropped, and of
// items sharing an id only the first in display order is kept. Counts come
// from the provider unchanged.
func BuildSnapshot(state model.InboxState, now time.Time, limit int) model.InboxSnapshot {
	if limit <= 0 || limit > model.MaxSnapshotItems {
		limit = model.MaxSnapshotItems
	}
	visible := make([]model.Item, 0, len(state.Items))
	for _, it := range state.Items {
		if it.Visible() {
			visible = append(visible, it)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool {
		a, b := visible[i], visible[j]
		if a.PriorityTier.Rank() != b.PriorityTier.Rank() {
			return a.PriorityTier.Rank() < b.PriorityTier.Rank()
		}
		return a.ReceivedAt.After(b.ReceivedAt)
	})
	seen := make(map[string]struct{}, len(visible))
	kept := visible[:0]
	for _, it := range visible {
		if it.ID == "" {
			slog.Warn("dropping inbox item without an id", "title", it.Title)
			continue
		}
		if _, dup := seen[it.ID]; dup {
			slog.Warn("dropping inbox item with duplicate id", "id", it.ID)
			continue
		}
		seen[it.ID] = struct{}{}
		kept = append(kept, it)
	}
	visible = kept
	if len(visible) > limit {
		visible = visible[:limit]
	}

	snap := model.InboxSnapshot{
		UnreadCount:   state.UnreadCount,
		UrgentCount:   state.UrgentCount,
		Items:         make([]model.ItemSummary, 0, len(visible)),
		GeneratedAt:   now.UTC(),
		SchemaVersion: model.SchemaVersion,
	}
	for _, it := range visible {
		name := displayName(it)
		tier := it.PriorityTier
		if !tier.Valid() {
			tier = model.PriorityLow
		}
		snap.Items = append(snap.Items, model.ItemSummary{
			ID:                 it.ID,
			Title:              it.Title,
			SenderDisplayName:  name,
			SenderInitial:      initial(name),
			RelativeAge:        model.RelativeAge(max(now.Sub(it.ReceivedAt), 0)),
			PriorityTier:       tier,
			Category:           it.Category,
			PrimaryActionLabel: actionLabel(it.Category),
			IsUnread:           it.Unread,
			IsUrgent:           it.Urgent,
		})
	}
	return snap
}

func displayName(it model.Item) string {
	switch {
	case strings.TrimSpace(it.SenderName) != "":
		return strings.TrimSpace(it.SenderName)
	case it.SenderAddr != "":
		return it.SenderAddr
	default:
		return "Unknown sender"
	}
}

// initial is the first letter or digit of name, upper-cased.
func initial(name string) string {
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return string(unicode.ToUpper(r))
		}
	}
	return "?"
}

func actionLabel(category string) string {
	if l, ok := actionLabels[strings.ToLower(category)]; ok {
		return l
	}
	return "Open"
}
