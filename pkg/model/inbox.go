package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when an action cannot be applied to an
// item in its current state.
var ErrIllegalTransition = errors.New("illegal state transition")

// Item is the primary's full view of an inbox item.
type Item struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	SenderName   string       `json:"senderName"`
	SenderAddr   string       `json:"senderAddr,omitempty"`
	ReceivedAt   time.Time    `json:"receivedAt"`
	PriorityTier PriorityTier `json:"priorityTier"`
	Category     string       `json:"category,omitempty"`
	Unread       bool         `json:"unread"`
	Urgent       bool         `json:"urgent"`
	Flagged      bool         `json:"flagged,omitempty"`
	Archived     bool         `json:"archived,omitempty"`
	Deleted      bool         `json:"deleted,omitempty"`
}

// Visible reports whether the item belongs in the inbox view.
func (i Item) Visible() bool {
	return !i.Archived && !i.Deleted
}

// InboxState is what the primary's mail subsystem reports when asked for the
// current inbox.
type InboxState struct {
	UnreadCount int    `json:"unreadCount"`
	UrgentCount int    `json:"urgentCount"`
	Items       []Item `json:"items"`
}

// Find returns the item with the given id, including hidden ones.
func (s InboxState) Find(id string) (Item, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// CheckTransition validates kind against the current state of item. A deleted
// item accepts nothing further; deletion cannot be undone from the secondary.
func CheckTransition(item Item, kind ActionKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrIllegalTransition, kind)
	}
	if item.Deleted {
		return fmt.Errorf("%w: item %s is deleted", ErrIllegalTransition, item.ID)
	}
	return nil
}

// Apply returns item with kind applied. Callers check CheckTransition first.
func Apply(item Item, kind ActionKind) Item {
	switch kind {
	case ActionArchive:
		item.Archived = true
	case ActionFlag:
		item.Flagged = true
	case ActionUnflag:
		item.Flagged = false
	case ActionDelete:
		item.Deleted = true
	case ActionMarkRead:
		item.Unread = false
	case ActionMarkUnread:
		item.Unread = true
	}
	return item
}

// RelativeAge renders d the way the secondary shows item ages.
func RelativeAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	default:
		return fmt.Sprintf("%dw", int(d.Hours()/(24*7)))
	}
}
