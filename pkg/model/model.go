// Package model defines the entities exchanged between the primary and the
// secondary node.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the version stamped on every snapshot and persisted value
// produced by this build.
const SchemaVersion = 1

// MaxSnapshotItems bounds the number of item summaries carried in a snapshot.
const MaxSnapshotItems = 50

// PriorityTier is the coarse priority bucket of an inbox item.
type PriorityTier string

const (
	PriorityHigh   PriorityTier = "high"
	PriorityMedium PriorityTier = "medium"
	PriorityLow    PriorityTier = "low"
)

// Rank orders tiers, lower first. Unknown tiers sort last.
func (p PriorityTier) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

func (p PriorityTier) Valid() bool {
	return p.Rank() < 3
}

// ActionKind is a user command issued on the secondary.
type ActionKind string

const (
	ActionArchive    ActionKind = "archive"
	ActionFlag       ActionKind = "flag"
	ActionUnflag     ActionKind = "unflag"
	ActionDelete     ActionKind = "delete"
	ActionMarkRead   ActionKind = "markRead"
	ActionMarkUnread ActionKind = "markUnread"
)

// ActionKinds lists every accepted kind.
var ActionKinds = []ActionKind{ActionArchive, ActionFlag, ActionUnflag, ActionDelete, ActionMarkRead, ActionMarkUnread}

func (k ActionKind) Valid() bool {
	for _, v := range ActionKinds {
		if v == k {
			return true
		}
	}
	return false
}

// ParseActionKind matches kind names case-insensitively.
func ParseActionKind(s string) (ActionKind, error) {
	for _, v := range ActionKinds {
		if strings.EqualFold(string(v), s) {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// ItemSummary is the minimal projection of an inbox item shown on the
// secondary. It is rebuilt wholesale for every snapshot.
type ItemSummary struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	SenderDisplayName  string       `json:"senderDisplayName"`
	SenderInitial      string       `json:"senderInitial"`
	RelativeAge        string       `json:"relativeAge"`
	PriorityTier       PriorityTier `json:"priorityTier"`
	Category           string       `json:"category,omitempty"`
	PrimaryActionLabel string       `json:"primaryActionLabel,omitempty"`
	IsUnread           bool         `json:"isUnread"`
	IsUrgent           bool         `json:"isUrgent"`
}

// InboxSnapshot is a full, replace-semantics projection of inbox state sent
// from the primary to the secondary.
type InboxSnapshot struct {
	UnreadCount   int           `json:"unreadCount"`
	UrgentCount   int           `json:"urgentCount"`
	Items         []ItemSummary `json:"items"`
	GeneratedAt   time.Time     `json:"generatedAt"`
	SchemaVersion int           `json:"schemaVersion"`
}

// Validate reports structural problems that make a snapshot unusable.
func (s InboxSnapshot) Validate() error {
	if s.SchemaVersion <= 0 {
		return fmt.Errorf("schema version %d is not valid", s.SchemaVersion)
	}
	if s.UnreadCount < 0 || s.UrgentCount < 0 {
		return fmt.Errorf("negative counts (unread=%d urgent=%d)", s.UnreadCount, s.UrgentCount)
	}
	if len(s.Items) > MaxSnapshotItems {
		return fmt.Errorf("snapshot carries %d items, limit is %d", len(s.Items), MaxSnapshotItems)
	}
	seen := make(map[string]struct{}, len(s.Items))
	for i, it := range s.Items {
		if it.ID == "" {
			return fmt.Errorf("item %d has no id", i)
		}
		if _, ok := seen[it.ID]; ok {
			return fmt.Errorf("duplicate item id %q", it.ID)
		}
		seen[it.ID] = struct{}{}
		if !it.PriorityTier.Valid() {
			return fmt.Errorf("item %q has unknown priority tier %q", it.ID, it.PriorityTier)
		}
	}
	return nil
}

// Item returns the summary with the given id.
func (s InboxSnapshot) Item(id string) (ItemSummary, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return ItemSummary{}, false
}

// ActionCommand is sent from the secondary to the primary. RequestID is
// generated on the secondary and is both the idempotency key and the reply
// correlation id.
type ActionCommand struct {
	RequestID string     `json:"requestId"`
	Kind      ActionKind `json:"kind"`
	ItemID    string     `json:"itemId"`
	IssuedAt  time.Time  `json:"issuedAt"`
}

func (c ActionCommand) Validate() error {
	if c.RequestID == "" {
		return errors.New("request id is required")
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown action kind %q", c.Kind)
	}
	if c.ItemID == "" {
		return errors.New("item id is required")
	}
	return nil
}

// ActionOutcome is the primary's reply to a single ActionCommand.
type ActionOutcome struct {
	RequestID       string         `json:"requestId"`
	Success         bool           `json:"success"`
	Retryable       bool           `json:"retryable,omitempty"`
	FailureReason   string         `json:"failureReason,omitempty"`
	UpdatedSnapshot *InboxSnapshot `json:"updatedSnapshot,omitempty"`
}

// ActionState is the position of a queued action in the delivery state machine.
type ActionState string

const (
	StatePending  ActionState = "pending"
	StateInFlight ActionState = "inFlight"
)

// QueuedAction wraps a command while it waits for acknowledgement.
type QueuedAction struct {
	Command      ActionCommand `json:"command"`
	EnqueuedAt   time.Time     `json:"enqueuedAt"`
	AttemptCount int           `json:"attemptCount"`
	NextRetryAt  time.Time     `json:"nextRetryAt"`
	State        ActionState   `json:"state"`
	LastError    string        `json:"lastError,omitempty"`
}

// DeadLetter records an action that could not be completed.
type DeadLetter struct {
	Action   QueuedAction `json:"action"`
	Reason   string       `json:"reason"`
	FailedAt time.Time    `json:"failedAt"`
}

// CacheEntry is a locally stored snapshot. ReceivedAt is the local time of the
// write, never the snapshot's GeneratedAt, so clock skew between the devices
// cannot affect staleness.
type CacheEntry struct {
	Snapshot    InboxSnapshot `json:"snapshot"`
	ReceivedAt  time.Time     `json:"receivedAt"`
	IsStale     bool          `json:"isStale"`
	Invalidated bool          `json:"invalidated,omitempty"`
}

// StaleAt is the instant from which the entry counts as stale.
func (e CacheEntry) StaleAt(window time.Duration) time.Time {
	return e.ReceivedAt.Add(window)
}

// IsStaleAt reports whether an entry received at receivedAt is stale at now.
// The boundary is inclusive: at exactly receivedAt+window the entry is stale.
func IsStaleAt(receivedAt, now time.Time, window time.Duration) bool {
	return !now.Before(receivedAt.Add(window))
}
