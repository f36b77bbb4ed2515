// Package bulk encodes backfill snapshots as automerge documents. The primary
// keeps one document and commits every backfill to it, so the payload sent to
// the secondary also carries the backfill history.
package bulk

import (
	"fmt"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/syncerr"
)

// MaxChanges is the history length after which Record starts a new document.
const MaxChanges = 256

type Doc struct {
	doc *automerge.Doc
}

func NewDoc() *Doc {
	return &Doc{doc: automerge.New()}
}

// Load parses a saved document. Undecodable input is Corrupt.
func Load(raw []byte) (*Doc, error) {
	if len(raw) == 0 {
		return nil, syncerr.Corrupt("bulk document", fmt.Errorf("empty payload"))
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, syncerr.Corrupt("bulk document", err)
	}
	return &Doc{doc: doc}, nil
}

func (d *Doc) Save() []byte {
	return d.doc.Save()
}

// Record writes snap as the document's new state and commits it.
func (d *Doc) Record(snap model.InboxSnapshot) (string, error) {
	if changes, err := d.doc.Changes(); err == nil && len(changes) >= MaxChanges {
		d.doc = automerge.New()
	}
	items := make([]interface{}, 0, len(snap.Items))
	for _, it := range snap.Items {
		items = append(items, map[string]interface{}{
			"id":                 it.ID,
			"title":              it.Title,
			"senderDisplayName":  it.SenderDisplayName,
			"senderInitial":      it.SenderInitial,
			"relativeAge":        it.RelativeAge,
			"priorityTier":       string(it.PriorityTier),
			"category":           it.Category,
			"primaryActionLabel": it.PrimaryActionLabel,
			"isUnread":           it.IsUnread,
			"isUrgent":           it.IsUrgent,
		})
	}
	fields := []struct {
		key   string
		value interface{}
	}{
		{"schemaVersion", int64(snap.SchemaVersion)},
		{"unreadCount", int64(snap.UnreadCount)},
		{"urgentCount", int64(snap.UrgentCount)},
		{"generatedAt", snap.GeneratedAt},
		{"items", items},
	}
	for _, f := range fields {
		if err := d.doc.Path(f.key).Set(f.value); err != nil {
			return "", fmt.Errorf("failed to set %s: %w", f.key, err)
		}
	}
	hash, err := d.doc.Commit(fmt.Sprintf("backfill unread=%d items=%d", snap.UnreadCount, len(snap.Items)))
	if err != nil {
		return "", fmt.Errorf("failed to commit backfill: %w", err)
	}
	return hash.String(), nil
}

// Snapshot reads the current state back out of the document.
func (d *Doc) Snapshot() (model.InboxSnapshot, error) {
	snap, err := readSnapshot(d.doc)
	if err != nil {
		return model.InboxSnapshot{}, syncerr.Corrupt("bulk document", err)
	}
	if err := snap.Validate(); err != nil {
		return model.InboxSnapshot{}, syncerr.Corrupt("bulk snapshot", err)
	}
	return snap, nil
}

// Encode is a one-shot document holding just snap.
func Encode(snap model.InboxSnapshot) ([]byte, error) {
	d := NewDoc()
	if _, err := d.Record(snap); err != nil {
		return nil, err
	}
	return d.Save(), nil
}

// Decode loads a payload and returns the snapshot it carries.
func Decode(raw []byte) (model.InboxSnapshot, error) {
	d, err := Load(raw)
	if err != nil {
		return model.InboxSnapshot{}, err
	}
	return d.Snapshot()
}

// Revision is one commit in the document history.
type Revision struct {
	Hash         string
	Dependencies []string
	Actor        string
	Seq          uint64
	Message      string
	Time         time.Time
	UnreadCount  int
	Items        int
}

// History lists the document's commits in causal order with the unread count
// and item count as of each one.
func (d *Doc) History() ([]Revision, error) {
	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Revision, 0, len(changes))
	for _, change := range changes {
		rev := Revision{
			Hash:    change.Hash().String(),
			Actor:   change.ActorID(),
			Seq:     change.ActorSeq(),
			Message: change.Message(),
			Time:    change.Timestamp(),
		}
		for _, dep := range change.Dependencies() {
			rev.Dependencies = append(rev.Dependencies, dep.String())
		}
		docAt, err := d.doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", rev.Hash, err)
		}
		if rev.UnreadCount, err = getInt(docAt, "unreadCount"); err != nil {
			return nil, err
		}
		rev.Items = docAt.Path("items").List().Len()
		out = append(out, rev)
	}
	return out, nil
}

func readSnapshot(doc *automerge.Doc) (model.InboxSnapshot, error) {
	var snap model.InboxSnapshot
	var err error
	if snap.SchemaVersion, err = getInt(doc, "schemaVersion"); err != nil {
		return snap, err
	}
	if snap.UnreadCount, err = getInt(doc, "unreadCount"); err != nil {
		return snap, err
	}
	if snap.UrgentCount, err = getInt(doc, "urgentCount"); err != nil {
		return snap, err
	}
	if snap.GeneratedAt, err = getTime(doc, "generatedAt"); err != nil {
		return snap, err
	}
	n := doc.Path("items").List().Len()
	if n > model.MaxSnapshotItems {
		return snap, fmt.Errorf("document carries %d items", n)
	}
	snap.Items = make([]model.ItemSummary, 0, n)
	for i := 0; i < n; i++ {
		it, err := readItem(doc, i)
		if err != nil {
			return snap, err
		}
		snap.Items = append(snap.Items, it)
	}
	return snap, nil
}

func readItem(doc *automerge.Doc, i int) (model.ItemSummary, error) {
	var it model.ItemSummary
	var tier string
	strs := []struct {
		key string
		dst *string
	}{
		{"id", &it.ID},
		{"title", &it.Title},
		{"senderDisplayName", &it.SenderDisplayName},
		{"senderInitial", &it.SenderInitial},
		{"relativeAge", &it.RelativeAge},
		{"priorityTier", &tier},
		{"category", &it.Category},
		{"primaryActionLabel", &it.PrimaryActionLabel},
	}
	for _, s := range strs {
		v, err := getString(doc, "items", i, s.key)
		if err != nil {
			return it, err
		}
		*s.dst = v
	}
	it.PriorityTier = model.PriorityTier(tier)
	var err error
	if it.IsUnread, err = getBool(doc, "items", i, "isUnread"); err != nil {
		return it, err
	}
	if it.IsUrgent, err = getBool(doc, "items", i, "isUrgent"); err != nil {
		return it, err
	}
	return it, nil
}

func get(doc *automerge.Doc, path ...interface{}) (interface{}, error) {
	v, err := doc.Path(path...).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %w", path, err)
	}
	return v.Interface(), nil
}

func getString(doc *automerge.Doc, path ...interface{}) (string, error) {
	raw, err := get(doc, path...)
	if err != nil {
		return "", err
	}
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("%v: expected string, got %T", path, raw)
	}
}

func getInt(doc *automerge.Doc, path ...interface{}) (int, error) {
	raw, err := get(doc, path...)
	if err != nil {
		return 0, err
	}
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("%v: expected number, got %T", path, raw)
	}
}

func getBool(doc *automerge.Doc, path ...interface{}) (bool, error) {
	raw, err := get(doc, path...)
	if err != nil {
		return false, err
	}
	switch v := raw.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("%v: expected bool, got %T", path, raw)
	}
}

func getTime(doc *automerge.Doc, path ...interface{}) (time.Time, error) {
	raw, err := get(doc, path...)
	if err != nil {
		return time.Time{}, err
	}
	switch v := raw.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%v: expected timestamp, got %T", path, raw)
	}
}
