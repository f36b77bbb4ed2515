// Package inbox is an in-memory mail store standing in for the primary's
// mail subsystem. It implements both the state provider and the action
// executor the primary sync manager consumes.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/astromechza/inboxsync/pkg/model"
)

var ErrItemNotFound = errors.New("item not found")

type Memory struct {
	mu      sync.RWMutex
	items   []model.Item
	changes chan struct{}
}

func NewMemory(items []model.Item) *Memory {
	return &Memory{items: slices.Clone(items), changes: make(chan struct{}, 1)}
}

// LoadSeed reads a JSON array of items.
func LoadSeed(path string) ([]model.Item, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	var items []model.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode seed %s: %w", path, err)
	}
	return items, nil
}

// GetCurrentState counts unread and urgent items among the visible ones.
func (m *Memory) GetCurrentState(_ context.Context) (model.InboxState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := model.InboxState{Items: slices.Clone(m.items)}
	for _, it := range m.items {
		if !it.Visible() {
			continue
		}
		if it.Unread {
			state.UnreadCount++
		}
		if it.Urgent {
			state.UrgentCount++
		}
	}
	return state, nil
}

// Execute applies kind to the item.
func (m *Memory) Execute(ctx context.Context, kind model.ActionKind, itemID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	i := slices.IndexFunc(m.items, func(it model.Item) bool { return it.ID == itemID })
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if err := model.CheckTransition(m.items[i], kind); err != nil {
		m.mu.Unlock()
		return err
	}
	m.items[i] = model.Apply(m.items[i], kind)
	m.mu.Unlock()
	m.notify()
	return nil
}

// Add delivers a new item, as if mail had arrived.
func (m *Memory) Add(item model.Item) {
	m.mu.Lock()
	m.items = append(m.items, item)
	m.mu.Unlock()
	m.notify()
}

// Changes signals after every mutation. Bursts collapse into one signal.
func (m *Memory) Changes() <-chan struct{} {
	return m.changes
}

func (m *Memory) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// DemoItems is a small inbox with fifteen unread items, one of them item-42.
func DemoItems(now time.Time) []model.Item {
	senders := []string{"Dana Whitfield", "sam@example.org", "Priya Nair", "ops-alerts", "Marco Bianchi", "Lena Fischer"}
	categories := []string{"work", "personal", "alerts", "newsletter"}
	tiers := []model.PriorityTier{model.PriorityHigh, model.PriorityMedium, model.PriorityLow}
	items := make([]model.Item, 0, 20)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("item-%d", 30+i)
		items = append(items, model.Item{
			ID:           id,
			Title:        fmt.Sprintf("Message %d", 30+i),
			SenderName:   senders[i%len(senders)],
			ReceivedAt:   now.Add(-time.Duration(i*37) * time.Minute),
			PriorityTier: tiers[i%len(tiers)],
			Category:     categories[i%len(categories)],
			Unread:       i < 15,
			Urgent:       i%7 == 0,
		})
	}
	return items
}
