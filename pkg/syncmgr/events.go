package syncmgr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/inboxsync/pkg/model"
)

type EventType string

const (
	EventSnapshot     EventType = "snapshot"
	EventDelivered    EventType = "delivered"
	EventDeadLetter   EventType = "deadLetter"
	EventReachability EventType = "reachability"
)

// Event is what the UI subscribes to. Only the fields for Type are set.
type Event struct {
	Type       EventType            `json:"type"`
	Entry      *model.CacheEntry    `json:"entry,omitempty"`
	Outcome    *model.ActionOutcome `json:"outcome,omitempty"`
	DeadLetter *model.DeadLetter    `json:"deadLetter,omitempty"`
	Reachable  *bool                `json:"reachable,omitempty"`
	Since      time.Time            `json:"since,omitzero"`
}

// Broker fans events out to subscribers without ever blocking the publisher.
type Broker struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBroker(log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{log: log, subs: map[int]chan Event{}}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room for it. Full subscribers
// miss the event.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("subscriber is not keeping up, dropped event", "subscriber", id, "type", ev.Type)
		}
	}
}
