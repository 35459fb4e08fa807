// Package audit defines the maintenance core's outbound event stream.
// External collaborators subscribe to the bus; the sqlite audit trail
// (promotion records, cycle events) is persisted by the store package.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies an audit event.
type Type string

const (
	TypeCycleCompleted       Type = "cycle_completed"
	TypePromotion            Type = "promotion"
	TypePromotionExhausted   Type = "promotion_exhausted"
	TypeIngestRejected       Type = "ingest_rejected"
	TypeSanitizationRejected Type = "sanitization_rejected"
	TypeIndexDrift           Type = "index_drift"
	TypeShutdownForced       Type = "shutdown_forced"
)

// Event is one audit record. Fields carry event-specific detail.
type Event struct {
	ID     string         `json:"id"`
	Type   Type           `json:"type"`
	Time   int64          `json:"time"` // unix milliseconds
	Fields map[string]any `json:"fields,omitempty"`
}

// NewEvent stamps a fresh event.
func NewEvent(t Type, fields map[string]any) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   t,
		Time:   time.Now().UnixMilli(),
		Fields: fields,
	}
}

// Bus fans events out to subscribers. Publishing never blocks maintenance:
// a subscriber that falls behind loses events rather than stalling a cycle.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber. The returned cancel function
// must be called to release the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
