package memory

import (
	"sync"
	"time"
)

// EventType identifies a lifecycle notification.
type EventType string

const (
	EventCompressionStarted   EventType = "compression_started"
	EventCompressionCompleted EventType = "compression_completed"
	EventContextReset         EventType = "context_reset"
	EventOverflowWarning      EventType = "overflow_warning"
	EventSessionStarted       EventType = "session_started"
	EventSessionClosed        EventType = "session_closed"
)

// Event is a lifecycle notification emitted by the compression state machine
// and the assembler.
type Event struct {
	Type      EventType
	SessionID string
	Turn      int
	Detail    string
	Timestamp time.Time
}

// Bus fans lifecycle events out to subscribers. Publishing never blocks: a
// subscriber that stops draining loses events rather than stalling
// compaction.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns an event channel and an unsubscribe func.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers the event to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
