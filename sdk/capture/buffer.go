package capture

import (
	"sync"
	"time"
)

const DefaultRetention = 5 * time.Minute

// Buffer keeps the events observed within the retention window. Old events are
// pruned lazily on Push and Snapshot; there is no size cap.
type Buffer struct {
	mu        sync.Mutex
	retention time.Duration
	now       func() time.Time
	events    []Event
}

func NewBuffer(retention time.Duration) *Buffer {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Buffer{
		retention: retention,
		now:       time.Now,
	}
}

// WithClock replaces the time source, used by tests.
func (b *Buffer) WithClock(now func() time.Time) *Buffer {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

func (b *Buffer) Push(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune()
	b.events = append(b.events, event)
}

// Snapshot returns a copy of the retained events in insertion order.
func (b *Buffer) Snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune()
	snapshot := make([]Event, len(b.events))
	copy(snapshot, b.events)
	return snapshot
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *Buffer) prune() {
	cutoff := b.now().Add(-b.retention)
	kept := b.events[:0]
	for _, event := range b.events {
		if !event.Timestamp.Before(cutoff) {
			kept = append(kept, event)
		}
	}
	for index := len(kept); index < len(b.events); index++ {
		b.events[index] = Event{}
	}
	b.events = kept
}
