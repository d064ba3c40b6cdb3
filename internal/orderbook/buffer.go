package orderbook

// DefaultBufferCapacity bounds how many diff events are held while a book
// is not ready.
const DefaultBufferCapacity = 5000

// EventBuffer is a bounded FIFO of diff events held while the book is not
// synchronized. When full, the oldest entry is evicted to make room. Like
// Book it has a single owner and no locking.
type EventBuffer struct {
	events   []DiffEvent
	capacity int
	evicted  int
}

func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &EventBuffer{capacity: capacity}
}

func (b *EventBuffer) Len() int      { return len(b.events) }
func (b *EventBuffer) Capacity() int { return b.capacity }

// Evicted is the number of events dropped for capacity since creation.
func (b *EventBuffer) Evicted() int { return b.evicted }

// Push appends ev, first evicting the oldest entry when the buffer is full.
// It reports whether an eviction happened.
func (b *EventBuffer) Push(ev DiffEvent) (evicted bool) {
	if len(b.events) >= b.capacity {
		b.events[0] = DiffEvent{}
		b.events = b.events[1:]
		b.evicted++
		evicted = true
	}
	b.events = append(b.events, ev)
	return evicted
}

// DrainFrom removes and returns every entry from the first one matching
// match to the end, in order. Entries ahead of the match stay buffered.
// It returns nil when nothing matches.
func (b *EventBuffer) DrainFrom(match func(DiffEvent) bool) []DiffEvent {
	for i, ev := range b.events {
		if !match(ev) {
			continue
		}
		out := make([]DiffEvent, len(b.events)-i)
		copy(out, b.events[i:])
		clear(b.events[i:])
		b.events = b.events[:i]
		return out
	}
	return nil
}

// DiscardUpTo removes every entry whose final update id is <= id and
// returns how many were removed.
func (b *EventBuffer) DiscardUpTo(id int64) int {
	kept := b.events[:0]
	for _, ev := range b.events {
		if ev.FinalUpdateID > id {
			kept = append(kept, ev)
		}
	}
	removed := len(b.events) - len(kept)
	clear(b.events[len(kept):])
	b.events = kept
	return removed
}

// Requeue puts events back at the head of the buffer, ahead of anything
// buffered since they were drained. Capacity still applies: the oldest
// entries are evicted if the result overflows.
func (b *EventBuffer) Requeue(events []DiffEvent) {
	if len(events) == 0 {
		return
	}
	merged := make([]DiffEvent, 0, len(events)+len(b.events))
	merged = append(merged, events...)
	merged = append(merged, b.events...)
	if over := len(merged) - b.capacity; over > 0 {
		merged = merged[over:]
		b.evicted += over
	}
	b.events = merged
}

// Peek returns the oldest buffered event.
func (b *EventBuffer) Peek() (DiffEvent, bool) {
	if len(b.events) == 0 {
		return DiffEvent{}, false
	}
	return b.events[0], true
}

func (b *EventBuffer) Clear() {
	clear(b.events)
	b.events = b.events[:0]
}
