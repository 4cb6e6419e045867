package events

import (
	"sync"
	"sync/atomic"
)

// Bus fans committed events out to in-process subscribers: the
// dashboard stream, the scheduler's artifact watch, metrics hooks, and
// the advisory sinks. Publish never blocks; a subscriber whose buffer
// is full loses that event and the drop counter records it. The log
// file, not the bus, is the source of truth.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	closed  bool
	dropped uint64
}

type subscriber struct {
	id    string
	types map[string]bool // empty = firehose
	ch    chan Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a channel for the given event types; no types
// means everything. The id must be unique and is the unsubscribe key.
// Subscribing again with the same id replaces the old subscription.
func (b *Bus) Subscribe(id string, buffer int, types ...string) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{
		id:    id,
		types: make(map[string]bool, len(types)),
		ch:    make(chan Event, buffer),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	if old, ok := b.subs[id]; ok {
		close(old.ch)
	}
	b.subs[id] = sub
	return sub.ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[ev.EventType] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			atomic.AddUint64(&b.dropped, 1)
		}
	}
}

// Dropped counts events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel; Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
