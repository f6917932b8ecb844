package progress

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Broadcaster is a Sink that fans events out to subscribers. Each subscriber
// has a bounded queue; when it is full the event is dropped for that
// subscriber only, so a slow observer never stalls the pipeline.
type Broadcaster struct {
	buffer int

	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	dropped atomic.Uint64
}

// Subscription is one observer's event stream.
type Subscription struct {
	id   uint64
	ch   chan Event
	b    *Broadcaster
	once sync.Once
}

// Events returns the receive side of the subscription. It is closed after
// Close or Broadcaster.Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and closes the event channel. It is idempotent.
func (s *Subscription) Close() {
	s.b.remove(s.id)
}

// NewBroadcaster creates a Broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{buffer: buffer, subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a new observer.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{id: b.nextID, ch: make(chan Event, b.buffer), b: b}
	b.subs[s.id] = s
	return s
}

// Emit delivers e to every subscriber with room in its queue.
func (b *Broadcaster) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a queue was full.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close removes every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()
	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		s.once.Do(func() { close(s.ch) })
	}
}
