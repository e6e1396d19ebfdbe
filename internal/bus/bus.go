package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// Subscription is the handle returned by Subscribe. Close it to stop delivery.
type Subscription struct {
	bus       *Bus
	id        int
	namespace Kind
	ch        chan Event
	dropped   atomic.Int64
	once      sync.Once
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of evt.Kind.
// Delivery never blocks; a full subscriber loses the event and its drop
// counter is incremented.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if evt.Kind.HasPrefix(sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// Emit is shorthand for publishing an event stamped with the current time.
func (b *Bus) Emit(kind Kind, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe registers a subscriber for events matching the namespace prefix.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(namespace Kind, bufSize int) *Subscription {
	sub := &Subscription{
		bus:       b,
		namespace: namespace,
		ch:        make(chan Event, bufSize),
	}
	b.mu.Lock()
	sub.id = b.next
	b.next++
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were lost because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}
