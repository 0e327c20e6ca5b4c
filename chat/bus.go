package chat

import (
	"sync"
	"sync/atomic"
)

// DefaultBusCapacity is the per subscriber queue depth of a Bus.
const DefaultBusCapacity = 20

// Envelope is one published message together with the address of the
// connection that sent it. Subscribers use From to skip their own traffic;
// User names the author for consumers that render the message.
type Envelope struct {
	From string
	User string
	Msg  Message
}

// Bus fans envelopes out to subscribers. Every subscriber owns a bounded
// queue; when a queue is full the oldest envelope is dropped to make room, so
// Publish never blocks on a slow consumer.
type Bus struct {
	capacity int

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBus creates a bus with the given per subscriber queue capacity.
// Non positive capacities fall back to DefaultBusCapacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber. The subscriber sees only envelopes
// published after this call returns.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus: b,
		ch:  make(chan Envelope, b.capacity),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers env to every current subscriber, including one owned by
// the publishing connection. It never blocks and never fails.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.push(env)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription is one subscriber's bounded view of the bus. Receive from C
// until it is closed, then stop; Close detaches from the bus.
type Subscription struct {
	bus     *Bus
	ch      chan Envelope
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// C is the receive side of the subscription queue. It is closed by Close.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Dropped reports how many envelopes were discarded because the queue was
// full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus and closes C. It is safe to
// call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// push enqueues env, evicting the oldest queued envelope when full. The bus
// read lock held by Publish keeps push and Close ordered, so a send on a
// closed channel can not happen.
func (s *Subscription) push(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- env:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}
