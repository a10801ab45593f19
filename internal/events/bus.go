// Package events provides the typed publish/subscribe bus the control plane
// uses for task progress, decision notices and failure feeds.
//
// Delivery ordering: every subscriber receives every event published after it
// subscribed, in publish order. Publish never blocks; each subscriber has its
// own queue drained by a pump goroutine, so a slow subscriber delays only
// itself.
package events

import (
	"sync"
)

// Bus fans events out to subscribers.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscription is a single subscriber's view of the bus.
type Subscription[T any] struct {
	bus  *Bus[T]
	out  chan T
	quit chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	pending []T
	done    bool
}

// Subscribe registers a new subscriber. The returned channel is closed when
// the subscription or the bus is closed.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{bus: b, out: make(chan T), quit: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		s.done = true
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

// Publish delivers ev to every current subscriber.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.enqueue(ev)
	}
}

// Close closes every subscription. Publish after Close is a no-op.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for s := range subs {
		s.stop()
	}
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// C returns the delivery channel.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Close unsubscribes. Events still queued are discarded.
func (s *Subscription[T]) Close() {
	s.bus.mu.Lock()
	if s.bus.subs != nil {
		delete(s.bus.subs, s)
	}
	s.bus.mu.Unlock()
	s.stop()
}

func (s *Subscription[T]) enqueue(ev T) {
	s.mu.Lock()
	if !s.done {
		s.pending = append(s.pending, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription[T]) stop() {
	s.mu.Lock()
	if !s.done {
		s.done = true
		s.pending = nil
		close(s.quit)
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// pump moves queued events to the out channel one at a time.
func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			return
		}
		ev := s.pending[0]
		var zero T
		s.pending[0] = zero
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.quit:
			return
		}
	}
}
