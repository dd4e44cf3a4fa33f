package events

import "sync"

// DefaultBufferSize bounds each subscriber's pending event queue.
const DefaultBufferSize = 256

// Bus fans executor events out to per-thread subscribers.
//
// Each subscriber owns a bounded queue. When the queue fills, the oldest
// queued chunk is evicted first. Lifecycle events are never dropped, so a
// queue holding only lifecycle events may exceed the bound; the turn ceiling
// keeps that overflow finite.
type Bus struct {
	mu         sync.RWMutex
	threads    map[string]map[*Subscription]struct{}
	bufferSize int
}

// NewBus creates a bus. A non-positive bufferSize selects DefaultBufferSize.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		threads:    make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscriber for one thread's events.
func (b *Bus) Subscribe(threadID string) *Subscription {
	sub := newSubscription(b, threadID, b.bufferSize)

	b.mu.Lock()
	subs, ok := b.threads[threadID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.threads[threadID] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Publish delivers an event to every subscriber of the thread. It never
// blocks on slow clients.
func (b *Bus) Publish(threadID string, event Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.threads[threadID]))
	for sub := range b.threads[threadID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(event)
	}
}

// SubscriberCount returns the number of live subscribers for a thread.
func (b *Bus) SubscriberCount(threadID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.threads[threadID])
}

func (b *Bus) remove(threadID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.threads[threadID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.threads, threadID)
		}
	}
}

// Subscription delivers one thread's events to a single client.
type Subscription struct {
	bus      *Bus
	threadID string
	max      int

	mu      sync.Mutex
	queue   []Event
	closed  bool
	dropped int64

	notify    chan struct{}
	done      chan struct{}
	out       chan Event
	closeOnce sync.Once
}

func newSubscription(b *Bus, threadID string, max int) *Subscription {
	return &Subscription{
		bus:      b,
		threadID: threadID,
		max:      max,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		out:      make(chan Event),
	}
}

// Events returns the delivery channel. It closes after Close.
func (s *Subscription) Events() <-chan Event { return s.out }

// Dropped reports how many chunk events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscriber from the bus and closes Events. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s.threadID, s)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

// enqueue applies the back-pressure policy under the subscriber lock.
func (s *Subscription) enqueue(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.queue) >= s.max {
		if s.evictOldestChunk() {
			s.dropped++
		} else if event.EventType() == EventTypeChunk {
			// The queue is all lifecycle; the incoming chunk is the one
			// droppable event in sight.
			s.dropped++
			return
		}
	}

	s.queue = append(s.queue, event)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// evictOldestChunk removes the first queued chunk, preserving the order of
// everything else. Returns false when the queue holds no chunks.
func (s *Subscription) evictOldestChunk() bool {
	for i, queued := range s.queue {
		if queued.EventType() == EventTypeChunk {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// pump moves queued events to the delivery channel until Close.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- event:
		case <-s.done:
			return
		}
	}
}
