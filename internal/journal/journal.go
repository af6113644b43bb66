// Package journal keeps a bounded FIFO of recent items and fans each pushed
// item out to subscribers without ever blocking the producer.
package journal

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the number of recent items retained.
const DefaultCapacity = 100

// DropFunc is told when a subscriber is evicted because its queue was full.
type DropFunc func(subscriberID uint64)

// Journal is a ring of the most recent items plus a subscriber set.
// Subscribers only see items pushed after they subscribed.
type Journal[T any] struct {
	mu         sync.Mutex
	ring       []T
	head       int // index of the oldest item
	size       int
	subs       map[uint64]chan T
	order      []uint64 // subscription order, for deterministic delivery
	nextID     uint64
	bufferSize int
	closed     bool
	onDrop     DropFunc

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// Option configures a Journal.
type Option func(*options)

type options struct {
	bufferSize int
	onDrop     DropFunc
}

// WithSubscriberBuffer sets each subscriber's queue depth.
func WithSubscriberBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithDropHandler installs a callback for evicted subscribers. It runs
// with the journal lock held and must not call back into the journal.
func WithDropHandler(fn DropFunc) Option {
	return func(o *options) { o.onDrop = fn }
}

// New creates a Journal retaining capacity items.
func New[T any](capacity int, opts ...Option) *Journal[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	o := options{bufferSize: 64}
	for _, opt := range opts {
		opt(&o)
	}
	return &Journal[T]{
		ring:       make([]T, capacity),
		subs:       make(map[uint64]chan T),
		bufferSize: o.bufferSize,
		onDrop:     o.onDrop,
	}
}

// Push appends item, evicting the oldest when full, and delivers it to
// every subscriber. A subscriber whose queue is full is removed and its
// channel closed.
func (j *Journal[T]) Push(item T) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}

	idx := (j.head + j.size) % len(j.ring)
	if j.size == len(j.ring) {
		j.ring[j.head] = item
		j.head = (j.head + 1) % len(j.ring)
	} else {
		j.ring[idx] = item
		j.size++
	}
	j.pushed.Add(1)

	evicted := false
	for _, id := range j.order {
		ch := j.subs[id]
		select {
		case ch <- item:
		default:
			close(ch)
			delete(j.subs, id)
			evicted = true
			j.dropped.Add(1)
			if j.onDrop != nil {
				j.onDrop(id)
			}
		}
	}
	if evicted {
		j.compactOrder()
	}
}

// Snapshot returns the retained items, oldest first.
func (j *Journal[T]) Snapshot() []T {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]T, j.size)
	for i := 0; i < j.size; i++ {
		out[i] = j.ring[(j.head+i)%len(j.ring)]
	}
	return out
}

// Len returns the number of retained items.
func (j *Journal[T]) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// Capacity returns the retention bound.
func (j *Journal[T]) Capacity() int { return len(j.ring) }

// Subscribe registers a new subscriber. The returned cancel func removes it
// and closes the channel; it is safe to call more than once.
func (j *Journal[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, j.bufferSize)

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := j.nextID
	j.nextID++
	j.subs[id] = ch
	j.order = append(j.order, id)
	j.mu.Unlock()

	return ch, func() { j.unsubscribe(id) }
}

func (j *Journal[T]) unsubscribe(id uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ch, ok := j.subs[id]
	if !ok {
		return
	}
	close(ch)
	delete(j.subs, id)
	j.compactOrder()
}

func (j *Journal[T]) compactOrder() {
	kept := j.order[:0]
	for _, id := range j.order {
		if _, ok := j.subs[id]; ok {
			kept = append(kept, id)
		}
	}
	j.order = kept
}

// SubscriberCount returns the number of live subscribers.
func (j *Journal[T]) SubscriberCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.subs)
}

// Pushed returns the total number of items pushed.
func (j *Journal[T]) Pushed() uint64 { return j.pushed.Load() }

// Dropped returns how many subscribers were evicted for falling behind.
func (j *Journal[T]) Dropped() uint64 { return j.dropped.Load() }

// Close closes every subscriber channel. Later pushes are ignored.
func (j *Journal[T]) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.closed = true
	for id, ch := range j.subs {
		close(ch)
		delete(j.subs, id)
	}
	j.order = nil
}
