package bus

import "sync"

// Ring is a thread-safe bounded queue. When full, Push evicts the oldest
// item rather than blocking or growing, so one slow consumer can never stall
// a publisher.
type Ring[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int
	count    int
	capacity int
	closed   bool

	notify chan struct{}

	// Stats
	totalPushed  int64
	totalPopped  int64
	totalDropped int64
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues an item, evicting the oldest entry when full. Returns false
// if the ring is closed.
func (r *Ring[T]) Push(item T) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}

	if r.count == r.capacity {
		// Evict oldest
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % r.capacity
		r.count--
		r.totalDropped++
	}

	tail := (r.head + r.count) % r.capacity
	r.buf[tail] = item
	r.count++
	r.totalPushed++
	r.mu.Unlock()

	r.signal()
	return true
}

// TryPop removes and returns the oldest item without blocking.
func (r *Ring[T]) TryPop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}

	item := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero // Clear reference for GC
	r.head = (r.head + 1) % r.capacity
	r.count--
	r.totalPopped++

	return item, true
}

// Notify returns a channel that receives a signal after pushes and on Close.
// The signal is coalesced; consumers drain with TryPop until empty.
func (r *Ring[T]) Notify() <-chan struct{} {
	return r.notify
}

// Close marks the ring closed and wakes any consumer. Pending items remain
// poppable.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.signal()
}

// Closed reports whether Close has been called.
func (r *Ring[T]) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Len returns the number of queued items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Stats returns queue counters.
func (r *Ring[T]) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingStats{
		Count:        r.count,
		Capacity:     r.capacity,
		TotalPushed:  r.totalPushed,
		TotalPopped:  r.totalPopped,
		TotalDropped: r.totalDropped,
	}
}

// RingStats contains queue counters.
type RingStats struct {
	Count        int
	Capacity     int
	TotalPushed  int64
	TotalPopped  int64
	TotalDropped int64
}

func (r *Ring[T]) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
