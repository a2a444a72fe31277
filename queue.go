package emf

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// entry is a queued item: either a payload or the stop sentinel.
type entry[T any] struct {
	value T
	stop  bool
}

// boundedQueue is a closeable FIFO with a load-shedding capacity policy.
// Producers never wait on it beyond the mutex; the single consumer blocks in Pop.
type boundedQueue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []entry[T]
	maxSize int // negative means unbounded
	closed  bool
	hasStop bool
	depth   prometheus.Gauge
}

func newBoundedQueue[T any](maxSize int, depth prometheus.Gauge) *boundedQueue[T] {
	q := &boundedQueue[T]{
		entries: make([]entry[T], 0, 64),
		maxSize: maxSize,
		depth:   depth,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a payload. It returns ErrClosed after CloseWithStop and
// ErrQueueFull when the current depth already exceeds the configured limit.
func (q *boundedQueue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.full() {
		return ErrQueueFull
	}
	q.entries = append(q.entries, entry[T]{value: v})
	q.signal()
	return nil
}

// Requeue puts a payload that failed delivery back at the tail. Unlike Push it
// is allowed while the queue drains after close; the payload lands ahead of
// the stop sentinel so the sender still sees it.
func (q *boundedQueue[T]) Requeue(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed && !q.hasStop {
		return ErrClosed
	}
	if q.full() {
		return ErrQueueFull
	}
	e := entry[T]{value: v}
	if q.hasStop {
		last := len(q.entries) - 1
		q.entries = append(q.entries, q.entries[last])
		q.entries[last] = e
	} else {
		q.entries = append(q.entries, e)
	}
	q.signal()
	return nil
}

// CloseWithStop enqueues the stop sentinel and closes the queue to new
// payloads. Only the first call has an effect.
func (q *boundedQueue[T]) CloseWithStop() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.entries = append(q.entries, entry[T]{stop: true})
	q.closed = true
	q.hasStop = true
	q.cond.Broadcast()
	return nil
}

// Pop blocks until an entry is available. It returns false once the queue is
// closed and empty.
func (q *boundedQueue[T]) Pop() (entry[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.entries) == 0 {
		if q.closed {
			return entry[T]{}, false
		}
		q.cond.Wait()
	}

	e := q.entries[0]
	q.entries[0] = entry[T]{}
	q.entries = q.entries[1:]
	if e.stop {
		q.hasStop = false
	}
	q.maybeCompact()
	q.setDepth()
	return e, true
}

// Len returns the number of queued payloads, excluding the stop sentinel.
func (q *boundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.payloads()
}

// Closed reports whether CloseWithStop has been called.
func (q *boundedQueue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Must be called with q.mu held.
func (q *boundedQueue[T]) payloads() int {
	if q.hasStop {
		return len(q.entries) - 1
	}
	return len(q.entries)
}

// Must be called with q.mu held.
func (q *boundedQueue[T]) full() bool {
	return q.maxSize >= 0 && q.payloads() > q.maxSize
}

// Must be called with q.mu held.
func (q *boundedQueue[T]) signal() {
	q.setDepth()
	q.cond.Signal()
}

// Must be called with q.mu held.
func (q *boundedQueue[T]) setDepth() {
	if q.depth != nil {
		q.depth.Set(float64(q.payloads()))
	}
}

// maybeCompact keeps the backing array from growing without bound when the
// queue is drained from the front. Must be called with q.mu held.
func (q *boundedQueue[T]) maybeCompact() {
	if cap(q.entries) > 256 && cap(q.entries) > 4*len(q.entries) {
		compacted := make([]entry[T], len(q.entries), len(q.entries)+64)
		copy(compacted, q.entries)
		q.entries = compacted
	}
}
