package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrFull   = errors.New("queue full")
	ErrClosed = errors.New("queue closed")
)

type fifoItem[K comparable, V any] struct {
	key   K
	value V
}

// Bounded is a fixed-capacity FIFO that holds each key at most once.
// TryPush fails with ErrFull when the queue is full; Pop waits for an item.
// Neither side performs I/O while holding the lock.
type Bounded[K comparable, V any] struct {
	mu       sync.Mutex
	items    []fifoItem[K, V]
	index    map[K]struct{}
	capacity int
	closed   bool
	changed  chan struct{}
}

func NewBounded[K comparable, V any](capacity int) *Bounded[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[K, V]{
		items:    make([]fifoItem[K, V], 0, capacity),
		index:    make(map[K]struct{}, capacity),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// notify wakes every waiter. Must hold mu.
func (q *Bounded[K, V]) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// TryPush appends value under key. It reports false without error when key
// is already queued and returns ErrFull when there is no room.
func (q *Bounded[K, V]) TryPush(key K, value V) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(key, value)
}

func (q *Bounded[K, V]) pushLocked(key K, value V) (bool, error) {
	if q.closed {
		return false, ErrClosed
	}
	if _, ok := q.index[key]; ok {
		return false, nil
	}
	if len(q.items) >= q.capacity {
		return false, ErrFull
	}
	q.items = append(q.items, fifoItem[K, V]{key: key, value: value})
	q.index[key] = struct{}{}
	q.notify()
	return true, nil
}

// Pop removes the oldest item, waiting until one is available. After Close
// it returns ErrClosed even if items remain.
func (q *Bounded[K, V]) Pop(ctx context.Context) (K, V, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			var k K
			var v V
			return k, v, ErrClosed
		}
		if len(q.items) > 0 {
			head := q.items[0]
			q.items[0] = fifoItem[K, V]{}
			q.items = q.items[1:]
			delete(q.index, head.key)
			q.notify()
			q.mu.Unlock()
			return head.key, head.value, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var k K
			var v V
			return k, v, ctx.Err()
		case <-wait:
		}
	}
}

func (q *Bounded[K, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Bounded[K, V]) Cap() int {
	return q.capacity
}

// Close rejects further pushes and wakes all waiters.
func (q *Bounded[K, V]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notify()
}
