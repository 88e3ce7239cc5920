// Package queue provides the transfer queue and the retry schedule used by the sync coordinator.
package queue

import (
	"container/heap"
	"sync"
)

// Item is a single item in the priority queue
type Item[T any] struct {
	Value    T
	Priority int64
	seq      uint64
	index    int
}

// priorityQueueHeap implements heap.Interface. Lower priority values come
// first; equal priorities keep insertion order.
type priorityQueueHeap[T any] []*Item[T]

func (pqh priorityQueueHeap[T]) Len() int {
	return len(pqh)
}

func (pqh priorityQueueHeap[T]) Less(i, j int) bool {
	if pqh[i].Priority == pqh[j].Priority {
		return pqh[i].seq < pqh[j].seq
	}
	return pqh[i].Priority < pqh[j].Priority
}

func (pqh priorityQueueHeap[T]) Swap(i, j int) {
	pqh[i], pqh[j] = pqh[j], pqh[i]
	pqh[i].index = i
	pqh[j].index = j
}

func (pqh *priorityQueueHeap[T]) Push(x any) {
	item := x.(*Item[T])
	item.index = len(*pqh)
	*pqh = append(*pqh, item)
}

func (pqh *priorityQueueHeap[T]) Pop() any {
	old := *pqh
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pqh = old[0 : n-1]
	return item
}

// PriorityQueue is a thread-safe min-heap. The retry scheduler uses the
// due time in unix nanoseconds as the priority.
type PriorityQueue[T any] struct {
	heap priorityQueueHeap[T]
	next uint64
	mu   sync.Mutex
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	pq := &PriorityQueue[T]{
		heap: make(priorityQueueHeap[T], 0),
	}
	heap.Init(&pq.heap)
	return pq
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

func (pq *PriorityQueue[T]) Enqueue(value T, priority int64) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	pq.next++
	heap.Push(&pq.heap, &Item[T]{
		Value:    value,
		Priority: priority,
		seq:      pq.next,
	})
}

// Dequeue removes and returns the lowest priority item.
func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}

	item := heap.Pop(&pq.heap).(*Item[T])
	return item.Value, true
}

// DequeueUntil removes every item whose priority is <= limit, in order.
func (pq *PriorityQueue[T]) DequeueUntil(limit int64) []T {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	var items []T
	for pq.heap.Len() > 0 && pq.heap[0].Priority <= limit {
		items = append(items, heap.Pop(&pq.heap).(*Item[T]).Value)
	}
	return items
}
