package timer

import (
	"container/heap"
	"sync"
	"time"
)

type item[K comparable] struct {
	deadline time.Time
	key      K
	index    int
}

type itemHeap[K comparable] []*item[K]

func (h itemHeap[K]) Len() int { return len(h) }

func (h itemHeap[K]) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h itemHeap[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap[K]) Push(x any) {
	it := x.(*item[K])
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap[K]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a min-heap of deadlines keyed by K. Each key has at most one live
// deadline; rescheduling a key moves its entry. It is safe for concurrent use.
type Queue[K comparable] struct {
	mu    sync.Mutex
	h     itemHeap[K]
	items map[K]*item[K]
}

// NewQueue returns an empty queue.
func NewQueue[K comparable]() *Queue[K] {
	return &Queue[K]{items: make(map[K]*item[K])}
}

// Schedule sets the deadline for key, replacing any earlier one.
func (q *Queue[K]) Schedule(key K, deadline time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[key]; ok {
		it.deadline = deadline
		heap.Fix(&q.h, it.index)
		return
	}
	it := &item[K]{deadline: deadline, key: key}
	heap.Push(&q.h, it)
	q.items[key] = it
}

// Cancel removes the deadline for key, if any.
func (q *Queue[K]) Cancel(key K) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[key]; ok {
		heap.Remove(&q.h, it.index)
		delete(q.items, key)
	}
}

// PopExpired removes and returns, in deadline order, every key whose
// deadline is not after now.
func (q *Queue[K]) PopExpired(now time.Time) []K {
	q.mu.Lock()
	defer q.mu.Unlock()
	var keys []K
	for len(q.h) > 0 && !q.h[0].deadline.After(now) {
		it := heap.Pop(&q.h).(*item[K])
		delete(q.items, it.key)
		keys = append(keys, it.key)
	}
	return keys
}

// Next returns the earliest deadline.
func (q *Queue[K]) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].deadline, true
}

// Len returns the number of scheduled keys.
func (q *Queue[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
