package schedule

import (
	"container/heap"
	"sync"
	"time"
)

// Timer is a scheduled deadline for one group generation.
type Timer[K comparable] struct {
	Key        K
	Generation int64
	Deadline   time.Time
}

type entry[K comparable] struct {
	Timer[K]
	index int
}

type timerHeap[K comparable] []*entry[K]

func (h timerHeap[K]) Len() int           { return len(h) }
func (h timerHeap[K]) Less(i, j int) bool { return h[i].Deadline.Before(h[j].Deadline) }
func (h timerHeap[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap[K]) Push(x any) {
	e := x.(*entry[K])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap[K]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue holds at most one timer per key, ordered by deadline.
// Scheduling an existing key replaces its timer. It is safe for
// concurrent use.
type Queue[K comparable] struct {
	mu      sync.Mutex
	h       timerHeap[K]
	entries map[K]*entry[K]
	wake    chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue[K comparable]() *Queue[K] {
	return &Queue[K]{
		entries: make(map[K]*entry[K]),
		wake:    make(chan struct{}, 1),
	}
}

// Schedule arms or replaces the timer for t.Key.
func (q *Queue[K]) Schedule(t Timer[K]) {
	q.mu.Lock()
	if e, ok := q.entries[t.Key]; ok {
		e.Timer = t
		heap.Fix(&q.h, e.index)
	} else {
		e := &entry[K]{Timer: t}
		heap.Push(&q.h, e)
		q.entries[t.Key] = e
	}
	q.mu.Unlock()
	q.notify()
}

// Cancel removes the timer for key, if any.
func (q *Queue[K]) Cancel(key K) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[key]; ok {
		heap.Remove(&q.h, e.index)
		delete(q.entries, key)
	}
}

// Due removes and returns every timer whose deadline is at or before
// now, earliest first.
func (q *Queue[K]) Due(now time.Time) []Timer[K] {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Timer[K]
	for q.h.Len() > 0 && !q.h[0].Deadline.After(now) {
		e := heap.Pop(&q.h).(*entry[K])
		delete(q.entries, e.Key)
		due = append(due, e.Timer)
	}
	return due
}

// Next returns the earliest deadline.
func (q *Queue[K]) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return time.Time{}, false
	}
	return q.h[0].Deadline, true
}

// Len returns the number of armed timers.
func (q *Queue[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Wake is signalled whenever a timer is scheduled so a sleeping loop can
// recompute its next deadline.
func (q *Queue[K]) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue[K]) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
