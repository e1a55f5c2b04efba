// Copyright 2024 The gbd Authors
// This file is part of the gbd library.
//
// The gbd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gbd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gbd library. If not, see <http://www.gnu.org/licenses/>.

// Package queue implements a blocking priority queue with three fixed
// priority classes and FIFO ordering within each class.
package queue

import (
	"container/heap"
	"sync"
)

// Priority classes, ordered from most to least urgent. The numeric values
// match the wire-adjacent constants used throughout the cache (HIGH
// requeues from the delay map must sort ahead of everything else).
type Priority int

const (
	PriHigh   Priority = -1
	PriNormal Priority = 0
	PriLow    Priority = 1
)

type item struct {
	priority Priority
	seq      uint64
	value    any
}

// heapSlice is a container/heap.Interface over items, ordered by priority
// first and then by enqueue sequence (lower seq = enqueued earlier = served
// first within the same priority class). The tie-break is a monotonic
// counter rather than wall-clock time: two items queued within the same
// timer tick must still preserve FIFO order, which a time.Now()-keyed
// heap cannot guarantee.
type heapSlice []*item

func (h heapSlice) Len() int { return len(h) }

func (h heapSlice) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h heapSlice) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *heapSlice) Push(x any) { *h = append(*h, x.(*item)) }

func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe, blocking priority queue. Its zero value is not
// usable; construct with New.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    heapSlice
	nextSeq uint64
	closed  bool
}

// New returns an empty priority queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues value at the given priority. Items enqueued at the same
// priority are dequeued in the order Put was called.
func (q *Queue) Put(value any, priority Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, &item{priority: priority, seq: q.nextSeq, value: value})
	q.nextSeq++
	q.cond.Signal()
}

// Get blocks until an item is available and returns it. It returns
// ok=false only if the queue has been closed and drained.
func (q *Queue) Get() (value any, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	it := heap.Pop(&q.heap).(*item)
	return it.value, true
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Empty reports whether the queue currently holds no items.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Close wakes any blocked Get callers; subsequent Get calls on a drained,
// closed queue return ok=false instead of blocking forever.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
