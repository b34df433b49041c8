// Package pqueue provides the blocking priority queue behind both the broker's
// delivery queue and every module inbox.
//
// Items are ordered by rank (highest first) and, within one rank, by the order
// in which they were pushed. The queue stamps each push with its own sequence
// number under the same lock that inserts the item, so the sequence order and
// the dequeue order can never disagree.
package pqueue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue has
// been emptied.
var ErrClosed = errors.New("queue closed")

type entry[T any] struct {
	value T
	rank  int
	seq   uint64
}

type entries[T any] []entry[T]

func (e entries[T]) Len() int { return len(e) }

func (e entries[T]) Less(i, j int) bool {
	if e[i].rank != e[j].rank {
		return e[i].rank > e[j].rank
	}
	return e[i].seq < e[j].seq
}

func (e entries[T]) Swap(i, j int) { e[i], e[j] = e[j], e[i] }

func (e *entries[T]) Push(x any) { *e = append(*e, x.(entry[T])) }

func (e *entries[T]) Pop() any {
	old := *e
	n := len(old)
	item := old[n-1]
	old[n-1] = entry[T]{}
	*e = old[:n-1]
	return item
}

// Queue is safe for any number of producers. Pop is meant for a single
// consumer; several consumers work but may wake up spuriously.
type Queue[T any] struct {
	mu     sync.Mutex
	items  entries[T]
	seq    uint64
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push inserts the value produced by build. build receives the sequence number
// assigned to this push (starting at 1) and runs while the queue lock is held,
// so it must not touch the queue. Push never blocks on consumers.
func (q *Queue[T]) Push(rank int, build func(seq uint64) T) (T, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		var zero T
		return zero, ErrClosed
	}
	q.seq++
	value := build(q.seq)
	heap.Push(&q.items, entry[T]{value: value, rank: rank, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return value, nil
}

// Pop blocks until an item is available, the context is done, or the queue is
// closed and empty. A closed queue keeps handing out what it still holds.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if value, ok := q.TryPop(); ok {
			return value, nil
		}

		q.mu.Lock()
		empty, closed := len(q.items) == 0, q.closed
		q.mu.Unlock()
		if closed && empty {
			var zero T
			return zero, ErrClosed
		}
		if !empty {
			continue
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.done:
		case <-q.ready:
		}
	}
}

// TryPop removes the head item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := heap.Pop(&q.items).(entry[T])
	if len(q.items) > 0 {
		q.signal()
	}
	return item.value, true
}

// Len returns the number of pending items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and wakes blocked consumers. It is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain removes every pending item and returns them in dequeue order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(entry[T]).value)
	}
	return out
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
