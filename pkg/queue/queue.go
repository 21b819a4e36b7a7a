// Package queue provides the FIFO buffer that holds outbound messages while
// the client is not connected.
package queue

import (
	"errors"
	"sync"
)

// ErrFull is returned by Push when a bounded queue with OverflowRejectNewest
// is at its limit.
var ErrFull = errors.New("queue full")

// OverflowPolicy defines queue behavior when a bounded queue is full.
type OverflowPolicy uint8

const (
	// OverflowRejectNewest refuses the incoming item.
	OverflowRejectNewest OverflowPolicy = iota
	// OverflowDropOldest evicts the head to make room.
	OverflowDropOldest
)

// String returns the policy name.
func (p OverflowPolicy) String() string {
	switch p {
	case OverflowRejectNewest:
		return "reject-newest"
	case OverflowDropOldest:
		return "drop-oldest"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy parses the String form of a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "reject-newest", "":
		return OverflowRejectNewest, nil
	case "drop-oldest":
		return OverflowDropOldest, nil
	default:
		return 0, errors.New("unknown overflow policy: " + s)
	}
}

// Config bounds a queue. A zero Limit means unbounded.
type Config struct {
	Limit    int
	Overflow OverflowPolicy
}

// Queue is a FIFO queue safe for concurrent use.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	cfg   Config
}

// New creates an empty queue.
func New[T any](cfg Config) *Queue[T] {
	if cfg.Limit < 0 {
		cfg.Limit = 0
	}
	return &Queue[T]{cfg: cfg}
}

// Config returns the queue bounds.
func (q *Queue[T]) Config() Config {
	return q.cfg
}

// Push appends v to the tail. With OverflowDropOldest on a full queue the
// evicted head is returned with dropped set. With OverflowRejectNewest on a
// full queue v is not added and ErrFull is returned.
func (q *Queue[T]) Push(v T) (evicted T, dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.Limit > 0 && q.lenLocked() >= q.cfg.Limit {
		switch q.cfg.Overflow {
		case OverflowDropOldest:
			evicted, _ = q.popLocked()
			dropped = true
		default:
			return evicted, false, ErrFull
		}
	}

	q.items = append(q.items, v)
	return evicted, dropped, nil
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lenLocked() == 0 {
		var zero T
		return zero, false
	}
	return q.items[q.head], true
}

// Pop removes and returns the head.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.lenLocked() == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// Compact once the consumed prefix dominates the backing array.
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v, true
}

// Drain calls send for each item in FIFO order, removing an item only after
// send returns nil. It stops at the first error, leaving the failing item
// and everything behind it queued in order, and returns that error along
// with the number of items sent.
//
// send runs without the queue lock held.
func (q *Queue[T]) Drain(send func(T) error) (int, error) {
	sent := 0
	for {
		v, ok := q.Peek()
		if !ok {
			return sent, nil
		}
		if err := send(v); err != nil {
			return sent, err
		}
		q.Pop()
		sent++
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

// Items returns a copy of the queued items in FIFO order.
func (q *Queue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, q.lenLocked())
	copy(out, q.items[q.head:])
	return out
}

// Clear removes all items and returns how many were removed.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.lenLocked()
	q.items = nil
	q.head = 0
	return n
}
