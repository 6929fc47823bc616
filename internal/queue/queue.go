// Package queue provides the unbounded FIFO queues that decouple a session's
// socket I/O from message processing.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/amurg-ai/scenegate/pkg/protocol"
)

// ErrClosed is returned by Push and Pop once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// Queue is an unbounded FIFO. Push never blocks; Pop waits until an item is
// available, the context is done, or the queue is closed.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	ready chan struct{} // capacity 1, signalled when items become available
	done  chan struct{}
	once  sync.Once
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends an item. It fails only after Close.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Pop removes and returns the oldest item, waiting if the queue is empty.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.done:
			return zero, ErrClosed
		case <-q.ready:
		}
	}
}

// Drain discards every queued item without waiting and returns how many were
// removed. It works on a closed queue too, which is how Pair.Close counts
// what was dropped.
func (q *Queue[T]) Drain() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()

	select {
	case <-q.ready:
	default:
	}
	return n
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes any waiting Pop. Safe to call more
// than once.
func (q *Queue[T]) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pair is the inbound/outbound queue pair owned by one session.
type Pair struct {
	Inbound  *Queue[protocol.Envelope]
	Outbound *Queue[protocol.Envelope]
}

// NewPair creates an empty queue pair.
func NewPair() *Pair {
	return &Pair{
		Inbound:  New[protocol.Envelope](),
		Outbound: New[protocol.Envelope](),
	}
}

// Close closes both queues and discards anything still queued. It returns the
// number of inbound and outbound envelopes dropped.
func (p *Pair) Close() (droppedIn, droppedOut int) {
	p.Inbound.Close()
	p.Outbound.Close()
	return p.Inbound.Drain(), p.Outbound.Drain()
}
