// Package chanx implements an unbounded channel with cloneable endpoints.
//
// Any number of senders may push concurrently and a send never blocks. Any
// number of receivers may read from the same queue; each value goes to
// exactly one of them. Once every sender is closed the receive side drains
// the remaining values and then reports closure. Once every receiver is
// closed, sends fail with ErrClosed and buffered values are discarded.
package chanx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when sending on a channel with no receivers left, or
// when using an endpoint that was already closed.
var ErrClosed = errors.New("chanx: channel closed")

type queue[T any] struct {
	mu        sync.Mutex
	buf       []T
	senders   int
	receivers int

	notify chan struct{}
	out    chan T
	done   chan struct{}
}

// Sender is a producer endpoint.
type Sender[T any] struct {
	q      *queue[T]
	closed atomic.Bool
}

// Receiver is a consumer endpoint.
type Receiver[T any] struct {
	q      *queue[T]
	closed atomic.Bool
}

// New returns the first sender and receiver of a fresh unbounded channel.
func New[T any]() (*Sender[T], *Receiver[T]) {
	q := &queue[T]{
		senders:   1,
		receivers: 1,
		notify:    make(chan struct{}, 1),
		out:       make(chan T),
		done:      make(chan struct{}),
	}
	go q.pump()
	return &Sender[T]{q: q}, &Receiver[T]{q: q}
}

func (q *queue[T]) pump() {
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			finished := q.senders == 0
			q.mu.Unlock()
			if finished {
				close(q.out)
				return
			}
			select {
			case <-q.notify:
			case <-q.done:
				return
			}
			continue
		}
		v := q.buf[0]
		var zero T
		q.buf[0] = zero
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}

func (q *queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Send enqueues v without blocking.
func (s *Sender[T]) Send(v T) error {
	if s.closed.Load() {
		return ErrClosed
	}
	q := s.q
	q.mu.Lock()
	if q.receivers == 0 {
		q.mu.Unlock()
		return ErrClosed
	}
	q.buf = append(q.buf, v)
	q.mu.Unlock()
	q.wake()
	return nil
}

// Clone returns another sender for the same channel. Cloning after the last
// sender has been closed yields an already-closed sender.
func (s *Sender[T]) Clone() *Sender[T] {
	clone := &Sender[T]{q: s.q}
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	if s.closed.Load() || s.q.senders == 0 {
		clone.closed.Store(true)
		return clone
	}
	s.q.senders++
	return clone
}

// Close releases this sender. Idempotent.
func (s *Sender[T]) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.q.mu.Lock()
	s.q.senders--
	s.q.mu.Unlock()
	s.q.wake()
}

// C returns the delivery channel. It is closed once all senders are closed
// and the buffer has been drained.
func (r *Receiver[T]) C() <-chan T {
	return r.q.out
}

// Recv returns the next value, ErrClosed once the channel is exhausted, or
// the context error.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if r.closed.Load() {
		return zero, ErrClosed
	}
	select {
	case v, ok := <-r.q.out:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Len reports the number of buffered values not yet handed to a receiver.
func (r *Receiver[T]) Len() int {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	return len(r.q.buf)
}

// Clone returns another receiver sharing the same queue.
func (r *Receiver[T]) Clone() *Receiver[T] {
	clone := &Receiver[T]{q: r.q}
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	if r.closed.Load() || r.q.receivers == 0 {
		clone.closed.Store(true)
		return clone
	}
	r.q.receivers++
	return clone
}

// Close releases this receiver. When the last receiver goes away pending
// values are discarded and further sends fail.
func (r *Receiver[T]) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	q := r.q
	q.mu.Lock()
	q.receivers--
	if q.receivers == 0 {
		q.buf = nil
		close(q.done)
	}
	q.mu.Unlock()
}
