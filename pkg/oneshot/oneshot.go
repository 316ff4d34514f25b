// Package oneshot provides a single-use reply slot: one value is written once
// and read once. Writing to a slot whose reader has gone away is a no-op.
package oneshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrReceiverDropped = errors.New("oneshot: receiver dropped")
	ErrSenderDropped   = errors.New("oneshot: sender dropped without a value")
	ErrAlreadySent     = errors.New("oneshot: value already sent")
	ErrAlreadyReceived = errors.New("oneshot: value already received")
)

type slot[T any] struct {
	ch      chan T
	dropped chan struct{}
}

// Sender is the write side of a reply slot.
type Sender[T any] struct {
	slot *slot[T]
	used atomic.Bool
}

// Receiver is the read side of a reply slot.
type Receiver[T any] struct {
	slot      *slot[T]
	received  atomic.Bool
	closeOnce sync.Once
}

// New allocates a reply slot.
func New[T any]() (*Sender[T], *Receiver[T]) {
	s := &slot[T]{
		ch:      make(chan T, 1),
		dropped: make(chan struct{}),
	}
	return &Sender[T]{slot: s}, &Receiver[T]{slot: s}
}

// Send fulfils the slot. It never blocks.
func (s *Sender[T]) Send(v T) error {
	if !s.used.CompareAndSwap(false, true) {
		return ErrAlreadySent
	}
	select {
	case <-s.slot.dropped:
		return ErrReceiverDropped
	default:
	}
	s.slot.ch <- v
	return nil
}

// Close abandons the slot without a value. Closing after Send is a no-op.
func (s *Sender[T]) Close() {
	if s.used.CompareAndSwap(false, true) {
		close(s.slot.ch)
	}
}

// IsDropped reports whether the receiver has gone away.
func (s *Sender[T]) IsDropped() bool {
	select {
	case <-s.slot.dropped:
		return true
	default:
		return false
	}
}

// Recv waits for the value, for the sender to be dropped, or for ctx.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if r.received.Load() {
		return zero, ErrAlreadyReceived
	}
	select {
	case v, ok := <-r.slot.ch:
		if !ok {
			return zero, ErrSenderDropped
		}
		r.received.Store(true)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// C exposes the underlying channel for use in select statements. The channel
// is closed if the sender is dropped without a value.
func (r *Receiver[T]) C() <-chan T {
	return r.slot.ch
}

// Close drops the receiver; subsequent sends become no-ops.
func (r *Receiver[T]) Close() {
	r.closeOnce.Do(func() {
		close(r.slot.dropped)
	})
}
