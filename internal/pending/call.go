// Package pending provides Call, a single-assignment result cell with any
// number of waiters.
//
// A Call starts Pending and settles exactly once, either Resolved with a value
// or Rejected with an error. Later Resolve/Reject calls are no-ops. Waiters that
// arrive after settlement observe the stored outcome immediately.
package pending

import (
	"context"
	"sync"
)

// State is the settlement state of a Call.
type State int

const (
	StatePending State = iota
	StateResolved
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Call is safe for concurrent use. The zero value is not usable; use New.
type Call[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	state State
	value T
	err   error
}

// New creates a pending Call.
func New[T any]() *Call[T] {
	return &Call[T]{done: make(chan struct{})}
}

// Resolved returns a Call already settled with v.
func Resolved[T any](v T) *Call[T] {
	c := New[T]()
	c.Resolve(v)
	return c
}

// Rejected returns a Call already settled with err.
func Rejected[T any](err error) *Call[T] {
	c := New[T]()
	c.Reject(err)
	return c
}

// Resolve settles the call with v. It reports whether this call won.
func (c *Call[T]) Resolve(v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePending {
		return false
	}
	c.value = v
	c.state = StateResolved
	close(c.done)
	return true
}

// Reject settles the call with err. It reports whether this call won.
// A nil err is replaced with ErrNilRejection so waiters can tell the outcomes apart.
func (c *Call[T]) Reject(err error) bool {
	if err == nil {
		err = ErrNilRejection
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePending {
		return false
	}
	c.err = err
	c.state = StateRejected
	close(c.done)
	return true
}

// Await blocks until the call settles or ctx is done. Cancelling ctx only
// abandons this wait; the call itself is untouched.
func (c *Call[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.Result()
	default:
	}

	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the call settles.
func (c *Call[T]) Done() <-chan struct{} {
	return c.done
}

// Result returns the settled outcome. While pending it returns ErrPending.
func (c *Call[T]) Result() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateResolved:
		return c.value, nil
	case StateRejected:
		var zero T
		return zero, c.err
	default:
		var zero T
		return zero, ErrPending
	}
}

// State returns the current settlement state.
func (c *Call[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
