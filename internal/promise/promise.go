// Package promise provides a one-shot completion primitive shared between a
// single producer and any number of waiters.
package promise

import (
	"context"
	"sync"
)

// Promise carries the result of an operation that completes exactly once.
// The zero value is not usable; use New.
type Promise[T any] struct {
	done chan struct{}

	mu      sync.Mutex
	settled bool
	value   T
	err     error
}

func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve completes the promise with a value. It panics if the promise has
// already settled.
func (p *Promise[T]) Resolve(value T) {
	p.settle(value, nil)
}

// Reject completes the promise with an error. It panics if the promise has
// already settled.
func (p *Promise[T]) Reject(err error) {
	var zero T
	p.settle(zero, err)
}

func (p *Promise[T]) settle(value T, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		panic("promise: settled twice")
	}
	p.settled = true
	p.value = value
	p.err = err
	close(p.done)
}

// Done returns a channel that is closed once the promise settles.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the promise settles or ctx is cancelled, whichever comes
// first. A cancelled ctx returns ctx.Err() without consuming the result;
// other waiters are unaffected.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the settled value and error. It must only be called after
// Done is closed.
func (p *Promise[T]) Result() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}
