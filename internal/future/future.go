// Package future implements a single-assignment, multi-waiter result cell:
// the Go analogue of the Promise this engine's spec is written against.
//
// It generalizes the teacher's state.AsyncStore.Load, which spawned a
// goroutine and pushed its (data, error) pair through Store.Update once —
// here the same "settle exactly once, let every waiter observe the same
// outcome" shape is factored out so both the retry controller and the
// mutation state machine can share it, including the "silent cancel never
// settles" case (§4.2/§7.2), which Load's original shape did not need.
package future

import (
	"context"
	"sync"
)

// Future is a settle-once result cell for a value of type T.
type Future[T any] struct {
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	value   T
	err     error
	settled bool
}

// New creates an unsettled Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve settles the future successfully. Only the first Resolve or Reject
// call has any effect.
func (f *Future[T]) Resolve(v T) {
	f.once.Do(func() {
		f.mu.Lock()
		f.value = v
		f.settled = true
		f.mu.Unlock()
		close(f.done)
	})
}

// Reject settles the future with an error. Only the first Resolve or Reject
// call has any effect.
func (f *Future[T]) Reject(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.settled = true
		f.mu.Unlock()
		close(f.done)
	})
}

// Done returns a channel closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is cancelled, whichever comes
// first. A silently-cancelled future (never Resolved nor Rejected) leaves
// callers blocked on Wait until their own ctx gives up — mirroring
// cancel({silent:true})'s "Promise is left unresolved" semantics.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek returns the current value without blocking; ok is false if the
// future has not yet settled.
func (f *Future[T]) Peek() (value T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.settled
}
