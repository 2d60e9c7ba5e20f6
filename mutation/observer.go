package mutation

import (
	"context"
	"sync"
	"time"

	"github.com/dougbarrett/guxquery/internal/future"
	"github.com/dougbarrett/guxquery/internal/pubsub"
)

// Result is the derived, consumer-visible projection of a mutation's state
// (§4.10).
type Result struct {
	Status       Status
	Variables    any
	Data         any
	Error        error
	OnMutateData any

	SubmittedAt time.Time

	FailureCount  int
	FailureReason error

	IsIdle    bool
	IsPending bool
	IsSuccess bool
	IsError   bool
}

func projectResult(s State) Result {
	return Result{
		Status:        s.Status,
		Variables:     s.Variables,
		Data:          s.Data,
		Error:         s.Error,
		OnMutateData:  s.OnMutateData,
		SubmittedAt:   s.SubmittedAt,
		FailureCount:  s.FailureCount,
		FailureReason: s.FailureReason,
		IsIdle:        s.Status == StatusIdle,
		IsPending:     s.Status == StatusPending,
		IsSuccess:     s.Status == StatusSuccess,
		IsError:       s.Status == StatusError,
	}
}

// Observer is the consumer binding described in §4.10: it holds options, a
// reference to a freshly created Mutation per mutate() call, and a
// subscriber list. A stale mutation whose result arrives after a newer
// mutate() call has replaced it is dropped via the generation counter
// below, so "a late-arriving success from a prior call must not overwrite
// the result of a newer one" (§4.8).
type Observer struct {
	client *Client

	mu          sync.Mutex
	opts        Options
	current     *Mutation
	generation  int64
	unsubscribe func()
	disposed    bool
	lastResult  Result

	listeners pubsub.List[Result]
}

// NewObserver constructs a disposed-free Observer bound to opts, starting
// in the idle projection with no mutation attached yet.
func NewObserver(client *Client, opts Options) *Observer {
	return &Observer{client: client, opts: opts, lastResult: projectResult(State{Status: StatusIdle})}
}

// UpdateOptions reassigns the template options a future mutate() call will
// use; it does not affect a mutation already in flight.
func (o *Observer) UpdateOptions(opts Options) {
	o.mu.Lock()
	o.opts = opts
	o.mu.Unlock()
}

func (o *Observer) mergeOverrides(overrides *Options) Options {
	o.mu.Lock()
	merged := o.opts
	o.mu.Unlock()
	if overrides == nil {
		return merged
	}
	if overrides.MutationFn != nil {
		merged.MutationFn = overrides.MutationFn
	}
	if overrides.MutationKey != nil {
		merged.MutationKey = overrides.MutationKey
	}
	if overrides.Meta != nil {
		merged.Meta = overrides.Meta
	}
	if overrides.OnMutate != nil {
		merged.OnMutate = overrides.OnMutate
	}
	if overrides.OnSuccess != nil {
		merged.OnSuccess = overrides.OnSuccess
	}
	if overrides.OnError != nil {
		merged.OnError = overrides.OnError
	}
	if overrides.OnSettled != nil {
		merged.OnSettled = overrides.OnSettled
	}
	if overrides.Retry != nil {
		merged.Retry = overrides.Retry
	}
	if overrides.GCDuration != 0 {
		merged.GCDuration = overrides.GCDuration
	}
	return merged
}

// Mutate builds a fresh Mutation (replacing any mutation this observer was
// previously tracking) and executes it, returning its future immediately
// without blocking on completion (§4.10 "mutate").
func (o *Observer) Mutate(ctx context.Context, variables any, overrides *Options) *future.Future[any] {
	opts := o.mergeOverrides(overrides)
	m := o.client.BuildMutation(opts)
	m.AddObserver()

	o.mu.Lock()
	prev := o.current
	prevUnsub := o.unsubscribe
	o.generation++
	gen := o.generation
	o.current = m
	o.unsubscribe = m.Subscribe(func(s State) { o.onTransition(gen, s) })
	o.mu.Unlock()

	if prevUnsub != nil {
		prevUnsub()
	}
	if prev != nil {
		prev.RemoveObserver()
	}

	return m.Execute(ctx, variables)
}

// MutateAsync is the awaitable variant of Mutate: it blocks until the
// mutation settles (§4.10).
func (o *Observer) MutateAsync(ctx context.Context, variables any, overrides *Options) (any, error) {
	f := o.Mutate(ctx, variables, overrides)
	return f.Wait(ctx)
}

func (o *Observer) onTransition(gen int64, s State) {
	o.mu.Lock()
	if gen != o.generation || o.disposed {
		o.mu.Unlock()
		return
	}
	result := projectResult(s)
	o.lastResult = result
	o.mu.Unlock()
	o.listeners.Notify(result)
}

// Reset detaches from the current mutation (decrementing its observer
// count) and projects idle; a no-op on a disposed observer (§4.10, §7.3).
func (o *Observer) Reset() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	prev := o.current
	prevUnsub := o.unsubscribe
	o.generation++
	o.current = nil
	o.unsubscribe = nil
	o.lastResult = projectResult(State{Status: StatusIdle})
	result := o.lastResult
	o.mu.Unlock()

	if prevUnsub != nil {
		prevUnsub()
	}
	if prev != nil {
		prev.RemoveObserver()
	}
	o.listeners.Notify(result)
}

// Result returns the most recently projected Result.
func (o *Observer) Result() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

// Subscribe registers a listener invoked on every subsequent Result change.
func (o *Observer) Subscribe(fn func(Result)) func() {
	return o.listeners.Subscribe(fn)
}

// Dispose detaches from the current mutation and drops all listeners.
func (o *Observer) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	prev := o.current
	prevUnsub := o.unsubscribe
	o.current = nil
	o.unsubscribe = nil
	o.mu.Unlock()

	if prevUnsub != nil {
		prevUnsub()
	}
	if prev != nil {
		prev.RemoveObserver()
	}
}
