// Package retry implements the retry controller described in spec §4.1: it
// wraps a fetch function, drives an initial attempt plus a retry loop with a
// caller-supplied delay policy, and supports pause, resume, and
// cancellation.
//
// The attempt/backoff shape is grounded in the retry decorator found
// across the example pack (other_examples' retry_decorator.go), generalized
// from a fixed repository decorator into a generic, pausable state machine
// driven by an injectable clock so tests can fast-forward virtual time
// (internal/clock).
package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dougbarrett/guxquery/internal/clock"
	"github.com/dougbarrett/guxquery/internal/future"
	"github.com/hashicorp/go-hclog"
)

// ErrAborted is the default rejection reason for a cancelled controller.
var ErrAborted = errors.New("retry: aborted")

// DelayFunc decides the delay before the next attempt, given the zero-based
// index of the attempt that just failed (failureCount-1: the first call
// after one failure passes attemptIndex=0, per spec §4.1 step 3) and the
// error that attempt produced. Returning (0, false) stops the retry loop.
type DelayFunc func(attemptIndex int, err error) (time.Duration, bool)

// Default returns the spec's default policy: up to 3 retries after the
// first attempt (4 attempts in all), with 1s/2s/4s backoff.
func Default() DelayFunc {
	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	return func(attemptIndex int, _ error) (time.Duration, bool) {
		if attemptIndex < 0 || attemptIndex >= len(delays) {
			return 0, false
		}
		return delays[attemptIndex], true
	}
}

// Never never retries: the first failure is final.
func Never() DelayFunc {
	return func(int, error) (time.Duration, bool) { return 0, false }
}

// State is the controller's lifecycle stage.
type State int

const (
	Idle State = iota
	Running
	Paused
	Resolved
	Rejected
	Cancelled
)

// Hooks are optional lifecycle callbacks.
type Hooks[T any] struct {
	OnError   func(failureCount int, err error)
	OnPause   func()
	OnResume  func()
	OnFail    func(finalErr error)
	OnSuccess func(data T)
}

// Options configures a Controller.
type Options[T any] struct {
	Retry  DelayFunc        // nil defaults to Default()
	CanRun func() bool      // nil means always runnable
	Hooks  Hooks[T]
	Clock  clock.Clock      // nil defaults to clock.Real{}
	Logger hclog.Logger     // nil defaults to a null logger
}

// Fn is the wrapped operation. It receives the abort signal as a
// context.Context, as ctx.Done() is idiomatic Go's stand-in for "signal".
type Fn[T any] func(ctx context.Context) (T, error)

// Controller drives Fn to completion with retries, following the state
// machine {idle -> running|paused -> resolved|rejected|cancelled}.
type Controller[T any] struct {
	fn    Fn[T]
	opts  Options[T]
	clock clock.Clock
	log   hclog.Logger

	mu            sync.Mutex
	state         State
	future        *future.Future[T]
	failureCount  int
	failureReason error
	isPaused      bool
	ctx           context.Context
	cancel        context.CancelFunc
	resumeCh      chan struct{}
	timer         clock.Timer
}

// New constructs a Controller around fn.
func New[T any](fn Fn[T], opts Options[T]) *Controller[T] {
	if opts.Retry == nil {
		opts.Retry = Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Controller[T]{
		fn:    fn,
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger,
		state: Idle,
	}
}

// FailureCount reports the number of attempts that have failed in the
// current (or most recently completed) cycle.
func (c *Controller[T]) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureCount
}

// FailureReason reports the most recent attempt's error, if any.
func (c *Controller[T]) FailureReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureReason
}

// IsPaused reports whether the controller is currently paused.
func (c *Controller[T]) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isPaused
}

// State returns the controller's current lifecycle stage.
func (c *Controller[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins the attempt loop (or, if already started, returns the
// existing in-flight future — §4.1: "Calling start again returns the same
// Promise"). startPaused requests that the controller enter Paused before
// its first attempt.
func (c *Controller[T]) Start(parent context.Context, startPaused bool) *future.Future[T] {
	c.mu.Lock()
	if c.state != Idle {
		f := c.future
		c.mu.Unlock()
		return f
	}
	c.state = Running
	c.future = future.New[T]()
	c.resumeCh = make(chan struct{}, 1)
	c.ctx, c.cancel = context.WithCancel(parent)
	f := c.future
	c.mu.Unlock()

	go c.run(startPaused)
	return f
}

// Cancel transitions the controller to Cancelled, releasing any pending
// delay, and rejects the outer future with err (ErrAborted if err is nil).
// A no-op once the controller is already terminal.
func (c *Controller[T]) Cancel(err error) {
	if err == nil {
		err = ErrAborted
	}
	c.mu.Lock()
	if isTerminal(c.state) {
		c.mu.Unlock()
		return
	}
	c.state = Cancelled
	if c.timer != nil {
		c.timer.Stop()
	}
	cancel := c.cancel
	f := c.future
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.Reject(err)
}

// Pause requests a pause; it is a no-op if the controller is terminal or
// already paused.
func (c *Controller[T]) Pause() {
	c.mu.Lock()
	if isTerminal(c.state) || c.isPaused {
		c.mu.Unlock()
		return
	}
	c.isPaused = true
	if c.state == Running {
		c.state = Paused
	}
	hook := c.opts.Hooks.OnPause
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Resume releases a pause; it is a no-op if not currently paused.
func (c *Controller[T]) Resume() {
	c.mu.Lock()
	if !c.isPaused {
		c.mu.Unlock()
		return
	}
	c.isPaused = false
	if c.state == Paused {
		c.state = Running
	}
	ch := c.resumeCh
	hook := c.opts.Hooks.OnResume
	c.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
	if hook != nil {
		hook()
	}
}

func isTerminal(s State) bool {
	return s == Resolved || s == Rejected || s == Cancelled
}

func (c *Controller[T]) run(startPaused bool) {
	attempt := 0
	if startPaused {
		c.Pause()
	}
	for {
		if c.opts.CanRun != nil && !c.opts.CanRun() {
			c.Pause()
		}
		if !c.awaitRunnable() {
			return // cancelled while waiting to run
		}

		data, err := c.fn(c.ctx)
		if err == nil {
			c.mu.Lock()
			if isTerminal(c.state) {
				c.mu.Unlock()
				return
			}
			c.state = Resolved
			c.failureCount = 0
			c.failureReason = nil
			hook := c.opts.Hooks.OnSuccess
			f := c.future
			c.mu.Unlock()
			if hook != nil {
				hook(data)
			}
			f.Resolve(data)
			return
		}

		c.mu.Lock()
		if isTerminal(c.state) {
			c.mu.Unlock()
			return
		}
		c.failureCount++
		c.failureReason = err
		failureCount := c.failureCount
		onError := c.opts.Hooks.OnError
		c.mu.Unlock()
		if onError != nil {
			onError(failureCount, err)
		}

		delay, retry := c.opts.Retry(failureCount-1, err)
		if !retry {
			c.mu.Lock()
			if isTerminal(c.state) {
				c.mu.Unlock()
				return
			}
			c.state = Rejected
			onFail := c.opts.Hooks.OnFail
			f := c.future
			c.mu.Unlock()
			if onFail != nil {
				onFail(err)
			}
			f.Reject(err)
			return
		}

		if !c.awaitDelay(delay) {
			return // cancelled during delay
		}
		attempt++
		_ = attempt
	}
}

// awaitRunnable blocks until CanRun() would allow an attempt, honoring pause
// and cancellation. It returns false iff the controller was cancelled.
func (c *Controller[T]) awaitRunnable() bool {
	for {
		c.mu.Lock()
		paused := c.isPaused
		ch := c.resumeCh
		ctx := c.ctx
		c.mu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-ch:
			c.mu.Lock()
			cancelled := isTerminal(c.state)
			c.mu.Unlock()
			if cancelled {
				return false
			}
			if c.opts.CanRun != nil && !c.opts.CanRun() {
				continue // still not runnable, go back to waiting
			}
			return true
		case <-ctx.Done():
			return false
		}
	}
}

// awaitDelay sleeps for d, interruptible by pause (which re-enters the
// pause/resume wait once the delay has been consumed) and cancellation.
func (c *Controller[T]) awaitDelay(d time.Duration) bool {
	done := make(chan struct{})
	c.mu.Lock()
	ctx := c.ctx
	c.timer = c.clock.AfterFunc(d, func() { close(done) })
	c.mu.Unlock()

	select {
	case <-done:
		return c.awaitRunnable()
	case <-ctx.Done():
		return false
	}
}
