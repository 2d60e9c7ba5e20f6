package mutation

import (
	"context"
	"sync"
	"time"

	"github.com/dougbarrett/guxquery/internal/clock"
	"github.com/dougbarrett/guxquery/internal/future"
	"github.com/dougbarrett/guxquery/internal/pubsub"
	"github.com/dougbarrett/guxquery/key"
	"github.com/dougbarrett/guxquery/retry"
	"github.com/hashicorp/go-hclog"
)

// id is an auto-incrementing numeric mutation identifier (§4.8).
var idCounter struct {
	mu   sync.Mutex
	next int
}

func nextID() int {
	idCounter.mu.Lock()
	defer idCounter.mu.Unlock()
	idCounter.next++
	return idCounter.next
}

// Mutation is the one-shot write state machine described in §4.8: idle ->
// pending -> success|error, with a retry controller wrapped around the
// write itself and strict onMutate/mutationFn/onSuccess|onError/onSettled
// callback ordering.
type Mutation struct {
	id     int
	key    key.Key
	client *Client
	clock  clock.Clock
	log    hclog.Logger

	mu      sync.Mutex
	state   State
	options Options

	executed  bool
	retryCtrl *retry.Controller[any]
	observers int

	gcDuration GCDuration
	gcTimer    clock.Timer

	listeners pubsub.List[State]

	onTransition func(*Mutation)
}

// newMutation constructs a Mutation in its initial idle state.
func newMutation(opts Options, cl clock.Clock, log hclog.Logger) *Mutation {
	return &Mutation{
		id:         nextID(),
		key:        opts.MutationKey,
		clock:      cl,
		log:        log,
		options:    opts,
		gcDuration: opts.GCDuration,
		state:      State{Status: StatusIdle},
	}
}

// ID returns the mutation's auto-incrementing identifier.
func (m *Mutation) ID() int { return m.id }

// Key returns the mutation's (possibly empty) mutationKey.
func (m *Mutation) Key() key.Key { return m.key }

// State returns a snapshot of the current state.
func (m *Mutation) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a listener invoked on every state transition, in
// subscription order (§5).
func (m *Mutation) Subscribe(fn func(State)) func() {
	return m.listeners.Subscribe(fn)
}

func (m *Mutation) notify(snap State) {
	if m.onTransition != nil {
		m.onTransition(m)
	}
	m.listeners.Notify(snap)
}

// AddObserver attaches an observer, cancelling any scheduled GC timer.
func (m *Mutation) AddObserver() {
	m.mu.Lock()
	m.observers++
	m.cancelGCLocked()
	m.mu.Unlock()
}

// RemoveObserver detaches an observer; if the count reaches zero, GC is
// scheduled unless the mutation is still pending, in which case it is
// deferred until the pending cycle reaches a terminal status (§4.8
// "Observer counting & GC").
func (m *Mutation) RemoveObserver() {
	m.mu.Lock()
	if m.observers > 0 {
		m.observers--
	}
	empty := m.observers == 0
	pending := m.state.Status == StatusPending
	m.mu.Unlock()
	if empty && !pending {
		m.scheduleGC()
	}
}

func (m *Mutation) cancelGCLocked() {
	if m.gcTimer != nil {
		m.gcTimer.Stop()
		m.gcTimer = nil
	}
}

func (m *Mutation) scheduleGC() {
	m.mu.Lock()
	m.cancelGCLocked()
	d := m.gcDuration
	if d == GCInfinity {
		m.mu.Unlock()
		return
	}
	client := m.client
	m.gcTimer = m.clock.AfterFunc(time.Duration(d), func() {
		if client != nil {
			client.cache.maybeRemoveOnGC(m)
		}
	})
	m.mu.Unlock()
}

// readyForGC reports whether a fired GC timer should actually remove this
// mutation: zero observers, and not pending (§4.8).
func (m *Mutation) readyForGC() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observers == 0 && m.state.Status != StatusPending
}

// Execute runs the mutation's single cycle (§4.8). Calling it more than
// once on the same Mutation returns a future already rejected with
// ErrAlreadyExecuted — the per-call freshness guarantee belongs to the
// Observer, which builds a new Mutation for every mutate() call.
func (m *Mutation) Execute(ctx context.Context, variables any) *future.Future[any] {
	m.mu.Lock()
	if m.executed {
		m.mu.Unlock()
		f := future.New[any]()
		f.Reject(ErrAlreadyExecuted)
		return f
	}
	m.executed = true
	m.state.Status = StatusPending
	m.state.Variables = variables
	m.state.SubmittedAt = m.clock.Now()
	snap := m.state
	opts := m.options
	client := m.client
	mKey := m.key
	log := m.log
	m.mu.Unlock()
	m.notify(snap)

	out := future.New[any]()
	go m.run(ctx, opts, client, mKey, log, variables, out)
	return out
}

func (m *Mutation) run(ctx context.Context, opts Options, client *Client, mKey key.Key, log hclog.Logger, variables any, out *future.Future[any]) {
	fctx := &FunctionContext{Client: client, MutationKey: mKey, Meta: opts.Meta}

	var mutateResult any
	if opts.OnMutate != nil {
		res, err := opts.OnMutate(variables, fctx)
		if err != nil {
			m.finishError(err, variables, nil, fctx, opts, out)
			return
		}
		mutateResult = res
	}

	retryFn := opts.Retry
	if retryFn == nil {
		retryFn = retry.Never()
	}
	ctrl := retry.New(func(rctx context.Context) (any, error) {
		return opts.MutationFn(variables, fctx)
	}, retry.Options[any]{
		Retry:  retryFn,
		Clock:  m.clock,
		Logger: log,
		Hooks: retry.Hooks[any]{
			OnError: func(failureCount int, err error) {
				m.mu.Lock()
				m.state.FailureCount = failureCount
				m.state.FailureReason = err
				snap := m.state
				m.mu.Unlock()
				m.notify(snap)
			},
		},
	})
	m.mu.Lock()
	m.retryCtrl = ctrl
	m.mu.Unlock()

	data, err := ctrl.Start(ctx, false).Wait(context.Background())

	m.mu.Lock()
	m.retryCtrl = nil
	m.mu.Unlock()

	if err != nil {
		m.finishError(err, variables, mutateResult, fctx, opts, out)
		return
	}
	m.finishSuccess(data, variables, mutateResult, fctx, opts, out)
}

func (m *Mutation) finishSuccess(data, variables, mutateResult any, fctx *FunctionContext, opts Options, out *future.Future[any]) {
	m.mu.Lock()
	m.state.Data = data
	m.state.Error = nil
	m.state.FailureCount = 0
	m.state.FailureReason = nil
	m.state.OnMutateData = mutateResult
	m.state.Status = StatusSuccess
	snap := m.state
	m.mu.Unlock()
	m.notify(snap)
	m.onTerminal()
	if m.client != nil {
		m.client.incrCounter([]string{"mutation", "execute", "success"})
	}

	var callbackErr error
	if opts.OnSuccess != nil {
		callbackErr = opts.OnSuccess(data, variables, mutateResult, fctx)
	}
	var settledErr error
	if opts.OnSettled != nil {
		settledErr = opts.OnSettled(data, nil, variables, mutateResult, fctx)
	}
	// onSettled's error takes precedence over onSuccess's, per §7 ("errors
	// thrown inside onSuccess/onSettled propagate to the caller").
	if settledErr != nil {
		out.Reject(settledErr)
		return
	}
	if callbackErr != nil {
		out.Reject(callbackErr)
		return
	}
	out.Resolve(data)
}

func (m *Mutation) finishError(err error, variables, mutateResult any, fctx *FunctionContext, opts Options, out *future.Future[any]) {
	m.mu.Lock()
	m.state.Error = err
	m.state.OnMutateData = mutateResult
	m.state.Status = StatusError
	snap := m.state
	m.mu.Unlock()
	m.notify(snap)
	m.onTerminal()
	if m.client != nil {
		m.client.incrCounter([]string{"mutation", "execute", "failure"})
	}

	if opts.OnError != nil {
		_ = opts.OnError(err, variables, mutateResult, fctx)
	}
	var settledErr error
	if opts.OnSettled != nil {
		settledErr = opts.OnSettled(nil, err, variables, mutateResult, fctx)
	}
	// The mutation's Promise always rejects with the original mutationFn
	// error (§4.8 step 5), regardless of what onError itself returns — but
	// an onSettled error still propagates, per §7.
	if settledErr != nil {
		out.Reject(settledErr)
		return
	}
	out.Reject(err)
}

func (m *Mutation) onTerminal() {
	m.mu.Lock()
	empty := m.observers == 0
	m.mu.Unlock()
	if empty {
		m.scheduleGC()
	}
}
