package query

import (
	"context"
	"sync"
	"time"

	"github.com/dougbarrett/guxquery/internal/clock"
	"github.com/dougbarrett/guxquery/internal/pubsub"
)

// Result is the derived, consumer-visible projection of a query's state
// (§4.5 "Result projection").
type Result struct {
	Status      Status
	FetchStatus FetchStatus
	Data        any
	Error       error

	DataUpdatedAt    time.Time
	ErrorUpdatedAt   time.Time
	DataUpdateCount  int
	ErrorUpdateCount int

	FailureCount  int
	FailureReason error

	IsInvalidated bool

	IsPending          bool
	IsSuccess          bool
	IsError            bool
	IsFetching         bool
	IsRefetching       bool
	IsStale            bool
	IsPlaceholderData  bool
	IsFetchedAfterMount bool
}

// isStale implements §4.5 staleness: invalidated, or the configured
// duration has elapsed, with the StaleStatic sentinel opting out entirely.
func isStale(s State, d StaleDuration, now time.Time) bool {
	if d == StaleStatic {
		return false
	}
	if s.IsInvalidated {
		return true
	}
	if d == StaleZero {
		return true
	}
	if d == StaleInfinity {
		return false
	}
	return now.Sub(s.DataUpdatedAt) >= time.Duration(d)
}

func decideRefetch(policy RefetchPolicy, s State, d StaleDuration, now time.Time) bool {
	switch policy {
	case RefetchAlways:
		return true
	case RefetchNever:
		return false
	default:
		return isStale(s, d, now)
	}
}

// Observer binds Options + Client to a query, computing a derived Result
// and scheduling refetch triggers (§4.5).
type Observer struct {
	client *Client
	clock  clock.Clock

	mu                  sync.Mutex
	opts                Options
	query               *Query
	unsubscribeQuery    func()
	observerID          int
	intervalTimer       clock.Timer
	isFetchedAfterMount bool
	disposed            bool
	lastResult          Result

	listeners pubsub.List[Result]
}

// NewObserver constructs an Observer, binds it to (and possibly creates) the
// query for opts.QueryKey, and evaluates the mount policy (§4.5 "Binding").
func NewObserver(client *Client, opts Options) *Observer {
	o := &Observer{client: client, clock: client.clock}
	o.bind(opts)
	o.evaluateMountPolicy()
	return o
}

// bind resolves options, looks up/builds the query, and attaches this
// observer to it.
func (o *Observer) bind(opts Options) {
	resolved := o.client.ResolveOptions(opts)

	o.mu.Lock()
	prevQuery := o.query
	prevUnsub := o.unsubscribeQuery
	prevID := o.observerID
	o.mu.Unlock()

	q, resolved := o.client.getOrBuild(resolved)

	if prevQuery != nil && prevQuery != q {
		prevQuery.RemoveObserver(prevID)
		if prevUnsub != nil {
			prevUnsub()
		}
	}

	var id int
	var unsub func()
	if prevQuery != q {
		id = q.AddObserver(resolved.Meta, resolved.GCDuration)
		unsub = q.Subscribe(func(s State) { o.onQueryTransition(s) })
	} else {
		id = prevID
		unsub = prevUnsub
	}

	o.mu.Lock()
	o.opts = resolved
	o.query = q
	o.observerID = id
	o.unsubscribeQuery = unsub
	o.lastResult = o.computeResult(q.State())
	o.mu.Unlock()
}

// UpdateOptions re-resolves options, possibly rebinding to a different
// query key, and re-evaluates the mount policy (handles enabled
// false->true transitions per §4.5).
func (o *Observer) UpdateOptions(opts Options) {
	o.mu.Lock()
	wasEnabled := o.opts.Enabled
	o.mu.Unlock()

	o.bind(opts)

	o.mu.Lock()
	nowEnabled := o.opts.Enabled
	o.mu.Unlock()

	if !wasEnabled && nowEnabled {
		o.evaluateMountPolicy()
	}
	o.publish()
}

func (o *Observer) evaluateMountPolicy() {
	o.mu.Lock()
	opts := o.opts
	q := o.query
	o.mu.Unlock()

	if !opts.Enabled {
		return
	}
	state := q.State()
	shouldFetch := false
	if opts.RetryOnMount && state.Status == StatusError {
		shouldFetch = true
	} else {
		shouldFetch = decideRefetch(opts.RefetchOnMount, state, opts.StaleDuration, o.clock.Now())
	}
	if shouldFetch {
		go q.Fetch(context.Background(), nil, nil)
	}
}

// OnResume re-evaluates the resume policy (§4.5 refetch decision matrix).
func (o *Observer) OnResume() {
	o.mu.Lock()
	opts := o.opts
	q := o.query
	o.mu.Unlock()
	if !opts.Enabled {
		return
	}
	if decideRefetch(opts.RefetchOnResume, q.State(), opts.StaleDuration, o.clock.Now()) {
		go q.Fetch(context.Background(), nil, nil)
	}
}

func (o *Observer) onQueryTransition(s State) {
	o.mu.Lock()
	if s.Status != StatusPending && (s.FetchStatus == FetchIdle) {
		// A terminal transition (success or error) just completed.
		o.isFetchedAfterMount = true
	}
	result := o.computeResult(s)
	o.lastResult = result
	o.mu.Unlock()

	o.listeners.Notify(result)
	o.maybeScheduleInterval(s)
}

func (o *Observer) maybeScheduleInterval(s State) {
	o.mu.Lock()
	opts := o.opts
	terminal := s.FetchStatus == FetchIdle && s.Status != StatusPending
	if o.intervalTimer != nil {
		o.intervalTimer.Stop()
		o.intervalTimer = nil
	}
	if !terminal || opts.RefetchInterval <= 0 || o.disposed {
		o.mu.Unlock()
		return
	}
	q := o.query
	o.intervalTimer = o.clock.AfterFunc(opts.RefetchInterval, func() {
		o.mu.Lock()
		enabled := o.opts.Enabled
		disposed := o.disposed
		o.mu.Unlock()
		if enabled && !disposed {
			go q.Fetch(context.Background(), nil, nil)
		}
	})
	o.mu.Unlock()
}

// computeResult projects state into the derived Result (§4.5). Must be
// called with o.mu held.
func (o *Observer) computeResult(s State) Result {
	data := s.Data
	status := s.Status
	isPlaceholder := false
	if status == StatusPending && o.opts.HasPlaceholder {
		if existing, ok := o.query.peekRealData(); ok {
			data = existing
		} else {
			data = o.opts.Placeholder
			status = StatusSuccess
			isPlaceholder = true
		}
	}

	now := o.clock.Now()
	r := Result{
		Status:              status,
		FetchStatus:         s.FetchStatus,
		Data:                data,
		Error:               s.Error,
		DataUpdatedAt:       s.DataUpdatedAt,
		ErrorUpdatedAt:      s.ErrorUpdatedAt,
		DataUpdateCount:     s.DataUpdateCount,
		ErrorUpdateCount:    s.ErrorUpdateCount,
		FailureCount:        s.FetchFailureCount,
		FailureReason:       s.FetchFailureReason,
		IsInvalidated:       s.IsInvalidated,
		IsPending:           status == StatusPending,
		IsSuccess:           status == StatusSuccess,
		IsError:             status == StatusError,
		IsFetching:          s.FetchStatus == FetchFetching,
		IsRefetching:        s.FetchStatus == FetchFetching && s.DataUpdateCount > 0,
		IsStale:             isStale(s, o.opts.StaleDuration, now),
		IsPlaceholderData:   isPlaceholder,
		IsFetchedAfterMount: o.isFetchedAfterMount,
	}
	return r
}

func (o *Observer) publish() {
	o.mu.Lock()
	r := o.lastResult
	disposed := o.disposed
	o.mu.Unlock()
	if disposed {
		return
	}
	o.listeners.Notify(r)
}

// Subscribe registers a listener invoked on every subsequent Result change
// (not synchronously on subscribe — §4.5).
func (o *Observer) Subscribe(fn func(Result)) func() {
	return o.listeners.Subscribe(fn)
}

// Result recomputes and returns the current projection. Recomputing on
// every call (rather than returning a cached snapshot) keeps IsStale
// accurate as time passes between state transitions.
func (o *Observer) Result() Result {
	o.mu.Lock()
	q := o.query
	o.mu.Unlock()
	s := q.State()
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.computeResult(s)
	o.lastResult = r
	return r
}

// Refetch manually triggers a fetch regardless of enabled/staleness
// (§4.2 "manual refetch/fetchNextPage/fetchPreviousPage still work").
func (o *Observer) Refetch(ctx context.Context, throwOnError bool) (any, error) {
	o.mu.Lock()
	q := o.query
	o.mu.Unlock()

	data, err := q.Fetch(ctx, nil, nil).Wait(ctx)
	if err != nil && !throwOnError {
		return nil, nil
	}
	return data, err
}

// Dispose cancels the refetch interval, detaches from the query (scheduling
// GC as needed), and drops all listeners (§4.5 "dispose/onUnmount").
func (o *Observer) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	if o.intervalTimer != nil {
		o.intervalTimer.Stop()
		o.intervalTimer = nil
	}
	q := o.query
	id := o.observerID
	unsub := o.unsubscribeQuery
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if q != nil {
		q.RemoveObserver(id)
	}
}
