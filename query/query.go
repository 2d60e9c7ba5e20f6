package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougbarrett/guxquery/internal/clock"
	"github.com/dougbarrett/guxquery/internal/future"
	"github.com/dougbarrett/guxquery/internal/merge"
	"github.com/dougbarrett/guxquery/internal/pubsub"
	"github.com/dougbarrett/guxquery/key"
	"github.com/dougbarrett/guxquery/retry"
	"github.com/hashicorp/go-hclog"
)

// CancelOptions parameterizes Query.Cancel (§4.2).
type CancelOptions struct {
	Revert bool
	Silent bool
}

// ErrNoQueryFn is returned when Fetch is invoked with no fetcher available.
var ErrNoQueryFn = errors.New("query: no queryFn configured")

type observerRegistration struct {
	id         int
	meta       map[string]any
	gcDuration GCDuration
}

// Query is the per-key state machine owning cached data/error, fetch
// coordination, the GC timer, and the observer registry (§3.3, §4.2).
type Query struct {
	key    key.Key
	client *Client
	clock  clock.Clock
	log    hclog.Logger

	mu      sync.Mutex
	state   State
	options Options // most recently seen options (queryFn, retry policy, ...)

	cycle             int64 // atomic monotonically increasing cycle tag
	retryCtrl         *retry.Controller[any]
	cycleCancel       context.CancelFunc
	inFlight          *future.Future[any]
	snapshotAtCycleStart State
	pendingCancel     *CancelOptions

	nextObserverID int
	observers      []observerRegistration
	aggregateMeta  map[string]any
	gcDuration     GCDuration
	gcTimer        clock.Timer

	listeners pubsub.List[State]

	onTransition func(*Query) // hook for the cache's event bus
}

// newQuery constructs a Query in its initial pending state, optionally
// pre-populated with a seed (§4.2 "Seed").
func newQuery(k key.Key, opts Options, cl clock.Clock, log hclog.Logger) *Query {
	q := &Query{
		key:        k,
		clock:      cl,
		log:        log,
		options:    opts,
		gcDuration: opts.GCDuration,
	}
	if opts.HasSeed {
		updatedAt := opts.SeedUpdatedAt
		if updatedAt.IsZero() {
			updatedAt = cl.Now()
		}
		q.state = State{
			Status:        StatusSuccess,
			FetchStatus:   FetchIdle,
			Data:          opts.Seed,
			DataUpdatedAt: updatedAt,
			// DataUpdateCount stays 0: seed was not produced by a fetch.
		}
	} else {
		q.state = State{Status: StatusPending, FetchStatus: FetchIdle}
	}
	return q
}

// Key returns the query's cache key.
func (q *Query) Key() key.Key { return q.key }

// State returns a snapshot of the current cached state.
func (q *Query) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// peekRealData returns the query's cached data and true iff the query has
// ever produced or been seeded with real data (status is not pending) —
// used by observers to decide whether a placeholder should be ignored
// because another observer already populated real data (§4.2 Placeholder).
func (q *Query) peekRealData() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.Status == StatusPending {
		return nil, false
	}
	return q.state.Data, true
}

// Meta returns the current aggregate of attached observers' meta maps.
func (q *Query) Meta() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aggregateMeta
}

// UpdateOptions records the most recently seen Options for this query (new
// observers / client calls may supply a refreshed queryFn, retry policy, or
// gcDuration; the query always fetches with whichever it saw most
// recently, per §4.5 "Resolves effective options").
func (q *Query) UpdateOptions(opts Options) {
	q.mu.Lock()
	q.options = opts
	q.mu.Unlock()
}

func (q *Query) notify(snap State) {
	if q.onTransition != nil {
		q.onTransition(q)
	}
	q.listeners.Notify(snap)
}

// Subscribe registers a listener invoked on every state transition, in
// subscription order (§5).
func (q *Query) Subscribe(fn func(State)) func() {
	return q.listeners.Subscribe(fn)
}

// AddObserver attaches an observer with its meta and requested GC duration,
// cancels any scheduled GC timer, and recomputes the coalesced GC duration
// and aggregate meta (§4.2 AddObserver, §4.4, §4.5 meta aggregation).
func (q *Query) AddObserver(meta map[string]any, gcDuration GCDuration) int {
	q.mu.Lock()
	id := q.nextObserverID
	q.nextObserverID++
	q.observers = append(q.observers, observerRegistration{id: id, meta: meta, gcDuration: gcDuration})
	q.recomputeAggregatesLocked()
	q.cancelGCLocked()
	q.mu.Unlock()
	return id
}

// RemoveObserver detaches the observer with the given id. If the observer
// count reaches zero, a GC timer is scheduled for the coalesced duration
// unless a fetch is in flight (§4.4).
func (q *Query) RemoveObserver(id int) {
	q.mu.Lock()
	for i, o := range q.observers {
		if o.id == id {
			q.observers = append(q.observers[:i], q.observers[i+1:]...)
			break
		}
	}
	q.recomputeAggregatesLocked()
	fetching := q.state.FetchStatus == FetchFetching
	empty := len(q.observers) == 0
	q.mu.Unlock()
	if empty && !fetching {
		q.scheduleGC()
	}
}

// ObserverCount reports how many observers are currently attached.
func (q *Query) ObserverCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers)
}

func (q *Query) recomputeAggregatesLocked() {
	metas := make([]map[string]any, 0, len(q.observers))
	maxGC := q.options.GCDuration
	for _, o := range q.observers {
		metas = append(metas, o.meta)
		if o.gcDuration > maxGC {
			maxGC = o.gcDuration
		}
	}
	q.aggregateMeta = merge.Aggregate(metas...)
	q.gcDuration = maxGC
}

func (q *Query) cancelGCLocked() {
	if q.gcTimer != nil {
		q.gcTimer.Stop()
		q.gcTimer = nil
	}
}

// scheduleGC arms the GC timer for the query's currently coalesced
// duration. GCInfinity disables it; GCZero fires on the very next tick.
func (q *Query) scheduleGC() {
	q.mu.Lock()
	q.cancelGCLocked()
	d := q.gcDuration
	if d == GCInfinity {
		q.mu.Unlock()
		return
	}
	client := q.client
	k := q.key
	q.gcTimer = q.clock.AfterFunc(time.Duration(d), func() {
		if client != nil {
			client.cache.maybeRemoveOnGC(k)
		}
	})
	q.mu.Unlock()
}

// readyForGC reports whether the query currently has zero observers and no
// in-flight fetch, i.e. whether a fired GC timer should actually remove it.
func (q *Query) readyForGC() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers) == 0 && q.state.FetchStatus != FetchFetching
}

// Fetch runs a fetch cycle (§4.2 "Fetch cycle"). If a cycle is already in
// flight its existing future is returned unchanged (dedup, property 6).
// fetcherOverride, if non-nil, replaces the query's configured QueryFn for
// this call only (for ad hoc fetches with a one-off fetcher).
func (q *Query) Fetch(ctx context.Context, fetcherOverride FetchFunc, meta any) *future.Future[any] {
	q.mu.Lock()
	if q.state.FetchStatus == FetchFetching && q.inFlight != nil {
		f := q.inFlight
		q.mu.Unlock()
		return f
	}

	fn := fetcherOverride
	if fn == nil {
		fn = q.options.QueryFn
	}
	if fn == nil {
		q.mu.Unlock()
		f := future.New[any]()
		f.Reject(ErrNoQueryFn)
		return f
	}

	q.snapshotAtCycleStart = q.state
	q.state.FetchStatus = FetchFetching
	q.state.FetchFailureCount = 0
	q.state.FetchFailureReason = nil
	if meta != nil {
		q.state.FetchMeta = meta
	}
	cycleTag := atomic.AddInt64(&q.cycle, 1)
	networkMode := q.options.NetworkMode
	retryFn := q.options.Retry
	client := q.client
	qKey := q.key
	log := q.log
	snap := q.state
	q.mu.Unlock()
	q.notify(snap)

	cycleCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cycleCancel = cancel
	q.mu.Unlock()

	probe := client.connectivityProbe()
	canRun := func() bool {
		switch networkMode {
		case NetworkAlways:
			return true
		case NetworkOfflineFirst:
			// The first attempt always runs; later ones wait for connectivity.
			q.mu.Lock()
			failed := q.state.FetchFailureCount > 0
			q.mu.Unlock()
			return !failed || probe.IsOnline()
		default: // NetworkOnline
			return probe.IsOnline()
		}
	}

	ctrl := retry.New(func(rctx context.Context) (any, error) {
		fctx := &FetchContext{
			QueryKey:  qKey,
			Client:    client,
			Signal:    rctx,
			Meta:      q.Meta(),
			Direction: Forward,
		}
		return fn(fctx)
	}, retry.Options[any]{
		Retry:  retryFn,
		CanRun: canRun,
		Clock:  q.clock,
		Logger: log,
		Hooks: retry.Hooks[any]{
			OnError: func(failureCount int, err error) {
				q.mu.Lock()
				q.state.FetchFailureCount = failureCount
				q.state.FetchFailureReason = err
				snap := q.state
				c := q.client
				q.mu.Unlock()
				q.notify(snap)
				if c != nil {
					c.incrCounter([]string{"query", "fetch", "retry"})
				}
			},
		},
	})

	q.mu.Lock()
	q.retryCtrl = ctrl
	q.mu.Unlock()

	inner := ctrl.Start(cycleCtx, false)
	if networkMode != NetworkAlways {
		// A reconnect releases a connectivity pause.
		unsubProbe := probe.Subscribe(func(online bool) {
			if online {
				ctrl.Resume()
			}
		})
		go func() { <-inner.Done(); unsubProbe() }()
	}
	outer := future.New[any]()
	q.mu.Lock()
	q.inFlight = outer
	q.mu.Unlock()

	go q.awaitCycle(cycleTag, ctrl, inner, outer)

	return outer
}

func (q *Query) awaitCycle(cycleTag int64, ctrl *retry.Controller[any], inner, outer *future.Future[any]) {
	data, err := inner.Wait(context.Background())

	q.mu.Lock()
	if cycleTag != atomic.LoadInt64(&q.cycle) {
		// A newer cycle has started; this result is stale and must not
		// overwrite it (§5 ordering guarantee).
		q.mu.Unlock()
		return
	}
	cancelOpts := q.pendingCancel
	q.pendingCancel = nil
	q.inFlight = nil

	if err != nil && cancelOpts != nil {
		hadPriorData := q.snapshotAtCycleStart.Status == StatusSuccess
		if cancelOpts.Revert {
			q.state = q.snapshotAtCycleStart
		}
		q.state.FetchStatus = FetchIdle
		snap := q.state
		q.mu.Unlock()
		q.notify(snap)
		q.onCycleEnd()

		switch {
		case cancelOpts.Silent:
			// outer Promise left unresolved.
		case cancelOpts.Revert && hadPriorData:
			outer.Resolve(q.snapshotAtCycleStart.Data)
		default:
			outer.Reject(err)
		}
		return
	}

	if err != nil {
		q.state.Error = err
		q.state.ErrorUpdateCount++
		q.state.ErrorUpdatedAt = q.clock.Now()
		q.state.Status = StatusError
		q.state.FetchStatus = FetchIdle
		snap := q.state
		client := q.client
		q.mu.Unlock()
		q.notify(snap)
		q.onCycleEnd()
		if client != nil {
			client.incrCounter([]string{"query", "fetch", "failure"})
		}
		outer.Reject(err)
		return
	}

	q.state.Data = data
	q.state.DataUpdateCount++
	q.state.DataUpdatedAt = q.clock.Now()
	q.state.Error = nil
	q.state.IsInvalidated = false
	q.state.Status = StatusSuccess
	q.state.FetchStatus = FetchIdle
	q.state.FetchFailureCount = 0
	q.state.FetchFailureReason = nil
	snap := q.state
	client := q.client
	q.mu.Unlock()
	q.notify(snap)
	q.onCycleEnd()
	if client != nil {
		client.incrCounter([]string{"query", "fetch", "success"})
	}
	outer.Resolve(data)
}

// onCycleEnd runs once a fetch cycle settles (success, failure, or
// cancellation), scheduling GC if the query is now observerless.
func (q *Query) onCycleEnd() {
	q.mu.Lock()
	q.retryCtrl = nil
	q.cycleCancel = nil
	empty := len(q.observers) == 0
	q.mu.Unlock()
	if empty {
		q.scheduleGC()
	}
}

// Cancel aborts the current retry controller, if any (§4.2 Cancel, §7.2).
func (q *Query) Cancel(opts CancelOptions) {
	q.mu.Lock()
	if q.state.FetchStatus != FetchFetching || q.retryCtrl == nil {
		q.mu.Unlock()
		return
	}
	q.pendingCancel = &opts
	ctrl := q.retryCtrl
	q.mu.Unlock()
	ctrl.Cancel(nil)
}

// Invalidate marks the query's data unconditionally stale until the next
// successful fetch (§4.2 Invalidate).
func (q *Query) Invalidate() {
	q.mu.Lock()
	q.state.IsInvalidated = true
	snap := q.state
	q.mu.Unlock()
	q.notify(snap)
}

// Reset forgets data/error and returns to pending, re-seeding if the
// query's options still carry a seed (§4.2 Reset).
func (q *Query) Reset() {
	q.mu.Lock()
	if q.options.HasSeed {
		updatedAt := q.options.SeedUpdatedAt
		if updatedAt.IsZero() {
			updatedAt = q.clock.Now()
		}
		q.state = State{
			Status:        StatusSuccess,
			FetchStatus:   FetchIdle,
			Data:          q.options.Seed,
			DataUpdatedAt: updatedAt,
		}
	} else {
		q.state = State{Status: StatusPending, FetchStatus: FetchIdle}
	}
	snap := q.state
	q.mu.Unlock()
	q.notify(snap)
}

// SetData transitions the query to success with the result of applying
// updater to the previous data, bumping DataUpdateCount (§4.2 SetData).
// updater may be a func(prev any) any or a literal replacement value.
func (q *Query) SetData(updater any, updatedAt *time.Time) any {
	q.mu.Lock()
	prev := q.state.Data
	next := applyUpdater(updater, prev)
	q.state.Data = next
	q.state.Error = nil
	q.state.IsInvalidated = false
	q.state.DataUpdateCount++
	q.state.Status = StatusSuccess
	if updatedAt != nil {
		q.state.DataUpdatedAt = *updatedAt
	} else {
		q.state.DataUpdatedAt = q.clock.Now()
	}
	snap := q.state
	q.mu.Unlock()
	q.notify(snap)
	return next
}

func applyUpdater(updater any, prev any) any {
	if fn, ok := updater.(func(any) any); ok {
		return fn(prev)
	}
	return updater
}
