// Package query implements the query half of the engine: the cache, the
// per-key state machine, the retry-driven fetch cycle, the observer layer,
// and the Client façade (§4.2–§4.7).
package query

import (
	"context"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/dougbarrett/guxquery/internal/clock"
	"github.com/dougbarrett/guxquery/key"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Client is the façade described in §4.7: fetchQuery / prefetchQuery /
// getQueryData / setQueryData / invalidate / refetch / reset / remove /
// cancel, all operating across the cache by filter.
type Client struct {
	cache *Cache
	clock clock.Clock
	log   hclog.Logger
	sink  *metrics.Metrics

	mu                sync.RWMutex
	defaultQueryOpts  Options
	connectivity      ConnectivityProbe
}

// ClientConfig configures a new Client (§3.8 ambient configuration model).
type ClientConfig struct {
	Clock              clock.Clock
	Logger             hclog.Logger
	Metrics            *metrics.Metrics
	DefaultQueryOptions Options
	Connectivity       ConnectivityProbe
}

// NewClient constructs a Client with an empty cache.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Connectivity == nil {
		cfg.Connectivity = AlwaysOnline{}
	}
	c := &Client{
		clock:            cfg.Clock,
		log:              cfg.Logger,
		sink:             cfg.Metrics,
		defaultQueryOpts: cfg.DefaultQueryOptions,
		connectivity:     cfg.Connectivity,
	}
	c.cache = NewCache(cfg.Clock, cfg.Logger, cfg.Metrics)
	return c
}

// Cache exposes the underlying QueryCache for advanced/diagnostic use.
func (c *Client) Cache() *Cache { return c.cache }

func (c *Client) connectivityProbe() ConnectivityProbe {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectivity
}

// incrCounter emits a counter sample if a metrics sink is configured (§4.11).
func (c *Client) incrCounter(parts []string) {
	if c.sink == nil {
		return
	}
	c.sink.IncrCounter(parts, 1)
}

// DefaultQueryOptions returns the options new queries resolve against
// (§4.7 "writable; new observers and new queries resolve options against
// whatever is current").
func (c *Client) DefaultQueryOptions() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultQueryOpts
}

// SetDefaultQueryOptions replaces the client-wide defaults.
func (c *Client) SetDefaultQueryOptions(opts Options) {
	c.mu.Lock()
	c.defaultQueryOpts = opts
	c.mu.Unlock()
}

// ResolveOptions layers client defaults under observer-supplied options
// (§4.5 step 1: "client defaults -> observer options").
func (c *Client) ResolveOptions(opts Options) Options {
	base := c.DefaultQueryOptions()
	resolved := base
	if opts.QueryKey != nil {
		resolved.QueryKey = opts.QueryKey
	}
	if opts.QueryFn != nil {
		resolved.QueryFn = opts.QueryFn
	}
	resolved.Enabled = opts.Enabled
	if opts.StaleDuration != 0 {
		resolved.StaleDuration = opts.StaleDuration
	}
	if opts.GCDuration != 0 {
		resolved.GCDuration = opts.GCDuration
	}
	resolved.RefetchOnMount = opts.RefetchOnMount
	resolved.RefetchOnResume = opts.RefetchOnResume
	if opts.RefetchInterval != 0 {
		resolved.RefetchInterval = opts.RefetchInterval
	}
	if opts.Retry != nil {
		resolved.Retry = opts.Retry
	}
	resolved.RetryOnMount = opts.RetryOnMount
	resolved.Seed = opts.Seed
	resolved.HasSeed = opts.HasSeed
	resolved.SeedUpdatedAt = opts.SeedUpdatedAt
	resolved.Placeholder = opts.Placeholder
	resolved.HasPlaceholder = opts.HasPlaceholder
	resolved.Meta = opts.Meta
	resolved.NetworkMode = opts.NetworkMode
	return resolved.WithDefaults()
}

// getOrBuild resolves opts and returns the cache's query for its key,
// constructing it if absent.
func (c *Client) getOrBuild(opts Options) (*Query, Options) {
	resolved := c.ResolveOptions(opts)
	q := c.cache.Build(resolved)
	if q.client == nil {
		q.client = c
	}
	return q, resolved
}

// BuildQuery resolves opts against the client defaults and returns (or
// constructs) the cache's query for its key, bypassing any observer. Useful
// for direct cache manipulation and tests.
func (c *Client) BuildQuery(opts Options) *Query {
	q, _ := c.getOrBuild(opts)
	return q
}

// FetchQuery looks up or builds the query, then calls fetchOptimistic; it
// returns cached data immediately if it is not stale (§4.7).
func (c *Client) FetchQuery(ctx context.Context, opts Options) (any, error) {
	q, resolved := c.getOrBuild(opts)
	if !isStale(q.State(), resolved.StaleDuration, c.clock.Now()) && q.State().Status != StatusPending {
		return q.State().Data, nil
	}
	return c.fetchOptimistic(ctx, q, nil)
}

// fetchOptimistic issues a fetch and returns its resulting data, bypassing
// observer listener semantics but sharing the same dedup/retry machinery
// (§4.5 "fetchOptimistic").
func (c *Client) fetchOptimistic(ctx context.Context, q *Query, meta any) (any, error) {
	f := q.Fetch(ctx, nil, meta)
	return f.Wait(ctx)
}

// PrefetchQuery behaves like FetchQuery but swallows the error: state still
// reflects the failure (§4.7).
func (c *Client) PrefetchQuery(ctx context.Context, opts Options) {
	_, _ = c.FetchQuery(ctx, opts)
}

// GetQueryData returns the cached value for k, or nil if absent or not yet
// produced (§4.7; seed values count as real data).
func (c *Client) GetQueryData(k key.Key) any {
	q, ok := c.cache.Get(k)
	if !ok {
		return nil
	}
	return q.State().Data
}

// GetQueryState returns the cached state for k, or (State{}, false) if
// absent.
func (c *Client) GetQueryState(k key.Key) (State, bool) {
	q, ok := c.cache.Get(k)
	if !ok {
		return State{}, false
	}
	return q.State(), true
}

// SetQueryData creates the query on demand (with a fetcher that panics if
// ever invoked, since it should never be called directly) and transitions
// it to success via updater, resetting error/invalidation (§4.7).
func (c *Client) SetQueryData(k key.Key, updater any, updatedAt *time.Time) any {
	q, ok := c.cache.Get(k)
	if !ok {
		opts := c.ResolveOptions(Options{
			QueryKey: k,
			QueryFn: func(*FetchContext) (any, error) {
				panic("query: setQueryData-created query's fetcher must never be invoked")
			},
		})
		q = c.cache.Build(opts)
	}
	if q.client == nil {
		q.client = c
	}
	return q.SetData(updater, updatedAt)
}

// InvalidateQueries marks every query matching f invalidated. Active
// observers then decide whether to refetch per their own policies (§4.7).
func (c *Client) InvalidateQueries(f Filter) {
	for _, q := range c.cache.FindAll(f) {
		q.Invalidate()
	}
}

// RefetchQueries triggers a fetch on every matching active (>=1 observer,
// enabled) non-static query, and awaits all of them (§4.7, §4.11/§4.12).
func (c *Client) RefetchQueries(ctx context.Context, f Filter) error {
	matches := c.cache.FindAll(f)
	g, gctx := errgroup.WithContext(context.Background())
	var errs error
	var mu sync.Mutex
	for _, q := range matches {
		q := q
		if q.ObserverCount() == 0 || !q.options.Enabled {
			continue
		}
		if q.options.StaleDuration == StaleStatic {
			continue
		}
		g.Go(func() error {
			_, err := c.fetchOptimistic(gctx, q, nil)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = ctx
	_ = g.Wait()
	return errs
}

// ResetQueries cancels any in-flight fetch (with revert) and resets every
// matching query to seed/pending; active queries are then refetched
// (§4.7).
func (c *Client) ResetQueries(ctx context.Context, f Filter) error {
	matches := c.cache.FindAll(f)
	for _, q := range matches {
		q.Cancel(CancelOptions{Revert: true})
		q.Reset()
	}
	var errs error
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(context.Background())
	for _, q := range matches {
		q := q
		if q.ObserverCount() == 0 {
			continue
		}
		g.Go(func() error {
			_, err := c.fetchOptimistic(gctx, q, nil)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = ctx
	_ = g.Wait()
	return errs
}

// RemoveQueries unconditionally removes every matching query; no refetch
// (§4.7).
func (c *Client) RemoveQueries(f Filter) {
	for _, q := range c.cache.FindAll(f) {
		c.cache.Remove(q)
	}
}

// CancelQueries applies Query.Cancel to every match and returns once all
// are idle (§4.7).
func (c *Client) CancelQueries(f Filter, opts CancelOptions) {
	for _, q := range c.cache.FindAll(f) {
		idle := make(chan struct{})
		var once sync.Once
		unsub := q.Subscribe(func(s State) {
			if s.FetchStatus != FetchFetching {
				once.Do(func() { close(idle) })
			}
		})
		q.Cancel(opts)
		if q.State().FetchStatus != FetchFetching {
			once.Do(func() { close(idle) })
		}
		<-idle
		unsub()
	}
}
