package mutation

import (
	"sync"

	"github.com/armon/go-metrics"
	"github.com/dougbarrett/guxquery/internal/clock"
	"github.com/dougbarrett/guxquery/internal/merge"
	"github.com/hashicorp/go-hclog"
)

// Client is the mutation-side façade: a cache plus client-default meta and
// options that new mutations resolve against (§4.8-§4.9, mirroring
// query.Client's shape for the query half of the engine).
type Client struct {
	cache *Cache
	clock clock.Clock
	log   hclog.Logger
	sink  *metrics.Metrics

	mu           sync.RWMutex
	defaultMeta  map[string]any
	defaultOpts  Options
}

// ClientConfig configures a new Client (§3.8 ambient configuration model).
type ClientConfig struct {
	Clock              clock.Clock
	Logger             hclog.Logger
	Metrics            *metrics.Metrics
	DefaultMeta        map[string]any
	DefaultMutationOptions Options
}

// NewClient constructs a Client with an empty mutation cache.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	c := &Client{
		clock:       cfg.Clock,
		log:         cfg.Logger,
		sink:        cfg.Metrics,
		defaultMeta: cfg.DefaultMeta,
		defaultOpts: cfg.DefaultMutationOptions,
	}
	c.cache = NewCache(cfg.Clock, cfg.Logger, cfg.Metrics)
	return c
}

// Cache exposes the underlying mutation cache for advanced/diagnostic use.
func (c *Client) Cache() *Cache { return c.cache }

// incrCounter emits a counter sample if a metrics sink is configured (§4.11).
func (c *Client) incrCounter(parts []string) {
	if c.sink == nil {
		return
	}
	c.sink.IncrCounter(parts, 1)
}

// DefaultMutationOptions returns the options new mutations resolve against.
func (c *Client) DefaultMutationOptions() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultOpts
}

// SetDefaultMutationOptions replaces the client-wide defaults.
func (c *Client) SetDefaultMutationOptions(opts Options) {
	c.mu.Lock()
	c.defaultOpts = opts
	c.mu.Unlock()
}

// ResolveMeta deep-merges the client default meta under observerMeta under
// callSiteMeta, last one wins on scalars (§4.8 step 3).
func (c *Client) ResolveMeta(observerMeta, callSiteMeta map[string]any) map[string]any {
	c.mu.RLock()
	base := c.defaultMeta
	c.mu.RUnlock()
	return merge.Aggregate(base, observerMeta, callSiteMeta)
}

// BuildMutation resolves opts against the client defaults and constructs a
// fresh Mutation via the cache (§4.9).
func (c *Client) BuildMutation(opts Options) *Mutation {
	base := c.DefaultMutationOptions()
	resolved := base
	if opts.MutationFn != nil {
		resolved.MutationFn = opts.MutationFn
	}
	if opts.MutationKey != nil {
		resolved.MutationKey = opts.MutationKey
	}
	if opts.OnMutate != nil {
		resolved.OnMutate = opts.OnMutate
	}
	if opts.OnSuccess != nil {
		resolved.OnSuccess = opts.OnSuccess
	}
	if opts.OnError != nil {
		resolved.OnError = opts.OnError
	}
	if opts.OnSettled != nil {
		resolved.OnSettled = opts.OnSettled
	}
	if opts.Retry != nil {
		resolved.Retry = opts.Retry
	}
	if opts.GCDuration != 0 {
		resolved.GCDuration = opts.GCDuration
	}
	resolved.Meta = c.ResolveMeta(opts.Meta, nil)
	resolved = resolved.WithDefaults()
	return c.cache.Build(resolved, c)
}

// RemoveMutations unconditionally removes every matching mutation (§4.9).
func (c *Client) RemoveMutations(f Filter) {
	for _, m := range c.cache.FindAll(f) {
		c.cache.Remove(m)
	}
}
