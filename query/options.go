package query

import (
	"context"
	"time"

	"github.com/dougbarrett/guxquery/key"
	"github.com/dougbarrett/guxquery/retry"
)

// StaleDuration configures when cached data is considered eligible for
// background refetch (§4.5). The three sentinel values below stand in for
// "always", "only on invalidation" and "never".
type StaleDuration time.Duration

const (
	// StaleZero marks data stale immediately after every fetch.
	StaleZero StaleDuration = 0
	// StaleInfinity marks data stale only via explicit invalidation.
	StaleInfinity StaleDuration = StaleDuration(1<<63 - 1)
	// StaleStatic means data is never considered stale; invalidation does
	// not apply and refetch helpers skip these queries entirely.
	StaleStatic StaleDuration = StaleDuration(-(1 << 62))
)

// GCDuration configures how long an observerless query survives before
// removal (§4.4).
type GCDuration time.Duration

const (
	// GCZero removes the query on the very next tick after the last
	// observer detaches. It is distinct from the zero value, which means
	// "use the default".
	GCZero GCDuration = -1
	// GCInfinity disables garbage collection entirely.
	GCInfinity GCDuration = GCDuration(1<<63 - 1)
	// DefaultGCDuration is the spec's default of five minutes.
	DefaultGCDuration GCDuration = GCDuration(5 * time.Minute)
)

// RefetchPolicy is the enum consulted by mount/resume/interval triggers
// (§4.5 refetch decision matrix).
type RefetchPolicy int

const (
	RefetchIfStale RefetchPolicy = iota
	RefetchNever
	RefetchAlways
)

// NetworkMode decides how the retry controller's CanRun gate interacts with
// connectivity (§9 open question resolution).
type NetworkMode int

const (
	// NetworkOnline pauses while offline and resumes on reconnect.
	NetworkOnline NetworkMode = iota
	// NetworkAlways ignores connectivity entirely.
	NetworkAlways
	// NetworkOfflineFirst tries once, then pauses while offline.
	NetworkOfflineFirst
)

// Direction distinguishes forward (next page) from backward (previous page)
// infinite-query fetches (§6 fetcher context).
type Direction int

const (
	Forward Direction = iota
	Backward
)

// FetchFunc is the opaque fetcher callback. ctx carries the abort signal.
type FetchFunc func(ctx *FetchContext) (data any, err error)

// FetchContext is the fetcher context described in §6.
type FetchContext struct {
	QueryKey  key.Key
	Client    *Client
	Signal    context.Context // ctx.Done() is the abort signal
	Meta      map[string]any
	PageParam any
	Direction Direction
}

// Options configures a Query (§6 "Options (query)").
type Options struct {
	QueryKey        key.Key
	QueryFn         FetchFunc
	Enabled         bool
	StaleDuration   StaleDuration
	GCDuration      GCDuration
	RefetchOnMount  RefetchPolicy
	RefetchOnResume RefetchPolicy
	RefetchInterval time.Duration // 0 disables
	Retry           retry.DelayFunc
	RetryOnMount    bool
	Seed            any
	HasSeed         bool
	SeedUpdatedAt   time.Time
	Placeholder     any
	HasPlaceholder  bool
	Meta            map[string]any
	NetworkMode     NetworkMode
}

// WithDefaults fills zero-valued fields with the spec's defaults.
func (o Options) WithDefaults() Options {
	out := o
	if out.GCDuration == 0 {
		out.GCDuration = DefaultGCDuration
	}
	if out.Retry == nil {
		out.Retry = retry.Default()
	}
	// Enabled, RetryOnMount default true; Go's zero value for bool is
	// false, so Options must be built via NewOptions to pick up the
	// spec's "default true" fields correctly. WithDefaults only backfills
	// fields whose zero value is never a meaningful intentional choice.
	return out
}

// NewOptions returns Options pre-populated with every spec default, ready
// for the caller to override individual fields.
func NewOptions(queryKey key.Key, fn FetchFunc) Options {
	return Options{
		QueryKey:     queryKey,
		QueryFn:      fn,
		Enabled:      true,
		RetryOnMount: true,
		GCDuration:   DefaultGCDuration,
		Retry:        retry.Default(),
	}
}
