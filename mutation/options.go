// Package mutation implements the mutation half of the engine: the
// one-shot write state machine, its list-indexed cache, and the observer
// layer that binds UI-style consumers to it (§4.8-§4.10).
package mutation

import (
	"time"

	"github.com/dougbarrett/guxquery/key"
	"github.com/dougbarrett/guxquery/retry"
)

// GCDuration configures how long an observerless mutation survives before
// removal (§4.4, applied to mutations per §4.8 "Observer counting & GC").
type GCDuration time.Duration

const (
	// GCZero removes the mutation on the very next tick once it is
	// observerless and settled. It is distinct from the zero value, which
	// means "use the default".
	GCZero     GCDuration = -1
	GCInfinity GCDuration = GCDuration(1<<63 - 1)
	// DefaultGCDuration mirrors the query cache's five-minute default.
	DefaultGCDuration GCDuration = GCDuration(5 * time.Minute)
)

// FunctionContext is the mutation fetcher context described in §6
// "Fetcher context (mutation)".
type FunctionContext struct {
	Client      *Client
	MutationKey key.Key
	Meta        map[string]any
}

// MutationFn performs the write itself.
type MutationFn func(variables any, ctx *FunctionContext) (any, error)

// OnMutateFunc runs before MutationFn; its return value is threaded through
// as onMutateResult to every later callback (§4.8 step 2).
type OnMutateFunc func(variables any, ctx *FunctionContext) (any, error)

// OnSuccessFunc runs after a successful MutationFn (§4.8 step 4).
type OnSuccessFunc func(data any, variables any, mutateResult any, ctx *FunctionContext) error

// OnErrorFunc runs after MutationFn exhausts retries, or when OnMutate
// itself fails (§4.8 steps 2 and 5).
type OnErrorFunc func(err error, variables any, mutateResult any, ctx *FunctionContext) error

// OnSettledFunc always runs last, regardless of outcome (§4.8 step 4/5).
type OnSettledFunc func(data any, err error, variables any, mutateResult any, ctx *FunctionContext) error

// Options configures a Mutation (§6 "Options (mutation)").
type Options struct {
	MutationFn  MutationFn
	MutationKey key.Key
	Meta        map[string]any
	OnMutate    OnMutateFunc
	OnSuccess   OnSuccessFunc
	OnError     OnErrorFunc
	OnSettled   OnSettledFunc
	Retry       retry.DelayFunc // nil -> no retry, per spec default
	GCDuration  GCDuration
}

// WithDefaults fills zero-valued fields with the spec's defaults: no retry,
// five-minute GC.
func (o Options) WithDefaults() Options {
	out := o
	if out.Retry == nil {
		out.Retry = retry.Never()
	}
	if out.GCDuration == 0 {
		out.GCDuration = DefaultGCDuration
	}
	return out
}
