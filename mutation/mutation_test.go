package mutation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dougbarrett/guxquery/internal/clock"
	"github.com/dougbarrett/guxquery/mutation"
	"github.com/stretchr/testify/require"
)

func newTestClient(mc *clock.Manual) *mutation.Client {
	return mutation.NewClient(mutation.ClientConfig{Clock: mc})
}

type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) record(s string) {
	r.mu.Lock()
	r.order = append(r.order, s)
	r.mu.Unlock()
}

func (r *orderRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// TestCallbackOrderingSuccess covers testable property 8's success path:
// onMutate, mutationFn, onSuccess, onSettled in that order.
func TestCallbackOrderingSuccess(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	r := &orderRecorder{}

	opts := mutation.Options{
		MutationFn: func(variables any, ctx *mutation.FunctionContext) (any, error) {
			r.record("mutationFn")
			return "result:" + variables.(string), nil
		},
		OnMutate: func(variables any, ctx *mutation.FunctionContext) (any, error) {
			r.record("onMutate")
			return "ctx", nil
		},
		OnSuccess: func(data, variables, mutateResult any, ctx *mutation.FunctionContext) error {
			r.record("onSuccess")
			require.Equal(t, "result:x", data)
			require.Equal(t, "ctx", mutateResult)
			return nil
		},
		OnSettled: func(data any, err error, variables, mutateResult any, ctx *mutation.FunctionContext) error {
			r.record("onSettled")
			require.NoError(t, err)
			return nil
		},
	}
	m := c.BuildMutation(opts)
	data, err := m.Execute(context.Background(), "x").Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "result:x", data)
	require.Equal(t, []string{"onMutate", "mutationFn", "onSuccess", "onSettled"}, r.snapshot())
}

// TestCallbackOrderingFailure covers testable property 8's failure path:
// onMutate, mutationFn, onError, onSettled, and the mutation's future
// rejects with the original error.
func TestCallbackOrderingFailure(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	r := &orderRecorder{}
	wantErr := errors.New("write failed")

	opts := mutation.Options{
		MutationFn: func(variables any, ctx *mutation.FunctionContext) (any, error) {
			r.record("mutationFn")
			return nil, wantErr
		},
		OnMutate: func(variables any, ctx *mutation.FunctionContext) (any, error) {
			r.record("onMutate")
			return "ctx", nil
		},
		OnError: func(err error, variables, mutateResult any, ctx *mutation.FunctionContext) error {
			r.record("onError")
			require.ErrorIs(t, err, wantErr)
			return errors.New("ignored: onError's own error must not change the rejection")
		},
		OnSettled: func(data any, err error, variables, mutateResult any, ctx *mutation.FunctionContext) error {
			r.record("onSettled")
			require.ErrorIs(t, err, wantErr)
			return nil
		},
	}
	m := c.BuildMutation(opts)
	_, err := m.Execute(context.Background(), "x").Wait(context.Background())
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, []string{"onMutate", "mutationFn", "onError", "onSettled"}, r.snapshot())
}

// TestOnMutateFailureSkipsMutationFn covers §4.8 step 2: an onMutate error
// skips mutationFn entirely and goes straight to onError/onSettled.
func TestOnMutateFailureSkipsMutationFn(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	wantErr := errors.New("onMutate blew up")
	var mutationFnCalled bool

	opts := mutation.Options{
		MutationFn: func(variables any, ctx *mutation.FunctionContext) (any, error) {
			mutationFnCalled = true
			return "should never run", nil
		},
		OnMutate: func(variables any, ctx *mutation.FunctionContext) (any, error) {
			return nil, wantErr
		},
	}
	m := c.BuildMutation(opts)
	_, err := m.Execute(context.Background(), "x").Wait(context.Background())
	require.ErrorIs(t, err, wantErr)
	require.False(t, mutationFnCalled)
	require.Equal(t, mutation.StatusError, m.State().Status)
}

// TestScenarioS6 mirrors S6: mutate('x') with a mutationFn and an onMutate
// that each take some time to complete, gated here by channels rather than
// the manual clock since these are arbitrary user callbacks, not retry
// delays the engine itself schedules.
func TestScenarioS6(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)

	releaseOnMutate := make(chan struct{})
	onMutateStarted := make(chan struct{})
	releaseMutationFn := make(chan struct{})

	var settledData any
	var settledErr error
	var settledVariables any
	var settledMutateResult any
	settled := make(chan struct{})

	opts := mutation.Options{
		OnMutate: func(variables any, ctx *mutation.FunctionContext) (any, error) {
			close(onMutateStarted)
			<-releaseOnMutate
			return "ctx", nil
		},
		MutationFn: func(variables any, ctx *mutation.FunctionContext) (any, error) {
			<-releaseMutationFn
			return "result:" + variables.(string), nil
		},
		OnSettled: func(data any, err error, variables, mutateResult any, ctx *mutation.FunctionContext) error {
			settledData, settledErr, settledVariables, settledMutateResult = data, err, variables, mutateResult
			close(settled)
			return nil
		},
	}
	m := c.BuildMutation(opts)
	f := m.Execute(context.Background(), "x")

	require.Equal(t, mutation.StatusPending, m.State().Status)
	require.Equal(t, "x", m.State().Variables)

	<-onMutateStarted
	close(releaseOnMutate)
	close(releaseMutationFn)

	data, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "result:x", data)
	require.Equal(t, mutation.StatusSuccess, m.State().Status)
	require.Equal(t, "ctx", m.State().OnMutateData)

	<-settled
	require.Equal(t, "result:x", settledData)
	require.NoError(t, settledErr)
	require.Equal(t, "x", settledVariables)
	require.Equal(t, "ctx", settledMutateResult)
}

// TestObserverLateArrivalGuard covers §4.8's "a late-arriving success from
// a prior call must not overwrite the result of a newer one".
func TestObserverLateArrivalGuard(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)

	firstBlock := make(chan struct{})
	opts := mutation.Options{
		MutationFn: func(variables any, ctx *mutation.FunctionContext) (any, error) {
			if variables.(string) == "first" {
				<-firstBlock
				return "result:first", nil
			}
			return "result:second", nil
		},
	}
	o := mutation.NewObserver(c, opts)
	f1 := o.Mutate(context.Background(), "first", nil)

	_, err := o.MutateAsync(context.Background(), "second", nil)
	require.NoError(t, err)
	require.Equal(t, "result:second", o.Result().Data)

	close(firstBlock)
	data1, err1 := f1.Wait(context.Background())
	require.NoError(t, err1)
	require.Equal(t, "result:first", data1, "the first call's own future still resolves with its own value")

	// The observer's projected result must still reflect the second,
	// newer call, not the first call's late arrival.
	require.Equal(t, "result:second", o.Result().Data)
}

// TestResetReturnsToIdle covers §4.10's reset().
func TestResetReturnsToIdle(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)

	opts := mutation.Options{
		MutationFn: func(variables any, ctx *mutation.FunctionContext) (any, error) {
			return "ok", nil
		},
	}
	o := mutation.NewObserver(c, opts)
	_, err := o.MutateAsync(context.Background(), "x", nil)
	require.NoError(t, err)
	require.Equal(t, mutation.StatusSuccess, o.Result().Status)

	o.Reset()
	require.Equal(t, mutation.StatusIdle, o.Result().Status)

	o.Dispose()
	o.Reset() // no-op on a disposed observer
	require.Equal(t, mutation.StatusIdle, o.Result().Status)
}

// TestPendingMutationNotGCed covers §4.8's GC refinement: a mutation still
// pending when its last observer detaches is not removed until it settles.
func TestPendingMutationNotGCed(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)

	block := make(chan struct{})
	opts := mutation.Options{
		MutationFn: func(variables any, ctx *mutation.FunctionContext) (any, error) {
			<-block
			return "ok", nil
		},
		GCDuration: mutation.GCZero,
	}
	m := c.BuildMutation(opts)
	m.AddObserver()
	f := m.Execute(context.Background(), "x")
	m.RemoveObserver()

	mc.Advance(time.Hour)
	require.Contains(t, c.Cache().GetAll(), m, "a pending mutation must survive its GC window")

	close(block)
	_, err := f.Wait(context.Background())
	require.NoError(t, err)

	mc.Advance(time.Hour)
	require.NotContains(t, c.Cache().GetAll(), m, "GC runs again once the mutation reaches a terminal status")
}
