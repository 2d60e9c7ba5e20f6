package mutation_test

import (
	"context"
	"testing"
	"time"

	"github.com/dougbarrett/guxquery/internal/clock"
	"github.com/dougbarrett/guxquery/key"
	"github.com/dougbarrett/guxquery/mutation"
	"github.com/stretchr/testify/require"
)

// TestFilterMutationKeyExactVsPrefix covers §4.9's mutationKey matching: an
// exact filter matches only an identical key; a prefix filter (Exact=false)
// also matches any key extending it.
func TestFilterMutationKeyExactVsPrefix(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)

	mTodos := c.BuildMutation(mutation.Options{
		MutationKey: key.New("todos"),
		MutationFn:  func(any, *mutation.FunctionContext) (any, error) { return "ok", nil },
	})
	mTodosCreate := c.BuildMutation(mutation.Options{
		MutationKey: key.New("todos", "create"),
		MutationFn:  func(any, *mutation.FunctionContext) (any, error) { return "ok", nil },
	})
	mUsers := c.BuildMutation(mutation.Options{
		MutationKey: key.New("users"),
		MutationFn:  func(any, *mutation.FunctionContext) (any, error) { return "ok", nil },
	})

	exact := mutation.Filter{MutationKey: key.New("todos"), Exact: true}
	require.ElementsMatch(t, []*mutation.Mutation{mTodos}, c.Cache().FindAll(exact))

	prefix := mutation.Filter{MutationKey: key.New("todos"), Exact: false}
	require.ElementsMatch(t, []*mutation.Mutation{mTodos, mTodosCreate}, c.Cache().FindAll(prefix))

	require.NotContains(t, c.Cache().FindAll(prefix), mUsers)
}

// TestFilterStatus covers status-based filtering: only mutations currently
// in the given status match, and the set changes as mutations settle.
func TestFilterStatus(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)

	block := make(chan struct{})
	pending := c.BuildMutation(mutation.Options{
		MutationFn: func(any, *mutation.FunctionContext) (any, error) {
			<-block
			return "ok", nil
		},
	})
	done := c.BuildMutation(mutation.Options{
		MutationFn: func(any, *mutation.FunctionContext) (any, error) { return "ok", nil },
	})

	f1 := pending.Execute(context.Background(), nil)
	_, err := done.Execute(context.Background(), nil).Wait(context.Background())
	require.NoError(t, err)

	pendingStatus := mutation.StatusPending
	require.Equal(t, []*mutation.Mutation{pending}, c.Cache().FindAll(mutation.Filter{Status: &pendingStatus}))

	successStatus := mutation.StatusSuccess
	require.Equal(t, []*mutation.Mutation{done}, c.Cache().FindAll(mutation.Filter{Status: &successStatus}))

	close(block)
	_, err = f1.Wait(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []*mutation.Mutation{pending, done}, c.Cache().FindAll(mutation.Filter{Status: &successStatus}))
}

// TestFilterPredicate covers arbitrary predicate filtering, e.g. by
// variables captured in state.
func TestFilterPredicate(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)

	mA := c.BuildMutation(mutation.Options{
		MutationFn: func(v any, _ *mutation.FunctionContext) (any, error) { return v, nil },
	})
	mB := c.BuildMutation(mutation.Options{
		MutationFn: func(v any, _ *mutation.FunctionContext) (any, error) { return v, nil },
	})
	_, err := mA.Execute(context.Background(), "a").Wait(context.Background())
	require.NoError(t, err)
	_, err = mB.Execute(context.Background(), "b").Wait(context.Background())
	require.NoError(t, err)

	wantsB := mutation.Filter{Predicate: func(m *mutation.Mutation) bool {
		return m.State().Variables == "b"
	}}
	require.Equal(t, []*mutation.Mutation{mB}, c.Cache().FindAll(wantsB))
}

// TestRemoveMutationsUnconditional covers §4.9: RemoveMutations removes
// every match regardless of status, with no refetch semantics.
func TestRemoveMutationsUnconditional(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)

	m := c.BuildMutation(mutation.Options{
		MutationKey: key.New("doomed"),
		MutationFn:  func(any, *mutation.FunctionContext) (any, error) { return "ok", nil },
	})
	require.Contains(t, c.Cache().GetAll(), m)

	c.RemoveMutations(mutation.Filter{MutationKey: key.New("doomed"), Exact: true})
	require.NotContains(t, c.Cache().GetAll(), m)
}

// TestCacheEventOrdering covers §4.9/§5: Added fires on Build, Updated on
// every state transition, Removed on Remove, delivered synchronously in
// subscription order.
func TestCacheEventOrdering(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)

	var events []mutation.EventType
	c.Cache().Subscribe(func(e mutation.Event) { events = append(events, e.Type) })

	m := c.BuildMutation(mutation.Options{
		MutationFn: func(any, *mutation.FunctionContext) (any, error) { return "ok", nil },
	})
	_, err := m.Execute(context.Background(), nil).Wait(context.Background())
	require.NoError(t, err)
	c.Cache().Remove(m)

	require.Equal(t, []mutation.EventType{
		mutation.EventAdded,
		mutation.EventUpdated, // pending
		mutation.EventUpdated, // success
		mutation.EventRemoved,
	}, events)
}
