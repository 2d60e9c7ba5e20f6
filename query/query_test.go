package query_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dougbarrett/guxquery/internal/clock"
	"github.com/dougbarrett/guxquery/key"
	"github.com/dougbarrett/guxquery/query"
	"github.com/stretchr/testify/require"
)

func newTestClient(mc *clock.Manual) *query.Client {
	return query.NewClient(query.ClientConfig{Clock: mc})
}

// TestCacheKeyEquality covers testable property 1: cache.get(K) is either
// absent or its key deeply equals K.
func TestCacheKeyEquality(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	k := key.New("todos", key.Set{"done", "open"})

	opts := query.NewOptions(k, func(*query.FetchContext) (any, error) { return "v", nil })
	q := c.BuildQuery(opts)

	got, ok := c.Cache().Get(key.New("todos", key.Set{"open", "done"}))
	require.True(t, ok)
	require.Same(t, q, got)
	require.True(t, got.Key().Equal(k))
}

// TestFetchQueryDedup covers testable property 6 at the Query level: two
// Fetch calls on the same query issued before the first settles share fn1's
// future and value; fn2 never runs.
func TestFetchQueryDedup(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	k := key.New("dedup")

	block := make(chan struct{})
	var fn2Called int32
	opts1 := query.NewOptions(k, func(*query.FetchContext) (any, error) {
		<-block
		return "fn1", nil
	})

	q := c.BuildQuery(opts1)
	f1 := q.Fetch(context.Background(), nil, nil)

	f2 := q.Fetch(context.Background(), func(*query.FetchContext) (any, error) {
		atomic.AddInt32(&fn2Called, 1)
		return "fn2", nil
	}, nil)

	require.Same(t, f1, f2, "concurrent fetches on the same query share one in-flight future")
	close(block)

	v1, err1 := f1.Wait(context.Background())
	require.NoError(t, err1)
	require.Equal(t, "fn1", v1)
	require.Equal(t, int32(0), atomic.LoadInt32(&fn2Called))
}

// TestStatusSuccessInvariant covers testable property 3: status==success
// implies data is set and error is nil at the point of transition.
func TestStatusSuccessInvariant(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	k := key.New("widget")

	opts := query.NewOptions(k, func(*query.FetchContext) (any, error) { return "w", nil })
	q := c.BuildQuery(opts)

	_, err := q.Fetch(context.Background(), nil, nil).Wait(context.Background())
	require.NoError(t, err)

	s := q.State()
	require.Equal(t, query.StatusSuccess, s.Status)
	require.Equal(t, "w", s.Data)
	require.Nil(t, s.Error)
}

// TestActiveObserverKeepsQueryInCache covers testable property 4.
func TestActiveObserverKeepsQueryInCache(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	k := key.New("active")

	opts := query.NewOptions(k, func(*query.FetchContext) (any, error) { return "a", nil })
	o := query.NewObserver(c, opts)
	defer o.Dispose()

	found, ok := c.Cache().Find(query.ByKey(k))
	require.True(t, ok)
	require.Equal(t, k.Hash(), found.Key().Hash())
}

// TestGCFiresAfterLastObserverDetaches covers testable property 5: the GC
// timer is not running while an observer is attached; after the last
// removeObserver it fires exactly once, gcDuration later.
func TestGCFiresAfterLastObserverDetaches(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	k := key.New("gc-me")

	opts := query.NewOptions(k, func(*query.FetchContext) (any, error) { return "g", nil })
	opts.GCDuration = query.GCDuration(5 * time.Minute)
	opts.Enabled = false // avoid the mount-policy fetch racing the assertions below
	o := query.NewObserver(c, opts)

	_, stillThere := c.Cache().Find(query.ByKey(k))
	require.True(t, stillThere)

	o.Dispose()
	mc.Advance(4 * time.Minute)
	_, stillThere = c.Cache().Find(query.ByKey(k))
	require.True(t, stillThere, "GC must not fire before gcDuration elapses")

	mc.Advance(time.Minute)
	_, stillThere = c.Cache().Find(query.ByKey(k))
	require.False(t, stillThere, "GC must fire once gcDuration has fully elapsed")
}

// TestGCSkippedWhenAnotherObserverAttaches is S4: two observers on the same
// key, one disposes, the cache still contains the query after gcDuration
// because the second observer remains attached.
func TestGCSkippedWhenAnotherObserverAttaches(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	k := key.New("shared")

	opts := query.NewOptions(k, func(*query.FetchContext) (any, error) { return "s", nil })
	opts.GCDuration = query.GCDuration(5 * time.Minute)
	opts.Enabled = false

	o1 := query.NewObserver(c, opts)
	o2 := query.NewObserver(c, opts)

	o1.Dispose()
	mc.Advance(5 * time.Minute)

	_, stillThere := c.Cache().Find(query.ByKey(k))
	require.True(t, stillThere, "query must survive while observer2 remains attached")

	o2.Dispose()
	mc.Advance(5 * time.Minute)
	_, stillThere = c.Cache().Find(query.ByKey(k))
	require.False(t, stillThere)
}

// TestIsStale covers testable property 7, including the static sentinel.
func TestIsStale(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)

	cases := []struct {
		name   string
		stale  query.StaleDuration
		invalid bool
		advance time.Duration
		want   bool
	}{
		{"fresh", query.StaleDuration(time.Minute), false, 0, false},
		{"elapsed", query.StaleDuration(time.Minute), false, time.Minute, true},
		{"invalidated overrides fresh", query.StaleDuration(time.Hour), true, 0, true},
		{"static never stale", query.StaleStatic, false, time.Hour, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k := key.New("stale", tc.name)
			opts := query.NewOptions(k, func(*query.FetchContext) (any, error) { return "d", nil })
			opts.StaleDuration = tc.stale
			opts.Enabled = false
			o := query.NewObserver(c, opts)
			defer o.Dispose()

			_, err := o.Refetch(context.Background(), true)
			require.NoError(t, err)

			q, ok := c.Cache().Find(query.ByKey(k))
			require.True(t, ok)
			if tc.invalid {
				q.Invalidate()
			}
			mc.Advance(tc.advance)

			require.Equal(t, tc.want, o.Result().IsStale)
		})
	}
}

// TestFailureCountResets covers testable property 9.
func TestFailureCountResets(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	k := key.New("flaky")

	var calls int32
	opts := query.NewOptions(k, func(*query.FetchContext) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, errors.New("first call fails")
		}
		return "ok", nil
	})
	opts.Retry = func(attempt int, _ error) (time.Duration, bool) {
		if attempt == 0 {
			return time.Second, true
		}
		return 0, false
	}
	q := c.BuildQuery(opts)

	f := q.Fetch(context.Background(), nil, nil)
	waitForCondition(t, func() bool { return q.State().FetchFailureCount == 1 })
	mc.Advance(time.Second)

	_, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, q.State().FetchFailureCount, "failure count resets once the cycle succeeds")
}

// TestRetryExhaustionScenario mirrors S3: a fetcher that always fails with
// retry = (n,_) -> n<3 ? 1s : null ends in status=error after three delays,
// failureCount=4 (the original attempt plus three retries).
func TestRetryExhaustionScenario(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	k := key.New("s3")
	wantErr := errors.New("E")

	opts := query.NewOptions(k, func(*query.FetchContext) (any, error) { return nil, wantErr })
	opts.Retry = func(attempt int, _ error) (time.Duration, bool) {
		if attempt < 3 {
			return time.Second, true
		}
		return 0, false
	}
	q := c.BuildQuery(opts)

	f := q.Fetch(context.Background(), nil, nil)
	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = f.Wait(context.Background())
		close(done)
	}()

	for i := 0; i < 3; i++ {
		waitForCondition(t, func() bool { return q.State().FetchFailureCount == i+1 })
		mc.Advance(time.Second)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exhaustion")
	}
	require.ErrorIs(t, gotErr, wantErr)
	s := q.State()
	require.Equal(t, query.StatusError, s.Status)
	require.Equal(t, wantErr, s.Error)
	require.Equal(t, 4, s.FetchFailureCount)
}

// TestCancelWithRevertAndPriorData covers §4.2/§7.2's cancel(revert=true)
// semantics when prior data exists: the outer future resolves with the
// reverted snapshot instead of rejecting.
func TestCancelWithRevertAndPriorData(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	k := key.New("cancel-revert")

	opts := query.NewOptions(k, func(*query.FetchContext) (any, error) { return "seed-replacement", nil })
	opts.Seed = "prior"
	opts.HasSeed = true
	q := c.BuildQuery(opts)
	require.Equal(t, "prior", q.State().Data)

	block := make(chan struct{})
	slow := func(*query.FetchContext) (any, error) {
		<-block
		return "new", nil
	}
	f := q.Fetch(context.Background(), slow, nil)
	waitForCondition(t, func() bool { return q.State().FetchStatus == query.FetchFetching })

	q.Cancel(query.CancelOptions{Revert: true})
	close(block)

	data, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "prior", data)
	require.Equal(t, "prior", q.State().Data)
}

// TestInvalidateQueriesThenRefetchOnMount is S5.
func TestInvalidateQueriesThenRefetchOnMount(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := newTestClient(mc)
	k := key.New("k")

	data := c.SetQueryData(k, func(any) any { return "v" }, nil)
	require.Equal(t, "v", data)
	s, ok := c.GetQueryState(k)
	require.True(t, ok)
	require.Equal(t, query.StatusSuccess, s.Status)
	require.Equal(t, 1, s.DataUpdateCount)

	c.InvalidateQueries(query.ByKey(k))
	s, _ = c.GetQueryState(k)
	require.True(t, s.IsInvalidated)

	var fetched int32
	opts := query.NewOptions(k, func(*query.FetchContext) (any, error) {
		atomic.AddInt32(&fetched, 1)
		return "v2", nil
	})
	opts.RefetchOnMount = query.RefetchIfStale
	o := query.NewObserver(c, opts)
	defer o.Dispose()

	waitForCondition(t, func() bool { return atomic.LoadInt32(&fetched) == 1 })
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
