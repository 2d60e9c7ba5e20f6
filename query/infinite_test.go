package query_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dougbarrett/guxquery/internal/clock"
	"github.com/dougbarrett/guxquery/key"
	"github.com/dougbarrett/guxquery/query"
	"github.com/stretchr/testify/require"
)

func nextParamBuilder() query.PageParamBuilder {
	return func(d query.InfiniteData) (any, bool) {
		if len(d.PageParams) == 0 {
			return nil, false
		}
		last := d.PageParams[len(d.PageParams)-1].(int)
		return last + 1, true
	}
}

// TestInfiniteQueryScenarioS1 mirrors S1: initial page 0, then
// fetchNextPage appends page 1.
func TestInfiniteQueryScenarioS1(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := query.NewClient(query.ClientConfig{Clock: mc})
	k := key.New("t")

	fetch := func(fctx *query.FetchContext) (any, error) {
		return fmt.Sprintf("page-%d", fctx.PageParam.(int)), nil
	}

	io := query.NewInfiniteObserver(c, query.InfiniteOptions{
		Options:              query.NewOptions(k, fetch),
		InitialPageParam:     0,
		NextPageParamBuilder: nextParamBuilder(),
	})
	defer io.Dispose()

	waitForInfiniteCondition(t, io, func(d query.InfiniteData) bool { return len(d.Pages) == 1 })
	r := io.Result()
	data := r.Data.(query.InfiniteData)
	require.Equal(t, []any{"page-0"}, data.Pages)
	require.Equal(t, []any{0}, data.PageParams)
	require.Equal(t, 1, r.DataUpdateCount)
	require.Equal(t, query.StatusSuccess, r.Status)

	_, err := io.FetchNextPage(context.Background(), true)
	require.NoError(t, err)

	r = io.Result()
	data = r.Data.(query.InfiniteData)
	require.Equal(t, []any{"page-0", "page-1"}, data.Pages)
	require.Equal(t, []any{0, 1}, data.PageParams)
	require.Equal(t, 2, r.DataUpdateCount)
}

// TestInfiniteQueryScenarioS2 mirrors S2: maxPages=2 evicts the oldest page
// after a third forward fetch.
func TestInfiniteQueryScenarioS2(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := query.NewClient(query.ClientConfig{Clock: mc})
	k := key.New("t2")

	fetch := func(fctx *query.FetchContext) (any, error) {
		return fmt.Sprintf("page-%d", fctx.PageParam.(int)), nil
	}

	io := query.NewInfiniteObserver(c, query.InfiniteOptions{
		Options:              query.NewOptions(k, fetch),
		InitialPageParam:     0,
		NextPageParamBuilder: nextParamBuilder(),
		MaxPages:             2,
	})
	defer io.Dispose()

	waitForInfiniteCondition(t, io, func(d query.InfiniteData) bool { return len(d.Pages) == 1 })
	_, err := io.FetchNextPage(context.Background(), true)
	require.NoError(t, err)
	_, err = io.FetchNextPage(context.Background(), true)
	require.NoError(t, err)

	data := io.Result().Data.(query.InfiniteData)
	require.Equal(t, []any{"page-1", "page-2"}, data.Pages)
	require.Equal(t, []any{1, 2}, data.PageParams)
}

// TestInfiniteRefetchLaw covers testable property 10: after refetch,
// data.pages has the same length as before, each page re-fetched with its
// original pageParam, in order.
func TestInfiniteRefetchLaw(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	c := query.NewClient(query.ClientConfig{Clock: mc})
	k := key.New("t3")

	var calls int32
	var paramsSeen []int
	fetch := func(fctx *query.FetchContext) (any, error) {
		atomic.AddInt32(&calls, 1)
		p := fctx.PageParam.(int)
		paramsSeen = append(paramsSeen, p)
		return fmt.Sprintf("page-%d-v%d", p, calls), nil
	}

	io := query.NewInfiniteObserver(c, query.InfiniteOptions{
		Options:              query.NewOptions(k, fetch),
		InitialPageParam:     0,
		NextPageParamBuilder: nextParamBuilder(),
		InitialPages:         3,
	})
	defer io.Dispose()

	waitForInfiniteCondition(t, io, func(d query.InfiniteData) bool { return len(d.Pages) == 3 })
	before := io.Result().Data.(query.InfiniteData)
	require.Equal(t, []any{0, 1, 2}, before.PageParams)

	paramsSeen = nil
	data, err := io.Refetch(context.Background(), true)
	require.NoError(t, err)
	after := data.(query.InfiniteData)
	require.Equal(t, 3, len(after.Pages))
	require.Equal(t, []any{0, 1, 2}, after.PageParams)
	require.Equal(t, []int{0, 1, 2}, paramsSeen, "refetch re-invokes the fetcher with each original pageParam, in order")
}

func waitForInfiniteCondition(t *testing.T, io *query.InfiniteObserver, cond func(query.InfiniteData) bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d, ok := io.Result().Data.(query.InfiniteData); ok && cond(d) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
