package merge_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/block/shardmerge/pkg/merge"
	"github.com/block/shardmerge/pkg/metrics"
	"github.com/block/shardmerge/pkg/route"
	"github.com/block/shardmerge/pkg/status"
	"github.com/block/shardmerge/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ptr(v int64) *int64 { return &v }

// shards builds one unit per data slice. Each row is {id, v}.
func shards(data ...[]int64) (*testutils.FakeShards, route.Result) {
	f := &testutils.FakeShards{Columns: []string{"id", "v"}, Data: map[route.Unit][]merge.Row{}}
	var units []route.Unit
	id := int64(0)
	for i, values := range data {
		u := route.Unit{DataSource: "ds0", Tail: fmt.Sprintf("%02d", i)}
		units = append(units, u)
		for _, v := range values {
			id++
			f.Data[u] = append(f.Data[u], merge.Row{id, v})
		}
	}
	return f, route.NewResult(units)
}

type option func(*merge.Config)

func newContext(t *testing.T, f *testutils.FakeShards, res route.Result, opts ...option) (*merge.StreamMergeContext, *testutils.FakePlan) {
	t.Helper()
	plan := &testutils.FakePlan{}
	cfg := merge.Config{
		Plan:     plan,
		Route:    res,
		Options:  merge.NewOptions(),
		Sessions: f,
		Entities: map[string]bool{"orders": true},
	}
	cfg.Options.MaxQueryConnectionsLimit = 8
	for _, o := range opts {
		o(&cfg)
	}
	c, err := merge.NewStreamMergeContext(cfg)
	require.NoError(t, err)
	return c, plan
}

func orderBy(asc bool) option {
	return func(c *merge.Config) { c.Orders = merge.Orders{{Property: "v", Asc: asc, Owner: "orders"}} }
}

func window(skip, take *int64) option {
	return func(c *merge.Config) { c.Skip, c.Take = skip, take }
}

func mode(m merge.ConnectionMode, limit int) option {
	return func(c *merge.Config) {
		c.Options.ConnectionMode = m
		c.Options.MaxQueryConnectionsLimit = limit
	}
}

func values(t *testing.T, cur merge.Cursor) []int64 {
	t.Helper()
	var out []int64
	for cur.Next() {
		out = append(out, cur.At()[1].(int64))
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close())
	return out
}

func TestSelectConnectionMode(t *testing.T) {
	tests := []struct {
		requested merge.ConnectionMode
		units     int
		limit     int
		parallel  bool
		unionAll  bool
		want      merge.ConnectionMode
	}{
		{merge.ConnectionStrictly, 5, 2, true, false, merge.MemoryStrictly},
		{merge.ConnectionStrictly, 2, 2, true, false, merge.ConnectionStrictly},
		{merge.SystemAuto, 2, 2, true, false, merge.ConnectionStrictly},
		{merge.SystemAuto, 3, 2, true, false, merge.MemoryStrictly},
		{merge.MemoryStrictly, 1, 8, true, false, merge.MemoryStrictly},
		{merge.SystemAuto, 2, 8, false, false, merge.MemoryStrictly},
		{merge.ConnectionStrictly, 2, 8, true, true, merge.MemoryStrictly},
		{merge.SystemAuto, 1, 0, true, false, merge.ConnectionStrictly},
	}
	for _, tt := range tests {
		name := fmt.Sprintf("%s/%d-units/limit-%d/parallel-%t/union-%t", tt.requested, tt.units, tt.limit, tt.parallel, tt.unionAll)
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, merge.SelectConnectionMode(tt.requested, tt.units, tt.limit, tt.parallel, tt.unionAll))
		})
	}
}

func TestParseConnectionMode(t *testing.T) {
	for _, m := range []merge.ConnectionMode{merge.SystemAuto, merge.MemoryStrictly, merge.ConnectionStrictly} {
		got, err := merge.ParseConnectionMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := merge.ParseConnectionMode("")
	require.NoError(t, err)
	assert.Equal(t, merge.SystemAuto, got)
	_, err = merge.ParseConnectionMode("eager")
	assert.Error(t, err)
}

func TestOrdersReverse(t *testing.T) {
	orders := merge.Orders{{Property: "a", Asc: true}, {Property: "b", Asc: false}}
	reversed := orders.Reverse()
	assert.False(t, reversed[0].Asc)
	assert.True(t, reversed[1].Asc)
	assert.Equal(t, orders, reversed.Reverse())
	assert.True(t, orders[0].Asc, "reverse must not modify the receiver")
	assert.Equal(t, "a ASC, b DESC", orders.String())
	assert.True(t, orders.CanReverse())
	assert.False(t, merge.Orders{{Property: "a", Comparer: collation{}}}.CanReverse())
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		a, b any
		want int
	}{
		{int64(1), int64(2), -1},
		{int32(5), int64(5), 0},
		{uint64(1 << 63), int64(1), 1},
		{1.5, int64(1), 1},
		{"abc", "abd", -1},
		{[]byte("b"), "a", 1},
		{true, false, 1},
	}
	for _, tt := range tests {
		got, err := merge.CompareValues(tt.a, tt.b)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v vs %v", tt.a, tt.b)
	}
	_, err := merge.CompareValues("1", int64(1))
	assert.Error(t, err)
}

func TestContextProperties(t *testing.T) {
	f, res := shards([]int64{1}, []int64{2})
	c, _ := newContext(t, f, res, window(ptr(4), ptr(3)))
	defer func() { require.NoError(t, c.Close()) }()

	assert.Equal(t, int64(7), *c.PaginationPushdownTake())
	assert.True(t, c.IsPaginationQuery())
	assert.True(t, c.IsMergeQuery())
	assert.True(t, c.IsCrossTable())
	assert.False(t, c.IsCrossDataSource())
	assert.True(t, c.IsSingleShardingEntityQuery())
	assert.False(t, c.IsRouteNotMatch())
	assert.False(t, c.TakeZeroNoQueryExecute())
	assert.Equal(t, status.Created, c.State())

	c.ResetTake(nil)
	assert.Nil(t, c.PaginationPushdownTake())
	c.ResetSkip(nil)
	assert.False(t, c.IsPaginationQuery())

	c.ResetOrders(merge.Orders{{Property: "v", Asc: true}})
	c.ReverseOrder()
	assert.False(t, c.Orders()[0].Asc)
	c.ReverseOrder()
	assert.True(t, c.Orders()[0].Asc)
	assert.Contains(t, c.String(), "units=2")

	single, _ := newContext(t, f, route.NewResult([]route.Unit{{DataSource: "ds0", Tail: "00"}}), func(cfg *merge.Config) {
		cfg.Entities = map[string]bool{"orders": true, "items": true, "countries": false}
	})
	defer func() { require.NoError(t, single.Close()) }()
	assert.False(t, single.IsSingleShardingEntityQuery())
	assert.False(t, single.IsParallelQuery())
	assert.Equal(t, merge.MemoryStrictly, single.RealConnectionMode(merge.ConnectionStrictly))
}

func TestNewStreamMergeContextValidation(t *testing.T) {
	f, res := shards([]int64{1})
	_, err := merge.NewStreamMergeContext(merge.Config{Route: res, Sessions: f})
	assert.Error(t, err)
	_, err = merge.NewStreamMergeContext(merge.Config{Plan: &testutils.FakePlan{}, Route: res})
	assert.Error(t, err)
	_, err = merge.NewStreamMergeContext(merge.Config{Plan: &testutils.FakePlan{}, Route: res, Sessions: f, Skip: ptr(-1)})
	assert.Error(t, err)
}

func TestOrderedMerge(t *testing.T) {
	for _, m := range []merge.ConnectionMode{merge.ConnectionStrictly, merge.MemoryStrictly} {
		t.Run(m.String(), func(t *testing.T) {
			f, res := shards([]int64{0, 3, 6, 9}, []int64{1, 4, 7}, []int64{2, 5, 8, 11, 10})
			c, _ := newContext(t, f, res, orderBy(true), mode(m, 8))
			cur, err := merge.NewListEngine(c).MergeResult(t.Context())
			require.NoError(t, err)
			assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, values(t, cur))
			assert.Equal(t, []string{"id", "v"}, c.Columns())
			require.NoError(t, c.Close())
			assert.Equal(t, f.Opened.Load(), f.Closed.Load())
			for _, opened := range f.Modes() {
				assert.Equal(t, m, opened)
			}
			assert.Equal(t, status.Disposed, c.State())
		})
	}

	f, res := shards([]int64{0, 3, 6, 9}, []int64{1, 4, 7}, []int64{2, 5, 8})
	c, _ := newContext(t, f, res, orderBy(false))
	cur, err := merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int64{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}, values(t, cur))
	require.NoError(t, c.Close())
}

func TestOrderedMergeIsStable(t *testing.T) {
	f, res := shards([]int64{1, 2}, []int64{1, 2}, []int64{1})
	c, _ := newContext(t, f, res, orderBy(true))
	defer func() { require.NoError(t, c.Close()) }()
	cur, err := merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	var ids []int64
	for cur.Next() {
		ids = append(ids, cur.At()[0].(int64))
	}
	require.NoError(t, cur.Close())
	// ties are broken by route unit order: ids 1,3,5 hold v=1.
	assert.Equal(t, []int64{1, 3, 5, 2, 4}, ids)
}

func TestPagination(t *testing.T) {
	// 3, 5 and 2 rows, globally 1..10.
	f, res := shards([]int64{1, 4, 9}, []int64{2, 3, 5, 7, 10}, []int64{6, 8})
	c, plan := newContext(t, f, res, orderBy(true), window(ptr(4), ptr(3)))
	cur, err := merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 7}, values(t, cur))
	require.NoError(t, c.Close())
	require.Len(t, plan.Rendered, 3)
	for _, stmt := range plan.Rendered {
		assert.Contains(t, stmt, "LIMIT 7")
	}

	// a window past the end is empty.
	f, res = shards([]int64{1, 4, 9}, []int64{2, 3})
	c, _ = newContext(t, f, res, orderBy(true), window(ptr(10), ptr(3)))
	cur, err = merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	assert.Empty(t, values(t, cur))
	require.NoError(t, c.Close())
}

func TestTakeZeroAndRouteNotMatch(t *testing.T) {
	f, res := shards([]int64{1}, []int64{2})
	c, _ := newContext(t, f, res, window(nil, ptr(0)))
	cur, err := merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	assert.Empty(t, values(t, cur))
	require.NoError(t, c.Close())
	assert.Zero(t, f.Opened.Load(), "take 0 must not open sessions")

	empty := route.NewResult(nil)
	c, _ = newContext(t, f, empty)
	_, err = merge.NewListEngine(c).MergeResult(t.Context())
	assert.ErrorIs(t, err, merge.ErrRouteNotMatch)
	assert.Equal(t, status.Failed, c.State())
	require.NoError(t, c.Close())

	c, _ = newContext(t, f, empty, func(cfg *merge.Config) { cfg.Options.ThrowIfQueryRouteNotMatch = false })
	cur, err = merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	assert.Empty(t, values(t, cur))
	require.NoError(t, c.Close())
}

func TestConnectionBudget(t *testing.T) {
	f, res := shards([]int64{1}, []int64{2}, []int64{3}, []int64{4}, []int64{5})
	c, _ := newContext(t, f, res, orderBy(true), mode(merge.ConnectionStrictly, 2))
	assert.Equal(t, merge.MemoryStrictly, c.ConnectionMode(5))
	cur, err := merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, values(t, cur))
	require.NoError(t, c.Close())
	assert.LessOrEqual(t, f.PeakOpen(), int64(2))
	assert.Equal(t, int64(5), f.Opened.Load())
	assert.Equal(t, f.Opened.Load(), f.Closed.Load())
	for _, m := range f.Modes() {
		assert.Equal(t, merge.MemoryStrictly, m)
	}

	// non-parallel queries run one unit at a time.
	f, res = shards([]int64{1}, []int64{2}, []int64{3})
	c, _ = newContext(t, f, res, func(cfg *merge.Config) { cfg.Options.EnableParallelQuery = false })
	assert.Equal(t, merge.MemoryStrictly, c.ConnectionMode(3))
	cur, err = merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	assert.Len(t, values(t, cur), 3)
	require.NoError(t, c.Close())
	assert.Equal(t, int64(1), f.PeakOpen())
}

func TestDisposeAfterPartialRead(t *testing.T) {
	f, res := shards([]int64{1, 4}, []int64{2, 5}, []int64{3, 6})
	c, _ := newContext(t, f, res, orderBy(true), mode(merge.ConnectionStrictly, 8))
	cur, err := merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	require.True(t, cur.Next())
	assert.Equal(t, int64(1), cur.At()[1])
	assert.Equal(t, int64(3), f.OpenNow(), "connection strict sessions stay open while reading")
	assert.Contains(t, c.Progress().Summary, "3/3 sessions open")

	require.NoError(t, cur.Close())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")
	assert.Equal(t, int64(3), f.Opened.Load())
	assert.Equal(t, f.Opened.Load(), f.Closed.Load())
	assert.Zero(t, f.OpenNow())
}

func TestDisposeBeforeCursorClose(t *testing.T) {
	f, res := shards([]int64{1, 4}, []int64{2, 5}, []int64{3, 6})
	c, _ := newContext(t, f, res, orderBy(true), mode(merge.ConnectionStrictly, 8))
	cur, err := merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	require.True(t, cur.Next())

	require.NoError(t, c.Close())
	assert.Equal(t, f.Opened.Load(), f.Closed.Load())
	assert.Zero(t, f.OpenNow())
	assert.Contains(t, c.Progress().Summary, "0/3 sessions open")
	assert.NoError(t, cur.Close(), "the cursors were already released with their sessions")
}

type recordingSink struct {
	sent []*metrics.Metrics
}

func (s *recordingSink) Send(_ context.Context, m *metrics.Metrics) error {
	s.sent = append(s.sent, m)
	return nil
}

func TestMergeMetrics(t *testing.T) {
	f, res := shards([]int64{1, 4}, []int64{2, 5, 7}, []int64{3})
	f.Data[route.Unit{DataSource: "ds1", Tail: "00"}] = []merge.Row{{int64(10), int64(6)}}
	res = route.NewResult(append(res.Units, route.Unit{DataSource: "ds1", Tail: "00"}))
	sink := &recordingSink{}
	c, _ := newContext(t, f, res, orderBy(true), mode(merge.MemoryStrictly, 2), func(cfg *merge.Config) { cfg.Metrics = sink })
	cur, err := merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, values(t, cur))
	require.NoError(t, c.Close())

	assert.Equal(t, int64(3), c.UnitRows()[route.Unit{DataSource: "ds0", Tail: "01"}])
	require.Len(t, sink.sent, 1)
	got := map[string]float64{}
	for _, v := range sink.sent[0].Values {
		assert.Equal(t, "memory_strictly", v.Label(metrics.LabelMode))
		got[v.Name+"/"+v.Label(metrics.LabelDataSource)] = v.Value
	}
	assert.InDelta(t, 4.0, got[metrics.RouteUnitsMetricName+"/"], 0.001)
	assert.InDelta(t, 7.0, got[metrics.RowsMergedMetricName+"/"], 0.001)
	assert.InDelta(t, 6.0, got[metrics.ShardRowsMetricName+"/ds0"], 0.001)
	assert.InDelta(t, 3.0, got[metrics.ShardUnitsMetricName+"/ds0"], 0.001)
	assert.InDelta(t, 1.0, got[metrics.ShardRowsMetricName+"/ds1"], 0.001)
}

func TestExecutionFailure(t *testing.T) {
	boom := errors.New("shard is down")
	for _, m := range []merge.ConnectionMode{merge.ConnectionStrictly, merge.MemoryStrictly} {
		t.Run(m.String(), func(t *testing.T) {
			f, res := shards([]int64{1}, []int64{2}, []int64{3})
			f.QueryErr = map[route.Unit]error{res.Units[1]: boom}
			c, _ := newContext(t, f, res, orderBy(true), mode(m, 8))
			cur, err := merge.NewListEngine(c).MergeResult(t.Context())
			assert.ErrorIs(t, err, boom)
			assert.ErrorContains(t, err, "ds0.01")
			assert.Nil(t, cur)
			assert.Equal(t, status.Failed, c.State())
			require.NoError(t, c.Close())
			assert.Equal(t, f.Opened.Load(), f.Closed.Load())
		})
	}

	f, res := shards([]int64{1}, []int64{2})
	f.OpenErr = map[route.Unit]error{res.Units[0]: boom}
	c, _ := newContext(t, f, res)
	_, err := merge.NewFirstEngine(c).MergeResult(t.Context())
	assert.ErrorIs(t, err, boom)
	require.NoError(t, c.Close())
	assert.Equal(t, f.Opened.Load(), f.Closed.Load())
}

func TestMidStreamFailure(t *testing.T) {
	f, res := shards([]int64{1, 3, 5}, []int64{2, 4, 6})
	f.FailAfter = map[route.Unit]int{res.Units[1]: 1}
	c, _ := newContext(t, f, res, orderBy(true), mode(merge.ConnectionStrictly, 8))
	cur, err := merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	for cur.Next() {
	}
	assert.ErrorIs(t, cur.Err(), testutils.ErrFakeCursor)
	require.NoError(t, cur.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, f.Opened.Load(), f.Closed.Load())
}

func TestCancellation(t *testing.T) {
	f, res := shards([]int64{1}, []int64{2})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	c, _ := newContext(t, f, res, orderBy(true))
	_, err := merge.NewListEngine(c).MergeResult(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, c.Close())
	assert.Zero(t, f.Opened.Load(), "no session is opened after cancellation")

	// cancel while streaming.
	f, res = shards([]int64{1, 3, 5}, []int64{2, 4, 6})
	ctx, cancel = context.WithCancel(t.Context())
	defer cancel()
	c, _ = newContext(t, f, res, orderBy(true), mode(merge.ConnectionStrictly, 8))
	cur, err := merge.NewListEngine(c).MergeResult(ctx)
	require.NoError(t, err)
	require.True(t, cur.Next())
	cancel()
	assert.False(t, cur.Next())
	assert.ErrorIs(t, cur.Err(), context.Canceled)
	require.NoError(t, cur.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, f.Opened.Load(), f.Closed.Load())
}

func TestEngineRunsOnce(t *testing.T) {
	f, res := shards([]int64{1})
	c, _ := newContext(t, f, res)
	defer func() { require.NoError(t, c.Close()) }()
	cur, err := merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	require.NoError(t, cur.Close())
	assert.Equal(t, status.Completed, c.State())
	_, err = merge.NewListEngine(c).MergeResult(t.Context())
	assert.ErrorIs(t, err, status.ErrIllegalTransition)
}

func TestHiddenColumns(t *testing.T) {
	f, res := shards([]int64{3, 1}, []int64{2})
	c, _ := newContext(t, f, res, orderBy(true), func(cfg *merge.Config) { cfg.HiddenColumns = 1 })
	defer func() { require.NoError(t, c.Close()) }()
	cur, err := merge.NewListEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, cur.Columns())
	var ids []int64
	for cur.Next() {
		require.Len(t, cur.At(), 1)
		ids = append(ids, cur.At()[0].(int64))
	}
	require.NoError(t, cur.Close())
	// ordered by the hidden v column: v=1 (id 2), v=2 (id 3), v=3 (id 1).
	assert.Equal(t, []int64{2, 3, 1}, ids)
	assert.Equal(t, []string{"id"}, c.Columns())
}

func TestUnionAll(t *testing.T) {
	f, res := shards([]int64{3, 1}, []int64{2}, []int64{9, 8})
	c, _ := newContext(t, f, res, orderBy(true), mode(merge.ConnectionStrictly, 8), window(ptr(1), ptr(3)))
	cur, err := merge.NewUnionAllEngine(c).MergeResult(t.Context())
	require.NoError(t, err)
	// route order, shard order, no sorting: 3,1 | 2 | 9,8 skip 1 take 3.
	assert.Equal(t, []int64{1, 2, 9}, values(t, cur))
	require.NoError(t, c.Close())
	for _, m := range f.Modes() {
		assert.Equal(t, merge.MemoryStrictly, m)
	}
	assert.Equal(t, f.Opened.Load(), f.Closed.Load())
}
