package sharding

import (
	"fmt"
	"testing"

	"github.com/block/shardmerge/pkg/config"
	"github.com/block/shardmerge/pkg/dbconn"
	"github.com/block/shardmerge/pkg/merge"
	"github.com/block/shardmerge/pkg/metadata"
	"github.com/block/shardmerge/pkg/metrics"
	"github.com/block/shardmerge/pkg/query"
	"github.com/block/shardmerge/pkg/route"
	"github.com/block/shardmerge/pkg/sqlexec"
	"github.com/block/shardmerge/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// The default ants pool starts its housekeeping goroutines at init.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/panjf2000/ants/v2.(*poolCommon).purgeStaleWorkers"),
		goleak.IgnoreTopFunction("github.com/panjf2000/ants/v2.(*poolCommon).ticktock"),
	)
}

const testConfig = `
version: "1"
data_sources:
  - name: ds0
    driver: sqlite
    dsn: %q
  - name: ds1
    driver: sqlite
    dsn: %q
entities:
  - name: orders
    default_data_source: ds0
    auto_create_table: true
    create_table_sql: "CREATE TABLE {table} (id INTEGER PRIMARY KEY, user_id INTEGER, amount INTEGER, note TEXT)"
    table_sharding:
      column: user_id
      strategy: mod
      count: 2
  - name: users
    auto_create_data_source_table: true
    create_table_sql: "CREATE TABLE IF NOT EXISTS {table} (id INTEGER PRIMARY KEY, name TEXT)"
    data_source_sharding:
      column: id
      strategy: mod
options:
  max_query_connections_limit: 4
logging:
  level: debug
`

func exec(t *testing.T, r *Runtime, ds string, stmts ...string) {
	t.Helper()
	db, _, err := r.Executor().DB(ds)
	require.NoError(t, err)
	for _, stmt := range stmts {
		_, err := db.ExecContext(t.Context(), stmt)
		require.NoError(t, err, stmt)
	}
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg, err := config.Parse(fmt.Appendf(nil, testConfig, testutils.SQLiteDSN(t, "ds0"), testutils.SQLiteDSN(t, "ds1")))
	require.NoError(t, err)
	r, err := Open(t.Context(), cfg, nil, cfg.NewLogger(), metrics.NewLogSink(cfg.NewLogger()))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, r.Close())
	})
	exec(t, r, "ds0",
		"INSERT INTO orders_00 VALUES (1, 2, 10, 'a'), (3, 4, 30, 'c'), (5, 2, 50, 'e')",
		"INSERT INTO orders_01 VALUES (2, 1, 20, 'b'), (4, 3, 40, 'd'), (6, 5, 60, 'f')",
		"INSERT INTO users VALUES (2, 'bob'), (4, 'dave')",
	)
	exec(t, r, "ds1", "INSERT INTO users VALUES (1, 'alice'), (3, 'carol')")
	return r
}

func collect(t *testing.T, rows *Rows) [][]any {
	t.Helper()
	var out [][]any
	for rows.Next() {
		out = append(out, rows.Values())
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	return out
}

func column(rows [][]any, i int) []any {
	out := make([]any, len(rows))
	for j, row := range rows {
		out[j] = row[i]
	}
	return out
}

func TestQueryOrdered(t *testing.T) {
	r := newRuntime(t)

	rows, err := r.Query(t.Context(), "SELECT id, amount FROM orders ORDER BY amount DESC LIMIT 2, 3")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "amount"}, rows.Columns())
	got := collect(t, rows)
	assert.Equal(t, []any{int64(4), int64(3), int64(2)}, column(got, 0))
	assert.Equal(t, []any{int64(40), int64(30), int64(20)}, column(got, 1))

	rows, err = r.Query(t.Context(), "SELECT id FROM orders ORDER BY amount")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, rows.Columns(), "amount is only selected for the merge")
	got = collect(t, rows)
	assert.Equal(t, []any{int64(1), int64(2), int64(3), int64(4), int64(5), int64(6)}, column(got, 0))
	for _, row := range got {
		assert.Len(t, row, 1)
	}

	rows, err = r.Query(t.Context(), "SELECT o.user_id AS id, o.id AS oid FROM orders o ORDER BY o.id")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "oid"}, rows.Columns())
	got = collect(t, rows)
	assert.Equal(t, []any{int64(1), int64(2), int64(3), int64(4), int64(5), int64(6)}, column(got, 1), "ordered on o.id, not on the id alias")
	assert.Equal(t, []any{int64(2), int64(1), int64(4), int64(3), int64(2), int64(5)}, column(got, 0))

	rows, err = r.Query(t.Context(), "SELECT o.user_id AS id FROM orders o ORDER BY o.id DESC")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, rows.Columns())
	assert.Equal(t, []any{int64(5), int64(2), int64(3), int64(4), int64(1), int64(2)}, column(collect(t, rows), 0))

	rows, err = r.Query(t.Context(), "SELECT id FROM orders ORDER BY id LIMIT ?", 0)
	require.NoError(t, err)
	assert.Empty(t, collect(t, rows))
}

func TestQueryRouting(t *testing.T) {
	r := newRuntime(t)
	rows, err := r.Query(t.Context(), "SELECT id, note FROM orders WHERE user_id = ?", 2)
	require.NoError(t, err)
	got := collect(t, rows)
	assert.ElementsMatch(t, []any{int64(1), int64(5)}, column(got, 0))

	rows, err = r.Query(t.Context(), "SELECT id FROM orders WHERE user_id IN (2, NULL)")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{int64(1), int64(5)}, column(collect(t, rows), 0))

	rows, err = r.Query(t.Context(), "SELECT id FROM orders WHERE user_id IN (1, 2) AND amount > 15")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{int64(2), int64(5)}, column(collect(t, rows), 0))

	rows, err = r.Query(t.Context(), "SELECT id, name FROM users ORDER BY name DESC")
	require.NoError(t, err)
	got = collect(t, rows)
	assert.Equal(t, []any{"dave", "carol", "bob", "alice"}, column(got, 1))

	_, err = r.Query(t.Context(), "SELECT id FROM countries")
	assert.ErrorIs(t, err, route.ErrRouting)
}

func TestAggregate(t *testing.T) {
	r := newRuntime(t)
	rec, err := r.Aggregate(t.Context(), "SELECT COUNT(id) AS n, SUM(amount) AS total, AVG(amount) AS mean, MIN(amount) AS lo, MAX(amount) AS hi FROM orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"n", "total", "mean", "lo", "hi"}, rec.Columns)
	assert.Equal(t, []string{"6", "210", "35", "10", "60"}, []string{
		fmt.Sprint(rec.Values[0]), fmt.Sprint(rec.Values[1]), fmt.Sprint(rec.Values[2]),
		fmt.Sprint(rec.Values[3]), fmt.Sprint(rec.Values[4]),
	})
	total, ok := rec.Get("total")
	assert.True(t, ok)
	assert.Equal(t, "210", fmt.Sprint(total))
	_, ok = rec.Get("missing")
	assert.False(t, ok)

	rec, err = r.First(t.Context(), "SELECT COUNT(id) AS n FROM orders WHERE user_id = 2")
	require.NoError(t, err)
	assert.Equal(t, "2", fmt.Sprint(rec.Values[0]))
}

func TestFirstAndLast(t *testing.T) {
	r := newRuntime(t)
	rec, err := r.First(t.Context(), "SELECT id, amount FROM orders ORDER BY amount")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Values[0])

	rec, err = r.First(t.Context(), "SELECT id FROM orders ORDER BY amount LIMIT 2, 10")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3)}, rec.Values)
	assert.Equal(t, []string{"id"}, rec.Columns)

	rec, err = r.Last(t.Context(), "SELECT id, amount FROM orders ORDER BY amount")
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.Values[0])

	rec, err = r.Last(t.Context(), "SELECT id FROM orders ORDER BY amount LIMIT 1, 3")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(4)}, rec.Values)

	_, err = r.Last(t.Context(), "SELECT id FROM orders WHERE user_id = 999 ORDER BY id")
	assert.ErrorIs(t, err, merge.ErrNoElements)
	_, err = r.First(t.Context(), "SELECT id FROM orders WHERE user_id = 999")
	assert.ErrorIs(t, err, merge.ErrNoElements)

	rec, err = r.LastOrDefault(t.Context(), "SELECT id FROM orders WHERE user_id = 999 ORDER BY id")
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = r.FirstOrDefault(t.Context(), "SELECT id FROM orders WHERE user_id = 999")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPassthrough(t *testing.T) {
	r := newRuntime(t)
	rows, err := r.Query(t.Context(), "SELECT user_id, COUNT(id) AS n FROM orders WHERE user_id = ? GROUP BY user_id", 2)
	require.NoError(t, err)
	got := collect(t, rows)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0][0])
	assert.Equal(t, "2", fmt.Sprint(got[0][1]))

	_, err = r.Query(t.Context(), "SELECT user_id, COUNT(id) FROM orders GROUP BY user_id")
	assert.ErrorIs(t, err, query.ErrUnsupportedStatement)
}

func TestExplain(t *testing.T) {
	r := newRuntime(t)
	plan, err := r.Explain("SELECT id FROM orders WHERE amount > ? ORDER BY amount LIMIT 1, 2", 5)
	require.NoError(t, err)
	assert.Equal(t, query.KindOrdered, plan.Kind)
	require.Len(t, plan.Shards, 2)
	assert.Equal(t, route.Unit{DataSource: "ds0", Tail: "00"}, plan.Shards[0].Unit)
	assert.Contains(t, plan.Shards[0].SQL, "`orders_00`")
	assert.Contains(t, plan.Shards[1].SQL, "`orders_01`")
	assert.Contains(t, plan.Shards[0].SQL, "LIMIT 3")
	assert.Equal(t, []any{5}, plan.Shards[0].Args)
	assert.Contains(t, plan.String(), "kind: ordered")

	plan, err = r.Explain("SELECT AVG(amount) FROM orders")
	require.NoError(t, err)
	assert.Equal(t, query.KindAggregate, plan.Kind)
	assert.Equal(t, merge.ConnectionStrictly, plan.Mode)
	assert.Contains(t, plan.Shards[0].SQL, "COUNT(")

	plan, err = r.Explain("SELECT id FROM orders LIMIT 0")
	require.NoError(t, err)
	assert.Empty(t, plan.Shards)

	plan, err = r.Explain("SELECT id FROM orders")
	require.NoError(t, err)
	assert.Equal(t, query.KindUnionAll, plan.Kind)
	assert.Equal(t, merge.MemoryStrictly, plan.Mode)
	assert.NotContains(t, plan.Shards[0].SQL, "LIMIT")

	// The plan follows the options of the merge context.
	r.options.EnableParallelQuery = false
	plan, err = r.Explain("SELECT id FROM orders ORDER BY amount LIMIT 2")
	require.NoError(t, err)
	assert.Equal(t, merge.MemoryStrictly, plan.Mode)
	_, mc, err := r.newContext("SELECT id FROM orders ORDER BY amount LIMIT 2", nil)
	require.NoError(t, err)
	assert.Equal(t, mc.ConnectionMode(len(mc.Route().Units)), plan.Mode)
	assert.Equal(t, mc.PaginationPushdownTake(), ptr(2))
}

func ptr(v int64) *int64 { return &v }

func TestAddDataSource(t *testing.T) {
	r := newRuntime(t)
	dsn := testutils.SQLiteDSN(t, "ds2")
	require.NoError(t, r.AddDataSource(t.Context(), sqlexec.DataSource{Name: "ds2", Driver: dbconn.DriverSQLite, DSN: dsn}))
	exec(t, r, "ds2", "INSERT INTO users VALUES (9, 'zed')")

	rows, err := r.Query(t.Context(), "SELECT name FROM users ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []any{"alice", "bob", "carol", "dave", "zed"}, column(collect(t, rows), 0))

	names, err := r.Router().DataSourceNames("users")
	require.NoError(t, err)
	assert.Equal(t, []string{"ds0", "ds1", "ds2"}, names)
	assert.Error(t, r.AddDataSource(t.Context(), sqlexec.DataSource{Name: "ds2", Driver: dbconn.DriverSQLite, DSN: dsn}))
}

func TestRuntimeErrors(t *testing.T) {
	e, err := sqlexec.NewExecutor(sqlexec.Config{})
	require.NoError(t, err)
	defer e.Close()

	_, err = New(Config{})
	assert.Error(t, err)

	r, err := New(Config{Options: merge.NewOptions(), Executor: e})
	require.NoError(t, err)
	strategy, err := route.NewModStrategy(route.ModTails(2), false)
	require.NoError(t, err)

	meta := &metadata.EntityMetadata{Entity: "orders", ShardingTableProperty: "user_id", DefaultDataSource: "ds0"}
	assert.Error(t, r.AddEntity(meta, nil, nil), "sharded by table without a table strategy")
	assert.Error(t, r.AddEntity(meta, strategy, strategy), "not sharded by data source")
	require.NoError(t, r.AddEntity(meta, strategy, nil))
	assert.ErrorIs(t, r.AddEntity(meta, strategy, nil), metadata.ErrAlreadyInitialized)

	_, err = r.Query(t.Context(), "SELECT id FROM orders")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Error(t, r.Initialize(t.Context()), "ds0 is not a data source of the executor")
	assert.NoError(t, r.Close(), "the executor is not owned by the runtime")
}
