package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/block/shardmerge/pkg/metrics"
	"github.com/block/shardmerge/pkg/route"
	"github.com/block/shardmerge/pkg/status"
	"github.com/block/shardmerge/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// Config is everything a StreamMergeContext is built from: the output of
// parsing, routing and rewriting one query, plus the merge settings.
type Config struct {
	Plan  Plan
	Route route.Result

	Skip   *int64
	Take   *int64
	Orders Orders
	// HiddenColumns is the number of trailing columns that were only
	// selected so the merge could order on them.
	HiddenColumns int
	// Aggregates describes the output of an aggregate query.
	Aggregates []Aggregate
	// Entities maps every queried entity to whether it is sharded.
	Entities map[string]bool
	UnionAll bool

	Options  Options
	Sessions SessionFactory
	Logger   *slog.Logger
	Metrics  metrics.Sink
}

// StreamMergeContext is the per-query state shared by the merge engines:
// pagination, orders, the route result and every session opened for the
// query. It is not safe to reuse for a second query.
type StreamMergeContext struct {
	plan       Plan
	route      route.Result
	skip       *int64
	take       *int64
	orders     Orders
	hidden     int
	aggregates []Aggregate
	entities   map[string]bool
	unionAll   bool
	options    Options
	factory    SessionFactory
	logger     *slog.Logger
	metrics    metrics.Sink

	state status.State

	sync.Mutex
	sessions map[string]*trackedSession
	columns  []string
	// unitRows counts the rows read from each unit.
	unitRows map[route.Unit]*atomic.Int64
	mode     ConnectionMode
	executed bool

	opened  atomic.Int64
	rows    atomic.Int64
	started time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewStreamMergeContext builds a context from cfg.
func NewStreamMergeContext(cfg Config) (*StreamMergeContext, error) {
	if cfg.Plan == nil {
		return nil, errors.New("merge context needs a plan")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("merge context needs a session factory")
	}
	if cfg.Skip != nil && *cfg.Skip < 0 {
		return nil, fmt.Errorf("skip must not be negative: %d", *cfg.Skip)
	}
	if cfg.Take != nil && *cfg.Take < 0 {
		return nil, fmt.Errorf("take must not be negative: %d", *cfg.Take)
	}
	c := &StreamMergeContext{
		plan:       cfg.Plan,
		route:      cfg.Route,
		skip:       cfg.Skip,
		take:       cfg.Take,
		orders:     cfg.Orders,
		hidden:     cfg.HiddenColumns,
		aggregates: cfg.Aggregates,
		entities:   cfg.Entities,
		unionAll:   cfg.UnionAll,
		options:    cfg.Options,
		factory:    cfg.Sessions,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		sessions:   make(map[string]*trackedSession),
		unitRows:   make(map[route.Unit]*atomic.Int64),
		started:    time.Now(),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = &metrics.NoopSink{}
	}
	return c, nil
}

func (c *StreamMergeContext) Skip() *int64   { return c.skip }
func (c *StreamMergeContext) Take() *int64   { return c.take }
func (c *StreamMergeContext) Orders() Orders { return c.orders }

func (c *StreamMergeContext) ResetSkip(skip *int64)     { c.skip = skip }
func (c *StreamMergeContext) ResetTake(take *int64)     { c.take = take }
func (c *StreamMergeContext) ResetOrders(orders Orders) { c.orders = orders }

// ReverseOrder flips the direction of every order.
func (c *StreamMergeContext) ReverseOrder() {
	c.orders = c.orders.Reverse()
}

// PaginationPushdownTake is the row limit each shard is asked for:
// skip+take, since the global window can come entirely from one shard.
// It is nil when the query has no take.
func (c *StreamMergeContext) PaginationPushdownTake() *int64 {
	if c.take == nil {
		return nil
	}
	n := *c.take
	if c.skip != nil {
		n += *c.skip
	}
	return &n
}

func (c *StreamMergeContext) Plan() Plan          { return c.plan }
func (c *StreamMergeContext) Route() route.Result { return c.route }
func (c *StreamMergeContext) Options() Options    { return c.options }
func (c *StreamMergeContext) Logger() *slog.Logger {
	return c.logger
}

// State returns the lifecycle state of the merge.
func (c *StreamMergeContext) State() status.State {
	return c.state.Get()
}

// Columns returns the visible columns of the result, known once the
// merge has executed.
func (c *StreamMergeContext) Columns() []string {
	c.Lock()
	defer c.Unlock()
	return c.columns
}

func (c *StreamMergeContext) setColumns(cols []string) {
	c.Lock()
	defer c.Unlock()
	if c.columns == nil {
		c.columns = cols
	}
}

// IsParallelQuery is true when more than one unit can run at once.
func (c *StreamMergeContext) IsParallelQuery() bool {
	return c.options.EnableParallelQuery && len(c.route.Units) > 1
}

// RealConnectionMode downgrades a requested mode for non-parallel queries.
func (c *StreamMergeContext) RealConnectionMode(requested ConnectionMode) ConnectionMode {
	if !c.IsParallelQuery() {
		return MemoryStrictly
	}
	return requested
}

// ConnectionMode selects the execution mode of a merge over unitCount units.
func (c *StreamMergeContext) ConnectionMode(unitCount int) ConnectionMode {
	return SelectConnectionMode(c.RealConnectionMode(c.options.ConnectionMode), unitCount,
		c.options.limit(), c.IsParallelQuery(), c.unionAll)
}

func (c *StreamMergeContext) IsCrossDataSource() bool { return c.route.IsCrossDataSource() }
func (c *StreamMergeContext) IsCrossTable() bool      { return c.route.IsCrossTable() }

// IsMergeQuery is true when more than one unit has to be merged.
func (c *StreamMergeContext) IsMergeQuery() bool { return len(c.route.Units) > 1 }

// IsSingleShardingEntityQuery is true when exactly one queried entity is sharded.
func (c *StreamMergeContext) IsSingleShardingEntityQuery() bool {
	n := 0
	for _, sharded := range c.entities {
		if sharded {
			n++
		}
	}
	return n == 1
}

func (c *StreamMergeContext) IsPaginationQuery() bool {
	return c.skip != nil || c.take != nil
}

func (c *StreamMergeContext) IsRouteNotMatch() bool {
	return c.route.IsEmpty || len(c.route.Units) == 0
}

// TakeZeroNoQueryExecute is true when the result is known to be empty
// without running anything.
func (c *StreamMergeContext) TakeZeroNoQueryExecute() bool {
	return c.take != nil && *c.take == 0
}

// TryPrepareExecute reports whether the query needs to run at all. A
// query with take 0, or one that routes nowhere, yields an empty result
// instead, unless ThrowIfQueryRouteNotMatch turns the latter into
// ErrRouteNotMatch.
func (c *StreamMergeContext) TryPrepareExecute() (bool, error) {
	if c.TakeZeroNoQueryExecute() {
		return false, nil
	}
	if c.IsRouteNotMatch() {
		if c.options.ThrowIfQueryRouteNotMatch {
			return false, ErrRouteNotMatch
		}
		return false, nil
	}
	return true, nil
}

// String summarizes the merge for logs and explain output.
func (c *StreamMergeContext) String() string {
	return fmt.Sprintf("units=%d skip=%s take=%s orders=[%s] mode=%s parallel=%t",
		len(c.route.Units), fmtLimit(c.skip), fmtLimit(c.take), c.orders,
		c.ConnectionMode(len(c.route.Units)), c.IsParallelQuery())
}

func fmtLimit(v *int64) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprint(*v)
}

// Progress reports the lifecycle state and how many sessions are open.
func (c *StreamMergeContext) Progress() status.Progress {
	c.Lock()
	open := 0
	for _, s := range c.sessions {
		if !s.isClosed() {
			open++
		}
	}
	c.Unlock()
	return status.Progress{
		CurrentState: c.state.Get(),
		Summary:      fmt.Sprintf("%d/%d sessions open, %d rows merged", open, c.opened.Load(), c.rows.Load()),
	}
}

type trackedSession struct {
	Session
	once   sync.Once
	closed atomic.Bool
	err    error

	rows    *atomic.Int64
	mu      sync.Mutex
	cursors []*trackedCursor
}

// Query runs query on the session and remembers the cursor, since a
// pinned connection cannot be released while its rows are open.
func (s *trackedSession) Query(ctx context.Context, query string, args ...any) (Cursor, error) {
	cur, err := s.Session.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	tracked := &trackedCursor{Cursor: cur, rows: s.rows}
	s.mu.Lock()
	s.cursors = append(s.cursors, tracked)
	s.mu.Unlock()
	return tracked, nil
}

// Close closes the cursors of the session, then the session, exactly once.
func (s *trackedSession) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		cursors := s.cursors
		s.mu.Unlock()
		var errs []error
		for _, cur := range cursors {
			if err := cur.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.err = errors.Join(append(errs, s.Session.Close())...)
		s.closed.Store(true)
	})
	return s.err
}

func (s *trackedSession) isClosed() bool {
	return s.closed.Load()
}

// trackedCursor closes the underlying cursor exactly once, whether the
// merge or the session gets there first.
type trackedCursor struct {
	Cursor
	rows *atomic.Int64
	once sync.Once
	err  error
}

func (c *trackedCursor) Next() bool {
	if !c.Cursor.Next() {
		return false
	}
	c.rows.Add(1)
	return true
}

func (c *trackedCursor) Close() error {
	c.once.Do(func() {
		c.err = c.Cursor.Close()
	})
	return c.err
}

// OpenSession opens a session on unit and tracks it, so that Close
// releases it even if the caller never does.
func (c *StreamMergeContext) OpenSession(ctx context.Context, unit route.Unit, mode ConnectionMode) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.state.Get() == status.Disposed {
		return nil, errors.New("merge context is disposed")
	}
	s, err := c.factory.Open(ctx, unit, mode)
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w", unit, err)
	}
	c.Lock()
	if _, ok := c.sessions[s.ID()]; ok {
		c.Unlock()
		utils.ErrInErr(s.Close())
		return nil, fmt.Errorf("duplicate session id %q", s.ID())
	}
	rows, ok := c.unitRows[unit]
	if !ok {
		rows = &atomic.Int64{}
		c.unitRows[unit] = rows
	}
	tracked := &trackedSession{Session: s, rows: rows}
	c.sessions[s.ID()] = tracked
	c.Unlock()
	c.opened.Add(1)
	c.logger.Debug("opened shard session", "unit", unit.String(), "session", s.ID(), "mode", mode.String())
	return tracked, nil
}

// closeSessions closes every tracked session and joins the errors.
func (c *StreamMergeContext) closeSessions() error {
	c.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sessions := make([]*trackedSession, len(ids))
	for i, id := range ids {
		sessions[i] = c.sessions[id]
	}
	c.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			c.logger.Warn("failed to close shard session", "unit", s.Unit().String(), "session", s.ID(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close disposes of the context: every session it opened is closed
// exactly once and the query metrics are sent. It is safe to call more
// than once.
func (c *StreamMergeContext) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.closeSessions()
		if !c.state.Get().IsTerminal() || c.state.Get() == status.Completed {
			c.state.Set(status.Disposed)
		}
		c.sendMetrics()
	})
	return c.closeErr
}

// executedMode is the mode the merge ran in, "none" when nothing ran.
func (c *StreamMergeContext) executedMode() string {
	c.Lock()
	defer c.Unlock()
	if !c.executed {
		return "none"
	}
	return c.mode.String()
}

// UnitRows returns how many rows were read from each unit so far.
func (c *StreamMergeContext) UnitRows() map[route.Unit]int64 {
	c.Lock()
	defer c.Unlock()
	out := make(map[route.Unit]int64, len(c.unitRows))
	for u, n := range c.unitRows {
		out[u] = n.Load()
	}
	return out
}

func (c *StreamMergeContext) sendMetrics() {
	failed := 0.0
	if c.state.Get() == status.Failed {
		failed = 1
	}
	mode := c.executedMode()
	m := &metrics.Metrics{}
	m.Add(metrics.RouteUnitsMetricName, float64(len(c.route.Units)), metrics.COUNTER, metrics.LabelMode, mode)
	m.Add(metrics.SessionsOpenedMetricName, float64(c.opened.Load()), metrics.COUNTER, metrics.LabelMode, mode)
	m.Add(metrics.RowsMergedMetricName, float64(c.rows.Load()), metrics.COUNTER, metrics.LabelMode, mode)
	m.Add(metrics.QueryFailedMetricName, failed, metrics.COUNTER, metrics.LabelMode, mode)
	m.Add(metrics.MergeTimeMetricName, float64(time.Since(c.started).Milliseconds()), metrics.GAUGE, metrics.LabelMode, mode)

	perDataSource := make(map[string][2]int64)
	for unit, n := range c.UnitRows() {
		v := perDataSource[unit.DataSource]
		v[0] += n
		v[1]++
		perDataSource[unit.DataSource] = v
	}
	for _, ds := range slices.Sorted(maps.Keys(perDataSource)) {
		v := perDataSource[ds]
		m.Add(metrics.ShardRowsMetricName, float64(v[0]), metrics.COUNTER, metrics.LabelMode, mode, metrics.LabelDataSource, ds)
		m.Add(metrics.ShardUnitsMetricName, float64(v[1]), metrics.COUNTER, metrics.LabelMode, mode, metrics.LabelDataSource, ds)
	}
	ctx, cancel := context.WithTimeout(context.Background(), metrics.SinkTimeout)
	defer cancel()
	if err := c.metrics.Send(ctx, m); err != nil {
		c.logger.Warn("failed to send merge metrics", "error", err)
	}
}

// begin moves the context into Executing. Each context runs one merge.
func (c *StreamMergeContext) begin() error {
	if err := c.state.Transition(status.Created, status.Executing); err != nil {
		return fmt.Errorf("merge is %s: %w", c.state.Get(), err)
	}
	return nil
}

// finish records the outcome of the merge and passes err through.
func (c *StreamMergeContext) finish(err error) error {
	if err != nil {
		c.state.Set(status.Failed)
		return err
	}
	c.state.Set(status.Completed)
	return nil
}

// execute runs the rendered plan on every unit and returns one cursor per
// unit, in route order. In MemoryStrictly mode each shard is read to
// completion and its session closed before the cursor is returned, with
// at most MaxQueryConnectionsLimit sessions open at once. In
// ConnectionStrictly mode every cursor stays open on its own session.
func (c *StreamMergeContext) execute(ctx context.Context, mode ConnectionMode, orders Orders, limit *int64) ([]Cursor, error) {
	units := c.route.Units
	cursors := make([]Cursor, len(units))
	g, errGrpCtx := errgroup.WithContext(ctx)
	switch {
	case mode == ConnectionStrictly:
		g.SetLimit(len(units))
	case !c.IsParallelQuery():
		g.SetLimit(1)
	default:
		g.SetLimit(c.options.limit())
	}
	c.Lock()
	c.mode, c.executed = mode, true
	c.Unlock()
	c.logger.Debug("executing merge", "units", len(units), "mode", mode.String(), "limit", fmtLimit(limit))
	for i, unit := range units {
		g.Go(func() error {
			// The group context is canceled when Wait returns, so cursors
			// that outlive execute are bound to the caller's context.
			queryCtx := ctx
			if mode != ConnectionStrictly {
				queryCtx = errGrpCtx
			}
			if err := errGrpCtx.Err(); err != nil {
				return err
			}
			stmt, args, err := c.plan.Render(unit, orders, limit)
			if err != nil {
				return fmt.Errorf("render query for %s: %w", unit, err)
			}
			session, err := c.OpenSession(queryCtx, unit, mode)
			if err != nil {
				return err
			}
			cur, err := session.Query(queryCtx, stmt, args...)
			if err != nil {
				return fmt.Errorf("query %s: %w", unit, err)
			}
			if mode == ConnectionStrictly {
				cursors[i] = cur
				return nil
			}
			buffered, err := drain(queryCtx, cur)
			if closeErr := utils.CloseAll(cur, session); closeErr != nil {
				c.logger.Warn("failed to release shard session", "unit", unit.String(), "error", closeErr)
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", unit, err)
			}
			cursors[i] = buffered
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, cur := range cursors {
			if cur != nil {
				utils.CloseAndLog(cur)
			}
		}
		utils.ErrInErr(c.closeSessions())
		return nil, err
	}
	return cursors, nil
}

// merged executes the query and returns the merged, paginated stream.
func (c *StreamMergeContext) merged(ctx context.Context, mode ConnectionMode) (Cursor, error) {
	cursors, err := c.execute(ctx, mode, c.orders, c.PaginationPushdownTake())
	if err != nil {
		return nil, err
	}
	var inner Cursor
	if len(c.orders) == 0 || len(cursors) == 1 {
		inner = newConcatCursor(ctx, cursors)
	} else {
		cmp, err := newRowComparator(c.orders, cursors[0].Columns())
		if err != nil {
			utils.ErrInErr(utils.CloseAll(asClosers(cursors)...))
			return nil, err
		}
		inner = newHeapCursor(ctx, cursors, cmp)
	}
	w := newWindowCursor(inner, c.skip, c.take, c.hidden, func() { c.rows.Add(1) })
	c.setColumns(w.Columns())
	return w, nil
}

func asClosers(cursors []Cursor) []utils.Closer {
	out := make([]utils.Closer, len(cursors))
	for i, cur := range cursors {
		out[i] = cur
	}
	return out
}
