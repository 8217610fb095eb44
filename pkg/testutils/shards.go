package testutils

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/block/shardmerge/pkg/merge"
	"github.com/block/shardmerge/pkg/route"
	"github.com/google/uuid"
)

// FakePlan renders a statement that FakeShards understands: the orders
// and the limit travel as the statement arguments.
type FakePlan struct {
	sync.Mutex
	Rendered []string
}

var _ merge.Plan = &FakePlan{}

func (p *FakePlan) Render(unit route.Unit, orders merge.Orders, limit *int64) (string, []any, error) {
	stmt := fmt.Sprintf("SELECT * FROM %s ORDER BY [%s]", unit, orders)
	if limit != nil {
		stmt += fmt.Sprintf(" LIMIT %d", *limit)
	}
	p.Lock()
	p.Rendered = append(p.Rendered, stmt)
	p.Unlock()
	return stmt, []any{orders, limit}, nil
}

// FakeShards is an in-memory merge.SessionFactory. Every unit holds a
// table of rows; queries sort and limit them the way a database would.
// It counts sessions so tests can check nothing leaks.
type FakeShards struct {
	Columns []string
	Data    map[route.Unit][]merge.Row

	// OpenErr and QueryErr inject failures per unit. FailAfter makes the
	// cursor of a unit fail once it has returned that many rows.
	OpenErr   map[route.Unit]error
	QueryErr  map[route.Unit]error
	FailAfter map[route.Unit]int
	// Delay is slept in Query, honoring the context.
	Delay time.Duration

	Opened  atomic.Int64
	Closed  atomic.Int64
	Queries atomic.Int64
	open    atomic.Int64
	peak    atomic.Int64

	sync.Mutex
	modes []merge.ConnectionMode
}

var _ merge.SessionFactory = &FakeShards{}

// ErrFakeCursor is returned by cursors configured with FailAfter.
var ErrFakeCursor = errors.New("fake cursor failure")

// PeakOpen is the highest number of sessions open at the same time.
func (f *FakeShards) PeakOpen() int64 { return f.peak.Load() }

// OpenNow is the number of sessions currently open.
func (f *FakeShards) OpenNow() int64 { return f.open.Load() }

// Modes returns the connection modes sessions were opened with.
func (f *FakeShards) Modes() []merge.ConnectionMode {
	f.Lock()
	defer f.Unlock()
	return slices.Clone(f.modes)
}

func (f *FakeShards) Open(ctx context.Context, unit route.Unit, mode merge.ConnectionMode) (merge.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.OpenErr[unit]; err != nil {
		return nil, err
	}
	f.Opened.Add(1)
	n := f.open.Add(1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	f.Lock()
	f.modes = append(f.modes, mode)
	f.Unlock()
	return &fakeSession{id: uuid.NewString(), unit: unit, shards: f}, nil
}

type fakeSession struct {
	id     string
	unit   route.Unit
	shards *FakeShards
	closed atomic.Bool
}

func (s *fakeSession) ID() string       { return s.id }
func (s *fakeSession) Unit() route.Unit { return s.unit }

func (s *fakeSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("session %s closed twice", s.id)
	}
	s.shards.Closed.Add(1)
	s.shards.open.Add(-1)
	return nil
}

func (s *fakeSession) Query(ctx context.Context, query string, args ...any) (merge.Cursor, error) {
	f := s.shards
	f.Queries.Add(1)
	if s.closed.Load() {
		return nil, errors.New("query on closed session")
	}
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.Delay):
		}
	}
	if err := f.QueryErr[s.unit]; err != nil {
		return nil, err
	}
	var orders merge.Orders
	var limit *int64
	if len(args) == 2 {
		orders, _ = args[0].(merge.Orders)
		limit, _ = args[1].(*int64)
	}
	rows := slices.Clone(f.Data[s.unit])
	var sortErr error
	slices.SortStableFunc(rows, func(a, b merge.Row) int {
		for _, o := range orders {
			idx := slices.Index(f.Columns, o.Property)
			if idx < 0 {
				sortErr = fmt.Errorf("unknown column %s", o.Property)
				return 0
			}
			c, err := merge.CompareValues(a[idx], b[idx])
			if err != nil {
				sortErr = err
				return 0
			}
			if c != 0 {
				if !o.Asc {
					c = -c
				}
				return c
			}
		}
		return 0
	})
	if sortErr != nil {
		return nil, sortErr
	}
	if limit != nil && int64(len(rows)) > *limit {
		rows = rows[:*limit]
	}
	out := make([]merge.Row, len(rows))
	for i, r := range rows {
		out[i] = slices.Clone(r)
	}
	failAfter, fail := f.FailAfter[s.unit]
	if !fail {
		failAfter = -1
	}
	return &fakeCursor{SliceCursor: merge.NewSliceCursor(f.Columns, out), failAfter: failAfter}, nil
}

type fakeCursor struct {
	*merge.SliceCursor
	failAfter int
	read      int
	err       error
}

func (c *fakeCursor) Next() bool {
	if c.failAfter >= 0 && c.read >= c.failAfter {
		c.err = ErrFakeCursor
		return false
	}
	if !c.SliceCursor.Next() {
		return false
	}
	c.read++
	return true
}

func (c *fakeCursor) Err() error { return c.err }
