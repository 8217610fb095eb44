package sharding

import (
	"context"
	"errors"
	"sync"

	"github.com/block/shardmerge/pkg/merge"
	"github.com/block/shardmerge/pkg/query"
	"github.com/block/shardmerge/pkg/utils"
)

// Rows is the merged result of a query. It must be closed.
type Rows struct {
	cursor  merge.Cursor
	mc      *merge.StreamMergeContext
	columns []string

	closeOnce sync.Once
	closeErr  error
}

func (r *Rows) Next() bool { return r.cursor.Next() }

// Values returns the current row.
func (r *Rows) Values() []any { return r.cursor.At() }

func (r *Rows) Columns() []string { return r.columns }

func (r *Rows) Err() error { return r.cursor.Err() }

// Close releases the cursor and every shard session of the query.
func (r *Rows) Close() error {
	r.closeOnce.Do(func() {
		err := r.cursor.Close()
		if r.mc != nil {
			err = errors.Join(err, r.mc.Close())
		}
		r.closeErr = err
	})
	return r.closeErr
}

// Record is a single row with its column names. Columns that were only
// selected for the merge are not part of it.
type Record struct {
	Columns []string
	Values  []any
}

// Get returns the value of a column.
func (r *Record) Get(column string) (any, bool) {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Query runs a SELECT against logical tables and returns the merged rows.
// Ordered queries are merged on their ORDER BY, aggregate queries return
// their single combined row and everything else is concatenated.
func (r *Runtime) Query(ctx context.Context, sql string, args ...any) (*Rows, error) {
	p, mc, err := r.newContext(sql, args)
	if err != nil {
		return nil, err
	}
	if !p.stmt.IsPassthrough() && p.stmt.Kind() == query.KindAggregate {
		row, err := merge.NewAggregateEngine(mc).MergeResult(ctx)
		columns := mc.Columns()
		if closeErr := mc.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return nil, err
		}
		return &Rows{cursor: merge.NewSliceCursor(columns, []merge.Row{row}), columns: columns}, nil
	}
	var cur merge.Cursor
	if !p.stmt.IsPassthrough() && p.stmt.Kind() == query.KindUnionAll {
		cur, err = merge.NewUnionAllEngine(mc).MergeResult(ctx)
	} else {
		cur, err = merge.NewListEngine(mc).MergeResult(ctx)
	}
	if err != nil {
		utils.CloseAndLog(mc)
		return nil, err
	}
	return &Rows{cursor: cur, mc: mc, columns: cur.Columns()}, nil
}

// Aggregate runs an aggregate query and returns its single row.
func (r *Runtime) Aggregate(ctx context.Context, sql string, args ...any) (*Record, error) {
	rows, err := r.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer utils.CloseAndLog(rows)
	if !rows.Next() {
		return nil, errors.Join(merge.ErrNoElements, rows.Err())
	}
	return &Record{Columns: rows.Columns(), Values: rows.Values()}, nil
}

type singleEngine interface {
	MergeResult(ctx context.Context) (merge.Row, error)
}

func (r *Runtime) single(ctx context.Context, sql string, args []any, newEngine func(*merge.StreamMergeContext) singleEngine) (*Record, error) {
	p, mc, err := r.newContext(sql, args)
	if err != nil {
		return nil, err
	}
	defer utils.CloseAndLog(mc)
	var engine singleEngine
	if !p.stmt.IsPassthrough() && p.stmt.Kind() == query.KindAggregate {
		// an aggregate is one row, which is both the first and the last
		engine = merge.NewAggregateEngine(mc)
	} else {
		engine = newEngine(mc)
	}
	row, err := engine.MergeResult(ctx)
	if err != nil || row == nil {
		return nil, err
	}
	return &Record{Columns: mc.Columns(), Values: row}, nil
}

// First returns the first row of the query, or merge.ErrNoElements.
func (r *Runtime) First(ctx context.Context, sql string, args ...any) (*Record, error) {
	return r.single(ctx, sql, args, func(c *merge.StreamMergeContext) singleEngine { return merge.NewFirstEngine(c) })
}

// FirstOrDefault returns the first row of the query, or nil.
func (r *Runtime) FirstOrDefault(ctx context.Context, sql string, args ...any) (*Record, error) {
	return r.single(ctx, sql, args, func(c *merge.StreamMergeContext) singleEngine { return merge.NewFirstOrDefaultEngine(c) })
}

// Last returns the last row of the query, or merge.ErrNoElements.
func (r *Runtime) Last(ctx context.Context, sql string, args ...any) (*Record, error) {
	return r.single(ctx, sql, args, func(c *merge.StreamMergeContext) singleEngine { return merge.NewLastEngine(c) })
}

// LastOrDefault returns the last row of the query, or nil.
func (r *Runtime) LastOrDefault(ctx context.Context, sql string, args ...any) (*Record, error) {
	return r.single(ctx, sql, args, func(c *merge.StreamMergeContext) singleEngine { return merge.NewLastOrDefaultEngine(c) })
}
