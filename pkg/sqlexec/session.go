package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/block/shardmerge/pkg/dbconn"
	"github.com/block/shardmerge/pkg/merge"
	"github.com/block/shardmerge/pkg/route"
	"github.com/block/shardmerge/pkg/typeconv"
	"github.com/panjf2000/ants/v2"
)

var errSessionClosed = errors.New("session is closed")

// connSession streams rows from a pinned connection.
type connSession struct {
	id     string
	unit   route.Unit
	pool   *pool
	conn   *sql.Conn
	config *dbconn.DBConfig
	closed atomic.Bool
}

func (s *connSession) ID() string       { return s.id }
func (s *connSession) Unit() route.Unit { return s.unit }

func (s *connSession) Query(ctx context.Context, query string, args ...any) (merge.Cursor, error) {
	if s.closed.Load() {
		return nil, errSessionClosed
	}
	rows, err := dbconn.RetryableQuery(ctx, s.conn, s.config, query, args...)
	if err != nil {
		return nil, err
	}
	return newRowsCursor(rows, s.pool.decoder)
}

func (s *connSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

// memorySession borrows pooled connections only while a result set is
// being read.
type memorySession struct {
	id      string
	unit    route.Unit
	pool    *pool
	workers *ants.Pool
	config  *dbconn.DBConfig
	closed  atomic.Bool
}

func (s *memorySession) ID() string       { return s.id }
func (s *memorySession) Unit() route.Unit { return s.unit }

type prefetched struct {
	cursor *merge.SliceCursor
	err    error
}

func (s *memorySession) Query(ctx context.Context, query string, args ...any) (merge.Cursor, error) {
	if s.closed.Load() {
		return nil, errSessionClosed
	}
	done := make(chan prefetched, 1)
	err := s.workers.Submit(func() {
		cur, err := s.prefetch(ctx, query, args)
		done <- prefetched{cursor: cur, err: err}
	})
	if err != nil {
		return nil, fmt.Errorf("could not schedule read of %s: %w", s.unit, err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return res.cursor, nil
	}
}

func (s *memorySession) prefetch(ctx context.Context, query string, args []any) (*merge.SliceCursor, error) {
	rows, err := dbconn.RetryableQuery(ctx, s.pool.db, s.config, query, args...)
	if err != nil {
		return nil, err
	}
	cur, err := newRowsCursor(rows, s.pool.decoder)
	if err != nil {
		return nil, err
	}
	var buffered []merge.Row
	for cur.Next() {
		buffered = append(buffered, cur.At())
	}
	if err := errors.Join(cur.Err(), cur.Close()); err != nil {
		return nil, err
	}
	return merge.NewSliceCursor(cur.Columns(), buffered), nil
}

func (s *memorySession) Close() error {
	s.closed.Store(true)
	return nil
}

// rowsCursor decodes *sql.Rows into merge rows.
type rowsCursor struct {
	rows    *sql.Rows
	columns []string
	types   []string
	decoder typeconv.Decoder
	cur     merge.Row
	err     error
}

func newRowsCursor(rows *sql.Rows, decoder typeconv.Decoder) (*rowsCursor, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Join(err, rows.Close())
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.Join(err, rows.Close())
	}
	types := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		types[i] = ct.DatabaseTypeName()
	}
	return &rowsCursor{rows: rows, columns: columns, types: types, decoder: decoder}, nil
}

func (c *rowsCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		if c.err == nil {
			c.err = c.rows.Err()
		}
		c.cur = nil
		return false
	}
	values := make([]any, len(c.columns))
	dest := make([]any, len(c.columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := c.rows.Scan(dest...); err != nil {
		c.err = err
		return false
	}
	for i, v := range values {
		decoded, err := c.decoder.Decode(v, c.types[i])
		if err != nil {
			c.err = fmt.Errorf("column %s: %w", c.columns[i], err)
			return false
		}
		values[i] = decoded
	}
	c.cur = values
	return true
}

func (c *rowsCursor) At() merge.Row     { return c.cur }
func (c *rowsCursor) Columns() []string { return c.columns }
func (c *rowsCursor) Err() error        { return c.err }
func (c *rowsCursor) Close() error      { return c.rows.Close() }
