package merge

import (
	"context"
)

func int64Ptr(v int64) *int64 { return &v }

// emptyCursor is the result of a query that does not need to run.
func emptyCursor(columns []string) Cursor {
	return NewSliceCursor(columns, nil)
}

// ListEngine merges the rows of every unit into one stream. Shards that
// return ordered rows are merged with a k-way heap, everything else is
// concatenated in route order. Skip and take apply to the merged stream.
type ListEngine struct {
	c *StreamMergeContext
}

func NewListEngine(c *StreamMergeContext) *ListEngine {
	return &ListEngine{c: c}
}

// MergeResult executes the query and returns the merged stream. The
// cursor must be closed, and the context disposed, by the caller.
func (e *ListEngine) MergeResult(ctx context.Context) (Cursor, error) {
	c := e.c
	if err := c.begin(); err != nil {
		return nil, err
	}
	ok, err := c.TryPrepareExecute()
	if err != nil || !ok {
		return emptyCursor(nil), c.finish(err)
	}
	cur, err := c.merged(ctx, c.ConnectionMode(len(c.route.Units)))
	if err != nil {
		return nil, c.finish(err)
	}
	return cur, c.finish(nil)
}

// UnionAllEngine concatenates the rows of every unit. It is only used
// when nothing depends on row order, so it always buffers shards and
// never holds more than MaxQueryConnectionsLimit connections.
type UnionAllEngine struct {
	c *StreamMergeContext
}

func NewUnionAllEngine(c *StreamMergeContext) *UnionAllEngine {
	c.unionAll = true
	return &UnionAllEngine{c: c}
}

func (e *UnionAllEngine) MergeResult(ctx context.Context) (Cursor, error) {
	c := e.c
	if err := c.begin(); err != nil {
		return nil, err
	}
	ok, err := c.TryPrepareExecute()
	if err != nil || !ok {
		return emptyCursor(nil), c.finish(err)
	}
	c.ResetOrders(nil)
	cur, err := c.merged(ctx, c.ConnectionMode(len(c.route.Units)))
	if err != nil {
		return nil, c.finish(err)
	}
	return cur, c.finish(nil)
}

// FirstEngine returns the first row of the merged sequence, after skip.
// Every shard is asked for at most skip+1 rows.
type FirstEngine struct {
	c         *StreamMergeContext
	orDefault bool
}

// NewFirstEngine returns an engine that fails with ErrNoElements on an
// empty sequence.
func NewFirstEngine(c *StreamMergeContext) *FirstEngine {
	return &FirstEngine{c: c}
}

// NewFirstOrDefaultEngine returns an engine that yields a nil row on an
// empty sequence.
func NewFirstOrDefaultEngine(c *StreamMergeContext) *FirstEngine {
	return &FirstEngine{c: c, orDefault: true}
}

func (e *FirstEngine) MergeResult(ctx context.Context) (Row, error) {
	c := e.c
	if err := c.begin(); err != nil {
		return nil, err
	}
	ok, err := c.TryPrepareExecute()
	if err != nil {
		return nil, c.finish(err)
	}
	if !ok {
		return nil, c.finish(e.empty())
	}
	c.ResetTake(int64Ptr(1))
	row, found, err := first(ctx, c)
	if err != nil {
		return nil, c.finish(err)
	}
	if !found {
		return nil, c.finish(e.empty())
	}
	return row, c.finish(nil)
}

func (e *FirstEngine) empty() error {
	if e.orDefault {
		return nil
	}
	return ErrNoElements
}

// first reads one row of the merged stream and releases it.
func first(ctx context.Context, c *StreamMergeContext) (Row, bool, error) {
	cur, err := c.merged(ctx, c.ConnectionMode(len(c.route.Units)))
	if err != nil {
		return nil, false, err
	}
	defer closeCursor(c, cur)
	if cur.Next() {
		return cur.At(), true, nil
	}
	return nil, false, cur.Err()
}

func closeCursor(c *StreamMergeContext, cur Cursor) {
	if err := cur.Close(); err != nil {
		c.logger.Warn("failed to close merged cursor", "error", err)
	}
}

// LastEngine returns the last row of the merged sequence after skip. The
// sequence has a last row only if it holds more than skip rows.
//
// Without a take, the orders are reversed and each shard is asked for
// skip+1 rows: the first merged row is the answer, and fewer than skip+1
// merged rows means the skipped sequence is empty. With a take, or with
// orders that cannot be reversed, the window is scanned forward.
type LastEngine struct {
	c         *StreamMergeContext
	orDefault bool
}

func NewLastEngine(c *StreamMergeContext) *LastEngine {
	return &LastEngine{c: c}
}

func NewLastOrDefaultEngine(c *StreamMergeContext) *LastEngine {
	return &LastEngine{c: c, orDefault: true}
}

func (e *LastEngine) MergeResult(ctx context.Context) (Row, error) {
	c := e.c
	if err := c.begin(); err != nil {
		return nil, err
	}
	ok, err := c.TryPrepareExecute()
	if err != nil {
		return nil, c.finish(err)
	}
	if !ok {
		return nil, c.finish(e.empty())
	}
	var (
		row   Row
		found bool
	)
	if c.take == nil && len(c.orders) > 0 && c.orders.CanReverse() {
		row, found, err = e.reversed(ctx)
	} else {
		row, found, err = e.scan(ctx)
	}
	if err != nil {
		return nil, c.finish(err)
	}
	if !found {
		return nil, c.finish(e.empty())
	}
	return row, c.finish(nil)
}

func (e *LastEngine) empty() error {
	if e.orDefault {
		return nil
	}
	return ErrNoElements
}

func (e *LastEngine) reversed(ctx context.Context) (Row, bool, error) {
	c := e.c
	var skip int64
	if c.skip != nil {
		skip = *c.skip
	}
	c.ReverseOrder()
	c.ResetSkip(nil)
	c.ResetTake(int64Ptr(skip + 1))
	cur, err := c.merged(ctx, c.ConnectionMode(len(c.route.Units)))
	if err != nil {
		return nil, false, err
	}
	defer closeCursor(c, cur)
	var (
		last  Row
		count int64
	)
	for cur.Next() {
		if count == 0 {
			last = cur.At()
		}
		count++
	}
	if err := cur.Err(); err != nil {
		return nil, false, err
	}
	return last, count >= skip+1, nil
}

func (e *LastEngine) scan(ctx context.Context) (Row, bool, error) {
	c := e.c
	cur, err := c.merged(ctx, c.ConnectionMode(len(c.route.Units)))
	if err != nil {
		return nil, false, err
	}
	defer closeCursor(c, cur)
	var (
		last  Row
		found bool
	)
	for cur.Next() {
		last, found = cur.At(), true
	}
	if err := cur.Err(); err != nil {
		return nil, false, err
	}
	return last, found, nil
}
