package merge

import (
	"container/heap"
	"context"
	"errors"
	"slices"
)

// SliceCursor iterates over buffered rows.
type SliceCursor struct {
	columns []string
	rows    []Row
	pos     int
	closed  bool
}

var _ Cursor = &SliceCursor{}

func NewSliceCursor(columns []string, rows []Row) *SliceCursor {
	return &SliceCursor{columns: columns, rows: rows, pos: -1}
}

func (c *SliceCursor) Next() bool {
	if c.closed || c.pos+1 >= len(c.rows) {
		c.pos = len(c.rows)
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) At() Row {
	if c.pos < 0 || c.pos >= len(c.rows) {
		return nil
	}
	return c.rows[c.pos]
}

func (c *SliceCursor) Columns() []string { return c.columns }
func (c *SliceCursor) Err() error        { return nil }

func (c *SliceCursor) Close() error {
	c.closed = true
	c.rows = nil
	return nil
}

// drain reads a cursor to completion.
func drain(ctx context.Context, cur Cursor) (*SliceCursor, error) {
	var rows []Row
	for cur.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows = append(rows, cur.At())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return NewSliceCursor(cur.Columns(), rows), nil
}

// concatCursor reads its cursors one after another, closing each as soon
// as it is exhausted.
type concatCursor struct {
	ctx     context.Context
	cursors []Cursor
	pos     int
	cur     Row
	err     error
}

func newConcatCursor(ctx context.Context, cursors []Cursor) *concatCursor {
	return &concatCursor{ctx: ctx, cursors: cursors}
}

func (c *concatCursor) Next() bool {
	if c.err != nil {
		return false
	}
	for c.pos < len(c.cursors) {
		if err := c.ctx.Err(); err != nil {
			c.err = err
			return false
		}
		cur := c.cursors[c.pos]
		if cur.Next() {
			c.cur = cur.At()
			return true
		}
		if err := cur.Err(); err != nil {
			c.err = err
			return false
		}
		if err := cur.Close(); err != nil {
			c.err = err
			return false
		}
		c.pos++
	}
	c.cur = nil
	return false
}

func (c *concatCursor) At() Row { return c.cur }

func (c *concatCursor) Columns() []string {
	if len(c.cursors) == 0 {
		return nil
	}
	return c.cursors[0].Columns()
}

func (c *concatCursor) Err() error { return c.err }

func (c *concatCursor) Close() error {
	var errs []error
	for ; c.pos < len(c.cursors); c.pos++ {
		errs = append(errs, c.cursors[c.pos].Close())
	}
	return errors.Join(errs...)
}

type heapEntry struct {
	cursor Cursor
	index  int // route unit position, breaks ties
}

type cursorHeap struct {
	entries []heapEntry
	cmp     *rowComparator
	err     error
}

func (h *cursorHeap) Len() int      { return len(h.entries) }
func (h *cursorHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }

func (h *cursorHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	c, err := h.cmp.compare(a.cursor.At(), b.cursor.At())
	if err != nil && h.err == nil {
		h.err = err
	}
	if c != 0 {
		return c < 0
	}
	return a.index < b.index
}

func (h *cursorHeap) Push(x any) { h.entries = append(h.entries, x.(heapEntry)) }

func (h *cursorHeap) Pop() any {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries = h.entries[:n-1]
	return e
}

// heapCursor is a k-way merge of cursors that are each already sorted by
// the same orders. Equal rows keep route unit order, so the merge is stable.
type heapCursor struct {
	ctx        context.Context
	cursors    []Cursor
	heap       *cursorHeap
	cur        Row
	err        error
	prefetched bool
}

func newHeapCursor(ctx context.Context, cursors []Cursor, cmp *rowComparator) *heapCursor {
	return &heapCursor{
		ctx:     ctx,
		cursors: cursors,
		heap:    &cursorHeap{cmp: cmp, entries: make([]heapEntry, 0, len(cursors))},
	}
}

func (c *heapCursor) prefetch() {
	c.prefetched = true
	for i, cur := range c.cursors {
		if cur.Next() {
			c.heap.entries = append(c.heap.entries, heapEntry{cursor: cur, index: i})
			continue
		}
		if err := cur.Err(); err != nil {
			c.err = err
			return
		}
	}
	heap.Init(c.heap)
	c.err = c.heap.err
}

func (c *heapCursor) Next() bool {
	if !c.prefetched {
		c.prefetch()
	}
	if c.err != nil {
		return false
	}
	if err := c.ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.heap.Len() == 0 {
		c.cur = nil
		return false
	}
	top := c.heap.entries[0]
	c.cur = top.cursor.At()
	if top.cursor.Next() {
		heap.Fix(c.heap, 0)
	} else {
		heap.Pop(c.heap)
		if err := top.cursor.Err(); err != nil {
			c.err = err
			return false
		}
	}
	if c.heap.err != nil {
		c.err = c.heap.err
		return false
	}
	return true
}

func (c *heapCursor) At() Row { return c.cur }

func (c *heapCursor) Columns() []string {
	if len(c.cursors) == 0 {
		return nil
	}
	return c.cursors[0].Columns()
}

func (c *heapCursor) Err() error { return c.err }

func (c *heapCursor) Close() error {
	var errs []error
	for _, cur := range c.cursors {
		errs = append(errs, cur.Close())
	}
	c.heap.entries = nil
	return errors.Join(errs...)
}

// windowCursor applies skip and take over a merged stream, strips hidden
// trailing columns and counts the rows it hands out.
type windowCursor struct {
	Cursor
	skip, take int64 // take < 0 means unbounded
	visible    int
	emitted    int64
	onRow      func()
}

func newWindowCursor(inner Cursor, skip, take *int64, hidden int, onRow func()) *windowCursor {
	w := &windowCursor{Cursor: inner, take: -1, onRow: onRow}
	if skip != nil {
		w.skip = *skip
	}
	if take != nil {
		w.take = *take
	}
	w.visible = len(inner.Columns()) - hidden
	if w.visible < 0 {
		w.visible = 0
	}
	return w
}

func (w *windowCursor) Next() bool {
	if w.take >= 0 && w.emitted >= w.take {
		return false
	}
	for w.skip > 0 {
		if !w.Cursor.Next() {
			return false
		}
		w.skip--
	}
	if !w.Cursor.Next() {
		return false
	}
	w.emitted++
	if w.onRow != nil {
		w.onRow()
	}
	return true
}

func (w *windowCursor) At() Row {
	row := w.Cursor.At()
	if row == nil || len(row) <= w.visible {
		return row
	}
	return slices.Clip(row[:w.visible])
}

func (w *windowCursor) Columns() []string {
	cols := w.Cursor.Columns()
	if len(cols) <= w.visible {
		return cols
	}
	return cols[:w.visible]
}
