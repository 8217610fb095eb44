package merge

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// AggregateFunc is a scalar aggregate that can be combined across shards.
type AggregateFunc int

const (
	AggCount AggregateFunc = iota
	AggSum
	AggMin
	AggMax
	AggAvg
)

func (f AggregateFunc) String() string {
	switch f {
	case AggCount:
		return "COUNT"
	case AggSum:
		return "SUM"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	case AggAvg:
		return "AVG"
	}
	return "UNKNOWN"
}

// Aggregate is one output column of an aggregate query. Column is the
// position of its partial result in each shard row. An AVG is computed
// from a partial SUM at Column and a partial COUNT at CountColumn.
type Aggregate struct {
	Func        AggregateFunc
	Name        string
	Column      int
	CountColumn int
}

// AggregateEngine combines the single partial row of every shard into the
// final aggregate row: counts and sums add up, min and max take the
// extreme, and averages are the sum of sums over the sum of counts.
type AggregateEngine struct {
	c *StreamMergeContext
}

func NewAggregateEngine(c *StreamMergeContext) *AggregateEngine {
	return &AggregateEngine{c: c}
}

func (e *AggregateEngine) MergeResult(ctx context.Context) (Row, error) {
	c := e.c
	if err := c.begin(); err != nil {
		return nil, err
	}
	if len(c.aggregates) == 0 {
		return nil, c.finish(fmt.Errorf("%w: query has no aggregates", ErrUnsupportedAggregate))
	}
	names := make([]string, len(c.aggregates))
	for i, agg := range c.aggregates {
		names[i] = agg.Name
	}
	c.setColumns(names)
	ok, err := c.TryPrepareExecute()
	if err != nil {
		return nil, c.finish(err)
	}
	var partials []Row
	if ok {
		// Every shard returns one row, so order and pagination do not
		// apply to the shard queries.
		cursors, err := c.execute(ctx, c.ConnectionMode(len(c.route.Units)), nil, nil)
		if err != nil {
			return nil, c.finish(err)
		}
		cur := newConcatCursor(ctx, cursors)
		for cur.Next() {
			partials = append(partials, cur.At())
		}
		closeCursor(c, cur)
		if err := cur.Err(); err != nil {
			return nil, c.finish(err)
		}
	}
	row, err := ReduceAggregates(c.aggregates, partials)
	if err != nil {
		return nil, c.finish(err)
	}
	c.rows.Add(1)
	return row, c.finish(nil)
}

// ReduceAggregates folds per-shard partial rows into the final row. With
// no partials COUNT is 0 and every other aggregate is NULL.
func ReduceAggregates(aggs []Aggregate, partials []Row) (Row, error) {
	out := make(Row, len(aggs))
	for i, agg := range aggs {
		v, err := reduce(agg, partials)
		if err != nil {
			return nil, fmt.Errorf("%s(%s): %w", agg.Func, agg.Name, err)
		}
		out[i] = v
	}
	return out, nil
}

type numericKind int

const (
	kindInt numericKind = iota
	kindFloat
	kindDecimal
)

// sumColumn adds up a column, ignoring NULLs. seen is false when every
// partial was NULL.
func sumColumn(partials []Row, col int) (decimal.Decimal, numericKind, bool, error) {
	sum := decimal.Zero
	kind := kindInt
	seen := false
	for _, row := range partials {
		if col >= len(row) {
			return sum, kind, false, fmt.Errorf("partial column %d out of range", col)
		}
		v := row[col]
		if v == nil {
			continue
		}
		d, k, err := toDecimal(v)
		if err != nil {
			return sum, kind, false, err
		}
		kind = max(kind, k)
		sum = sum.Add(d)
		seen = true
	}
	return sum, kind, seen, nil
}

func reduce(agg Aggregate, partials []Row) (any, error) {
	switch agg.Func {
	case AggCount:
		sum, _, _, err := sumColumn(partials, agg.Column)
		if err != nil {
			return nil, err
		}
		return sum.IntPart(), nil
	case AggSum:
		sum, kind, seen, err := sumColumn(partials, agg.Column)
		if err != nil || !seen {
			return nil, err
		}
		return fromDecimal(sum, kind), nil
	case AggAvg:
		sum, kind, seen, err := sumColumn(partials, agg.Column)
		if err != nil || !seen {
			return nil, err
		}
		count, _, _, err := sumColumn(partials, agg.CountColumn)
		if err != nil {
			return nil, err
		}
		if count.IsZero() {
			return nil, nil
		}
		avg := sum.Div(count)
		if kind == kindDecimal {
			return avg, nil
		}
		return avg.InexactFloat64(), nil
	case AggMin, AggMax:
		var best any
		for _, row := range partials {
			if agg.Column >= len(row) {
				return nil, fmt.Errorf("partial column %d out of range", agg.Column)
			}
			v := row[agg.Column]
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			cmp, err := CompareValues(v, best)
			if err != nil {
				return nil, err
			}
			if (agg.Func == AggMin && cmp < 0) || (agg.Func == AggMax && cmp > 0) {
				best = v
			}
		}
		return best, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedAggregate, agg.Func)
}

func toDecimal(v any) (decimal.Decimal, numericKind, error) {
	if _, ok := asInt64(v); ok {
		d, _ := asDecimal(v)
		return d, kindInt, nil
	}
	switch x := v.(type) {
	case uint, uint64:
		d, _ := asDecimal(x)
		return d, kindInt, nil
	case float32, float64:
		d, ok := asDecimal(x)
		if !ok {
			return decimal.Zero, kindFloat, fmt.Errorf("cannot aggregate %v", x)
		}
		return d, kindFloat, nil
	case decimal.Decimal:
		return x, kindDecimal, nil
	case string:
		d, err := decimal.NewFromString(x)
		return d, kindDecimal, err
	case []byte:
		d, err := decimal.NewFromString(string(x))
		return d, kindDecimal, err
	}
	return decimal.Zero, kindInt, fmt.Errorf("cannot aggregate value of type %T", v)
}

func fromDecimal(d decimal.Decimal, kind numericKind) any {
	switch kind {
	case kindInt:
		if d.IsInteger() {
			return d.IntPart()
		}
		return d
	case kindFloat:
		return d.InexactFloat64()
	}
	return d
}
