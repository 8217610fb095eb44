package route

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	"github.com/pingcap/tidb/pkg/parser/test_driver"
)

// ParamResolver returns the bound value of a ? parameter marker.
type ParamResolver func(marker *test_driver.ParamMarkerExpr) (any, error)

// Predicate is a WHERE clause as seen by one entity of a query.
type Predicate struct {
	Expr ast.ExprNode
	// Qualifiers are the table names and aliases that refer to the entity.
	// A qualified column only counts if its qualifier is in the list.
	// An empty list accepts any qualifier.
	Qualifiers []string
	Params     ParamResolver
}

// BuildFilter evaluates a predicate against the sharding column of a
// route. The result over-approximates: anything it cannot interpret
// (other columns, functions, NOT, sub-queries) matches every target.
// A literal the strategy cannot interpret for its key type is an
// ErrRouting error.
func BuildFilter(p Predicate, column string, s Strategy) (Filter, error) {
	if p.Expr == nil || column == "" {
		return matchAll, nil
	}
	b := &filterBuilder{p: p, column: strings.ToLower(column), strategy: s}
	return b.build(p.Expr)
}

type filterBuilder struct {
	p        Predicate
	column   string
	strategy Strategy
}

func (b *filterBuilder) build(expr ast.ExprNode) (Filter, error) {
	switch e := expr.(type) {
	case *ast.ParenthesesExpr:
		return b.build(e.Expr)
	case *ast.BinaryOperationExpr:
		return b.binary(e)
	case *ast.PatternInExpr:
		if e.Not || e.Sel != nil || !b.isShardingColumn(e.Expr) {
			return matchAll, nil
		}
		var f Filter = matchNone
		for _, item := range e.List {
			v, ok, err := b.value(item)
			if err != nil {
				return nil, err
			}
			if !ok {
				return matchAll, nil
			}
			if v == nil {
				// NULL is never IN a list.
				continue
			}
			eq, err := b.keyFilter(v, OpEQ)
			if err != nil {
				return nil, err
			}
			f = or(f, eq)
		}
		return f, nil
	case *ast.BetweenExpr:
		if e.Not || !b.isShardingColumn(e.Expr) {
			return matchAll, nil
		}
		lo, okLo, err := b.value(e.Left)
		if err != nil {
			return nil, err
		}
		hi, okHi, err := b.value(e.Right)
		if err != nil {
			return nil, err
		}
		f := Filter(matchAll)
		if okLo && lo != nil {
			ge, err := b.keyFilter(lo, OpGE)
			if err != nil {
				return nil, err
			}
			f = and(f, ge)
		}
		if okHi && hi != nil {
			le, err := b.keyFilter(hi, OpLE)
			if err != nil {
				return nil, err
			}
			f = and(f, le)
		}
		return f, nil
	}
	return matchAll, nil
}

func (b *filterBuilder) binary(e *ast.BinaryOperationExpr) (Filter, error) {
	switch e.Op {
	case opcode.LogicAnd, opcode.LogicOr:
		l, err := b.build(e.L)
		if err != nil {
			return nil, err
		}
		r, err := b.build(e.R)
		if err != nil {
			return nil, err
		}
		if e.Op == opcode.LogicAnd {
			return and(l, r), nil
		}
		return or(l, r), nil
	}
	op, ok := comparison(e.Op)
	if !ok {
		return matchAll, nil
	}
	other := e.R
	if !b.isShardingColumn(e.L) {
		if !b.isShardingColumn(e.R) {
			return matchAll, nil
		}
		other, op = e.L, op.flip()
	}
	v, ok, err := b.value(other)
	if err != nil {
		return nil, err
	}
	if !ok || v == nil {
		// col = NULL and col <=> NULL do not narrow anything useful.
		return matchAll, nil
	}
	return b.keyFilter(v, op)
}

func (b *filterBuilder) keyFilter(v any, op Op) (Filter, error) {
	f, err := b.strategy.KeyFilter(v, op)
	if err != nil {
		return nil, fmt.Errorf("predicate on %s %s %v: %w", b.column, op, v, err)
	}
	return f, nil
}

func comparison(op opcode.Op) (Op, bool) {
	switch op {
	case opcode.EQ, opcode.NullEQ:
		return OpEQ, true
	case opcode.LT:
		return OpLT, true
	case opcode.LE:
		return OpLE, true
	case opcode.GT:
		return OpGT, true
	case opcode.GE:
		return OpGE, true
	}
	return 0, false
}

func (b *filterBuilder) isShardingColumn(expr ast.ExprNode) bool {
	col, ok := expr.(*ast.ColumnNameExpr)
	if !ok || col.Name == nil || col.Name.Name.L != b.column {
		return false
	}
	if col.Name.Table.L == "" || len(b.p.Qualifiers) == 0 {
		return true
	}
	return slices.ContainsFunc(b.p.Qualifiers, func(q string) bool {
		return strings.EqualFold(q, col.Name.Table.O)
	})
}

// value resolves a literal or parameter marker. ok is false for anything
// that is not a constant, i.e. a column or function call.
func (b *filterBuilder) value(expr ast.ExprNode) (any, bool, error) {
	switch e := expr.(type) {
	case *ast.ParenthesesExpr:
		return b.value(e.Expr)
	case *test_driver.ParamMarkerExpr:
		if b.p.Params == nil {
			return nil, false, fmt.Errorf("%w: no arguments bound for parameter marker", ErrRouting)
		}
		v, err := b.p.Params(e)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrRouting, err)
		}
		return v, true, nil
	case *test_driver.ValueExpr:
		return LiteralValue(e), true, nil
	}
	return nil, false, nil
}

// LiteralValue returns the Go value of a SQL literal. Decimal literals are
// returned in their string form.
func LiteralValue(e *test_driver.ValueExpr) any {
	v := e.Datum.GetValue()
	if d, ok := v.(*test_driver.MyDecimal); ok {
		return d.String()
	}
	return v
}

// NewParamResolver binds args to the ? markers of stmt by their textual
// position.
func NewParamResolver(stmt ast.Node, args []any) ParamResolver {
	c := &markerCollector{}
	stmt.Accept(c)
	slices.SortFunc(c.markers, func(a, b *test_driver.ParamMarkerExpr) int {
		return a.Offset - b.Offset
	})
	index := make(map[*test_driver.ParamMarkerExpr]int, len(c.markers))
	for i, m := range c.markers {
		index[m] = i
	}
	return func(marker *test_driver.ParamMarkerExpr) (any, error) {
		i, ok := index[marker]
		if !ok {
			return nil, errors.New("parameter marker does not belong to the statement")
		}
		if i >= len(args) {
			return nil, fmt.Errorf("parameter %d has no bound argument (%d given)", i+1, len(args))
		}
		return args[i], nil
	}
}

// CountParams returns the number of ? markers in node.
func CountParams(node ast.Node) int {
	c := &markerCollector{}
	node.Accept(c)
	return len(c.markers)
}

type markerCollector struct {
	markers []*test_driver.ParamMarkerExpr
}

func (c *markerCollector) Enter(in ast.Node) (ast.Node, bool) {
	if m, ok := in.(*test_driver.ParamMarkerExpr); ok {
		c.markers = append(c.markers, m)
	}
	return in, false
}

func (c *markerCollector) Leave(in ast.Node) (ast.Node, bool) {
	return in, true
}
