package query

import (
	"strings"

	"github.com/block/shardmerge/pkg/merge"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
)

var aggregateFuncs = map[string]merge.AggregateFunc{
	ast.AggFuncCount: merge.AggCount,
	ast.AggFuncSum:   merge.AggSum,
	ast.AggFuncAvg:   merge.AggAvg,
	ast.AggFuncMin:   merge.AggMin,
	ast.AggFuncMax:   merge.AggMax,
}

// countAggregates counts the select fields that are a mergeable aggregate
// and those that are not. Any other use of an aggregate, or a DISTINCT
// aggregate, restricts the statement to a single unit.
func (s *Statement) countAggregates() (aggs, plain int) {
	for _, f := range s.stmt.Fields.Fields {
		if f.WildCard != nil {
			plain++
			continue
		}
		if agg, ok := f.Expr.(*ast.AggregateFuncExpr); ok {
			if _, known := aggregateFuncs[strings.ToLower(agg.F)]; known {
				aggs++
				if agg.Distinct && s.singleUnit == "" {
					s.singleUnit = strings.ToUpper(agg.F) + "(DISTINCT)"
				}
				continue
			}
		}
		if containsAggregate(f.Expr) && s.singleUnit == "" {
			s.singleUnit = "expression over an aggregate"
		}
		plain++
	}
	return aggs, plain
}

// rewriteAggregates turns every AVG into a partial SUM in place and a
// partial COUNT appended to the select list.
func (s *Statement) rewriteAggregates() error {
	fields := s.stmt.Fields.Fields
	n := len(fields)
	for i := range n {
		f := fields[i]
		agg := f.Expr.(*ast.AggregateFuncExpr)
		name, err := fieldName(f)
		if err != nil {
			return err
		}
		fn := aggregateFuncs[strings.ToLower(agg.F)]
		a := merge.Aggregate{Func: fn, Name: name, Column: i}
		if fn == merge.AggAvg {
			f.Expr = &ast.AggregateFuncExpr{F: ast.AggFuncSum, Args: agg.Args}
			fields = append(fields, &ast.SelectField{
				Expr: &ast.AggregateFuncExpr{F: ast.AggFuncCount, Args: agg.Args},
			})
			a.CountColumn = len(fields) - 1
		}
		s.aggregates = append(s.aggregates, a)
	}
	s.stmt.Fields.Fields = fields
	// the partial rows carry a single row per shard.
	s.stmt.OrderBy = nil
	s.origOrderBy = nil
	return nil
}

// fieldName is the column name of a select field: its alias, or the
// expression as written.
func fieldName(f *ast.SelectField) (string, error) {
	if f.AsName.O != "" {
		return f.AsName.O, nil
	}
	var sb strings.Builder
	if err := f.Expr.Restore(format.NewRestoreCtx(format.RestoreKeyWordUppercase|format.RestoreStringSingleQuotes, &sb)); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func containsAggregate(node ast.Node) bool {
	v := &aggregateFinder{}
	node.Accept(v)
	return v.found
}

type aggregateFinder struct {
	found bool
}

func (v *aggregateFinder) Enter(in ast.Node) (ast.Node, bool) {
	if _, ok := in.(*ast.AggregateFuncExpr); ok {
		v.found = true
		return in, true
	}
	return in, false
}

func (v *aggregateFinder) Leave(in ast.Node) (ast.Node, bool) {
	return in, true
}
