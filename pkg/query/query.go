// Package query parses a SELECT against logical tables and turns it into
// what the router and the merge engines need: the routed entities and
// their predicate, the orders, pagination and aggregates, and a plan that
// renders the statement for each physical table.
package query

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/block/shardmerge/pkg/merge"
	"github.com/block/shardmerge/pkg/metadata"
	"github.com/block/shardmerge/pkg/route"
	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/test_driver"
)

// ErrUnsupportedStatement is returned for statements the merge layer
// cannot execute correctly.
var ErrUnsupportedStatement = errors.New("unsupported statement")

// Kind is the merge strategy a statement needs.
type Kind int

const (
	// KindUnionAll queries do not depend on order, pagination or
	// aggregation: shard rows are concatenated.
	KindUnionAll Kind = iota
	// KindOrdered queries have an ORDER BY, a LIMIT or both.
	KindOrdered
	// KindAggregate queries select only COUNT, SUM, AVG, MIN and MAX.
	KindAggregate
)

func (k Kind) String() string {
	switch k {
	case KindUnionAll:
		return "union_all"
	case KindOrdered:
		return "ordered"
	case KindAggregate:
		return "aggregate"
	}
	return "unknown"
}

// Entity is a table referenced in the FROM clause.
type Entity struct {
	Name       string   // logical table name, lower case
	Qualifiers []string // table name and alias
	Sharded    bool
}

type tableRef struct {
	entity string
	name   *ast.TableName
	source *ast.TableSource
}

// Statement is a parsed SELECT. Render may be called concurrently.
type Statement struct {
	sql     string
	args    []any
	meta    *metadata.Manager
	dialect Dialect
	stmt    *ast.SelectStmt
	params  route.ParamResolver
	markers map[*test_driver.ParamMarkerExpr]int

	entities []Entity
	tables   []tableRef

	kind       Kind
	orders     merge.Orders
	orderExprs map[string]ast.ExprNode
	skip, take *int64
	hidden     int
	aggregates []merge.Aggregate
	// singleUnit is why the statement can only run on one unit, if it
	// cannot be merged across shards.
	singleUnit string

	origOrderBy *ast.OrderByClause
	origLimit   *ast.Limit

	mu sync.Mutex
}

// Parse parses a single SELECT statement with its bound arguments.
// Tables that are not in meta are rendered unchanged.
func Parse(sql string, args []any, meta *metadata.Manager, dialect Dialect) (*Statement, error) {
	p := parser.New()
	node, err := p.ParseOneStmt(sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("could not parse query: %w", err)
	}
	sel, ok := node.(*ast.SelectStmt)
	if !ok {
		return nil, fmt.Errorf("%w: only SELECT statements can be merged", ErrUnsupportedStatement)
	}
	if sel.From == nil || sel.From.TableRefs == nil {
		return nil, fmt.Errorf("%w: query has no FROM clause", ErrUnsupportedStatement)
	}
	if n := route.CountParams(sel); n != len(args) {
		return nil, fmt.Errorf("query has %d parameters but %d arguments were given", n, len(args))
	}
	s := &Statement{
		sql:         sql,
		args:        args,
		meta:        meta,
		dialect:     dialect,
		stmt:        sel,
		params:      route.NewParamResolver(sel, args),
		markers:     markerIndex(sel),
		orderExprs:  make(map[string]ast.ExprNode),
		origOrderBy: sel.OrderBy,
		origLimit:   sel.Limit,
	}
	if err := s.collectTables(sel.From.TableRefs); err != nil {
		return nil, err
	}
	if hasSubquery(sel) {
		return nil, fmt.Errorf("%w: sub-queries are not supported", ErrUnsupportedStatement)
	}
	if err := s.analyze(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Statement) collectTables(node ast.ResultSetNode) error {
	switch n := node.(type) {
	case *ast.Join:
		if n.Left != nil {
			if err := s.collectTables(n.Left); err != nil {
				return err
			}
		}
		if n.Right != nil {
			return s.collectTables(n.Right)
		}
		return nil
	case *ast.TableSource:
		tn, ok := n.Source.(*ast.TableName)
		if !ok {
			return fmt.Errorf("%w: derived tables are not supported", ErrUnsupportedStatement)
		}
		name := tn.Name.L
		qualifiers := []string{tn.Name.O}
		if n.AsName.O != "" {
			qualifiers = append(qualifiers, n.AsName.O)
		}
		s.tables = append(s.tables, tableRef{entity: name, name: tn, source: n})
		for i, e := range s.entities {
			if e.Name == name {
				s.entities[i].Qualifiers = append(e.Qualifiers, qualifiers...)
				return nil
			}
		}
		s.entities = append(s.entities, Entity{
			Name:       name,
			Qualifiers: qualifiers,
			Sharded:    s.meta.IsSharding(name),
		})
		return nil
	}
	return fmt.Errorf("%w: unsupported table reference %T", ErrUnsupportedStatement, node)
}

func (s *Statement) analyze() error {
	sel := s.stmt
	switch {
	case sel.Distinct:
		s.singleUnit = "SELECT DISTINCT"
	case sel.GroupBy != nil:
		s.singleUnit = "GROUP BY"
	case sel.Having != nil:
		s.singleUnit = "HAVING"
	}
	if err := s.analyzeLimit(); err != nil {
		return err
	}
	aggs, plain := s.countAggregates()
	switch {
	case aggs > 0 && plain == 0 && s.singleUnit == "":
		if sel.Limit != nil {
			s.singleUnit = "LIMIT on an aggregate"
			break
		}
		if err := s.rewriteAggregates(); err != nil {
			return err
		}
		s.kind = KindAggregate
		return nil
	case aggs > 0 && s.singleUnit == "":
		s.singleUnit = "aggregates mixed with plain columns"
	}
	if s.singleUnit != "" {
		return nil
	}
	if err := s.analyzeOrders(); err != nil {
		return err
	}
	if len(s.orders) > 0 || s.skip != nil || s.take != nil {
		s.kind = KindOrdered
	}
	return nil
}

func (s *Statement) analyzeLimit() error {
	l := s.stmt.Limit
	if l == nil {
		return nil
	}
	take, err := s.constant(l.Count)
	if err != nil {
		return fmt.Errorf("LIMIT: %w", err)
	}
	s.take = &take
	if l.Offset != nil {
		skip, err := s.constant(l.Offset)
		if err != nil {
			return fmt.Errorf("OFFSET: %w", err)
		}
		s.skip = &skip
	}
	return nil
}

// constant resolves a LIMIT or OFFSET value.
func (s *Statement) constant(expr ast.ExprNode) (int64, error) {
	var v any
	switch e := expr.(type) {
	case *test_driver.ParamMarkerExpr:
		var err error
		if v, err = s.params(e); err != nil {
			return 0, err
		}
	case *test_driver.ValueExpr:
		v = route.LiteralValue(e)
	default:
		return 0, fmt.Errorf("%w: non constant limit", ErrUnsupportedStatement)
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}

func (s *Statement) analyzeOrders() error {
	if s.stmt.OrderBy == nil {
		return nil
	}
	for _, item := range s.stmt.OrderBy.Items {
		if _, ok := item.Expr.(*ast.ColumnNameExpr); !ok {
			s.singleUnit = "ORDER BY on an expression"
			return nil
		}
	}
	columns := make([]string, len(s.stmt.OrderBy.Items))
	for i, item := range s.stmt.OrderBy.Items {
		column, ambiguous := s.orderColumn(item.Expr.(*ast.ColumnNameExpr))
		if ambiguous {
			s.singleUnit = "ORDER BY on an ambiguous alias"
			return nil
		}
		columns[i] = column
	}
	for i, item := range s.stmt.OrderBy.Items {
		col := item.Expr.(*ast.ColumnNameExpr)
		property := col.Name.Name.O
		if col.Name.Table.O != "" {
			property = col.Name.Table.O + "." + property
		}
		column := columns[i]
		if column == "" {
			column = fmt.Sprintf("%s%d", hiddenPrefix, s.hidden)
			s.stmt.Fields.Fields = append(s.stmt.Fields.Fields, &ast.SelectField{Expr: col, AsName: ast.NewCIStr(column)})
			s.hidden++
		}
		s.orders = append(s.orders, merge.PropertyOrder{
			Property: property,
			Column:   column,
			Asc:      !item.Desc,
			Owner:    s.owner(col.Name.Table.O),
		})
		s.orderExprs[strings.ToLower(property)] = col
	}
	return nil
}

// hiddenPrefix names the columns that are only selected for the merge.
const hiddenPrefix = "_merge_order_"

// owner returns the entity a column qualifier refers to.
func (s *Statement) owner(qualifier string) string {
	if qualifier == "" {
		if len(s.entities) == 1 {
			return s.entities[0].Name
		}
		return ""
	}
	for _, e := range s.entities {
		if slices.ContainsFunc(e.Qualifiers, func(q string) bool { return strings.EqualFold(q, qualifier) }) {
			return e.Name
		}
	}
	return ""
}

// orderColumn returns the result column that holds the value of col, or
// "" when no selected field is that column. An unqualified name refers to
// a select alias first, as in MySQL; ambiguous is true when that alias is
// not unique.
func (s *Statement) orderColumn(col *ast.ColumnNameExpr) (column string, ambiguous bool) {
	fields := s.stmt.Fields.Fields
	names := make(map[string]int, len(fields))
	wildcard := false
	for _, f := range fields {
		if f.WildCard != nil {
			wildcard = true
			continue
		}
		names[strings.ToLower(resultName(f))]++
	}
	unique := func(name string) bool {
		return name != "" && !wildcard && names[strings.ToLower(name)] == 1
	}
	if col.Name.Table.L == "" {
		for _, f := range fields {
			if f.WildCard == nil && f.AsName.L == col.Name.Name.L {
				return f.AsName.O, !unique(f.AsName.O)
			}
		}
	}
	for _, f := range fields {
		c, ok := f.Expr.(*ast.ColumnNameExpr)
		if f.WildCard != nil || !ok || !s.sameColumn(c, col) {
			continue
		}
		if name := resultName(f); unique(name) {
			return name, false
		}
		return "", false
	}
	// SELECT * over a single table returns the column under its own name.
	if wildcard && len(fields) == 1 && len(s.entities) == 1 {
		return col.Name.Name.O, false
	}
	return "", false
}

// resultName is the name a field has in the result set, "" when the
// database picks it.
func resultName(f *ast.SelectField) string {
	if f.AsName.O != "" {
		return f.AsName.O
	}
	if c, ok := f.Expr.(*ast.ColumnNameExpr); ok {
		return c.Name.Name.O
	}
	return ""
}

// sameColumn is true when a and b name the same column of the same table.
func (s *Statement) sameColumn(a, b *ast.ColumnNameExpr) bool {
	if a.Name.Name.L != b.Name.Name.L {
		return false
	}
	if a.Name.Table.L == b.Name.Table.L {
		return true
	}
	owner := s.owner(a.Name.Table.O)
	return owner != "" && owner == s.owner(b.Name.Table.O)
}

func (s *Statement) SQL() string          { return s.sql }
func (s *Statement) Kind() Kind           { return s.kind }
func (s *Statement) Orders() merge.Orders { return s.orders }
func (s *Statement) Skip() *int64         { return s.skip }
func (s *Statement) Take() *int64         { return s.take }
func (s *Statement) HiddenColumns() int   { return s.hidden }
func (s *Statement) Entities() []Entity   { return s.entities }
func (s *Statement) Dialect() Dialect     { return s.dialect }
func (s *Statement) Aggregates() []merge.Aggregate {
	return s.aggregates
}

// EntityMap maps every queried entity to whether it is sharded.
func (s *Statement) EntityMap() map[string]bool {
	out := make(map[string]bool, len(s.entities))
	for _, e := range s.entities {
		out[e.Name] = e.Sharded
	}
	return out
}

// Targets returns the routed entities with the WHERE clause as their
// predicate. Tables that are not configured are not routed.
func (s *Statement) Targets() []route.Target {
	var targets []route.Target
	for _, e := range s.entities {
		if _, ok := s.meta.TryGet(e.Name); !ok {
			continue
		}
		targets = append(targets, route.Target{
			Entity: e.Name,
			Predicate: route.Predicate{
				Expr:       s.stmt.Where,
				Qualifiers: e.Qualifiers,
				Params:     s.params,
			},
		})
	}
	return targets
}

// CheckUnits returns ErrUnsupportedStatement when the statement needs a
// single unit but was routed to more than one.
func (s *Statement) CheckUnits(units int) error {
	if s.singleUnit != "" && units > 1 {
		return fmt.Errorf("%w: %s across %d shards", ErrUnsupportedStatement, s.singleUnit, units)
	}
	return nil
}

// IsPassthrough is true when the statement must be sent to its single
// unit as written, with ORDER BY and LIMIT left to the database.
func (s *Statement) IsPassthrough() bool {
	return s.singleUnit != ""
}

func hasSubquery(node ast.Node) bool {
	v := &subqueryFinder{}
	node.Accept(v)
	return v.found
}

type subqueryFinder struct {
	found bool
}

func (v *subqueryFinder) Enter(in ast.Node) (ast.Node, bool) {
	switch in.(type) {
	case *ast.SubqueryExpr, *ast.ExistsSubqueryExpr:
		v.found = true
		return in, true
	}
	return in, false
}

func (v *subqueryFinder) Leave(in ast.Node) (ast.Node, bool) {
	return in, true
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > 1<<63-1 {
			return 0, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("cannot use %v (%T) as a row count", v, v)
}
