package query

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/block/shardmerge/pkg/merge"
	"github.com/block/shardmerge/pkg/route"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	"github.com/pingcap/tidb/pkg/parser/test_driver"
)

// Dialect is how statements are written for one kind of database.
type Dialect struct {
	Name  string
	Flags format.RestoreFlags
	// NumberedParams rewrites ? markers to $1, $2, ...
	NumberedParams bool
}

var (
	MySQL = Dialect{
		Name:  "mysql",
		Flags: format.RestoreKeyWordUppercase | format.RestoreNameBackQuotes | format.RestoreStringSingleQuotes | format.RestoreStringEscapeBackslash | format.RestoreStringWithoutCharset,
	}
	Postgres = Dialect{
		Name:           "postgres",
		Flags:          format.RestoreKeyWordUppercase | format.RestoreNameDoubleQuotes | format.RestoreStringSingleQuotes | format.RestoreStringWithoutCharset,
		NumberedParams: true,
	}
	SQLite = Dialect{
		Name:  "sqlite",
		Flags: format.RestoreKeyWordUppercase | format.RestoreNameBackQuotes | format.RestoreStringSingleQuotes | format.RestoreStringWithoutCharset,
	}
)

// DialectFor returns the dialect of a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "mysql":
		return MySQL, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("no SQL dialect for driver %q", driver)
}

var _ merge.Plan = &Statement{}

// SetDialect changes how the statement is rendered.
func (s *Statement) SetDialect(d Dialect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialect = d
}

// Render writes the statement for one unit: sharded tables are replaced
// by their physical table, aliased back to the logical name, and the
// ORDER BY and LIMIT clauses are replaced by orders and limit.
func (s *Statement) Render(unit route.Unit, orders merge.Orders, limit *int64) (string, []any, error) {
	var orderBy *ast.OrderByClause
	if len(orders) > 0 {
		orderBy = &ast.OrderByClause{}
		for _, o := range orders {
			expr, ok := s.orderExprs[strings.ToLower(o.Property)]
			if !ok {
				return "", nil, fmt.Errorf("cannot order on %q: not an order of the query", o.Property)
			}
			orderBy.Items = append(orderBy.Items, &ast.ByItem{Expr: expr, Desc: !o.Asc})
		}
	}
	var l *ast.Limit
	if limit != nil {
		l = &ast.Limit{Count: ast.NewValueExpr(*limit, "", "")}
	}
	return s.render(unit, orderBy, l)
}

// Passthrough returns a plan that sends the statement to a unit as it
// was written. It is used for statements that cannot be merged.
func (s *Statement) Passthrough() merge.Plan {
	return passthrough{s}
}

type passthrough struct {
	s *Statement
}

func (p passthrough) Render(unit route.Unit, _ merge.Orders, _ *int64) (string, []any, error) {
	return p.s.render(unit, p.s.origOrderBy, p.s.origLimit)
}

func (s *Statement) render(unit route.Unit, orderBy *ast.OrderByClause, limit *ast.Limit) (string, []any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel := s.stmt
	savedOrder, savedLimit := sel.OrderBy, sel.Limit
	sel.OrderBy, sel.Limit = orderBy, limit
	undo := s.substitute(unit)
	defer func() {
		sel.OrderBy, sel.Limit = savedOrder, savedLimit
		undo()
	}()

	var sb strings.Builder
	if err := sel.Restore(format.NewRestoreCtx(s.dialect.Flags, &sb)); err != nil {
		return "", nil, fmt.Errorf("could not render query for %s: %w", unit, err)
	}
	args, err := s.bind(sel)
	if err != nil {
		return "", nil, err
	}
	stmt := sb.String()
	if s.dialect.NumberedParams {
		stmt = numberParams(stmt)
	}
	return stmt, args, nil
}

// substitute points every table-sharded entity at its physical table for
// unit and returns a func that restores the logical names.
func (s *Statement) substitute(unit route.Unit) func() {
	var undo []func()
	for _, ref := range s.tables {
		meta, ok := s.meta.TryGet(ref.entity)
		if !ok || !meta.IsShardingTable() || unit.Tail == "" {
			continue
		}
		tn, ts := ref.name, ref.source
		name, alias := tn.Name, ts.AsName
		physical := tn.Name
		physical.O = meta.PhysicalTableName(unit.Tail)
		physical.L = strings.ToLower(physical.O)
		tn.Name = physical
		if alias.O == "" {
			ts.AsName = name
		}
		undo = append(undo, func() {
			tn.Name, ts.AsName = name, alias
		})
	}
	return func() {
		for _, u := range undo {
			u()
		}
	}
}

// bind returns the arguments of the markers left in node, in the order
// they are written.
func (s *Statement) bind(node ast.Node) ([]any, error) {
	c := &markerCollector{}
	node.Accept(c)
	if len(c.markers) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(c.markers))
	for _, m := range c.markers {
		i, ok := s.markers[m]
		if !ok || i >= len(s.args) {
			return nil, fmt.Errorf("parameter at offset %d has no bound argument", m.Offset)
		}
		args = append(args, s.args[i])
	}
	return args, nil
}

func markerIndex(node ast.Node) map[*test_driver.ParamMarkerExpr]int {
	c := &markerCollector{}
	node.Accept(c)
	markers := slices.Clone(c.markers)
	slices.SortFunc(markers, func(a, b *test_driver.ParamMarkerExpr) int {
		return a.Offset - b.Offset
	})
	index := make(map[*test_driver.ParamMarkerExpr]int, len(markers))
	for i, m := range markers {
		index[m] = i
	}
	return index
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

// numberParams rewrites ? markers outside of quotes to $1, $2, ...
func numberParams(stmt string) string {
	var (
		sb    strings.Builder
		quote byte
		n     int
	)
	for i := 0; i < len(stmt); i++ {
		ch := stmt[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
		case ch == '?':
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteByte(ch)
	}
	return sb.String()
}
