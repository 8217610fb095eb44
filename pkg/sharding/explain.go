package sharding

import (
	"fmt"
	"strings"

	"github.com/block/shardmerge/pkg/merge"
	"github.com/block/shardmerge/pkg/query"
	"github.com/block/shardmerge/pkg/route"
)

// ShardQuery is the statement one unit runs.
type ShardQuery struct {
	Unit route.Unit
	SQL  string
	Args []any
}

// Plan describes how a query would run, without running it.
type Plan struct {
	Kind        query.Kind
	Passthrough bool
	Mode        merge.ConnectionMode
	Orders      merge.Orders
	Skip, Take  *int64
	Shards      []ShardQuery
}

// Explain routes and renders a query the way Query would run it. The
// connection mode and the pushed-down limit come from the same merge
// context Query builds, which is never executed.
func (r *Runtime) Explain(sql string, args ...any) (*Plan, error) {
	p, mc, err := r.newContext(sql, args)
	if err != nil {
		return nil, err
	}
	units := len(p.route.Units)
	plan := &Plan{
		Kind:        p.stmt.Kind(),
		Passthrough: p.stmt.IsPassthrough(),
		Mode:        mc.ConnectionMode(units),
		Orders:      mc.Orders(),
		Skip:        mc.Skip(),
		Take:        mc.Take(),
	}
	if mc.TakeZeroNoQueryExecute() {
		return plan, nil
	}
	limit := mc.PaginationPushdownTake()
	for _, unit := range p.route.Units {
		stmt, args, err := mc.Plan().Render(unit, plan.Orders, limit)
		if err != nil {
			return nil, err
		}
		plan.Shards = append(plan.Shards, ShardQuery{Unit: unit, SQL: stmt, Args: args})
	}
	return plan, nil
}

func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "kind: %s\n", p.Kind)
	if p.Passthrough {
		sb.WriteString("passthrough: true\n")
	}
	fmt.Fprintf(&sb, "connection mode: %s\n", p.Mode)
	if len(p.Orders) > 0 {
		fmt.Fprintf(&sb, "orders: %s\n", p.Orders)
	}
	if p.Skip != nil {
		fmt.Fprintf(&sb, "skip: %d\n", *p.Skip)
	}
	if p.Take != nil {
		fmt.Fprintf(&sb, "take: %d\n", *p.Take)
	}
	fmt.Fprintf(&sb, "units: %d\n", len(p.Shards))
	for _, s := range p.Shards {
		fmt.Fprintf(&sb, "  %s: %s", s.Unit, s.SQL)
		if len(s.Args) > 0 {
			fmt.Fprintf(&sb, " %v", s.Args)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
