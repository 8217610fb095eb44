// Package route maps sharding keys and WHERE predicates onto the physical
// data sources and tables that can hold the matching rows.
package route

import (
	"slices"
	"strings"
	"sync"
)

// Unit is one physical target of a query: a data source and the tail of
// the physical table in it. The empty tail means the table is not sharded.
type Unit struct {
	DataSource string
	Tail       string
}

func (u Unit) String() string {
	if u.Tail == "" {
		return u.DataSource
	}
	return u.DataSource + "." + u.Tail
}

// DataSourceResult is the output of a data-source route.
type DataSourceResult struct {
	Names []string
}

// Result is the final, composed set of units a query runs against.
// Units are deduplicated and sorted, so iteration order is stable.
type Result struct {
	Units   []Unit
	IsEmpty bool
}

// NewResult builds a result from units, deduplicating and sorting them.
func NewResult(units []Unit) Result {
	seen := make(map[Unit]struct{}, len(units))
	out := make([]Unit, 0, len(units))
	for _, u := range units {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b Unit) int {
		if c := strings.Compare(a.DataSource, b.DataSource); c != 0 {
			return c
		}
		return strings.Compare(a.Tail, b.Tail)
	})
	return Result{Units: out, IsEmpty: len(out) == 0}
}

// DataSources returns the distinct data sources in unit order.
func (r Result) DataSources() []string {
	var out []string
	for _, u := range r.Units {
		if !slices.Contains(out, u.DataSource) {
			out = append(out, u.DataSource)
		}
	}
	return out
}

// Tails returns the distinct tails in unit order.
func (r Result) Tails() []string {
	var out []string
	for _, u := range r.Units {
		if !slices.Contains(out, u.Tail) {
			out = append(out, u.Tail)
		}
	}
	return out
}

func (r Result) IsCrossDataSource() bool {
	return len(r.DataSources()) > 1
}

// IsCrossTable is true when some data source is hit on more than one table.
func (r Result) IsCrossTable() bool {
	perDS := make(map[string]int)
	for _, u := range r.Units {
		perDS[u.DataSource]++
		if perDS[u.DataSource] > 1 {
			return true
		}
	}
	return false
}

// PhysicalTables records which physical tables actually exist, keyed by
// entity, data source and tail. It is safe for concurrent use.
type PhysicalTables struct {
	sync.RWMutex
	tables map[string]map[Unit]struct{}
}

func NewPhysicalTables() *PhysicalTables {
	return &PhysicalTables{tables: make(map[string]map[Unit]struct{})}
}

// Add registers a physical table. It returns false if it was already known.
func (p *PhysicalTables) Add(entity string, unit Unit) bool {
	p.Lock()
	defer p.Unlock()
	k := strings.ToLower(entity)
	units, ok := p.tables[k]
	if !ok {
		units = make(map[Unit]struct{})
		p.tables[k] = units
	}
	if _, ok := units[unit]; ok {
		return false
	}
	units[unit] = struct{}{}
	return true
}

func (p *PhysicalTables) Contains(entity string, unit Unit) bool {
	p.RLock()
	defer p.RUnlock()
	_, ok := p.tables[strings.ToLower(entity)][unit]
	return ok
}

// Tails returns the sorted tails of entity that exist in dataSource.
func (p *PhysicalTables) Tails(entity, dataSource string) []string {
	p.RLock()
	defer p.RUnlock()
	var out []string
	for u := range p.tables[strings.ToLower(entity)] {
		if u.DataSource == dataSource {
			out = append(out, u.Tail)
		}
	}
	slices.Sort(out)
	return out
}

// Compose combines a data-source result with the units of a table route.
// Units outside the data-source result, or whose physical table is not
// registered, are dropped. An empty composition is marked IsEmpty.
func Compose(entity string, ds DataSourceResult, units []Unit, physical *PhysicalTables) Result {
	var kept []Unit
	for _, u := range units {
		if !slices.Contains(ds.Names, u.DataSource) {
			continue
		}
		if physical != nil && !physical.Contains(entity, u) {
			continue
		}
		kept = append(kept, u)
	}
	return NewResult(kept)
}
