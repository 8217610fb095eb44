package route

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/block/shardmerge/pkg/metadata"
)

// Target is one entity of a query together with the predicate it is
// filtered by.
type Target struct {
	Entity    string
	Predicate Predicate
}

// Router holds the data-source and table routes of every sharded entity
// and composes them into route results.
type Router struct {
	sync.RWMutex
	meta        *metadata.Manager
	physical    *PhysicalTables
	dataSources map[string]*DataSourceRoute
	tables      map[string]*TableRoute
}

func NewRouter(meta *metadata.Manager, physical *PhysicalTables) *Router {
	return &Router{
		meta:        meta,
		physical:    physical,
		dataSources: make(map[string]*DataSourceRoute),
		tables:      make(map[string]*TableRoute),
	}
}

// Physical returns the physical table registry used for composition.
func (r *Router) Physical() *PhysicalTables {
	return r.physical
}

// AddDataSourceRoute initializes and registers the data-source route of entity.
func (r *Router) AddDataSourceRoute(entity string, route *DataSourceRoute) error {
	meta, err := r.meta.Get(entity)
	if err != nil {
		return err
	}
	r.Lock()
	defer r.Unlock()
	k := strings.ToLower(entity)
	if _, ok := r.dataSources[k]; ok {
		return fmt.Errorf("data source route of %s: %w", entity, metadata.ErrAlreadyInitialized)
	}
	if err := route.Initialize(meta); err != nil {
		return err
	}
	r.dataSources[k] = route
	return nil
}

// AddTableRoute initializes and registers the table route of entity.
func (r *Router) AddTableRoute(entity string, route *TableRoute) error {
	meta, err := r.meta.Get(entity)
	if err != nil {
		return err
	}
	r.Lock()
	defer r.Unlock()
	k := strings.ToLower(entity)
	if _, ok := r.tables[k]; ok {
		return fmt.Errorf("table route of %s: %w", entity, metadata.ErrAlreadyInitialized)
	}
	if err := route.Initialize(meta); err != nil {
		return err
	}
	r.tables[k] = route
	return nil
}

func (r *Router) routes(meta *metadata.EntityMetadata) (*DataSourceRoute, *TableRoute, error) {
	r.RLock()
	defer r.RUnlock()
	k := strings.ToLower(meta.Entity)
	ds, tbl := r.dataSources[k], r.tables[k]
	if meta.IsShardingDataSource() && ds == nil {
		return nil, nil, fmt.Errorf("entity %s is sharded by data source but has no data source route", meta.Entity)
	}
	if meta.IsShardingTable() && tbl == nil {
		return nil, nil, fmt.Errorf("entity %s is sharded by table but has no table route", meta.Entity)
	}
	return ds, tbl, nil
}

// DataSourceNames returns every data source the entity can live in.
func (r *Router) DataSourceNames(entity string) ([]string, error) {
	meta, err := r.meta.Get(entity)
	if err != nil {
		return nil, err
	}
	ds, _, err := r.routes(meta)
	if err != nil {
		return nil, err
	}
	if ds == nil {
		return []string{meta.DefaultDataSource}, nil
	}
	return ds.GetAllDataSourceNames(), nil
}

// Tails returns every tail of the entity. Unsharded tables have the
// single empty tail.
func (r *Router) Tails(entity string) ([]string, error) {
	meta, err := r.meta.Get(entity)
	if err != nil {
		return nil, err
	}
	_, tbl, err := r.routes(meta)
	if err != nil {
		return nil, err
	}
	if tbl == nil {
		return []string{""}, nil
	}
	return tbl.GetTails(), nil
}

// AddDataSource registers a runtime-provisioned data source with every
// data-source route. It returns the entities that did not know it yet.
func (r *Router) AddDataSource(name string) []string {
	r.RLock()
	defer r.RUnlock()
	var added []string
	for entity, ds := range r.dataSources {
		if ds.AddDataSourceName(name) {
			added = append(added, entity)
		}
	}
	slices.Sort(added)
	return added
}

// RouteEntity routes one entity: data sources first, then tables within
// them, then composition against the physical tables that exist.
func (r *Router) RouteEntity(entity string, p Predicate, isQuery bool) (Result, error) {
	meta, err := r.meta.Get(entity)
	if err != nil {
		return Result{}, err
	}
	dsRoute, tblRoute, err := r.routes(meta)
	if err != nil {
		return Result{}, err
	}
	ds := DataSourceResult{Names: []string{meta.DefaultDataSource}}
	if dsRoute != nil {
		if ds.Names, err = dsRoute.RouteWithPredicate(p, isQuery); err != nil {
			return Result{}, err
		}
	}
	var units []Unit
	if tblRoute != nil {
		if units, err = tblRoute.RouteWithPredicate(ds, p, isQuery); err != nil {
			return Result{}, err
		}
	} else {
		for _, name := range ds.Names {
			units = append(units, Unit{DataSource: name})
		}
	}
	return Compose(entity, ds, units, r.physical), nil
}

// RouteQuery routes every entity of a query and intersects the results.
// Entities sharded by table must share their tails (binding tables);
// the other entities only constrain the data sources.
func (r *Router) RouteQuery(targets []Target, isQuery bool) (Result, error) {
	if len(targets) == 0 {
		return Result{}, fmt.Errorf("%w: query has no tables", ErrRouting)
	}
	var (
		units    []Unit
		seeded   bool
		dsFilter [][]string
	)
	for _, target := range targets {
		res, err := r.RouteEntity(target.Entity, target.Predicate, isQuery)
		if err != nil {
			return Result{}, err
		}
		if !r.meta.IsShardingTable(target.Entity) {
			dsFilter = append(dsFilter, res.DataSources())
			continue
		}
		if !seeded {
			units, seeded = res.Units, true
			continue
		}
		units = slices.DeleteFunc(units, func(u Unit) bool {
			return !slices.Contains(res.Units, u)
		})
	}
	if !seeded {
		// no table sharded entity: one unit per common data source.
		for _, name := range dsFilter[0] {
			units = append(units, Unit{DataSource: name})
		}
	}
	for _, names := range dsFilter {
		units = slices.DeleteFunc(units, func(u Unit) bool {
			return !slices.Contains(names, u.DataSource)
		})
	}
	result := NewResult(units)
	if !isQuery && len(result.Units) != 1 {
		return Result{}, fmt.Errorf("%w: write must route to exactly one unit, got %d", ErrRouting, len(result.Units))
	}
	return result, nil
}
