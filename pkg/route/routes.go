package route

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/block/shardmerge/pkg/metadata"
)

var errNotInitialized = errors.New("route is not initialized")

// DataSourceRoute maps keys and predicates of one entity to data source names.
type DataSourceRoute struct {
	sync.RWMutex
	strategy Strategy
	meta     *metadata.EntityMetadata
	names    []string
}

func NewDataSourceRoute(strategy Strategy) *DataSourceRoute {
	return &DataSourceRoute{strategy: strategy}
}

// Initialize binds the route to its entity. It may only be called once.
func (r *DataSourceRoute) Initialize(meta *metadata.EntityMetadata) error {
	r.Lock()
	defer r.Unlock()
	if r.meta != nil {
		return fmt.Errorf("data source route of %s: %w", meta.Entity, metadata.ErrAlreadyInitialized)
	}
	if !meta.IsShardingDataSource() {
		return fmt.Errorf("entity %s is not sharded by data source", meta.Entity)
	}
	r.meta = meta
	r.names = r.strategy.Targets()
	return nil
}

func (r *DataSourceRoute) entity() (*metadata.EntityMetadata, error) {
	r.RLock()
	defer r.RUnlock()
	if r.meta == nil {
		return nil, errNotInitialized
	}
	return r.meta, nil
}

// RouteWithValue maps one sharding key value to its data source.
func (r *DataSourceRoute) RouteWithValue(key any) (string, error) {
	if _, err := r.entity(); err != nil {
		return "", err
	}
	name, err := r.strategy.KeyToTarget(key)
	if err != nil {
		return "", err
	}
	r.RLock()
	defer r.RUnlock()
	if !slices.Contains(r.names, name) {
		return "", fmt.Errorf("%w: data source %q is not registered", ErrUnmappedKey, name)
	}
	return name, nil
}

// RouteWithPredicate returns the data sources that can hold rows matching
// the predicate. Outside of a query exactly one data source must match.
func (r *DataSourceRoute) RouteWithPredicate(p Predicate, isQuery bool) ([]string, error) {
	meta, err := r.entity()
	if err != nil {
		return nil, err
	}
	filter, err := BuildFilter(p, meta.ShardingDataSourceProperty, r.strategy)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range r.GetAllDataSourceNames() {
		if filter(name) {
			out = append(out, name)
		}
	}
	if !isQuery && len(out) != 1 {
		return nil, fmt.Errorf("%w: %s write must route to exactly one data source, got %d", ErrRouting, meta.Entity, len(out))
	}
	return out, nil
}

func (r *DataSourceRoute) GetAllDataSourceNames() []string {
	r.RLock()
	defer r.RUnlock()
	return slices.Clone(r.names)
}

// AddDataSourceName registers a data source provisioned at runtime.
// It returns false if the name was already known.
func (r *DataSourceRoute) AddDataSourceName(name string) bool {
	r.Lock()
	defer r.Unlock()
	if slices.Contains(r.names, name) {
		return false
	}
	r.names = append(r.names, name)
	slices.Sort(r.names)
	return true
}

// TableRoute maps keys and predicates of one entity to table tails.
type TableRoute struct {
	sync.RWMutex
	strategy Strategy
	meta     *metadata.EntityMetadata
	tails    []string
}

func NewTableRoute(strategy Strategy) *TableRoute {
	return &TableRoute{strategy: strategy}
}

// Initialize binds the route to its entity. It may only be called once.
func (r *TableRoute) Initialize(meta *metadata.EntityMetadata) error {
	r.Lock()
	defer r.Unlock()
	if r.meta != nil {
		return fmt.Errorf("table route of %s: %w", meta.Entity, metadata.ErrAlreadyInitialized)
	}
	if !meta.IsShardingTable() {
		return fmt.Errorf("entity %s is not sharded by table", meta.Entity)
	}
	r.meta = meta
	r.tails = r.strategy.Targets()
	return nil
}

func (r *TableRoute) entity() (*metadata.EntityMetadata, error) {
	r.RLock()
	defer r.RUnlock()
	if r.meta == nil {
		return nil, errNotInitialized
	}
	return r.meta, nil
}

func (r *TableRoute) GetTails() []string {
	r.RLock()
	defer r.RUnlock()
	return slices.Clone(r.tails)
}

// RouteWithValue maps one sharding key to the table of the single data
// source in ds.
func (r *TableRoute) RouteWithValue(ds DataSourceResult, key any) (Unit, error) {
	if _, err := r.entity(); err != nil {
		return Unit{}, err
	}
	if len(ds.Names) != 1 {
		return Unit{}, fmt.Errorf("%w: routing a value needs exactly one data source, got %d", ErrRouting, len(ds.Names))
	}
	tail, err := r.strategy.KeyToTarget(key)
	if err != nil {
		return Unit{}, err
	}
	if !slices.Contains(r.GetTails(), tail) {
		return Unit{}, fmt.Errorf("%w: tail %q is not registered", ErrUnmappedKey, tail)
	}
	return Unit{DataSource: ds.Names[0], Tail: tail}, nil
}

// RouteWithPredicate returns one unit per data source in ds and tail that
// can hold rows matching the predicate. Outside of a query exactly one
// unit must match.
func (r *TableRoute) RouteWithPredicate(ds DataSourceResult, p Predicate, isQuery bool) ([]Unit, error) {
	meta, err := r.entity()
	if err != nil {
		return nil, err
	}
	filter, err := BuildFilter(p, meta.ShardingTableProperty, r.strategy)
	if err != nil {
		return nil, err
	}
	var units []Unit
	for _, name := range ds.Names {
		for _, tail := range r.GetTails() {
			if filter(tail) {
				units = append(units, Unit{DataSource: name, Tail: tail})
			}
		}
	}
	if !isQuery && len(units) != 1 {
		return nil, fmt.Errorf("%w: %s write must route to exactly one table, got %d", ErrRouting, meta.Entity, len(units))
	}
	return units, nil
}
