// Package sharding is the entry point of shardmerge: it owns the entity
// metadata, the routes and the data sources, and runs SELECT statements
// against logical tables by routing, executing and merging them.
package sharding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/block/shardmerge/pkg/merge"
	"github.com/block/shardmerge/pkg/metadata"
	"github.com/block/shardmerge/pkg/metrics"
	"github.com/block/shardmerge/pkg/query"
	"github.com/block/shardmerge/pkg/route"
	"github.com/block/shardmerge/pkg/sqlexec"
)

// ErrNotInitialized is returned by queries before Initialize succeeded.
var ErrNotInitialized = errors.New("sharding runtime is not initialized")

type Config struct {
	Options merge.Options
	// CreateShardingTableOnStart is the global default of NeedCreateTable.
	CreateShardingTableOnStart bool
	// IgnoreCreateTableError logs table creation failures instead of
	// failing Initialize.
	IgnoreCreateTableError bool

	Executor *sqlexec.Executor
	Logger   *slog.Logger
	Metrics  metrics.Sink
}

// Runtime runs queries against logical tables. Entities are added, then
// Initialize registers their physical tables; after that the runtime is
// safe for concurrent use.
type Runtime struct {
	meta     *metadata.Manager
	physical *route.PhysicalTables
	router   *route.Router
	executor *sqlexec.Executor
	options  merge.Options

	createOnStart   bool
	ignoreCreateErr bool

	logger  *slog.Logger
	metrics metrics.Sink

	// owned is set when the runtime opened the executor itself.
	owned       bool
	initialized atomic.Bool
}

func New(cfg Config) (*Runtime, error) {
	if cfg.Executor == nil {
		return nil, errors.New("sharding runtime needs an executor")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &metrics.NoopSink{}
	}
	meta := metadata.NewManager()
	physical := route.NewPhysicalTables()
	return &Runtime{
		meta:            meta,
		physical:        physical,
		router:          route.NewRouter(meta, physical),
		executor:        cfg.Executor,
		options:         cfg.Options,
		createOnStart:   cfg.CreateShardingTableOnStart,
		ignoreCreateErr: cfg.IgnoreCreateTableError,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
	}, nil
}

// Metadata returns the entity registry.
func (r *Runtime) Metadata() *metadata.Manager { return r.meta }

// Router returns the router of the runtime.
func (r *Runtime) Router() *route.Router { return r.router }

// Executor returns the executor the runtime runs queries on.
func (r *Runtime) Executor() *sqlexec.Executor { return r.executor }

// AddEntity registers an entity with the strategies of its routes. A nil
// strategy means the entity is not sharded that way.
func (r *Runtime) AddEntity(meta *metadata.EntityMetadata, tableStrategy, dataSourceStrategy route.Strategy) error {
	if meta.IsShardingTable() != (tableStrategy != nil) {
		return fmt.Errorf("entity %s: a table strategy is needed exactly when it is sharded by table", meta.Entity)
	}
	if meta.IsShardingDataSource() != (dataSourceStrategy != nil) {
		return fmt.Errorf("entity %s: a data source strategy is needed exactly when it is sharded by data source", meta.Entity)
	}
	if err := r.meta.Add(meta); err != nil {
		return err
	}
	if dataSourceStrategy != nil {
		if err := r.router.AddDataSourceRoute(meta.Entity, route.NewDataSourceRoute(dataSourceStrategy)); err != nil {
			return err
		}
	}
	if tableStrategy != nil {
		if err := r.router.AddTableRoute(meta.Entity, route.NewTableRoute(tableStrategy)); err != nil {
			return err
		}
	}
	return nil
}

// Initialize registers the physical table of every entity on every unit
// it can route to, creating the tables of sharded entities where
// metadata.NeedCreateTable says so.
func (r *Runtime) Initialize(ctx context.Context) error {
	known := r.executor.DataSources()
	for _, meta := range r.meta.Entities() {
		names, err := r.router.DataSourceNames(meta.Entity)
		if err != nil {
			return err
		}
		for _, name := range names {
			if !slices.Contains(known, name) {
				return fmt.Errorf("entity %s routes to unknown data source %q", meta.Entity, name)
			}
		}
		if err := r.initializeEntity(ctx, meta, names); err != nil {
			return err
		}
	}
	r.initialized.Store(true)
	r.logger.Info("sharding runtime initialized", "entities", len(r.meta.Entities()), "data_sources", len(known))
	return nil
}

func (r *Runtime) initializeEntity(ctx context.Context, meta *metadata.EntityMetadata, dataSources []string) error {
	tails, err := r.router.Tails(meta.Entity)
	if err != nil {
		return err
	}
	var units []route.Unit
	for _, ds := range dataSources {
		for _, tail := range tails {
			unit := route.Unit{DataSource: ds, Tail: tail}
			if r.physical.Add(meta.Entity, unit) {
				units = append(units, unit)
			}
		}
	}
	if len(units) == 0 || !meta.IsSharding() || !metadata.NeedCreateTable(meta, r.createOnStart) {
		return nil
	}
	return r.executor.CreateTables(ctx, meta, units, r.ignoreCreateErr)
}

// AddDataSource adds a data source while the runtime is running. Every
// entity sharded by data source can route to it from then on, and its
// physical tables are registered and created like in Initialize.
func (r *Runtime) AddDataSource(ctx context.Context, ds sqlexec.DataSource) error {
	if err := r.executor.AddDataSource(ds); err != nil {
		return err
	}
	for _, entity := range r.router.AddDataSource(ds.Name) {
		meta, err := r.meta.Get(entity)
		if err != nil {
			return err
		}
		if err := r.initializeEntity(ctx, meta, []string{ds.Name}); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the executor if the runtime opened it.
func (r *Runtime) Close() error {
	if !r.owned {
		return nil
	}
	return r.executor.Close()
}

// prepared is a parsed and routed statement.
type prepared struct {
	stmt  *query.Statement
	route route.Result
}

func (r *Runtime) prepare(sql string, args []any) (*prepared, error) {
	if !r.initialized.Load() {
		return nil, ErrNotInitialized
	}
	stmt, err := query.Parse(sql, args, r.meta, query.MySQL)
	if err != nil {
		return nil, err
	}
	targets := stmt.Targets()
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: query references no configured entity", route.ErrRouting)
	}
	res, err := r.router.RouteQuery(targets, true)
	if err != nil {
		return nil, err
	}
	if err := stmt.CheckUnits(len(res.Units)); err != nil {
		return nil, err
	}
	dialect, err := r.dialect(res)
	if err != nil {
		return nil, err
	}
	stmt.SetDialect(dialect)
	r.logger.Debug("routed query", "kind", stmt.Kind().String(), "units", len(res.Units), "passthrough", stmt.IsPassthrough())
	return &prepared{stmt: stmt, route: res}, nil
}

// dialect returns the dialect shared by every data source of res.
func (r *Runtime) dialect(res route.Result) (query.Dialect, error) {
	dialect := query.MySQL
	for i, name := range res.DataSources() {
		d, err := r.executor.Dialect(name)
		if err != nil {
			return query.Dialect{}, err
		}
		if i > 0 && d.Name != dialect.Name {
			return query.Dialect{}, fmt.Errorf("%w: query spans %s and %s data sources", query.ErrUnsupportedStatement, dialect.Name, d.Name)
		}
		dialect = d
	}
	return dialect, nil
}

// mergeConfig is the merge context configuration of p.
func (r *Runtime) mergeConfig(p *prepared) merge.Config {
	cfg := merge.Config{
		Plan:          p.stmt,
		Route:         p.route,
		Skip:          p.stmt.Skip(),
		Take:          p.stmt.Take(),
		Orders:        p.stmt.Orders(),
		HiddenColumns: p.stmt.HiddenColumns(),
		Aggregates:    p.stmt.Aggregates(),
		Entities:      p.stmt.EntityMap(),
		UnionAll:      p.stmt.Kind() == query.KindUnionAll,
		Options:       r.options,
		Sessions:      r.executor,
		Logger:        r.logger,
		Metrics:       r.metrics,
	}
	if p.stmt.IsPassthrough() {
		// the database applies ORDER BY and LIMIT itself
		cfg.Plan = p.stmt.Passthrough()
		cfg.Skip, cfg.Take, cfg.Orders, cfg.HiddenColumns, cfg.Aggregates = nil, nil, nil, 0, nil
		cfg.UnionAll = false
	}
	return cfg
}

func (r *Runtime) newContext(sql string, args []any) (*prepared, *merge.StreamMergeContext, error) {
	p, err := r.prepare(sql, args)
	if err != nil {
		return nil, nil, err
	}
	mc, err := merge.NewStreamMergeContext(r.mergeConfig(p))
	if err != nil {
		return nil, nil, err
	}
	return p, mc, nil
}
