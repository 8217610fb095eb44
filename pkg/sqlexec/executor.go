// Package sqlexec runs shard queries over database/sql connection pools.
// It is the merge.SessionFactory used at runtime.
package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/block/shardmerge/pkg/dbconn"
	"github.com/block/shardmerge/pkg/merge"
	"github.com/block/shardmerge/pkg/query"
	"github.com/block/shardmerge/pkg/route"
	"github.com/block/shardmerge/pkg/typeconv"
	"github.com/block/shardmerge/pkg/utils"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

var (
	// ErrUnknownDataSource is returned for units on data sources that
	// were never added.
	ErrUnknownDataSource = errors.New("unknown data source")
	errExecutorClosed    = errors.New("executor is closed")
)

const releaseTimeout = 3 * time.Second

// DataSource is a named database.
type DataSource struct {
	Name   string
	Driver string
	DSN    string
}

type Config struct {
	DBConfig *dbconn.DBConfig
	// PrefetchWorkers bounds how many shards the whole process reads into
	// memory at once for MemoryStrictly sessions.
	PrefetchWorkers int
	Logger          *slog.Logger
}

type pool struct {
	name    string
	driver  string
	db      *sql.DB
	dialect query.Dialect
	decoder typeconv.Decoder
	owned   bool
}

// Executor owns one pool per data source and opens sessions on them.
type Executor struct {
	sync.RWMutex
	config  *dbconn.DBConfig
	logger  *slog.Logger
	pools   map[string]*pool
	workers *ants.Pool
	closed  bool
}

var _ merge.SessionFactory = &Executor{}

func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.DBConfig == nil {
		cfg.DBConfig = dbconn.NewDBConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PrefetchWorkers <= 0 {
		cfg.PrefetchWorkers = runtime.NumCPU() * 2
	}
	e := &Executor{
		config: cfg.DBConfig,
		logger: cfg.Logger,
		pools:  make(map[string]*pool),
	}
	workers, err := ants.NewPool(cfg.PrefetchWorkers, ants.WithPanicHandler(func(v any) {
		e.logger.Error("shard prefetch panic", "panic", v)
	}))
	if err != nil {
		return nil, err
	}
	e.workers = workers
	return e, nil
}

// AddDataSource opens the pool of a data source. The executor closes it.
func (e *Executor) AddDataSource(ds DataSource) error {
	dialect, err := query.DialectFor(ds.Driver)
	if err != nil {
		return err
	}
	db, err := dbconn.New(ds.Driver, ds.DSN, e.config)
	if err != nil {
		return fmt.Errorf("could not connect to data source %s: %w", ds.Name, err)
	}
	if err := e.add(&pool{name: ds.Name, driver: ds.Driver, db: db, dialect: dialect, decoder: typeconv.GetDecoder(ds.Driver), owned: true}); err != nil {
		utils.ErrInErr(db.Close())
		return err
	}
	e.logger.Info("added data source", "name", ds.Name, "driver", ds.Driver)
	return nil
}

// Register adds a pool opened by the caller, who stays responsible for
// closing it.
func (e *Executor) Register(name, driver string, db *sql.DB) error {
	dialect, err := query.DialectFor(driver)
	if err != nil {
		return err
	}
	return e.add(&pool{name: name, driver: driver, db: db, dialect: dialect, decoder: typeconv.GetDecoder(driver)})
}

func (e *Executor) add(p *pool) error {
	if p.name == "" {
		return errors.New("data source name is required")
	}
	e.Lock()
	defer e.Unlock()
	if e.closed {
		return errExecutorClosed
	}
	if _, ok := e.pools[p.name]; ok {
		return fmt.Errorf("data source %q is already registered", p.name)
	}
	e.pools[p.name] = p
	return nil
}

func (e *Executor) pool(name string) (*pool, error) {
	e.RLock()
	defer e.RUnlock()
	if e.closed {
		return nil, errExecutorClosed
	}
	p, ok := e.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataSource, name)
	}
	return p, nil
}

// DataSources returns the registered data source names, sorted.
func (e *Executor) DataSources() []string {
	e.RLock()
	defer e.RUnlock()
	names := make([]string, 0, len(e.pools))
	for name := range e.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DB returns the pool of a data source and its driver name.
func (e *Executor) DB(name string) (*sql.DB, string, error) {
	p, err := e.pool(name)
	if err != nil {
		return nil, "", err
	}
	return p.db, p.driver, nil
}

// Dialect returns the SQL dialect of a data source.
func (e *Executor) Dialect(name string) (query.Dialect, error) {
	p, err := e.pool(name)
	if err != nil {
		return query.Dialect{}, err
	}
	return p.dialect, nil
}

// Open opens a session on a unit. ConnectionStrictly sessions pin a
// connection of the pool until they are closed. MemoryStrictly sessions
// read each result set to completion on the prefetch workers.
func (e *Executor) Open(ctx context.Context, unit route.Unit, mode merge.ConnectionMode) (merge.Session, error) {
	p, err := e.pool(unit.DataSource)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if mode == merge.ConnectionStrictly {
		conn, err := dbconn.RetryableConn(ctx, p.db, e.config)
		if err != nil {
			return nil, err
		}
		return &connSession{id: id, unit: unit, pool: p, conn: conn, config: e.config}, nil
	}
	return &memorySession{id: id, unit: unit, pool: p, workers: e.workers, config: e.config}, nil
}

// Close closes the pools the executor opened and stops the prefetch
// workers.
func (e *Executor) Close() error {
	e.Lock()
	if e.closed {
		e.Unlock()
		return nil
	}
	e.closed = true
	pools := e.pools
	e.pools = nil
	e.Unlock()

	var errs []error
	for _, p := range pools {
		if p.owned {
			if err := p.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close data source %s: %w", p.name, err))
			}
		}
	}
	if err := e.workers.ReleaseTimeout(releaseTimeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
