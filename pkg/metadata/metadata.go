// Package metadata describes which logical entities are sharded, and how.
package metadata

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrAlreadyInitialized is returned when an entity or route is
	// configured twice. It is a fatal configuration error.
	ErrAlreadyInitialized = errors.New("already initialized")
	// ErrUnknownEntity is returned by Get for entities that were never added.
	ErrUnknownEntity = errors.New("unknown entity")
)

// DefaultTableSeparator joins the logical table name and the tail.
const DefaultTableSeparator = "_"

// EntityMetadata is the sharding descriptor of one logical table.
// An entity with neither sharding property is a plain table that lives
// in DefaultDataSource.
type EntityMetadata struct {
	Entity                     string
	ShardingTableProperty      string // column the table route shards on
	ShardingDataSourceProperty string // column the data-source route shards on
	TableSeparator             string
	DefaultDataSource          string

	// AutoCreateTable and AutoCreateDataSourceTable are tri-state: nil
	// means "not configured", see NeedCreateTable.
	AutoCreateTable           *bool
	AutoCreateDataSourceTable *bool

	// CreateTableSQL is a DDL template where {table} is replaced by the
	// quoted physical table name.
	CreateTableSQL string
}

func (m *EntityMetadata) IsShardingTable() bool {
	return m.ShardingTableProperty != ""
}

func (m *EntityMetadata) IsShardingDataSource() bool {
	return m.ShardingDataSourceProperty != ""
}

// IsSharding is true when the entity is sharded by table, data source or both.
func (m *EntityMetadata) IsSharding() bool {
	return m.IsShardingTable() || m.IsShardingDataSource()
}

// PhysicalTableName returns the physical table for a tail.
// The empty tail is the unsharded table itself.
func (m *EntityMetadata) PhysicalTableName(tail string) string {
	if tail == "" {
		return m.Entity
	}
	sep := m.TableSeparator
	if sep == "" {
		sep = DefaultTableSeparator
	}
	return m.Entity + sep + tail
}

// Validate checks the descriptor is usable.
func (m *EntityMetadata) Validate() error {
	if m.Entity == "" {
		return errors.New("entity name is required")
	}
	if strings.ContainsAny(m.Entity, " .`\"") {
		return fmt.Errorf("entity %q contains illegal characters", m.Entity)
	}
	if !m.IsShardingDataSource() && m.DefaultDataSource == "" {
		return fmt.Errorf("entity %q is not sharded by data source and has no default data source", m.Entity)
	}
	return nil
}

// NeedCreateTable resolves whether missing physical tables of the entity
// should be created at start up. An explicit AutoCreateTable wins, then
// AutoCreateDataSourceTable, then the global createOnStart option.
func NeedCreateTable(m *EntityMetadata, createOnStart bool) bool {
	if m.AutoCreateTable != nil {
		return *m.AutoCreateTable
	}
	if m.AutoCreateDataSourceTable != nil {
		return *m.AutoCreateDataSourceTable
	}
	return createOnStart
}

// Manager is the registry of entity descriptors. Entries are immutable
// once added, and the manager is safe for concurrent use.
type Manager struct {
	sync.RWMutex
	entities map[string]*EntityMetadata
}

func NewManager() *Manager {
	return &Manager{entities: make(map[string]*EntityMetadata)}
}

func key(entity string) string {
	return strings.ToLower(entity)
}

// Add registers a descriptor. Adding the same entity twice is an error.
func (m *Manager) Add(meta *EntityMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	k := key(meta.Entity)
	if _, ok := m.entities[k]; ok {
		return fmt.Errorf("entity %q: %w", meta.Entity, ErrAlreadyInitialized)
	}
	cp := *meta
	m.entities[k] = &cp
	return nil
}

// Get returns the descriptor of an entity, or ErrUnknownEntity.
func (m *Manager) Get(entity string) (*EntityMetadata, error) {
	meta, ok := m.TryGet(entity)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	return meta, nil
}

// TryGet returns the descriptor and whether it exists.
func (m *Manager) TryGet(entity string) (*EntityMetadata, bool) {
	m.RLock()
	defer m.RUnlock()
	meta, ok := m.entities[key(entity)]
	return meta, ok
}

func (m *Manager) IsSharding(entity string) bool {
	meta, ok := m.TryGet(entity)
	return ok && meta.IsSharding()
}

func (m *Manager) IsShardingTable(entity string) bool {
	meta, ok := m.TryGet(entity)
	return ok && meta.IsShardingTable()
}

func (m *Manager) IsShardingDataSource(entity string) bool {
	meta, ok := m.TryGet(entity)
	return ok && meta.IsShardingDataSource()
}

// Entities returns every registered descriptor sorted by entity name.
func (m *Manager) Entities() []*EntityMetadata {
	m.RLock()
	defer m.RUnlock()
	out := make([]*EntityMetadata, 0, len(m.entities))
	for _, meta := range m.entities {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}
