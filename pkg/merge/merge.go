// Package merge executes a routed query against every route unit and
// merges the per-shard streams back into one result, while bounding the
// number of shard connections held open at once.
package merge

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/block/shardmerge/pkg/route"
)

var (
	// ErrRouteNotMatch is returned when a query routes to no physical
	// table and ThrowIfQueryRouteNotMatch is set.
	ErrRouteNotMatch = errors.New("query route not match")
	// ErrNoElements is returned by First and Last on an empty sequence.
	ErrNoElements = errors.New("sequence contains no elements")
	// ErrUnsupportedAggregate is returned for aggregates that cannot be
	// combined from per-shard partial results.
	ErrUnsupportedAggregate = errors.New("unsupported cross-shard aggregate")
)

// Row is one result row. Rows returned by a Cursor are owned by the
// caller and are never reused.
type Row []any

// Cursor is a pull iterator over rows.
type Cursor interface {
	// Next advances to the next row. It returns false when the cursor is
	// exhausted or failed; check Err to tell them apart.
	Next() bool
	At() Row
	Columns() []string
	Err() error
	Close() error
}

// Session is a connection-bound handle on one route unit.
type Session interface {
	ID() string
	Unit() route.Unit
	Query(ctx context.Context, query string, args ...any) (Cursor, error)
	Close() error
}

// SessionFactory opens sessions against route units.
type SessionFactory interface {
	Open(ctx context.Context, unit route.Unit, mode ConnectionMode) (Session, error)
}

// Plan renders the statement a route unit runs.
type Plan interface {
	// Render returns the statement and arguments for unit, ordered by
	// orders and limited to limit rows (nil means no limit).
	Render(unit route.Unit, orders Orders, limit *int64) (string, []any, error)
}

// ConnectionMode is the execution strategy of a merge.
type ConnectionMode int

const (
	// SystemAuto picks ConnectionStrictly when every unit fits in the
	// connection budget and MemoryStrictly otherwise.
	SystemAuto ConnectionMode = iota
	// MemoryStrictly reads each shard to completion, releases its
	// connection, then merges the buffered rows.
	MemoryStrictly
	// ConnectionStrictly holds one open cursor per shard and merges lazily.
	ConnectionStrictly
)

func (m ConnectionMode) String() string {
	switch m {
	case SystemAuto:
		return "auto"
	case MemoryStrictly:
		return "memory_strictly"
	case ConnectionStrictly:
		return "connection_strictly"
	}
	return "unknown"
}

// ParseConnectionMode parses the configuration form of a mode.
func ParseConnectionMode(s string) (ConnectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "system_auto":
		return SystemAuto, nil
	case "memory_strictly":
		return MemoryStrictly, nil
	case "connection_strictly":
		return ConnectionStrictly, nil
	}
	return SystemAuto, fmt.Errorf("unknown connection mode %q", s)
}

// Options are the merge settings consumed from configuration.
type Options struct {
	MaxQueryConnectionsLimit  int
	ThrowIfQueryRouteNotMatch bool
	EnableParallelQuery       bool
	ConnectionMode            ConnectionMode
}

func NewOptions() Options {
	return Options{
		MaxQueryConnectionsLimit:  runtime.NumCPU(),
		ThrowIfQueryRouteNotMatch: true,
		EnableParallelQuery:       true,
		ConnectionMode:            SystemAuto,
	}
}

func (o Options) limit() int {
	if o.MaxQueryConnectionsLimit < 1 {
		return 1
	}
	return o.MaxQueryConnectionsLimit
}

// SelectConnectionMode decides how a merge over units route units runs.
// Non-parallel and union-all queries always run MemoryStrictly. An
// explicit ConnectionStrictly request still falls back to MemoryStrictly
// when there are more units than limit.
func SelectConnectionMode(requested ConnectionMode, units, limit int, parallel, unionAll bool) ConnectionMode {
	if limit < 1 {
		limit = 1
	}
	if !parallel || unionAll {
		return MemoryStrictly
	}
	switch requested {
	case MemoryStrictly:
		return MemoryStrictly
	case ConnectionStrictly, SystemAuto:
		if units <= limit {
			return ConnectionStrictly
		}
	}
	return MemoryStrictly
}
