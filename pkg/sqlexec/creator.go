package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/block/shardmerge/pkg/dbconn"
	"github.com/block/shardmerge/pkg/metadata"
	"github.com/block/shardmerge/pkg/query"
	"github.com/block/shardmerge/pkg/route"
	"golang.org/x/sync/errgroup"
)

const tablePlaceholder = "{table}"

var errNoTemplate = errors.New("entity has no create_table_sql")

// CreateTableStatement fills the DDL template of meta with the quoted
// physical table of unit.
func CreateTableStatement(meta *metadata.EntityMetadata, unit route.Unit, dialect query.Dialect) (string, error) {
	if strings.TrimSpace(meta.CreateTableSQL) == "" {
		return "", fmt.Errorf("%w: %s", errNoTemplate, meta.Entity)
	}
	if !strings.Contains(meta.CreateTableSQL, tablePlaceholder) {
		return "", fmt.Errorf("create_table_sql of %s does not contain %s", meta.Entity, tablePlaceholder)
	}
	return strings.ReplaceAll(meta.CreateTableSQL, tablePlaceholder, QuoteName(dialect, meta.PhysicalTableName(unit.Tail))), nil
}

// QuoteName quotes an identifier for dialect.
func QuoteName(dialect query.Dialect, name string) string {
	if dialect.Name == query.Postgres.Name {
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// CreateTable creates the physical table of meta on unit.
func (e *Executor) CreateTable(ctx context.Context, meta *metadata.EntityMetadata, unit route.Unit) error {
	p, err := e.pool(unit.DataSource)
	if err != nil {
		return err
	}
	stmt, err := CreateTableStatement(meta, unit, p.dialect)
	if err != nil {
		return err
	}
	if err := dbconn.Exec(ctx, p.db, stmt); err != nil {
		return fmt.Errorf("could not create %s on %s: %w", meta.PhysicalTableName(unit.Tail), unit.DataSource, err)
	}
	e.logger.Info("created physical table", "entity", meta.Entity, "table", meta.PhysicalTableName(unit.Tail), "data_source", unit.DataSource)
	return nil
}

// CreateTables creates the physical tables of meta on units, a few at a
// time. With ignoreErrors set, failures are logged and skipped.
func (e *Executor) CreateTables(ctx context.Context, meta *metadata.EntityMetadata, units []route.Unit, ignoreErrors bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, unit := range units {
		g.Go(func() error {
			err := e.CreateTable(gctx, meta, unit)
			if err != nil && ignoreErrors {
				e.logger.Warn("ignoring create table error", "entity", meta.Entity, "unit", unit.String(), "error", err)
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
