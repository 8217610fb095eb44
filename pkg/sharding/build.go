package sharding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/block/shardmerge/pkg/config"
	"github.com/block/shardmerge/pkg/metrics"
	"github.com/block/shardmerge/pkg/route"
	"github.com/block/shardmerge/pkg/sqlexec"
	"github.com/prometheus/client_golang/prometheus"
)

// NewSink returns the metrics sink named by the metrics section.
func NewSink(cfg config.MetricsConfig, logger *slog.Logger, reg prometheus.Registerer) (metrics.Sink, error) {
	switch cfg.Sink {
	case "", "none":
		return &metrics.NoopSink{}, nil
	case "log":
		return metrics.NewLogSink(logger), nil
	case "prometheus":
		return metrics.NewPrometheusSink(reg)
	}
	return nil, fmt.Errorf("unknown metrics sink %q", cfg.Sink)
}

// Open builds and initializes a runtime from configuration. The runtime
// owns its data sources and closes them on Close.
func Open(ctx context.Context, cfg *config.Config, creds *config.Credentials, logger *slog.Logger, sink metrics.Sink) (*Runtime, error) {
	cfg.ApplyCredentials(creds)
	executor, err := sqlexec.NewExecutor(sqlexec.Config{
		DBConfig:        cfg.DBConfig(),
		PrefetchWorkers: cfg.Options.PrefetchWorkers,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	r, err := open(ctx, cfg, creds, executor, logger, sink)
	if err != nil {
		return nil, errors.Join(err, executor.Close())
	}
	return r, nil
}

func open(ctx context.Context, cfg *config.Config, creds *config.Credentials, executor *sqlexec.Executor, logger *slog.Logger, sink metrics.Sink) (*Runtime, error) {
	for _, ds := range cfg.DataSources {
		dsn, err := config.ResolveDSN(ds, creds)
		if err != nil {
			return nil, err
		}
		if err := executor.AddDataSource(sqlexec.DataSource{Name: ds.Name, Driver: ds.Driver, DSN: dsn}); err != nil {
			return nil, err
		}
	}
	r, err := New(Config{
		Options:                    cfg.MergeOptions(),
		CreateShardingTableOnStart: cfg.Options.CreateShardingTableOnStart,
		IgnoreCreateTableError:     cfg.Options.IgnoreCreateTableError,
		Executor:                   executor,
		Logger:                     logger,
		Metrics:                    sink,
	})
	if err != nil {
		return nil, err
	}
	for _, e := range cfg.Entities {
		var tableStrategy, dsStrategy route.Strategy
		if e.TableSharding != nil {
			if tableStrategy, err = e.TableSharding.NewStrategy(nil); err != nil {
				return nil, fmt.Errorf("entity %s: %w", e.Name, err)
			}
		}
		if e.DataSourceSharding != nil {
			if dsStrategy, err = e.DataSourceSharding.NewStrategy(cfg.DataSourceNames()); err != nil {
				return nil, fmt.Errorf("entity %s: %w", e.Name, err)
			}
		}
		if err := r.AddEntity(e.Metadata(), tableStrategy, dsStrategy); err != nil {
			return nil, err
		}
	}
	if err := r.Initialize(ctx); err != nil {
		return nil, err
	}
	r.owned = true
	return r, nil
}
