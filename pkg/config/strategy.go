package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/block/shardmerge/pkg/metadata"
	"github.com/block/shardmerge/pkg/route"
)

const (
	StrategyMod      = "mod"
	StrategyList     = "list"
	StrategyKeyRange = "keyrange"
	StrategyMonth    = "month"

	monthLayout = "2006-01"
)

func (s *ShardingConfig) validate() error {
	if s.Column == "" {
		return errors.New("column is required")
	}
	switch s.Strategy {
	case StrategyMod:
		if s.Count < 0 {
			return errors.New("count must not be negative")
		}
		if s.Count > 0 && len(s.Targets) > 0 {
			return errors.New("count and targets are mutually exclusive")
		}
		if s.CaseInsensitive && !s.StringKeys {
			return errors.New("case_insensitive needs string_keys")
		}
	case StrategyList:
		if len(s.Mapping) == 0 {
			return errors.New("list strategy needs a mapping")
		}
	case StrategyKeyRange:
		if len(s.Ranges) == 0 {
			return errors.New("keyrange strategy needs ranges")
		}
	case StrategyMonth:
		if _, _, _, err := s.months(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown strategy %q", s.Strategy)
	}
	return nil
}

func (s *ShardingConfig) months() (time.Time, time.Time, *time.Location, error) {
	loc := time.UTC
	if s.Location != "" {
		var err error
		if loc, err = time.LoadLocation(s.Location); err != nil {
			return time.Time{}, time.Time{}, nil, err
		}
	}
	from, err := time.ParseInLocation(monthLayout, s.From, loc)
	if err != nil {
		return time.Time{}, time.Time{}, nil, fmt.Errorf("month strategy from: %w", err)
	}
	to, err := time.ParseInLocation(monthLayout, s.To, loc)
	if err != nil {
		return time.Time{}, time.Time{}, nil, fmt.Errorf("month strategy to: %w", err)
	}
	return from, to, loc, nil
}

// NewStrategy builds the strategy described by s. defaultTargets are
// used by a mod strategy with neither count nor targets.
func (s *ShardingConfig) NewStrategy(defaultTargets []string) (route.Strategy, error) {
	switch s.Strategy {
	case StrategyMod:
		targets := s.Targets
		if s.Count > 0 {
			targets = route.ModTails(s.Count)
		} else if len(targets) == 0 {
			targets = defaultTargets
		}
		strategy, err := route.NewModStrategy(targets, s.StringKeys)
		if err != nil {
			return nil, err
		}
		if s.CaseInsensitive {
			strategy.FoldCase()
		}
		return strategy, nil
	case StrategyList:
		return route.NewListStrategy(s.Mapping)
	case StrategyKeyRange:
		return route.NewKeyRangeStrategy(s.Ranges, nil)
	case StrategyMonth:
		from, to, loc, err := s.months()
		if err != nil {
			return nil, err
		}
		return route.NewMonthStrategy(from, to, loc)
	}
	return nil, fmt.Errorf("unknown strategy %q", s.Strategy)
}

// Metadata returns the sharding descriptor of the entity.
func (e *EntityConfig) Metadata() *metadata.EntityMetadata {
	m := &metadata.EntityMetadata{
		Entity:                    e.Name,
		TableSeparator:            e.TableSeparator,
		DefaultDataSource:         e.DefaultDataSource,
		AutoCreateTable:           e.AutoCreateTable,
		AutoCreateDataSourceTable: e.AutoCreateDataSourceTable,
		CreateTableSQL:            e.CreateTableSQL,
	}
	if e.TableSharding != nil {
		m.ShardingTableProperty = e.TableSharding.Column
	}
	if e.DataSourceSharding != nil {
		m.ShardingDataSourceProperty = e.DataSourceSharding.Column
	}
	return m
}

// DataSourceNames returns the names of the configured data sources.
func (c *Config) DataSourceNames() []string {
	names := make([]string, 0, len(c.DataSources))
	for _, ds := range c.DataSources {
		names = append(names, ds.Name)
	}
	return names
}
