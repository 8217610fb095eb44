package route

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

const monthLayout = "200601"

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02",
}

// MonthStrategy shards a time-valued key into one table per month, with
// yyyyMM tails. It is the only strategy that narrows range predicates.
type MonthStrategy struct {
	loc     *time.Location
	targets []string
}

var _ Strategy = &MonthStrategy{}

// NewMonthStrategy returns the tails for every month between from and
// to, inclusive. A nil loc means UTC.
func NewMonthStrategy(from, to time.Time, loc *time.Location) (*MonthStrategy, error) {
	if loc == nil {
		loc = time.UTC
	}
	from, to = monthStart(from.In(loc)), monthStart(to.In(loc))
	if to.Before(from) {
		return nil, errors.New("month strategy end is before start")
	}
	s := &MonthStrategy{loc: loc}
	for m := from; !m.After(to); m = m.AddDate(0, 1, 0) {
		s.targets = append(s.targets, m.Format(monthLayout))
	}
	return s, nil
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func (s *MonthStrategy) Targets() []string {
	return slices.Clone(s.targets)
}

func (s *MonthStrategy) toTime(key any) (time.Time, error) {
	switch v := key.(type) {
	case time.Time:
		return v.In(s.loc), nil
	case []byte:
		return s.toTime(string(v))
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.ParseInLocation(layout, v, s.loc); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q is not a date or datetime", ErrRouting, v)
	}
	return time.Time{}, fmt.Errorf("%w: unsupported time key type %T", ErrRouting, key)
}

func (s *MonthStrategy) KeyToTarget(key any) (string, error) {
	t, err := s.toTime(key)
	if err != nil {
		return "", err
	}
	return t.Format(monthLayout), nil
}

func (s *MonthStrategy) KeyFilter(key any, op Op) (Filter, error) {
	k, err := s.toTime(key)
	if err != nil {
		return nil, err
	}
	return func(tail string) bool {
		start, err := time.ParseInLocation(monthLayout, tail, s.loc)
		if err != nil {
			return true // not a month tail, keep it
		}
		end := start.AddDate(0, 1, 0)
		switch op {
		case OpEQ:
			return !k.Before(start) && k.Before(end)
		case OpLT:
			return start.Before(k)
		case OpLE:
			return !start.After(k)
		case OpGT, OpGE:
			return end.After(k)
		}
		return true
	}, nil
}
