package route

import (
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrRouting is returned when a key or predicate cannot be interpreted
	// for the route's key type.
	ErrRouting = errors.New("routing error")
	// ErrUnmappedKey is returned when a valid key maps to no known target.
	ErrUnmappedKey = errors.New("sharding key maps to no target")
)

// Op is a comparison operator applied to the sharding column.
type Op int

const (
	OpEQ Op = iota
	OpLT
	OpLE
	OpGT
	OpGE
)

func (o Op) String() string {
	switch o {
	case OpEQ:
		return "="
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	case OpGT:
		return ">"
	case OpGE:
		return ">="
	}
	return "?"
}

// flip returns the operator with its operands swapped: 5 < col is col > 5.
func (o Op) flip() Op {
	switch o {
	case OpLT:
		return OpGT
	case OpLE:
		return OpGE
	case OpGT:
		return OpLT
	case OpGE:
		return OpLE
	}
	return o
}

// Filter reports whether a target (data source name or tail) can hold
// rows matching a predicate.
type Filter func(target string) bool

func matchAll(string) bool  { return true }
func matchNone(string) bool { return false }

func and(a, b Filter) Filter { return func(t string) bool { return a(t) && b(t) } }
func or(a, b Filter) Filter  { return func(t string) bool { return a(t) || b(t) } }

// Strategy is the key-to-target mapping behind a route. The same
// strategies serve both data-source routes (targets are data source
// names) and table routes (targets are tails).
type Strategy interface {
	// KeyToTarget maps one sharding key value to its target.
	KeyToTarget(key any) (string, error)
	// KeyFilter returns the targets that can hold rows where
	// column <op> key. It must never exclude a target that could.
	KeyFilter(key any, op Op) (Filter, error)
	// Targets lists every target the strategy can produce.
	Targets() []string
}

// ModStrategy shards integer keys by modulo, and string keys by the
// CRC32 of the key modulo the number of targets. String keys hash
// byte for byte, so 'Abc' and 'abc' can land on different targets unless
// FoldCase is set.
type ModStrategy struct {
	targets    []string
	stringKeys bool
	foldCase   bool
}

var _ Strategy = &ModStrategy{}

// NewModStrategy returns a modulo strategy over explicit targets. With
// stringKeys every key is hashed as a string; otherwise keys must be
// integers (or strings holding integers).
func NewModStrategy(targets []string, stringKeys bool) (*ModStrategy, error) {
	if len(targets) == 0 {
		return nil, errors.New("mod strategy needs at least one target")
	}
	return &ModStrategy{targets: slices.Clone(targets), stringKeys: stringKeys}, nil
}

// FoldCase hashes string keys by their lower-case form, for key columns
// with a case-insensitive collation. Rows must have been placed the same way.
func (s *ModStrategy) FoldCase() *ModStrategy {
	s.foldCase = true
	return s
}

// ModTails returns count zero-padded tails: 00, 01, ... for count <= 100.
func ModTails(count int) []string {
	width := len(strconv.Itoa(count - 1))
	if width < 2 {
		width = 2
	}
	tails := make([]string, count)
	for i := range count {
		tails[i] = fmt.Sprintf("%0*d", width, i)
	}
	return tails
}

func (s *ModStrategy) Targets() []string {
	return slices.Clone(s.targets)
}

func (s *ModStrategy) KeyToTarget(key any) (string, error) {
	n := uint64(len(s.targets))
	if s.stringKeys {
		str, err := toString(key)
		if err != nil {
			return "", err
		}
		if s.foldCase {
			str = strings.ToLower(str)
		}
		return s.targets[uint64(crc32.ChecksumIEEE([]byte(str)))%n], nil
	}
	i, err := toInt64(key)
	if err != nil {
		return "", err
	}
	mod := i % int64(n)
	if mod < 0 {
		mod += int64(n)
	}
	return s.targets[mod], nil
}

// KeyFilter only narrows on equality: a hash spreads any range over
// every target.
func (s *ModStrategy) KeyFilter(key any, op Op) (Filter, error) {
	if op != OpEQ {
		return matchAll, nil
	}
	target, err := s.KeyToTarget(key)
	if err != nil {
		return nil, err
	}
	return func(t string) bool { return t == target }, nil
}

// ListStrategy maps explicit key values to targets.
type ListStrategy struct {
	mapping map[string]string
	targets []string
}

var _ Strategy = &ListStrategy{}

// NewListStrategy builds a strategy from a key to target mapping. Keys
// are compared by their string form, so 7 and "7" are the same key.
func NewListStrategy(mapping map[string]string) (*ListStrategy, error) {
	if len(mapping) == 0 {
		return nil, errors.New("list strategy needs at least one mapping")
	}
	s := &ListStrategy{mapping: make(map[string]string, len(mapping))}
	for k, v := range mapping {
		s.mapping[k] = v
		if !slices.Contains(s.targets, v) {
			s.targets = append(s.targets, v)
		}
	}
	slices.Sort(s.targets)
	return s, nil
}

func (s *ListStrategy) Targets() []string {
	return slices.Clone(s.targets)
}

func (s *ListStrategy) KeyToTarget(key any) (string, error) {
	str, err := toString(key)
	if err != nil {
		return "", err
	}
	target, ok := s.mapping[str]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnmappedKey, str)
	}
	return target, nil
}

// KeyFilter narrows on equality. An unmapped key cannot have been
// stored anywhere, so it matches no target.
func (s *ListStrategy) KeyFilter(key any, op Op) (Filter, error) {
	if op != OpEQ {
		return matchAll, nil
	}
	target, err := s.KeyToTarget(key)
	if errors.Is(err, ErrUnmappedKey) {
		return matchNone, nil
	} else if err != nil {
		return nil, err
	}
	return func(t string) bool { return t == target }, nil
}

func toInt64(key any) (int64, error) {
	switch v := key.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return uintToInt64(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return uintToInt64(v)
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer key", ErrRouting, v)
		}
		return i, nil
	case []byte:
		return toInt64(string(v))
	}
	return 0, fmt.Errorf("%w: unsupported integer key type %T", ErrRouting, key)
}

func uintToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: key %d overflows int64", ErrRouting, v)
	}
	return int64(v), nil
}

func toString(key any) (string, error) {
	switch v := key.(type) {
	case nil:
		return "", fmt.Errorf("%w: NULL sharding key", ErrRouting)
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return "", fmt.Errorf("%w: unsupported key type %T", ErrRouting, key)
}
