package route

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var hexKey = regexp.MustCompile(`^[0-9a-f]+$`)

// VindexFunc hashes a sharding key value into the 64-bit keyspace that
// key ranges are defined over.
type VindexFunc func(value any) (uint64, error)

// HashVindex is the default vindex: xxhash of the key's canonical bytes.
// Integers hash their 8-byte big-endian form, so 7 and "7" differ.
func HashVindex(value any) (uint64, error) {
	switch v := value.(type) {
	case string:
		return xxhash.Sum64String(v), nil
	case []byte:
		return xxhash.Sum64(v), nil
	}
	i, err := toInt64(value)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i))
	return xxhash.Sum64(buf[:]), nil
}

// keyRange represents a parsed Vitess-style key range
type keyRange struct {
	start uint64 // inclusive
	end   uint64 // exclusive
}

// parseKeyRange parses a Vitess-style key range string.
// Examples: "-80" -> [0, 0x80...), "80-" -> [0x80..., max), "80-c0" -> [0x80..., 0xc0...)
func parseKeyRange(kr string) (keyRange, error) {
	if kr == "" {
		return keyRange{}, errors.New("key range cannot be empty string")
	}
	parts := strings.Split(kr, "-")
	if len(parts) != 2 {
		return keyRange{}, fmt.Errorf("invalid key range format: %s (expected format: 'start-end', '-end', or 'start-')", kr)
	}
	start, err := parseBound(parts[0], 0)
	if err != nil {
		return keyRange{}, fmt.Errorf("invalid start key range: %w", err)
	}
	end, err := parseBound(parts[1], ^uint64(0))
	if err != nil {
		return keyRange{}, fmt.Errorf("invalid end key range: %w", err)
	}
	if end <= start {
		return keyRange{}, fmt.Errorf("invalid key range %s: end must be after start", kr)
	}
	return keyRange{start: start, end: end}, nil
}

// parseBound parses one side of a key range. An empty side is open.
func parseBound(s string, open uint64) (uint64, error) {
	if s == "" {
		return open, nil
	}
	if len(s) > 16 || !hexKey.MatchString(s) {
		return 0, fmt.Errorf("%s (expected up to 16 hex characters [0-9a-f])", s)
	}
	// Pad to 16 hex chars (64 bits) and parse
	v, err := strconv.ParseUint(s+strings.Repeat("0", 16-len(s)), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", s, err)
	}
	return v, nil
}

// contains checks if a hash value falls within this key range.
// The open-ended range "x-" also holds the maximum hash.
func (kr keyRange) contains(hash uint64) bool {
	return hash >= kr.start && (hash < kr.end || kr.end == ^uint64(0))
}

// overlaps checks if two key ranges overlap: [a, b) and [c, d)
// overlap iff a < d and c < b.
func (kr keyRange) overlaps(other keyRange) bool {
	return kr.start < other.end && other.start < kr.end
}

// KeyRangeStrategy routes keys by hashing them with a vindex and finding
// the key range that holds the hash. Each target owns one range.
type KeyRangeStrategy struct {
	targets []string
	ranges  []keyRange
	vindex  VindexFunc
}

var _ Strategy = &KeyRangeStrategy{}

// NewKeyRangeStrategy builds a strategy from target -> key range, i.e.
// {"ds0": "-80", "ds1": "80-"}. Ranges must not overlap. A nil vindex
// means HashVindex.
func NewKeyRangeStrategy(ranges map[string]string, vindex VindexFunc) (*KeyRangeStrategy, error) {
	if len(ranges) == 0 {
		return nil, errors.New("key range strategy needs at least one range")
	}
	if vindex == nil {
		vindex = HashVindex
	}
	s := &KeyRangeStrategy{vindex: vindex}
	for target := range ranges {
		s.targets = append(s.targets, target)
	}
	slices.Sort(s.targets)
	for _, target := range s.targets {
		kr, err := parseKeyRange(ranges[target])
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", target, err)
		}
		for i, existing := range s.ranges {
			if kr.overlaps(existing) {
				return nil, fmt.Errorf("key range %s of %s overlaps with %s", ranges[target], target, s.targets[i])
			}
		}
		s.ranges = append(s.ranges, kr)
	}
	return s, nil
}

func (s *KeyRangeStrategy) Targets() []string {
	return slices.Clone(s.targets)
}

func (s *KeyRangeStrategy) KeyToTarget(key any) (string, error) {
	hash, err := s.vindex(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRouting, err)
	}
	for i, kr := range s.ranges {
		if kr.contains(hash) {
			return s.targets[i], nil
		}
	}
	return "", fmt.Errorf("%w: hash %016x of key %v is outside every key range", ErrUnmappedKey, hash, key)
}

func (s *KeyRangeStrategy) KeyFilter(key any, op Op) (Filter, error) {
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
