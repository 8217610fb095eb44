package merge

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/block/shardmerge/pkg/utils"
	"github.com/shopspring/decimal"
)

// Comparer orders two non-NULL values of one column.
type Comparer interface {
	Compare(a, b any) (int, error)
	// Invertible reports whether descending order is exactly the reverse
	// of ascending order for this comparer.
	Invertible() bool
}

// PropertyOrder is one ORDER BY item.
type PropertyOrder struct {
	Property string // column name, optionally qualified
	// Column is the result column holding the order value. Empty means
	// the column named like Property.
	Column   string
	Asc      bool
	Owner    string   // entity the column belongs to
	Comparer Comparer // nil means the default value ordering
}

func (o PropertyOrder) String() string {
	if o.Asc {
		return o.Property + " ASC"
	}
	return o.Property + " DESC"
}

// Orders is an ORDER BY clause.
type Orders []PropertyOrder

// Reverse returns the orders with every direction flipped.
func (o Orders) Reverse() Orders {
	out := make(Orders, len(o))
	for i, p := range o {
		p.Asc = !p.Asc
		out[i] = p
	}
	return out
}

// CanReverse is false when some comparer is not invertible, in which case
// reading the reversed order does not yield the last rows.
func (o Orders) CanReverse() bool {
	for _, p := range o {
		if p.Comparer != nil && !p.Comparer.Invertible() {
			return false
		}
	}
	return true
}

func (o Orders) String() string {
	parts := make([]string, len(o))
	for i, p := range o {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

// rowComparator compares rows on the order columns, resolved to indexes
// in a result set.
type rowComparator struct {
	orders  Orders
	indexes []int
}

func newRowComparator(orders Orders, columns []string) (*rowComparator, error) {
	c := &rowComparator{orders: orders, indexes: make([]int, len(orders))}
	for i, o := range orders {
		idx := -1
		if o.Column != "" {
			idx = slices.IndexFunc(columns, func(col string) bool { return strings.EqualFold(col, o.Column) })
		} else {
			idx = columnIndex(columns, o.Property)
		}
		if idx < 0 {
			return nil, fmt.Errorf("order column %q is not in the result set %v", o.Property, columns)
		}
		c.indexes[i] = idx
	}
	return c, nil
}

func columnIndex(columns []string, property string) int {
	name := utils.StripQualifier(property)
	for i, col := range columns {
		if strings.EqualFold(utils.StripQualifier(col), name) {
			return i
		}
	}
	return -1
}

func (c *rowComparator) compare(a, b Row) (int, error) {
	for i, o := range c.orders {
		idx := c.indexes[i]
		if idx >= len(a) || idx >= len(b) {
			return 0, fmt.Errorf("order column %q out of range", o.Property)
		}
		cmp, err := compareNullable(a[idx], b[idx], o.Comparer)
		if err != nil {
			return 0, fmt.Errorf("compare %s: %w", o.Property, err)
		}
		if cmp != 0 {
			if !o.Asc {
				cmp = -cmp
			}
			return cmp, nil
		}
	}
	return 0, nil
}

// compareNullable sorts NULL before every other value, as MySQL does.
func compareNullable(a, b any, comparer Comparer) (int, error) {
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		return -1, nil
	case b == nil:
		return 1, nil
	}
	if comparer != nil {
		return comparer.Compare(a, b)
	}
	return CompareValues(a, b)
}

// CompareValues is the default ordering of column values. Numbers of any
// Go type compare by value, strings and byte slices compare bytewise.
func CompareValues(a, b any) (int, error) {
	if ia, ok := asInt64(a); ok {
		if ib, ok := asInt64(b); ok {
			switch {
			case ia < ib:
				return -1, nil
			case ia > ib:
				return 1, nil
			}
			return 0, nil
		}
	}
	if da, ok := asDecimal(a); ok {
		if db, ok := asDecimal(b); ok {
			return da.Cmp(db), nil
		}
	}
	switch va := a.(type) {
	case string:
		if vb, ok := asBytes(b); ok {
			return bytes.Compare([]byte(va), vb), nil
		}
	case []byte:
		if vb, ok := asBytes(b); ok {
			return bytes.Compare(va, vb), nil
		}
	case time.Time:
		if vb, ok := b.(time.Time); ok {
			return va.Compare(vb), nil
		}
	case bool:
		if vb, ok := b.(bool); ok {
			switch {
			case va == vb:
				return 0, nil
			case !va:
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func asBytes(v any) ([]byte, bool) {
	switch x := v.(type) {
	case string:
		return []byte(x), true
	case []byte:
		return x, true
	}
	return nil, false
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	}
	return 0, false
}

// asDecimal converts numeric values to an exact decimal. Strings are not
// numbers here, even when they look like one.
func asDecimal(v any) (decimal.Decimal, bool) {
	if i, ok := asInt64(v); ok {
		return decimal.NewFromInt(i), true
	}
	switch x := v.(type) {
	case uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(x)), 0), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(x), 0), true
	case float32:
		return asDecimal(float64(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(x), true
	case decimal.Decimal:
		return x, true
	}
	return decimal.Decimal{}, false
}
