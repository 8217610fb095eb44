package typeconv

import (
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// MySQLDecoder decodes go-sql-driver/mysql values. The text protocol
// returns every non-temporal value as []byte.
type MySQLDecoder struct{}

var _ Decoder = (*MySQLDecoder)(nil)

func (d *MySQLDecoder) Decode(value any, databaseType string) (any, error) {
	b, ok := value.([]byte)
	if !ok {
		return value, nil
	}
	info := ExtractTypeInfo(databaseType)
	switch classify(info) {
	case classInt:
		return parseInt(string(b), info.Unsigned)
	case classFloat:
		return strconv.ParseFloat(string(b), 64)
	case classDecimal:
		return decimal.NewFromString(string(b))
	case classText:
		return string(b), nil
	case classBinary:
		return b, nil
	}
	if info.BaseType == "BIT" {
		var v uint64
		for _, c := range b {
			v = v<<8 | uint64(c)
		}
		return v, nil
	}
	return string(b), nil
}

// parseInt returns an int64, or a uint64 for unsigned values that do
// not fit.
func parseInt(s string, unsigned bool) (any, error) {
	if unsigned {
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("could not decode %q: %w", s, err)
		}
		if u > math.MaxInt64 {
			return u, nil
		}
		return int64(u), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("could not decode %q: %w", s, err)
	}
	return n, nil
}
