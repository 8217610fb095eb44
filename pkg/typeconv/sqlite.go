package typeconv

import (
	"math"

	"github.com/shopspring/decimal"
)

// SQLiteDecoder decodes modernc.org/sqlite values. SQLite stores values
// by affinity, so only declared DECIMAL columns need decoding.
type SQLiteDecoder struct{}

var _ Decoder = (*SQLiteDecoder)(nil)

func (d *SQLiteDecoder) Decode(value any, databaseType string) (any, error) {
	class := classify(ExtractTypeInfo(databaseType))
	if class != classDecimal {
		if b, ok := value.([]byte); ok && class == classText {
			return string(b), nil
		}
		return value, nil
	}
	switch v := value.(type) {
	case string:
		return decimal.NewFromString(v)
	case []byte:
		return decimal.NewFromString(string(v))
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return v, nil
		}
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return value, nil
}
