package typeconv

import (
	"github.com/shopspring/decimal"
)

// PostgreSQLDecoder decodes pgx stdlib values. Numerics arrive as
// strings, everything else is already typed.
type PostgreSQLDecoder struct{}

var _ Decoder = (*PostgreSQLDecoder)(nil)

func (d *PostgreSQLDecoder) Decode(value any, databaseType string) (any, error) {
	info := ExtractTypeInfo(databaseType)
	switch v := value.(type) {
	case string:
		if classify(info) == classDecimal {
			return decimal.NewFromString(v)
		}
	case []byte:
		switch classify(info) {
		case classDecimal:
			return decimal.NewFromString(string(v))
		case classText:
			return string(v), nil
		}
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case float32:
		return float64(v), nil
	}
	return value, nil
}
