// Package typeconv decodes the values database drivers return into the
// Go types the merge engines compare: int64, uint64, float64,
// decimal.Decimal, string, []byte, bool and time.Time.
package typeconv

import (
	"regexp"
	"strconv"
	"strings"
)

// Decoder decodes the values of one driver, given the database type
// name of their column.
type Decoder interface {
	Decode(value any, databaseType string) (any, error)
}

// GetDecoder returns the decoder of a database/sql driver name.
func GetDecoder(driver string) Decoder {
	switch strings.ToLower(driver) {
	case "pgx", "postgres", "postgresql":
		return &PostgreSQLDecoder{}
	case "sqlite", "sqlite3":
		return &SQLiteDecoder{}
	default:
		return &MySQLDecoder{}
	}
}

var (
	// Regex to extract length/precision from type strings
	lengthRegex    = regexp.MustCompile(`\((\d+)\)`)
	precisionRegex = regexp.MustCompile(`\((\d+),\s*(\d+)\)`)
)

// TypeInfo is a column type split into its parts.
type TypeInfo struct {
	BaseType  string
	Length    int
	Precision int
	Scale     int
	Unsigned  bool
}

// ExtractTypeInfo extracts base type, length, precision, and scale from a type string
func ExtractTypeInfo(databaseType string) TypeInfo {
	info := TypeInfo{}

	upperType := strings.ToUpper(strings.TrimSpace(databaseType))
	info.Unsigned = strings.Contains(upperType, "UNSIGNED")
	upperType = strings.TrimSpace(strings.Replace(upperType, "UNSIGNED", "", 1))

	if idx := strings.Index(upperType, "("); idx != -1 {
		info.BaseType = strings.TrimSpace(upperType[:idx])
		if matches := precisionRegex.FindStringSubmatch(upperType); len(matches) == 3 {
			info.Precision, _ = strconv.Atoi(matches[1])
			info.Scale, _ = strconv.Atoi(matches[2])
		} else if matches := lengthRegex.FindStringSubmatch(upperType); len(matches) == 2 {
			info.Length, _ = strconv.Atoi(matches[1])
		}
	} else {
		info.BaseType = upperType
	}
	return info
}

type typeClass int

const (
	classOther typeClass = iota
	classInt
	classFloat
	classDecimal
	classText
	classBinary
	classBool
)

func classify(info TypeInfo) typeClass {
	switch info.BaseType {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "YEAR",
		"INT2", "INT4", "INT8", "SERIAL", "BIGSERIAL":
		return classInt
	case "FLOAT", "DOUBLE", "DOUBLE PRECISION", "REAL", "FLOAT4", "FLOAT8":
		return classFloat
	case "DECIMAL", "NUMERIC", "DEC":
		return classDecimal
	case "CHAR", "VARCHAR", "TINYTEXT", "TEXT", "MEDIUMTEXT", "LONGTEXT",
		"ENUM", "SET", "JSON", "JSONB", "BPCHAR", "UUID", "NAME":
		return classText
	case "BINARY", "VARBINARY", "TINYBLOB", "BLOB", "MEDIUMBLOB", "LONGBLOB", "BYTEA", "GEOMETRY":
		return classBinary
	case "BOOL", "BOOLEAN":
		return classBool
	}
	return classOther
}
