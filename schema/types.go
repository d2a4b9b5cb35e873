package schema

import (
	"strings"

	"github.com/strahe/assessor-sync/connector"
)

// Family groups declared and native column types for compatibility checks.
type Family string

const (
	FamilyInteger   Family = "integer"
	FamilyFloat     Family = "float"
	FamilyDecimal   Family = "decimal"
	FamilyString    Family = "string"
	FamilyBoolean   Family = "boolean"
	FamilyDate      Family = "date"
	FamilyTimestamp Family = "timestamp"
	FamilyBytes     Family = "bytes"
	FamilyJSON      Family = "json"
	FamilyUnknown   Family = "unknown"
)

// Classify maps a declared or native type name to its family.
func Classify(typ string) Family {
	t := strings.ToLower(strings.TrimSpace(typ))
	if i := strings.IndexByte(t, '('); i > 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "":
		return FamilyUnknown
	case "string", "text", "varchar", "char", "character", "character varying", "citext", "uuid", "name", "clob":
		return FamilyString
	case "integer", "int", "int2", "int4", "int8", "bigint", "smallint", "serial", "bigserial", "tinyint":
		return FamilyInteger
	case "float", "float4", "float8", "double", "double precision", "real":
		return FamilyFloat
	case "decimal", "numeric", "money":
		return FamilyDecimal
	case "bool", "boolean":
		return FamilyBoolean
	case "date":
		return FamilyDate
	case "time", "timestamp", "timestamptz", "datetime", "timestamp with time zone", "timestamp without time zone":
		return FamilyTimestamp
	case "bytes", "blob", "bytea", "binary", "varbinary":
		return FamilyBytes
	case "json", "jsonb":
		return FamilyJSON
	}

	// SQLite affinity rules for free form declarations.
	switch {
	case strings.Contains(t, "timestamp"), strings.Contains(t, "datetime"):
		return FamilyTimestamp
	case strings.Contains(t, "date"):
		return FamilyDate
	case strings.Contains(t, "int"):
		return FamilyInteger
	case strings.Contains(t, "char"), strings.Contains(t, "clob"), strings.Contains(t, "text"):
		return FamilyString
	case strings.Contains(t, "blob"):
		return FamilyBytes
	case strings.Contains(t, "real"), strings.Contains(t, "floa"), strings.Contains(t, "doub"):
		return FamilyFloat
	case strings.Contains(t, "bool"):
		return FamilyBoolean
	case strings.Contains(t, "dec"), strings.Contains(t, "num"):
		return FamilyDecimal
	}
	return FamilyUnknown
}

// Temporal reports whether f holds dates or instants.
func (f Family) Temporal() bool {
	return f == FamilyDate || f == FamilyTimestamp
}

var widening = map[Family][]Family{
	FamilyInteger:   {FamilyFloat, FamilyDecimal, FamilyString},
	FamilyDecimal:   {FamilyFloat, FamilyString},
	FamilyFloat:     {FamilyDecimal, FamilyString},
	FamilyBoolean:   {FamilyInteger, FamilyString},
	FamilyJSON:      {FamilyString},
	FamilyDate:      {FamilyTimestamp},
	FamilyTimestamp: {FamilyDate},
}

// Compatible reports whether values of family src can be written to a dst column.
// Conversions between temporal and string columns need an explicit format.
func Compatible(src, dst Family, hasFormat bool) bool {
	if src == dst || src == FamilyUnknown || dst == FamilyUnknown {
		return true
	}
	if (src.Temporal() && dst == FamilyString) || (src == FamilyString && dst.Temporal()) {
		return hasFormat
	}
	for _, f := range widening[src] {
		if f == dst {
			return true
		}
	}
	return false
}

// NativeType returns the column type used when creating a column of family f.
func NativeType(d connector.Dialect, f Family) string {
	if d == connector.Postgres {
		switch f {
		case FamilyInteger:
			return "BIGINT"
		case FamilyFloat:
			return "DOUBLE PRECISION"
		case FamilyDecimal:
			return "NUMERIC"
		case FamilyBoolean:
			return "BOOLEAN"
		case FamilyDate:
			return "DATE"
		case FamilyTimestamp:
			return "TIMESTAMPTZ"
		case FamilyBytes:
			return "BYTEA"
		case FamilyJSON:
			return "JSONB"
		}
		return "TEXT"
	}
	switch f {
	case FamilyInteger:
		return "INTEGER"
	case FamilyFloat:
		return "REAL"
	case FamilyDecimal:
		return "NUMERIC"
	case FamilyBoolean:
		return "BOOLEAN"
	case FamilyDate:
		return "DATE"
	case FamilyTimestamp:
		return "TIMESTAMP"
	case FamilyBytes:
		return "BLOB"
	}
	return "TEXT"
}
