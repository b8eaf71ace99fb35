package cache

import (
	"strings"

	"github.com/hyperengineering/syncstore/internal/types"
)

// Table naming: one table per entity schema, addressed by a stable name
// derived from the schema identifier. The c_ prefix keeps entity tables
// apart from the fixed bookkeeping tables.

func tableFor(schemaName string) string {
	return "c_" + strings.ToLower(schemaName)
}

func linkTableFor(schemaName, fieldName string) string {
	return tableFor(schemaName) + "__" + fieldName
}

func refColumn(fieldName string) string {
	return fieldName + "_ref"
}

func geoColumns(fieldName string) (lat, lng string) {
	return fieldName + "_lat", fieldName + "_lng"
}

// wrapperTableFor returns the wrapper-record table holding array elements
// of the given primitive type.
func wrapperTableFor(t types.FieldType) string {
	switch t {
	case types.FieldString:
		return "string_values"
	case types.FieldInt:
		return "int_values"
	case types.FieldDouble:
		return "double_values"
	case types.FieldBool:
		return "bool_values"
	default:
		return ""
	}
}

func sqlTypeFor(t types.FieldType) string {
	switch t {
	case types.FieldString, types.FieldTime:
		return "TEXT"
	case types.FieldInt, types.FieldBool:
		return "INTEGER"
	case types.FieldDouble:
		return "REAL"
	default:
		return "TEXT"
	}
}

// reservedColumns are implicit on every entity table; schema fields may
// not shadow them.
var reservedColumns = map[string]bool{
	"entity_id": true,
	"acl_ref":   true,
	"kmd_ref":   true,
}
