// Package identity maps schema objects to canonical string node ids.
package identity

import (
	"fmt"
	"strings"
)

// DefaultSchema is assumed when a table reference carries no schema.
const DefaultSchema = "public"

// NormalizeSchema returns the effective schema for comparison purposes.
func NormalizeSchema(schema string) string {
	if schema == "" {
		return DefaultSchema
	}
	return strings.ToLower(schema)
}

// TableID returns the canonical node id for a table: "tbl:{schema}.{table}".
func TableID(schema, table string) string {
	return fmt.Sprintf("tbl:%s.%s", NormalizeSchema(schema), strings.ToLower(table))
}

// ColumnID returns the canonical node id for a column:
// "col:{schema}.{table}.{column}".
func ColumnID(schema, table, column string) string {
	return fmt.Sprintf("col:%s.%s.%s", NormalizeSchema(schema), strings.ToLower(table), strings.ToLower(column))
}

// KPIID returns the canonical node id for a KPI: "kpi:{name}".
func KPIID(name string) string {
	return fmt.Sprintf("kpi:%s", name)
}

// ColumnKey returns the "table.column" accumulator key used by analysis
// statistics. Schema is intentionally excluded: log rows rarely qualify
// columns with schemas, and mixing qualified and unqualified forms would
// split counters for the same column.
func ColumnKey(table, column string) string {
	return fmt.Sprintf("%s.%s", strings.ToLower(table), strings.ToLower(column))
}

// SameTable reports whether two (schema, table) pairs identify the same
// table under schema-defaulting equality.
func SameTable(schemaA, tableA, schemaB, tableB string) bool {
	return NormalizeSchema(schemaA) == NormalizeSchema(schemaB) &&
		strings.EqualFold(tableA, tableB)
}
