package ivm

import (
	"strings"

	"github.com/incview/incview"
)

// Row is a mapping from column name to value. Rows are treated as immutable:
// operators never modify a row they received, they build a new one.
type Row map[string]incview.Value

func (row Row) Clone() Row {
	out := make(Row, len(row))
	for field, value := range row {
		out[field] = value
	}
	return out
}

func (row Row) Equal(other Row) bool {
	if len(row) != len(other) {
		return false
	}
	for field, value := range row {
		otherValue, ok := other[field]
		if !ok || !value.Equal(otherValue) {
			return false
		}
	}
	return true
}

// EncodeKey renders the values of the given fields as a storage key segment.
// The encoding is order preserving across rows only as an identity, not as a
// sort; it's used for lookups and dedup scopes, never for range ordering.
func (row Row) EncodeKey(fields []string) string {
	parts := make([]string, len(fields))
	for i, field := range fields {
		parts[i] = row[field].String()
	}
	return strings.Join(parts, "\x00")
}

// Values extracts the listed fields into a Constraint, used by joins to
// scope a child fetch to one parent row.
func (row Row) Values(parentFields, childFields []string) Constraint {
	if len(parentFields) != len(childFields) {
		panic("correlation field lists have different lengths")
	}
	out := make(Constraint, len(parentFields))
	for i := range parentFields {
		out[childFields[i]] = row[parentFields[i]]
	}
	return out
}

// Matches reports whether a row satisfies an equality constraint.
func (c Constraint) Matches(row Row) bool {
	for field, value := range c {
		rowValue, ok := row[field]
		if !ok || !rowValue.Equal(value) {
			return false
		}
	}
	return true
}
