package ivm

import (
	"github.com/incview/incview"
)

type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

type OrderPart struct {
	Field     string
	Direction Direction
}

type Column struct {
	Name string
	Type incview.TypeID
}

// RelationshipSchema describes one declared child relationship. Hidden
// relationships exist structurally to support filtering (EXISTS) and must
// not appear in presentation output.
type RelationshipSchema struct {
	Schema *Schema
	Hidden bool
}

// Schema is the per-operator metadata every stage exposes: where its rows
// come from, how they're identified and how they're ordered.
type Schema struct {
	Table         string
	Columns       []Column
	PrimaryKey    []string
	Sort          []OrderPart
	Relationships map[string]RelationshipSchema
}

func (s *Schema) Clone() *Schema {
	out := &Schema{
		Table:      s.Table,
		Columns:    append([]Column(nil), s.Columns...),
		PrimaryKey: append([]string(nil), s.PrimaryKey...),
		Sort:       append([]OrderPart(nil), s.Sort...),
	}
	if s.Relationships != nil {
		out.Relationships = make(map[string]RelationshipSchema, len(s.Relationships))
		for name, rel := range s.Relationships {
			out.Relationships[name] = rel
		}
	}
	return out
}

// WithRelationship returns a copy of the schema extended with one more
// declared relationship.
func (s *Schema) WithRelationship(name string, child *Schema, hidden bool) *Schema {
	out := s.Clone()
	if out.Relationships == nil {
		out.Relationships = make(map[string]RelationshipSchema, 1)
	}
	out.Relationships[name] = RelationshipSchema{Schema: child, Hidden: hidden}
	return out
}

// WithSort returns a copy of the schema sorted differently.
func (s *Schema) WithSort(sort []OrderPart) *Schema {
	out := s.Clone()
	out.Sort = append([]OrderPart(nil), sort...)
	return out
}

// SortCoversPrimaryKey reports whether every primary key field appears in
// the sort. A sort that doesn't cover the primary key isn't total, which
// makes pagination non-deterministic, so builders reject it.
func (s *Schema) SortCoversPrimaryKey() bool {
	for _, pk := range s.PrimaryKey {
		found := false
		for _, part := range s.Sort {
			if part.Field == pk {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CompareRows is the total order over this schema's rows derived from its
// sort. The builder guarantees the sort covers the primary key, so two
// distinct rows never compare equal.
func (s *Schema) CompareRows(a, b Row) int {
	for _, part := range s.Sort {
		cmp := a[part.Field].Compare(b[part.Field])
		if cmp == 0 {
			continue
		}
		if part.Direction == Descending {
			return -cmp
		}
		return cmp
	}
	return 0
}

// RowKey encodes a row's primary key, the identity used for dedup scopes
// and storage keys.
func (s *Schema) RowKey(row Row) string {
	return row.EncodeKey(s.PrimaryKey)
}

// PrimaryKeyConstraint builds the constraint that pins a fetch to exactly
// the given row's primary key.
func (s *Schema) PrimaryKeyConstraint(row Row) Constraint {
	out := make(Constraint, len(s.PrimaryKey))
	for _, pk := range s.PrimaryKey {
		out[pk] = row[pk]
	}
	return out
}

// DefaultSort returns the primary key ascending, the order used when a
// query declares none.
func (s *Schema) DefaultSort() []OrderPart {
	out := make([]OrderPart, len(s.PrimaryKey))
	for i, pk := range s.PrimaryKey {
		out[i] = OrderPart{Field: pk, Direction: Ascending}
	}
	return out
}
