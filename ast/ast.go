// Package ast defines the query tree the engine compiles: a root table
// with filters, correlated subqueries, related child queries, ordering and
// pagination. The tree is plain data; the builder package turns it into an
// operator pipeline and the optimizer package rewrites it.
package ast

import (
	"github.com/incview/incview"
	"github.com/incview/incview/ivm"
)

// Query describes one query over one table. At the top level it is the
// root of the whole view; nested inside a SubqueryCondition or a
// RelatedQuery it is correlated to its parent.
type Query struct {
	Table string
	// Alias distinguishes multiple uses of the same table within one tree.
	// Empty means the table name itself.
	Alias   string
	Where   *Condition
	OrderBy []ivm.OrderPart
	// Limit caps the result set; zero means unlimited.
	Limit int
	// Start resumes the result set at a sort-order bound; nil means from
	// the beginning.
	Start *ivm.Bound
	// Related attaches child queries whose rows are presented under the
	// parent rows.
	Related []RelatedQuery
	// WasRoot marks the original root after an optimizer rewrite demoted
	// it below a new enumeration root.
	WasRoot bool
}

// RelatedQuery is a presentation child: its rows appear under each parent
// row that matches the correlation.
type RelatedQuery struct {
	Name        string
	Correlation Correlation
	Query       *Query
}

// Correlation equates fields of a parent query with fields of a child
// query, pairwise.
type Correlation struct {
	ParentFields []string
	ChildFields  []string
}

// Invert swaps the two sides, turning a parent-to-child correlation into
// the child-to-parent one.
func (c Correlation) Invert() Correlation {
	return Correlation{
		ParentFields: append([]string(nil), c.ChildFields...),
		ChildFields:  append([]string(nil), c.ParentFields...),
	}
}

func (c Correlation) Copy() Correlation {
	return Correlation{
		ParentFields: append([]string(nil), c.ParentFields...),
		ChildFields:  append([]string(nil), c.ChildFields...),
	}
}

type ConditionType int

const (
	ConditionSimple ConditionType = iota
	ConditionAnd
	ConditionOr
	ConditionSubquery
)

func (t ConditionType) String() string {
	switch t {
	case ConditionSimple:
		return "simple"
	case ConditionAnd:
		return "and"
	case ConditionOr:
		return "or"
	case ConditionSubquery:
		return "subquery"
	default:
		panic("unexhaustive condition type match")
	}
}

// Condition is a boolean filter tree over one query's rows. Exactly the
// field matching the Type is set.
type Condition struct {
	Type     ConditionType
	Simple   *SimpleCondition
	Operands []*Condition
	Subquery *SubqueryCondition
}

// SimpleCondition compares one field against a constant.
type SimpleCondition struct {
	Field string
	Op    ivm.ComparisonOp
	Value incview.Value
}

type SubqueryType int

const (
	SubqueryExists SubqueryType = iota
	SubqueryNotExists
)

// SubqueryCondition keeps a row iff the correlated subquery yields at
// least one row (EXISTS) or none (NOT EXISTS).
type SubqueryCondition struct {
	Type        SubqueryType
	Correlation Correlation
	Query       *Query
	// Flip asks the optimizer to make this subquery's table the
	// enumeration root. Ignored inside OR trees, where reordering would
	// change the disjunction's semantics.
	Flip bool
}

func NewSimple(field string, op ivm.ComparisonOp, value incview.Value) *Condition {
	return &Condition{Type: ConditionSimple, Simple: &SimpleCondition{Field: field, Op: op, Value: value}}
}

func NewAnd(operands ...*Condition) *Condition {
	return &Condition{Type: ConditionAnd, Operands: operands}
}

func NewOr(operands ...*Condition) *Condition {
	return &Condition{Type: ConditionOr, Operands: operands}
}

func NewSubquery(typ SubqueryType, correlation Correlation, query *Query) *Condition {
	return &Condition{Type: ConditionSubquery, Subquery: &SubqueryCondition{
		Type:        typ,
		Correlation: correlation,
		Query:       query,
	}}
}

// EffectiveAlias is the name the query's table goes by within its tree.
func (q *Query) EffectiveAlias() string {
	if q.Alias != "" {
		return q.Alias
	}
	return q.Table
}

// Copy deep-copies the query tree so a rewrite can't alias state with the
// caller's tree.
func (q *Query) Copy() *Query {
	if q == nil {
		return nil
	}
	out := &Query{
		Table:   q.Table,
		Alias:   q.Alias,
		Where:   q.Where.Copy(),
		OrderBy: append([]ivm.OrderPart(nil), q.OrderBy...),
		Limit:   q.Limit,
		WasRoot: q.WasRoot,
	}
	if q.Start != nil {
		out.Start = &ivm.Bound{Row: q.Start.Row.Clone(), Exclusive: q.Start.Exclusive}
	}
	for _, related := range q.Related {
		out.Related = append(out.Related, RelatedQuery{
			Name:        related.Name,
			Correlation: related.Correlation.Copy(),
			Query:       related.Query.Copy(),
		})
	}
	return out
}

func (c *Condition) Copy() *Condition {
	if c == nil {
		return nil
	}
	out := &Condition{Type: c.Type}
	switch c.Type {
	case ConditionSimple:
		simple := *c.Simple
		out.Simple = &simple
	case ConditionAnd, ConditionOr:
		out.Operands = make([]*Condition, len(c.Operands))
		for i, operand := range c.Operands {
			out.Operands[i] = operand.Copy()
		}
	case ConditionSubquery:
		out.Subquery = &SubqueryCondition{
			Type:        c.Subquery.Type,
			Correlation: c.Subquery.Correlation.Copy(),
			Query:       c.Subquery.Query.Copy(),
			Flip:        c.Subquery.Flip,
		}
	default:
		panic("unexhaustive condition type match")
	}
	return out
}
