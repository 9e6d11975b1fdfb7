// Package optimizer rewrites query trees before compilation. Its one
// transform reorders an EXISTS check so that the subquery table becomes the
// enumeration root, which pays off when that table is far smaller or more
// selective than the enclosing one.
package optimizer

import (
	"github.com/incview/incview/ast"
)

// FlipExists looks for the first EXISTS condition marked for flipping and
// rebuilds the tree around it: the marked subquery's table becomes the new
// root and every original ancestor turns into a nested EXISTS with the
// inverted correlation. The original root keeps only its table and residual
// filters and is tagged WasRoot; its ordering, pagination and related
// queries are meaningless at subquery position and are stripped, to be
// reapplied by the caller on top of the recovered rows.
//
// The returned path lists the relationship aliases leading from the new
// root down to the tagged node, which is what the caller needs to extract
// original-root rows again. Candidates are located depth first, inner
// markers before outer ones; only the first match is transformed per call,
// so resolving several markers takes repeated invocations. Markers inside
// an OR tree are never transformed: reordering one disjunct would change
// which rows enumerate the whole disjunction. A marker on a NOT EXISTS is
// likewise left alone, since rows without a match cannot be enumerated
// from the subquery side. With no usable marker the input is returned
// unchanged.
func FlipExists(query *ast.Query) (*ast.Query, []string, bool) {
	copied := query.Copy()
	arena := newQueryArena(copied)
	chain := findChain(copied, arena, make(map[int]bool))
	if chain == nil {
		return query, nil, false
	}

	target := chain[len(chain)-1].cond.Subquery.Query
	pathToRoot := make([]string, 0, len(chain))
	current := target
	for i := len(chain) - 1; i >= 0; i-- {
		parent := chain[i].query
		parent.Where = pruneCondition(parent.Where, chain[i].cond)
		if i == 0 {
			parent.OrderBy = nil
			parent.Limit = 0
			parent.Start = nil
			parent.Related = nil
			parent.WasRoot = true
		}
		correlation := chain[i].cond.Subquery.Correlation.Invert()
		existsOverParent := ast.NewSubquery(ast.SubqueryExists, correlation, parent)
		if current.Where == nil {
			current.Where = existsOverParent
		} else {
			current.Where = ast.NewAnd(current.Where, existsOverParent)
		}
		pathToRoot = append(pathToRoot, parent.EffectiveAlias())
		current = parent
	}
	return target, pathToRoot, true
}

type chainLink struct {
	query *ast.Query
	cond  *ast.Condition
}

// queryArena assigns every query node a stable ID in one top-down pass, so
// cycle detection during the search works on IDs instead of reference
// identity.
type queryArena struct {
	ids  map[*ast.Query]int
	next int
}

func newQueryArena(root *ast.Query) *queryArena {
	arena := &queryArena{ids: make(map[*ast.Query]int)}
	arena.assign(root)
	return arena
}

func (arena *queryArena) assign(query *ast.Query) {
	if query == nil {
		return
	}
	if _, ok := arena.ids[query]; ok {
		return
	}
	arena.ids[query] = arena.next
	arena.next++
	arena.assignCondition(query.Where)
	for _, related := range query.Related {
		arena.assign(related.Query)
	}
}

func (arena *queryArena) assignCondition(cond *ast.Condition) {
	if cond == nil {
		return
	}
	switch cond.Type {
	case ast.ConditionSimple:
	case ast.ConditionAnd, ast.ConditionOr:
		for _, operand := range cond.Operands {
			arena.assignCondition(operand)
		}
	case ast.ConditionSubquery:
		arena.assign(cond.Subquery.Query)
	default:
		panic("unexhaustive condition type match")
	}
}

func (arena *queryArena) id(query *ast.Query) int {
	id, ok := arena.ids[query]
	if !ok {
		// Reachable only on trees mutated after arena construction.
		panic("query node missing from arena")
	}
	return id
}

// findChain returns the links from the given query down to the first
// usable flip marker, inner markers first, or nil when there is none.
func findChain(query *ast.Query, arena *queryArena, visited map[int]bool) []chainLink {
	id := arena.id(query)
	if visited[id] {
		return nil
	}
	visited[id] = true
	return findChainInCondition(query, query.Where, arena, visited)
}

func findChainInCondition(query *ast.Query, cond *ast.Condition, arena *queryArena, visited map[int]bool) []chainLink {
	if cond == nil {
		return nil
	}
	switch cond.Type {
	case ast.ConditionSimple:
		return nil
	case ast.ConditionOr:
		// Flips inside a disjunction are unsupported; the whole subtree is
		// off limits.
		return nil
	case ast.ConditionAnd:
		for _, operand := range cond.Operands {
			if chain := findChainInCondition(query, operand, arena, visited); chain != nil {
				return chain
			}
		}
		return nil
	case ast.ConditionSubquery:
		if cond.Subquery.Type != ast.SubqueryExists {
			// A chain through NOT EXISTS can't be inverted.
			return nil
		}
		// Inner markers win over this one.
		if chain := findChain(cond.Subquery.Query, arena, visited); chain != nil {
			return append([]chainLink{{query: query, cond: cond}}, chain...)
		}
		if cond.Subquery.Flip && cond.Subquery.Type == ast.SubqueryExists {
			return []chainLink{{query: query, cond: cond}}
		}
		return nil
	default:
		panic("unexhaustive condition type match")
	}
}

// pruneCondition removes one condition from a tree, collapsing emptied and
// single-operand conjunctions on the way up.
func pruneCondition(cond *ast.Condition, target *ast.Condition) *ast.Condition {
	if cond == nil {
		return nil
	}
	if cond == target {
		return nil
	}
	if cond.Type != ast.ConditionAnd {
		return cond
	}
	var operands []*ast.Condition
	for _, operand := range cond.Operands {
		if pruned := pruneCondition(operand, target); pruned != nil {
			operands = append(operands, pruned)
		}
	}
	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return ast.NewAnd(operands...)
	}
}
