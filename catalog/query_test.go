package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incview/incview"
	"github.com/incview/incview/ast"
	"github.com/incview/incview/ivm"
)

func TestReadQuery(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "query.yaml", `
table: users
where:
  and:
    - field: age
      op: ">="
      value: 30
    - exists:
        table: orders
        correlation:
          parent: [id]
          child: [user_id]
        flip: true
        where:
          field: total
          op: ">"
          value: 99.5
orderBy:
  - field: age
    direction: desc
  - field: id
limit: 10
related:
  - name: orders
    correlation:
      parent: [id]
      child: [user_id]
    query:
      table: orders
`)

	query, err := ReadQuery(path)
	require.NoError(t, err)

	assert.Equal(t, "users", query.Table)
	assert.Equal(t, 10, query.Limit)
	assert.Equal(t, []ivm.OrderPart{
		{Field: "age", Direction: ivm.Descending},
		{Field: "id", Direction: ivm.Ascending},
	}, query.OrderBy)

	require.Equal(t, ast.ConditionAnd, query.Where.Type)
	require.Len(t, query.Where.Operands, 2)

	simple := query.Where.Operands[0]
	require.Equal(t, ast.ConditionSimple, simple.Type)
	assert.Equal(t, "age", simple.Simple.Field)
	assert.Equal(t, ivm.OpGreaterOrEqual, simple.Simple.Op)
	assert.Equal(t, incview.NewInt(30), simple.Simple.Value)

	subquery := query.Where.Operands[1]
	require.Equal(t, ast.ConditionSubquery, subquery.Type)
	assert.Equal(t, ast.SubqueryExists, subquery.Subquery.Type)
	assert.True(t, subquery.Subquery.Flip)
	assert.Equal(t, []string{"id"}, subquery.Subquery.Correlation.ParentFields)
	assert.Equal(t, []string{"user_id"}, subquery.Subquery.Correlation.ChildFields)
	require.Equal(t, ast.ConditionSimple, subquery.Subquery.Query.Where.Type)
	assert.Equal(t, incview.NewFloat(99.5), subquery.Subquery.Query.Where.Simple.Value)

	require.Len(t, query.Related, 1)
	assert.Equal(t, "orders", query.Related[0].Name)
	assert.Equal(t, "orders", query.Related[0].Query.Table)
}

func TestReadQueryRejectsAmbiguousCondition(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "query.yaml", `
table: users
where:
  field: age
  op: ">"
  value: 30
  and:
    - field: id
      value: 1
`)
	_, err := ReadQuery(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")
}

func TestReadQueryRejectsBadCorrelation(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "query.yaml", `
table: users
related:
  - name: orders
    correlation:
      parent: [id]
      child: [user_id, shop_id]
    query:
      table: orders
`)
	_, err := ReadQuery(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "correlation")
}
