package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incview/incview/ast"
	"github.com/incview/incview/ivm"
)

// Flipping the EXISTS changes the pipeline shape but must not change the
// result: users {1..5} with orders referencing {1,1,2,3,3,5} yield
// [1,2,3,5] either way, in ascending id order.
func TestFlippedExistsMatchesUnflipped(t *testing.T) {
	_, _, b := newEnvironment(t)
	plain, err := b.BuildOptimized(existsQuery(ast.SubqueryExists, false))
	require.NoError(t, err)
	flipped, err := b.BuildOptimized(existsQuery(ast.SubqueryExists, true))
	require.NoError(t, err)

	want := []int{1, 2, 3, 5}
	assert.Equal(t, want, fetchIDs(t, plain, ivm.FetchRequest{}))
	assert.Equal(t, want, fetchIDs(t, flipped, ivm.FetchRequest{}))

	reversed := []int{5, 3, 2, 1}
	assert.Equal(t, reversed, fetchIDs(t, plain, ivm.FetchRequest{Reverse: true}))
	assert.Equal(t, reversed, fetchIDs(t, flipped, ivm.FetchRequest{Reverse: true}))
}

// A marked NOT EXISTS is never flipped; it compiles unflipped and yields
// the complement.
func TestFlippedNotExistsYieldsComplement(t *testing.T) {
	_, _, b := newEnvironment(t)
	input, err := b.BuildOptimized(existsQuery(ast.SubqueryNotExists, true))
	require.NoError(t, err)
	assert.Equal(t, []int{4}, fetchIDs(t, input, ivm.FetchRequest{}))
}

func TestFlippedPipelinePush(t *testing.T) {
	users, orders, b := newEnvironment(t)
	input, err := b.BuildOptimized(existsQuery(ast.SubqueryExists, true))
	require.NoError(t, err)
	collector := &changeCollector{}
	input.SetOutput(collector)
	fetchIDs(t, input, ivm.FetchRequest{})

	// User 4 gains a first order and appears.
	require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: orderRow(30, 4, 1.0)}))
	assert.Equal(t, []string{"add:4"}, changeIDs(collector.changes))

	// User 1 already has two orders; a third changes nothing downstream.
	collector.reset()
	require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: orderRow(31, 1, 2.0)}))
	assert.Empty(t, collector.changes)

	// Removing one of user 1's orders is silent, removing the rest drops
	// the user.
	collector.reset()
	require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowRemove, Row: orderRow(11, 1, 0)}))
	require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowRemove, Row: orderRow(12, 1, 0)}))
	assert.Empty(t, collector.changes)
	require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowRemove, Row: orderRow(31, 1, 0)}))
	assert.Equal(t, []string{"remove:1"}, changeIDs(collector.changes))

	// A new user without orders stays invisible in the flipped shape too.
	collector.reset()
	require.NoError(t, users.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: userRow(6, "frank", 30)}))
	assert.Empty(t, collector.changes)
}

func TestFlippedPipelineKeepsPagination(t *testing.T) {
	_, _, b := newEnvironment(t)
	query := existsQuery(ast.SubqueryExists, true)
	query.Start = &ivm.Bound{Row: userRow(1, "alice", 20), Exclusive: true}
	query.Limit = 2

	input, err := b.BuildOptimized(query)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, fetchIDs(t, input, ivm.FetchRequest{}))
}

func TestFlippedPipelineKeepsRelatedQueries(t *testing.T) {
	_, _, b := newEnvironment(t)
	query := existsQuery(ast.SubqueryExists, true)
	query.Related = []ast.RelatedQuery{{
		Name:        "orders",
		Correlation: usersOrdersCorrelation(),
		Query:       &ast.Query{Table: "orders"},
	}}

	input, err := b.BuildOptimized(query)
	require.NoError(t, err)
	stream, err := input.Fetch(ivm.FetchRequest{})
	require.NoError(t, err)
	nodes, err := ivm.DrainStream(stream)
	require.NoError(t, err)
	require.Len(t, nodes, 4)

	rel, ok := nodes[0].Relationship("orders")
	require.True(t, ok)
	assert.False(t, rel.Hidden)
	children, err := rel.FetchChildren()
	require.NoError(t, err)
	childNodes, err := ivm.DrainStream(children)
	require.NoError(t, err)
	assert.Len(t, childNodes, 2)
}
