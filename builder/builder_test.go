package builder

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incview/incview"
	"github.com/incview/incview/ast"
	"github.com/incview/incview/ivm"
)

type changeCollector struct {
	changes []ivm.Change
}

func (c *changeCollector) Push(change ivm.Change) error {
	c.changes = append(c.changes, change)
	return nil
}

func (c *changeCollector) reset() {
	c.changes = nil
}

func userRow(id int, name string, age int) ivm.Row {
	return ivm.Row{
		"id":   incview.NewInt(id),
		"name": incview.NewString(name),
		"age":  incview.NewInt(age),
	}
}

func orderRow(id, userID int, total float64) ivm.Row {
	return ivm.Row{
		"id":      incview.NewInt(id),
		"user_id": incview.NewInt(userID),
		"total":   incview.NewFloat(total),
	}
}

// newEnvironment seeds users {1..5} and orders referencing users
// {1,1,2,3,3,5}.
func newEnvironment(t *testing.T) (users, orders *ivm.MemorySource, b *Builder) {
	t.Helper()
	users = ivm.NewMemorySource(&ivm.Schema{
		Table: "users",
		Columns: []ivm.Column{
			{Name: "id", Type: incview.TypeIDInt},
			{Name: "name", Type: incview.TypeIDString},
			{Name: "age", Type: incview.TypeIDInt},
		},
		PrimaryKey: []string{"id"},
	})
	orders = ivm.NewMemorySource(&ivm.Schema{
		Table: "orders",
		Columns: []ivm.Column{
			{Name: "id", Type: incview.TypeIDInt},
			{Name: "user_id", Type: incview.TypeIDInt},
			{Name: "total", Type: incview.TypeIDFloat},
		},
		PrimaryKey: []string{"id"},
	})
	names := []string{"alice", "bob", "carol", "dan", "eve"}
	for i, name := range names {
		require.NoError(t, users.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: userRow(i+1, name, 20+i)}))
	}
	for i, userID := range []int{1, 1, 2, 3, 3, 5} {
		require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: orderRow(i+11, userID, float64(i))}))
	}
	delegate := NewStaticDelegate(map[string]ivm.Source{"users": users, "orders": orders})
	b = New(delegate, logr.Discard())
	return users, orders, b
}

func usersOrdersCorrelation() ast.Correlation {
	return ast.Correlation{ParentFields: []string{"id"}, ChildFields: []string{"user_id"}}
}

func existsQuery(typ ast.SubqueryType, flip bool) *ast.Query {
	subquery := ast.NewSubquery(typ, usersOrdersCorrelation(), &ast.Query{Table: "orders"})
	subquery.Subquery.Flip = flip
	return &ast.Query{
		Table:   "users",
		Where:   subquery,
		OrderBy: []ivm.OrderPart{{Field: "id", Direction: ivm.Ascending}},
	}
}

func fetchIDs(t *testing.T, input ivm.Input, req ivm.FetchRequest) []int {
	t.Helper()
	stream, err := input.Fetch(req)
	require.NoError(t, err)
	nodes, err := ivm.DrainStream(stream)
	require.NoError(t, err)
	ids := make([]int, len(nodes))
	for i, node := range nodes {
		ids[i] = node.Row["id"].Int
	}
	return ids
}

func changeIDs(changes []ivm.Change) []string {
	out := make([]string, len(changes))
	for i, change := range changes {
		switch change.Type {
		case ivm.ChangeAdd, ivm.ChangeRemove, ivm.ChangeChild:
			out[i] = change.Type.String() + ":" + change.Node.Row["id"].String()
		case ivm.ChangeEdit:
			out[i] = "edit:" + change.OldNode.Row["id"].String() + "->" + change.Node.Row["id"].String()
		}
	}
	return out
}

func TestBuildRejectsOrderMissingPrimaryKey(t *testing.T) {
	_, _, b := newEnvironment(t)
	_, err := b.Build(&ast.Query{
		Table:   "users",
		OrderBy: []ivm.OrderPart{{Field: "age", Direction: ivm.Ascending}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary key")
	assert.Contains(t, err.Error(), "id")
}

func TestBuildRejectsUnknownTable(t *testing.T) {
	_, _, b := newEnvironment(t)
	_, err := b.Build(&ast.Query{Table: "payments"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payments")
}

func TestBuildRejectsBadCorrelation(t *testing.T) {
	_, _, b := newEnvironment(t)
	_, err := b.Build(&ast.Query{
		Table: "users",
		Where: ast.NewSubquery(ast.SubqueryExists, ast.Correlation{
			ParentFields: []string{"id", "name"},
			ChildFields:  []string{"user_id"},
		}, &ast.Query{Table: "orders"}),
	})
	require.Error(t, err)
}

func TestBuildPlainFilterQuery(t *testing.T) {
	_, _, b := newEnvironment(t)
	input, err := b.Build(&ast.Query{
		Table: "users",
		Where: ast.NewSimple("age", ivm.OpGreaterOrEqual, incview.NewInt(22)),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, fetchIDs(t, input, ivm.FetchRequest{}))
}

func TestBuildPagination(t *testing.T) {
	_, _, b := newEnvironment(t)
	input, err := b.Build(&ast.Query{
		Table: "users",
		Start: &ivm.Bound{Row: userRow(2, "bob", 21), Exclusive: true},
		Limit: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, fetchIDs(t, input, ivm.FetchRequest{}))
}

func TestBuildExists(t *testing.T) {
	_, _, b := newEnvironment(t)
	input, err := b.Build(existsQuery(ast.SubqueryExists, false))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 5}, fetchIDs(t, input, ivm.FetchRequest{}))
}

func TestBuildNotExists(t *testing.T) {
	_, _, b := newEnvironment(t)
	input, err := b.Build(existsQuery(ast.SubqueryNotExists, false))
	require.NoError(t, err)
	assert.Equal(t, []int{4}, fetchIDs(t, input, ivm.FetchRequest{}))
}

func TestBuildOrWithSubquery(t *testing.T) {
	_, _, b := newEnvironment(t)
	// Users with an order OR named dan; dan (4) comes from the plain
	// branch, eve (5) satisfies both and must appear once.
	input, err := b.Build(&ast.Query{
		Table: "users",
		Where: ast.NewOr(
			ast.NewSubquery(ast.SubqueryExists, usersOrdersCorrelation(), &ast.Query{Table: "orders"}),
			ast.NewSimple("name", ivm.OpEqual, incview.NewString("dan")),
			ast.NewSimple("name", ivm.OpEqual, incview.NewString("eve")),
		),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, fetchIDs(t, input, ivm.FetchRequest{}))
}

func TestBuildPushThroughOrWithSubquery(t *testing.T) {
	users, orders, b := newEnvironment(t)
	input, err := b.Build(&ast.Query{
		Table: "users",
		Where: ast.NewOr(
			ast.NewSubquery(ast.SubqueryExists, usersOrdersCorrelation(), &ast.Query{Table: "orders"}),
			ast.NewSimple("name", ivm.OpEqual, incview.NewString("dan")),
		),
	})
	require.NoError(t, err)
	collector := &changeCollector{}
	input.SetOutput(collector)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, fetchIDs(t, input, ivm.FetchRequest{}))

	// Dan's first order flips the subquery branch, but the predicate
	// branch already exposes him.
	require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: orderRow(30, 4, 1.0)}))
	assert.Empty(t, collector.changes)

	require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowRemove, Row: orderRow(30, 4, 1.0)}))
	assert.Empty(t, collector.changes)

	// Frank matches neither branch until his first order arrives.
	require.NoError(t, users.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: userRow(6, "frank", 30)}))
	assert.Empty(t, collector.changes)

	require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: orderRow(31, 6, 2.0)}))
	assert.Equal(t, []string{"add:6"}, changeIDs(collector.changes))

	collector.reset()
	require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowRemove, Row: orderRow(31, 6, 2.0)}))
	assert.Equal(t, []string{"remove:6"}, changeIDs(collector.changes))

	// An extra order for a user both visible and unaffected by the
	// predicate branch passes through as a child change.
	collector.reset()
	require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: orderRow(32, 1, 3.0)}))
	assert.Equal(t, []string{"child:1"}, changeIDs(collector.changes))
}

func TestBuildRelatedQueries(t *testing.T) {
	_, _, b := newEnvironment(t)
	input, err := b.Build(&ast.Query{
		Table: "users",
		Related: []ast.RelatedQuery{{
			Name:        "orders",
			Correlation: usersOrdersCorrelation(),
			Query:       &ast.Query{Table: "orders"},
		}},
	})
	require.NoError(t, err)

	stream, err := input.Fetch(ivm.FetchRequest{})
	require.NoError(t, err)
	nodes, err := ivm.DrainStream(stream)
	require.NoError(t, err)
	require.Len(t, nodes, 5)

	rel, ok := nodes[0].Relationship("orders")
	require.True(t, ok)
	assert.False(t, rel.Hidden)
	children, err := rel.FetchChildren()
	require.NoError(t, err)
	childNodes, err := ivm.DrainStream(children)
	require.NoError(t, err)
	assert.Len(t, childNodes, 2)
}

func TestBuildPushThroughExists(t *testing.T) {
	users, orders, b := newEnvironment(t)
	input, err := b.Build(existsQuery(ast.SubqueryExists, false))
	require.NoError(t, err)
	collector := &changeCollector{}
	input.SetOutput(collector)
	fetchIDs(t, input, ivm.FetchRequest{})

	// User 4 gains a first order.
	require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: orderRow(30, 4, 1.0)}))
	assert.Equal(t, []string{"add:4"}, changeIDs(collector.changes))

	collector.reset()
	require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowRemove, Row: orderRow(30, 4, 1.0)}))
	assert.Equal(t, []string{"remove:4"}, changeIDs(collector.changes))

	collector.reset()
	require.NoError(t, users.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: userRow(6, "frank", 30)}))
	assert.Empty(t, collector.changes)
}
