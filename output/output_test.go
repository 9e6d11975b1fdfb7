package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incview/incview"
	"github.com/incview/incview/ast"
	"github.com/incview/incview/builder"
	"github.com/incview/incview/ivm"
)

func newEnvironment(t *testing.T) *builder.Builder {
	t.Helper()
	users := ivm.NewMemorySource(&ivm.Schema{
		Table: "users",
		Columns: []ivm.Column{
			{Name: "id", Type: incview.TypeIDInt},
			{Name: "name", Type: incview.TypeIDString},
		},
		PrimaryKey: []string{"id"},
	})
	orders := ivm.NewMemorySource(&ivm.Schema{
		Table: "orders",
		Columns: []ivm.Column{
			{Name: "id", Type: incview.TypeIDInt},
			{Name: "user_id", Type: incview.TypeIDInt},
		},
		PrimaryKey: []string{"id"},
	})
	for i, name := range []string{"alice", "bob"} {
		require.NoError(t, users.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: ivm.Row{
			"id":   incview.NewInt(i + 1),
			"name": incview.NewString(name),
		}}))
	}
	for i, userID := range []int{1, 1, 2} {
		require.NoError(t, orders.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: ivm.Row{
			"id":      incview.NewInt(i + 11),
			"user_id": incview.NewInt(userID),
		}}))
	}
	delegate := builder.NewStaticDelegate(map[string]ivm.Source{"users": users, "orders": orders})
	return builder.New(delegate, logr.Discard())
}

func relatedQuery() *ast.Query {
	return &ast.Query{
		Table:   "users",
		OrderBy: []ivm.OrderPart{{Field: "id", Direction: ivm.Ascending}},
		Related: []ast.RelatedQuery{{
			Name:        "orders",
			Correlation: ast.Correlation{ParentFields: []string{"id"}, ChildFields: []string{"user_id"}},
			Query:       &ast.Query{Table: "orders"},
		}},
	}
}

func fetchAll(t *testing.T, input ivm.Input) []*ivm.Node {
	t.Helper()
	stream, err := input.Fetch(ivm.FetchRequest{})
	require.NoError(t, err)
	nodes, err := ivm.DrainStream(stream)
	require.NoError(t, err)
	return nodes
}

func TestWriteJSON(t *testing.T) {
	b := newEnvironment(t)
	input, err := b.Build(relatedQuery())
	require.NoError(t, err)
	defer input.Destroy()

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, input.Schema(), fetchAll(t, input)))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "alice", first["name"])
	assert.Len(t, first["orders"], 2)

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "bob", second["name"])
	assert.Len(t, second["orders"], 1)
}

func TestWriteJSONHidesStructuralRelationships(t *testing.T) {
	b := newEnvironment(t)
	query := &ast.Query{
		Table: "users",
		Where: ast.NewSubquery(ast.SubqueryExists,
			ast.Correlation{ParentFields: []string{"id"}, ChildFields: []string{"user_id"}},
			&ast.Query{Table: "orders"}),
		OrderBy: []ivm.OrderPart{{Field: "id", Direction: ivm.Ascending}},
	}
	input, err := b.Build(query)
	require.NoError(t, err)
	defer input.Destroy()

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, input.Schema(), fetchAll(t, input)))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.NotContains(t, first, "orders")
}

func TestWriteTable(t *testing.T) {
	b := newEnvironment(t)
	input, err := b.Build(relatedQuery())
	require.NoError(t, err)
	defer input.Destroy()

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, input.Schema(), fetchAll(t, input)))

	rendered := buf.String()
	assert.Contains(t, rendered, "name")
	assert.Contains(t, rendered, "orders")
	assert.Contains(t, rendered, "alice")
	assert.Contains(t, rendered, "bob")
}
