package graph

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incview/incview"
	"github.com/incview/incview/ast"
	"github.com/incview/incview/builder"
	"github.com/incview/incview/ivm"
)

func TestRecorderCapturesPipelineEdges(t *testing.T) {
	users := ivm.NewMemorySource(&ivm.Schema{
		Table: "users",
		Columns: []ivm.Column{
			{Name: "id", Type: incview.TypeIDInt},
			{Name: "age", Type: incview.TypeIDInt},
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

	recorder := NewRecorder(builder.NewStaticDelegate(map[string]ivm.Source{
		"users":  users,
		"orders": orders,
	}))
	b := builder.New(recorder, logr.Discard())

	_, err := b.Build(&ast.Query{
		Table: "users",
		Where: ast.NewSubquery(ast.SubqueryExists, ast.Correlation{
			ParentFields: []string{"id"},
			ChildFields:  []string{"user_id"},
		}, &ast.Query{Table: "orders"}),
		Limit: 3,
	})
	require.NoError(t, err)

	edges := recorder.Edges()
	require.NotEmpty(t, edges)
	assert.Contains(t, edges, Edge{From: "source(users)", To: "join(users,orders)"})
	assert.Contains(t, edges, Edge{From: "source(orders)", To: "join(users,orders)"})
	assert.Contains(t, edges, Edge{From: "join(users,orders)", To: "exists(users,orders)"})
	assert.Contains(t, edges, Edge{From: "exists(users,orders)", To: "take(users)"})
}

func TestShowRendersDot(t *testing.T) {
	g := Show([]Edge{
		{From: "source(users)", To: "filter(users)"},
		{From: "filter(users)", To: "take(users)"},
	})
	dot := g.String()
	assert.Contains(t, dot, "digraph")
	assert.Contains(t, dot, "source(users)")
	assert.Contains(t, dot, "n0->n1")
}
