// Package graph renders compiled pipelines as graphviz documents. A
// Recorder wraps a builder delegate and captures every wired operator
// edge; Show turns the captured edges into a directed record-shaped graph
// for inspection.
package graph

import (
	"fmt"
	"log"
	"strings"

	"github.com/awalterschulze/gographviz"

	"github.com/incview/incview/ast"
	"github.com/incview/incview/builder"
	"github.com/incview/incview/ivm"
	"github.com/incview/incview/storage"
)

type Edge struct {
	From, To string
}

// Recorder is a builder.Delegate that remembers the pipeline's edges and
// forwards everything to the wrapped delegate.
type Recorder struct {
	inner builder.Delegate
	edges []Edge
}

func NewRecorder(inner builder.Delegate) *Recorder {
	return &Recorder{inner: inner}
}

func (r *Recorder) GetSource(table string) (ivm.Source, error) {
	return r.inner.GetSource(table)
}

func (r *Recorder) CreateStorage(name string) (storage.Storage, error) {
	return r.inner.CreateStorage(name)
}

func (r *Recorder) AddEdge(from, to string) {
	r.edges = append(r.edges, Edge{From: from, To: to})
	r.inner.AddEdge(from, to)
}

func (r *Recorder) DecorateInput(input ivm.Input, name string) ivm.Input {
	return r.inner.DecorateInput(input, name)
}

func (r *Recorder) DecorateFilterInput(input ivm.Input, name string) ivm.Input {
	return r.inner.DecorateFilterInput(input, name)
}

func (r *Recorder) DecorateSourceInput(input ivm.SourceInput, name string) ivm.SourceInput {
	return r.inner.DecorateSourceInput(input, name)
}

func (r *Recorder) MapAST(query *ast.Query) *ast.Query {
	return r.inner.MapAST(query)
}

func (r *Recorder) ApplyFiltersAnyway() bool {
	return r.inner.ApplyFiltersAnyway()
}

// Edges returns the captured edges in wiring order.
func (r *Recorder) Edges() []Edge {
	return append([]Edge(nil), r.edges...)
}

// Show builds the graphviz document for a set of recorded edges.
func Show(edges []Edge) *gographviz.Graph {
	graph := gographviz.NewGraph()
	graph.Directed = true
	if err := graph.AddAttr("", "rankdir", "LR"); err != nil {
		log.Fatal(err)
	}

	gb := &graphBuilder{graph: graph, ids: make(map[string]string)}
	for _, edge := range edges {
		from := gb.getGraphNode(edge.From)
		to := gb.getGraphNode(edge.To)
		if err := graph.AddEdge(from, to, true, map[string]string{}); err != nil {
			log.Fatal(err)
		}
	}
	return graph
}

type graphBuilder struct {
	graph *gographviz.Graph
	ids   map[string]string
}

func (gb *graphBuilder) getGraphNode(label string) string {
	if id, ok := gb.ids[label]; ok {
		return id
	}
	id := fmt.Sprintf("n%d", len(gb.ids))
	gb.ids[label] = id
	err := gb.graph.AddNode("", id, map[string]string{
		"shape": "record",
		"label": fmt.Sprintf("\"{%s}\"", strings.Replace(label, " ", "_", -1)),
	})
	if err != nil {
		log.Fatal(err)
	}
	return id
}
