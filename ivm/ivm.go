// Package ivm implements the operator algebra of the incremental view
// maintenance engine. A pipeline is a graph of operators rooted at the
// query's table: Fetch pulls the current result set through the graph, Push
// propagates one base row change at a time down to the final output.
package ivm

import (
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/incview/incview"
)

var ErrEndOfStream = errors.New("end of stream")

// StartBasis says whether a resumed scan includes the start row itself.
type StartBasis int

const (
	StartAt StartBasis = iota
	StartAfter
)

// Start resumes a scan at a previously seen row.
type Start struct {
	Row   Row
	Basis StartBasis
}

// Constraint is an equality filter hint passed down a fetch, used by sources
// for index selection and by joins to scope child fetches to one parent.
type Constraint map[string]incview.Value

// FetchRequest parametrizes a Fetch or Cleanup call. The zero value asks for
// the operator's full output in its schema's sort order.
type FetchRequest struct {
	Constraint Constraint
	Start      *Start
	Reverse    bool
}

// Bound marks a position in a table's sort order. Exclusive bounds do not
// include the bound row itself.
type Bound struct {
	Row       Row
	Exclusive bool
}

// NodeStream is a finite, lazily produced sequence of nodes. Repeating an
// identical Fetch yields an identical stream, subject to upstream state.
type NodeStream interface {
	Next() (*Node, error)
}

// Input is one pipeline stage viewed from downstream.
type Input interface {
	Schema() *Schema
	Fetch(req FetchRequest) (NodeStream, error)
	// Cleanup tells the stage its output is no longer needed and returns the
	// rows it was holding so the message can propagate upstream. The stage
	// stays usable afterwards; Destroy is the terminal teardown.
	Cleanup(req FetchRequest) (NodeStream, error)
	// SetOutput wires the single downstream consumer. Fanning out to more
	// than one consumer goes through an explicit FanOut operator.
	SetOutput(output Output)
	// Destroy tears down this stage and everything upstream of it.
	Destroy()
}

// Output receives pushed changes; it's the terminal consumer of a pipeline.
type Output interface {
	Push(change Change) error
}

// Operator is an interior pipeline stage: an Input that is also pushed into
// by its upstream.
type Operator interface {
	Input
	Output
}

// FieldComparison is one conjunct of a filter pushed down to a source.
type FieldComparison struct {
	Field string
	Op    ComparisonOp
	Value incview.Value
}

type ComparisonOp int

const (
	OpEqual ComparisonOp = iota
	OpNotEqual
	OpLess
	OpLessOrEqual
	OpGreater
	OpGreaterOrEqual
)

func (op ComparisonOp) String() string {
	switch op {
	case OpEqual:
		return "="
	case OpNotEqual:
		return "!="
	case OpLess:
		return "<"
	case OpLessOrEqual:
		return "<="
	case OpGreater:
		return ">"
	case OpGreaterOrEqual:
		return ">="
	default:
		panic("unexhaustive comparison op match")
	}
}

// Matches evaluates the comparison against a row.
func (fc FieldComparison) Matches(row Row) bool {
	value, ok := row[fc.Field]
	if !ok {
		return false
	}
	cmp := value.Compare(fc.Value)
	switch fc.Op {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpLess:
		return cmp < 0
	case OpLessOrEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterOrEqual:
		return cmp >= 0
	default:
		panic("unexhaustive comparison op match")
	}
}

// Source is an external ordered, filterable row provider. The engine treats
// the inputs it hands out as leaf operators.
type Source interface {
	Schema() *Schema
	// Connect attaches a consumer with its required sort order, a
	// conjunctive filter hint, and the set of fields whose edits must be
	// re-expressed as remove+add before they reach this consumer.
	Connect(sort []OrderPart, filters []FieldComparison, splitEditKeys []string, log logr.Logger) (SourceInput, error)
}

// SourceInput is the leaf input a Source hands to the pipeline builder.
type SourceInput interface {
	Input
	// FullyAppliedFilters reports whether the filters given to Connect are
	// guaranteed applied, letting the builder skip a redundant filter stage.
	FullyAppliedFilters() bool
}

// DrainStream materializes a stream. Operators use it only where their
// algorithm inherently needs the full set.
func DrainStream(stream NodeStream) ([]*Node, error) {
	var out []*Node
	for {
		node, err := stream.Next()
		if err == ErrEndOfStream {
			return out, nil
		} else if err != nil {
			return nil, errors.Wrap(err, "couldn't get node from stream")
		}
		out = append(out, node)
	}
}

// NewSliceStream returns a stream over a fixed slice of nodes.
func NewSliceStream(nodes []*Node) NodeStream {
	return &sliceStream{nodes: nodes}
}

type sliceStream struct {
	nodes []*Node
	index int
}

func (stream *sliceStream) Next() (*Node, error) {
	if stream.index >= len(stream.nodes) {
		return nil, ErrEndOfStream
	}
	node := stream.nodes[stream.index]
	stream.index++
	return node, nil
}

// EmptyStream returns a stream with no nodes.
func EmptyStream() NodeStream {
	return &sliceStream{}
}
