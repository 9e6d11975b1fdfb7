package ivm

import (
	"github.com/pkg/errors"
)

// RowPredicate decides whether a row passes a filter.
type RowPredicate func(Row) bool

// Filter passes through the nodes whose rows satisfy a predicate.
type Filter struct {
	source    Input
	predicate RowPredicate
	output    Output
}

func NewFilter(source Input, predicate RowPredicate) *Filter {
	filter := &Filter{source: source, predicate: predicate}
	source.SetOutput(filter)
	return filter
}

func (f *Filter) Schema() *Schema {
	return f.source.Schema()
}

func (f *Filter) SetOutput(output Output) {
	f.output = output
}

func (f *Filter) Fetch(req FetchRequest) (NodeStream, error) {
	stream, err := f.source.Fetch(req)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't fetch source stream")
	}
	return &filteredStream{source: stream, predicate: f.predicate}, nil
}

func (f *Filter) Cleanup(req FetchRequest) (NodeStream, error) {
	stream, err := f.source.Cleanup(req)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't clean up source stream")
	}
	return &filteredStream{source: stream, predicate: f.predicate}, nil
}

func (f *Filter) Destroy() {
	f.source.Destroy()
}

func (f *Filter) Push(change Change) error {
	out, ok := filterChange(change, f.predicate)
	if !ok {
		return nil
	}
	return f.output.Push(out)
}

// filterChange translates a change across a predicate boundary: edits whose
// sides land on different sides of the predicate decay into an add or a
// remove of the matching side.
func filterChange(change Change, predicate RowPredicate) (Change, bool) {
	switch change.Type {
	case ChangeAdd:
		if predicate(change.Node.Row) {
			return change, true
		}
		return Change{}, false
	case ChangeRemove:
		if predicate(change.Node.Row) {
			return change, true
		}
		return Change{}, false
	case ChangeEdit:
		oldMatches := predicate(change.OldNode.Row)
		newMatches := predicate(change.Node.Row)
		switch {
		case oldMatches && newMatches:
			return change, true
		case newMatches:
			return NewAddChange(change.Node), true
		case oldMatches:
			return NewRemoveChange(change.OldNode), true
		default:
			return Change{}, false
		}
	case ChangeChild:
		if predicate(change.Node.Row) {
			return change, true
		}
		return Change{}, false
	default:
		panic("unexhaustive change type match")
	}
}

type filteredStream struct {
	source    NodeStream
	predicate RowPredicate
}

func (stream *filteredStream) Next() (*Node, error) {
	for {
		node, err := stream.source.Next()
		if err != nil {
			if err == ErrEndOfStream {
				return nil, ErrEndOfStream
			}
			return nil, errors.Wrap(err, "couldn't get source node")
		}
		if stream.predicate(node.Row) {
			return node, nil
		}
	}
}
