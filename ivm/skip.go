package ivm

import (
	"github.com/pkg/errors"
)

// Skip drops rows ordered before a bound, the OFFSET-like half of
// pagination. It keeps no state: everything is decided by comparing rows
// against the bound.
type Skip struct {
	source Input
	bound  Bound
	output Output
}

func NewSkip(source Input, bound Bound) *Skip {
	skip := &Skip{source: source, bound: bound}
	source.SetOutput(skip)
	return skip
}

func (s *Skip) Schema() *Schema {
	return s.source.Schema()
}

func (s *Skip) SetOutput(output Output) {
	s.output = output
}

// withinBound reports whether a row is at or past the bound in the
// schema's sort order.
func (s *Skip) withinBound(row Row) bool {
	cmp := s.Schema().CompareRows(row, s.bound.Row)
	if s.bound.Exclusive {
		return cmp > 0
	}
	return cmp >= 0
}

func (s *Skip) fetchRequest(req FetchRequest) FetchRequest {
	if req.Reverse {
		// In a reverse scan the bound is the stopping point, not the
		// starting one; the stream below enforces it.
		return req
	}
	basis := StartAt
	if s.bound.Exclusive {
		basis = StartAfter
	}
	start := &Start{Row: s.bound.Row, Basis: basis}
	if req.Start != nil && s.Schema().CompareRows(req.Start.Row, s.bound.Row) > 0 {
		start = req.Start
	}
	out := req
	out.Start = start
	return out
}

func (s *Skip) Fetch(req FetchRequest) (NodeStream, error) {
	stream, err := s.source.Fetch(s.fetchRequest(req))
	if err != nil {
		return nil, errors.Wrap(err, "couldn't fetch source stream")
	}
	return &skipStream{skip: s, source: stream, reverse: req.Reverse}, nil
}

func (s *Skip) Cleanup(req FetchRequest) (NodeStream, error) {
	stream, err := s.source.Cleanup(s.fetchRequest(req))
	if err != nil {
		return nil, errors.Wrap(err, "couldn't clean up source stream")
	}
	return &skipStream{skip: s, source: stream, reverse: req.Reverse}, nil
}

func (s *Skip) Destroy() {
	s.source.Destroy()
}

func (s *Skip) Push(change Change) error {
	out, ok := filterChange(change, s.withinBound)
	if !ok {
		return nil
	}
	return s.output.Push(out)
}

type skipStream struct {
	skip    *Skip
	source  NodeStream
	reverse bool
	done    bool
}

func (stream *skipStream) Next() (*Node, error) {
	if stream.done {
		return nil, ErrEndOfStream
	}
	for {
		node, err := stream.source.Next()
		if err != nil {
			if err == ErrEndOfStream {
				return nil, ErrEndOfStream
			}
			return nil, errors.Wrap(err, "couldn't get source node")
		}
		if stream.skip.withinBound(node.Row) {
			return node, nil
		}
		if stream.reverse {
			// Reverse scans leave the bounded region once and never
			// re-enter it.
			stream.done = true
			return nil, ErrEndOfStream
		}
	}
}
