package ivm

import (
	"sort"

	"github.com/pkg/errors"
)

// SortToRootOrder restores the original root's declared order after a flip:
// extraction destroys any meaningful upstream order, so fetch and cleanup
// buffer the full extracted set and sort it. Push passes through unsorted;
// ordering is a fetch-time concern only.
type SortToRootOrder struct {
	source Input
	schema *Schema
	output Output
}

func NewSortToRootOrder(source Input, sort []OrderPart) *SortToRootOrder {
	s := &SortToRootOrder{
		source: source,
		schema: source.Schema().WithSort(sort),
	}
	source.SetOutput(s)
	return s
}

func (s *SortToRootOrder) Schema() *Schema {
	return s.schema
}

func (s *SortToRootOrder) SetOutput(output Output) {
	s.output = output
}

func (s *SortToRootOrder) Fetch(req FetchRequest) (NodeStream, error) {
	stream, err := s.source.Fetch(FetchRequest{Constraint: req.Constraint})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't fetch source stream")
	}
	return s.sorted(stream, req)
}

func (s *SortToRootOrder) Cleanup(req FetchRequest) (NodeStream, error) {
	stream, err := s.source.Cleanup(FetchRequest{Constraint: req.Constraint})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't clean up source stream")
	}
	return s.sorted(stream, req)
}

func (s *SortToRootOrder) sorted(stream NodeStream, req FetchRequest) (NodeStream, error) {
	nodes, err := DrainStream(stream)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		cmp := s.schema.CompareRows(nodes[i].Row, nodes[j].Row)
		if req.Reverse {
			return cmp > 0
		}
		return cmp < 0
	})
	// The resume position is located after sorting, never before.
	return resumeStream(nodes, req.Start, s.schema.CompareRows, req.Reverse), nil
}

func (s *SortToRootOrder) Destroy() {
	s.source.Destroy()
}

func (s *SortToRootOrder) Push(change Change) error {
	return s.output.Push(change)
}
