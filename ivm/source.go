package ivm

import (
	"github.com/go-logr/logr"
	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/incview/incview"
)

type RowChangeType int

const (
	RowAdd RowChangeType = iota
	RowRemove
	RowEdit
)

// RowChange is a base table change entering the engine through a source.
type RowChange struct {
	Type   RowChangeType
	Row    Row
	OldRow Row
}

type rowItem struct {
	row     Row
	compare func(a, b Row) int
}

func (item *rowItem) Less(than btree.Item) bool {
	other, ok := than.(*rowItem)
	if !ok {
		return true
	}
	return item.compare(item.row, other.row) < 0
}

type sourceIndex struct {
	sort []OrderPart
	tree *btree.BTree
	cmp  func(a, b Row) int
}

// MemorySource is the in-process reference Source: rows held in btree
// indexes, one per connected sort order, with constraint and start seeking.
type MemorySource struct {
	schema  *Schema
	indexes map[string]*sourceIndex
	inputs  []*memorySourceInput
}

func NewMemorySource(schema *Schema) *MemorySource {
	if len(schema.PrimaryKey) == 0 {
		panic("memory source schema must declare a primary key")
	}
	base := schema.Clone()
	base.Sort = base.DefaultSort()
	source := &MemorySource{
		schema:  base,
		indexes: make(map[string]*sourceIndex),
	}
	source.ensureIndex(base.Sort)
	return source
}

func (ms *MemorySource) Schema() *Schema {
	return ms.schema
}

func sortSignature(sort []OrderPart) string {
	out := ""
	for _, part := range sort {
		out += part.Field + "/" + string(part.Direction) + ";"
	}
	return out
}

func (ms *MemorySource) ensureIndex(sort []OrderPart) *sourceIndex {
	signature := sortSignature(sort)
	if index, ok := ms.indexes[signature]; ok {
		return index
	}
	ordered := ms.schema.WithSort(sort)
	index := &sourceIndex{
		sort: append([]OrderPart(nil), sort...),
		cmp: func(a, b Row) int {
			if cmp := ordered.CompareRows(a, b); cmp != 0 {
				return cmp
			}
			// Primary key tiebreak keeps rows distinct in the tree even
			// under sorts that don't cover the key.
			aKey, bKey := ordered.RowKey(a), ordered.RowKey(b)
			if aKey < bKey {
				return -1
			} else if aKey > bKey {
				return 1
			}
			return 0
		},
	}
	index.tree = btree.New(2)
	// Backfill from the primary index.
	primary := ms.indexes[sortSignature(ms.schema.Sort)]
	if primary != nil {
		primary.tree.Ascend(func(item btree.Item) bool {
			row := item.(*rowItem).row
			index.tree.ReplaceOrInsert(&rowItem{row: row, compare: index.cmp})
			return true
		})
	}
	ms.indexes[signature] = index
	return index
}

// Connect attaches a pipeline to this table. The sort must cover the
// primary key; the builder validates that before connecting.
func (ms *MemorySource) Connect(sort []OrderPart, filters []FieldComparison, splitEditKeys []string, log logr.Logger) (SourceInput, error) {
	if len(sort) == 0 {
		sort = ms.schema.DefaultSort()
	}
	for _, part := range sort {
		if !ms.hasColumn(part.Field) {
			return nil, errors.Errorf("table %q has no column %q to sort by", ms.schema.Table, part.Field)
		}
	}
	input := &memorySourceInput{
		source:        ms,
		index:         ms.ensureIndex(sort),
		sort:          append([]OrderPart(nil), sort...),
		filters:       append([]FieldComparison(nil), filters...),
		splitEditKeys: append([]string(nil), splitEditKeys...),
		log:           log,
	}
	ms.inputs = append(ms.inputs, input)
	return input, nil
}

func (ms *MemorySource) hasColumn(name string) bool {
	for _, column := range ms.schema.Columns {
		if column.Name == name {
			return true
		}
	}
	return false
}

func (ms *MemorySource) lookup(row Row) (Row, bool) {
	primary := ms.indexes[sortSignature(ms.schema.Sort)]
	item := primary.tree.Get(&rowItem{row: row, compare: primary.cmp})
	if item == nil {
		return nil, false
	}
	return item.(*rowItem).row, true
}

func (ms *MemorySource) validateRow(row Row) error {
	for field, value := range row {
		found := false
		for _, column := range ms.schema.Columns {
			if column.Name != field {
				continue
			}
			found = true
			if value.TypeID != column.Type && value.TypeID != incview.TypeIDNull {
				return errors.Errorf("column %q of table %q holds %s, got %s", field, ms.schema.Table, column.Type, value.TypeID)
			}
		}
		if !found {
			return errors.Errorf("table %q has no column %q", ms.schema.Table, field)
		}
	}
	return nil
}

// PushRow applies one base table change and propagates it to every
// connected pipeline, one at a time, depth first.
func (ms *MemorySource) PushRow(change RowChange) error {
	switch change.Type {
	case RowAdd:
		if err := ms.validateRow(change.Row); err != nil {
			return err
		}
		if _, ok := ms.lookup(change.Row); ok {
			panic("add pushed for an already visible primary key in table " + ms.schema.Table)
		}
		ms.insert(change.Row)
	case RowRemove:
		stored, ok := ms.lookup(change.Row)
		if !ok {
			panic("remove pushed for an unknown primary key in table " + ms.schema.Table)
		}
		change.Row = stored
		ms.remove(stored)
	case RowEdit:
		if err := ms.validateRow(change.Row); err != nil {
			return err
		}
		stored, ok := ms.lookup(change.OldRow)
		if !ok {
			panic("edit pushed for an unknown primary key in table " + ms.schema.Table)
		}
		if ms.schema.RowKey(change.OldRow) != ms.schema.RowKey(change.Row) {
			panic("edit must keep the primary key; push remove+add instead")
		}
		change.OldRow = stored
		ms.remove(stored)
		ms.insert(change.Row)
	default:
		panic("unexhaustive row change type match")
	}

	for _, input := range ms.inputs {
		if err := input.pushRow(change); err != nil {
			return errors.Wrap(err, "couldn't propagate row change")
		}
	}
	return nil
}

func (ms *MemorySource) insert(row Row) {
	for _, index := range ms.indexes {
		index.tree.ReplaceOrInsert(&rowItem{row: row, compare: index.cmp})
	}
}

func (ms *MemorySource) remove(row Row) {
	for _, index := range ms.indexes {
		index.tree.Delete(&rowItem{row: row, compare: index.cmp})
	}
}

func (ms *MemorySource) disconnect(input *memorySourceInput) {
	for i := range ms.inputs {
		if ms.inputs[i] == input {
			ms.inputs = append(ms.inputs[:i], ms.inputs[i+1:]...)
			return
		}
	}
}

type memorySourceInput struct {
	source        *MemorySource
	index         *sourceIndex
	sort          []OrderPart
	filters       []FieldComparison
	splitEditKeys []string
	log           logr.Logger
	output        Output
}

func (in *memorySourceInput) Schema() *Schema {
	return in.source.schema.WithSort(in.sort)
}

func (in *memorySourceInput) SetOutput(output Output) {
	in.output = output
}

func (in *memorySourceInput) FullyAppliedFilters() bool {
	return true
}

func (in *memorySourceInput) matches(row Row) bool {
	for _, filter := range in.filters {
		if !filter.Matches(row) {
			return false
		}
	}
	return true
}

func (in *memorySourceInput) Fetch(req FetchRequest) (NodeStream, error) {
	stream := &memoryScanStream{input: in, reverse: req.Reverse, constraint: req.Constraint}
	if req.Start != nil {
		stream.pivot = req.Start.Row
		stream.includePivot = req.Start.Basis == StartAt
	}
	return stream, nil
}

// Cleanup on a leaf just reports the rows being let go; the source keeps no
// per-consumer state to release.
func (in *memorySourceInput) Cleanup(req FetchRequest) (NodeStream, error) {
	return in.Fetch(req)
}

func (in *memorySourceInput) Destroy() {
	in.source.disconnect(in)
}

func (in *memorySourceInput) pushRow(change RowChange) error {
	if in.output == nil {
		return nil
	}
	if change.Type == RowEdit && in.splitTouched(change.OldRow, change.Row) {
		in.log.V(2).Info("splitting edit", "table", in.source.schema.Table)
		if err := in.pushChange(NewRemoveChange(NewNode(change.OldRow))); err != nil {
			return err
		}
		return in.pushChange(NewAddChange(NewNode(change.Row)))
	}
	switch change.Type {
	case RowAdd:
		return in.pushChange(NewAddChange(NewNode(change.Row)))
	case RowRemove:
		return in.pushChange(NewRemoveChange(NewNode(change.Row)))
	case RowEdit:
		return in.pushChange(NewEditChange(NewNode(change.OldRow), NewNode(change.Row)))
	default:
		panic("unexhaustive row change type match")
	}
}

// pushChange applies the connect-time filters before anything reaches the
// pipeline, since this input claims FullyAppliedFilters.
func (in *memorySourceInput) pushChange(change Change) error {
	out, ok := filterChange(change, in.matches)
	if !ok {
		return nil
	}
	in.log.V(2).Info("pushing change", "table", in.source.schema.Table, "change", out.String())
	return in.output.Push(out)
}

func (in *memorySourceInput) splitTouched(oldRow, newRow Row) bool {
	for _, field := range in.splitEditKeys {
		if !oldRow[field].Equal(newRow[field]) {
			return true
		}
	}
	return false
}

// memoryScanStream walks a btree index lazily: each Next seeks from the
// last returned row, so an early-stopping consumer never forces a full
// scan.
type memoryScanStream struct {
	input        *memorySourceInput
	reverse      bool
	constraint   Constraint
	pivot        Row
	includePivot bool
	started      bool
}

func (stream *memoryScanStream) Next() (*Node, error) {
	index := stream.input.index
	var found Row

	visit := func(item btree.Item) bool {
		row := item.(*rowItem).row
		if stream.pivot != nil && index.cmp(row, stream.pivot) == 0 {
			if !stream.includePivot || stream.started {
				return true
			}
		}
		stream.pivot = row
		stream.includePivot = false
		if !stream.input.matches(row) {
			return true
		}
		if stream.constraint != nil && !stream.constraint.Matches(row) {
			return true
		}
		found = row
		return false
	}

	if stream.pivot == nil {
		if stream.reverse {
			index.tree.Descend(visit)
		} else {
			index.tree.Ascend(visit)
		}
	} else {
		seek := &rowItem{row: stream.pivot, compare: index.cmp}
		if stream.reverse {
			index.tree.DescendLessOrEqual(seek, visit)
		} else {
			index.tree.AscendGreaterOrEqual(seek, visit)
		}
	}
	stream.started = true

	if found == nil {
		return nil, ErrEndOfStream
	}
	return NewNode(found), nil
}
