package ivm

import (
	"github.com/pkg/errors"
)

// FanOut duplicates its input to N independent branch pipelines, one per OR
// operand that needs its own filter chain. Fetches pass straight through,
// so every branch sees the same upstream rows; pushes are delivered to all
// branches within one batch so the paired FanIn can compute the net effect.
type FanOut struct {
	source    Input
	outputs   []Output
	fanIn     *FanIn
	cleanedUp int
	destroyed bool
}

func NewFanOut(source Input) *FanOut {
	fanOut := &FanOut{source: source}
	source.SetOutput(fanOut)
	return fanOut
}

func (f *FanOut) Schema() *Schema {
	return f.source.Schema()
}

// SetOutput panics: branches attach via AddBranchOutput, wired by NewFanIn.
func (f *FanOut) SetOutput(output Output) {
	panic("fan-out has explicit branch outputs, use AddBranchOutput")
}

func (f *FanOut) AddBranchOutput(output Output) {
	f.outputs = append(f.outputs, output)
}

// Branch returns an Input view for building one branch pipeline on top of
// this fan-out: its SetOutput registers the branch instead of replacing a
// single output.
func (f *FanOut) Branch() Input {
	return &fanOutBranch{fanOut: f}
}

type fanOutBranch struct {
	fanOut *FanOut
}

func (b *fanOutBranch) Schema() *Schema { return b.fanOut.Schema() }

func (b *fanOutBranch) Fetch(req FetchRequest) (NodeStream, error) {
	return b.fanOut.Fetch(req)
}

func (b *fanOutBranch) Cleanup(req FetchRequest) (NodeStream, error) {
	return b.fanOut.Cleanup(req)
}

func (b *fanOutBranch) SetOutput(output Output) {
	b.fanOut.AddBranchOutput(output)
}

func (b *fanOutBranch) Destroy() {
	b.fanOut.Destroy()
}

func (f *FanOut) setFanIn(fanIn *FanIn) {
	f.fanIn = fanIn
}

func (f *FanOut) Fetch(req FetchRequest) (NodeStream, error) {
	return f.source.Fetch(req)
}

// Cleanup forwards upstream only on the last branch's request; earlier
// branches get a plain fetch so each still observes its held rows.
func (f *FanOut) Cleanup(req FetchRequest) (NodeStream, error) {
	f.cleanedUp++
	if f.cleanedUp >= len(f.outputs) {
		f.cleanedUp = 0
		return f.source.Cleanup(req)
	}
	return f.source.Fetch(req)
}

func (f *FanOut) Destroy() {
	if f.destroyed {
		return
	}
	f.destroyed = true
	f.source.Destroy()
}

func (f *FanOut) Push(change Change) error {
	if f.fanIn == nil {
		panic("fan-out pushed before its fan-in was wired")
	}
	f.fanIn.beginBatch()
	for _, output := range f.outputs {
		if err := output.Push(change); err != nil {
			return errors.Wrap(err, "couldn't push change to branch")
		}
	}
	return f.fanIn.endBatch()
}

// FanIn merges N branch streams back into one, deduplicating by primary
// key: a row satisfying several OR branches is emitted once.
type FanIn struct {
	fanOut   *FanOut
	inputs   []Input
	output   Output
	batch    []Change
	batching bool
}

// NewFanIn pairs a FanOut with the terminal inputs of its branches. Each
// branch terminal's output is wired to the fan-in, tagged with the branch
// index so pushes know which branch they came from.
func NewFanIn(fanOut *FanOut, branches []Input) *FanIn {
	fanIn := &FanIn{fanOut: fanOut, inputs: branches}
	for i, branch := range branches {
		branch.SetOutput(&fanInBranchOutput{fanIn: fanIn, branch: i})
	}
	fanOut.setFanIn(fanIn)
	return fanIn
}

type fanInBranchOutput struct {
	fanIn  *FanIn
	branch int
}

func (o *fanInBranchOutput) Push(change Change) error {
	return o.fanIn.pushFrom(o.branch, change)
}

func (f *FanIn) Schema() *Schema {
	return f.fanOut.Schema()
}

func (f *FanIn) SetOutput(output Output) {
	f.output = output
}

func (f *FanIn) Fetch(req FetchRequest) (NodeStream, error) {
	return f.mergeStreams(req, func(input Input) (NodeStream, error) {
		return input.Fetch(req)
	})
}

func (f *FanIn) Cleanup(req FetchRequest) (NodeStream, error) {
	return f.mergeStreams(req, func(input Input) (NodeStream, error) {
		return input.Cleanup(req)
	})
}

func (f *FanIn) mergeStreams(req FetchRequest, open func(Input) (NodeStream, error)) (NodeStream, error) {
	streams := make([]NodeStream, len(f.inputs))
	for i, input := range f.inputs {
		stream, err := open(input)
		if err != nil {
			return nil, errors.Wrap(err, "couldn't open branch stream")
		}
		streams[i] = stream
	}
	merged := &fanInStream{
		schema:  f.Schema(),
		streams: streams,
		heads:   make([]*Node, len(streams)),
		reverse: req.Reverse,
	}
	if err := merged.prime(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (f *FanIn) Destroy() {
	f.fanOut.Destroy()
}

func (f *FanIn) beginBatch() {
	f.batching = true
	f.batch = f.batch[:0]
}

// pushFrom receives one branch's report. Inside a fan-out batch reports
// are buffered for netting; outside one the change originated within the
// branch itself, from a child push entering its hidden join, and is netted
// against the other branches on the spot.
func (f *FanIn) pushFrom(branch int, change Change) error {
	if f.batching {
		f.batch = append(f.batch, change)
		return nil
	}
	return f.pushDirect(branch, change)
}

// pushDirect handles a change only one branch saw. The sibling branches
// received nothing, so their current state is the merged row's pre-change
// state: a visibility flip in one branch nets away when any sibling still
// exposes the row, and an edit or child change of a row the branch kept
// visible passes through.
func (f *FanIn) pushDirect(branch int, change Change) error {
	switch change.Type {
	case ChangeAdd, ChangeRemove:
		exposed, err := f.exposedElsewhere(branch, change.Node.Row)
		if err != nil {
			return err
		}
		if exposed {
			return nil
		}
		return f.output.Push(change)
	case ChangeEdit, ChangeChild:
		return f.output.Push(change)
	default:
		panic("unexhaustive change type match")
	}
}

// exposedElsewhere probes every branch but the given one for the row.
func (f *FanIn) exposedElsewhere(branch int, row Row) (bool, error) {
	constraint := f.Schema().PrimaryKeyConstraint(row)
	for i, input := range f.inputs {
		if i == branch {
			continue
		}
		stream, err := input.Fetch(FetchRequest{Constraint: constraint})
		if err != nil {
			return false, errors.Wrap(err, "couldn't probe branch")
		}
		_, err = stream.Next()
		if err == ErrEndOfStream {
			continue
		} else if err != nil {
			return false, errors.Wrap(err, "couldn't probe branch")
		}
		return true, nil
	}
	return false, nil
}

// endBatch computes the net change across all branch reports for one
// upstream push. Each branch reports its own transition; the merged row was
// visible before the push iff some branch reports a remove or an edit, and
// is visible after iff some branch reports an add or an edit.
func (f *FanIn) endBatch() error {
	f.batching = false
	if len(f.batch) == 0 {
		return nil
	}

	var childChange *Change
	var oldNode, newNode *Node
	for i := range f.batch {
		change := f.batch[i]
		switch change.Type {
		case ChangeAdd:
			newNode = change.Node
		case ChangeRemove:
			oldNode = change.Node
		case ChangeEdit:
			oldNode = change.OldNode
			newNode = change.Node
		case ChangeChild:
			if childChange == nil {
				childChange = &f.batch[i]
			}
		default:
			panic("unexhaustive change type match")
		}
	}

	switch {
	case oldNode != nil && newNode != nil:
		return f.output.Push(NewEditChange(oldNode, newNode))
	case childChange != nil:
		// A branch that kept the row visible throughout forwarded a child
		// change; the merged row was and remains visible, so a sibling's
		// visibility flip nets away.
		return f.output.Push(*childChange)
	case newNode != nil:
		return f.output.Push(NewAddChange(newNode))
	case oldNode != nil:
		return f.output.Push(NewRemoveChange(oldNode))
	default:
		return nil
	}
}

// fanInStream is a k-way merge over branch streams sharing one sort order,
// emitting each primary key once.
type fanInStream struct {
	schema  *Schema
	streams []NodeStream
	heads   []*Node
	reverse bool
}

func (stream *fanInStream) prime() error {
	for i := range stream.streams {
		if err := stream.advance(i); err != nil {
			return err
		}
	}
	return nil
}

func (stream *fanInStream) advance(i int) error {
	node, err := stream.streams[i].Next()
	if err == ErrEndOfStream {
		stream.heads[i] = nil
		return nil
	} else if err != nil {
		return errors.Wrap(err, "couldn't get branch node")
	}
	stream.heads[i] = node
	return nil
}

func (stream *fanInStream) Next() (*Node, error) {
	best := -1
	for i, head := range stream.heads {
		if head == nil {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		cmp := stream.schema.CompareRows(head.Row, stream.heads[best].Row)
		if stream.reverse {
			cmp = -cmp
		}
		if cmp < 0 {
			best = i
		}
	}
	if best == -1 {
		return nil, ErrEndOfStream
	}
	node := stream.heads[best]
	key := stream.schema.RowKey(node.Row)
	for i, head := range stream.heads {
		if head == nil {
			continue
		}
		if stream.schema.RowKey(head.Row) == key {
			if err := stream.advance(i); err != nil {
				return nil, err
			}
		}
	}
	return node, nil
}
