package ivm

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/incview/incview/storage"
)

// Take enforces a row limit, optionally per partition (each distinct value
// of the partition key gets its own count). It remembers, per partition,
// how many rows it has emitted and the current boundary row, so that a
// pushed row ordered before the boundary can evict the previous boundary
// row while a push past a full window is a no-op.
type Take struct {
	source       Input
	limit        int
	partitionKey []string
	storage      storage.Storage
	output       Output
}

func NewTake(source Input, limit int, partitionKey []string, store storage.Storage) *Take {
	if limit <= 0 {
		panic("take limit must be positive")
	}
	take := &Take{
		source:       source,
		limit:        limit,
		partitionKey: partitionKey,
		storage:      store,
	}
	source.SetOutput(take)
	return take
}

type takeState struct {
	Size  int `json:"size"`
	Bound Row `json:"bound"`
}

func (t *Take) Schema() *Schema {
	return t.source.Schema()
}

func (t *Take) SetOutput(output Output) {
	t.output = output
}

func (t *Take) partitionOf(row Row) string {
	return row.EncodeKey(t.partitionKey)
}

func (t *Take) stateKey(partition string) string {
	return "take/" + partition
}

func (t *Take) loadState(partition string) (takeState, error) {
	data, err := t.storage.Get(t.stateKey(partition))
	if err == storage.ErrKeyNotFound {
		return takeState{}, nil
	} else if err != nil {
		return takeState{}, errors.Wrap(err, "couldn't load take state")
	}
	var state takeState
	if err := json.Unmarshal(data, &state); err != nil {
		return takeState{}, errors.Wrap(err, "couldn't unmarshal take state")
	}
	return state, nil
}

func (t *Take) storeState(partition string, state takeState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "couldn't marshal take state")
	}
	return errors.Wrap(t.storage.Set(t.stateKey(partition), data), "couldn't store take state")
}

func (t *Take) Fetch(req FetchRequest) (NodeStream, error) {
	if req.Reverse {
		// The window is defined in forward order, so a reverse fetch is the
		// materialized forward window walked backwards.
		forward := req
		forward.Reverse = false
		forward.Start = nil
		stream, err := t.Fetch(forward)
		if err != nil {
			return nil, err
		}
		nodes, err := DrainStream(stream)
		if err != nil {
			return nil, err
		}
		for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
			nodes[i], nodes[j] = nodes[j], nodes[i]
		}
		return resumeStream(nodes, req.Start, t.Schema().CompareRows, true), nil
	}

	if req.Start != nil {
		// The window is anchored at the start of upstream order, so a resumed
		// fetch is a slice of the materialized window, not a shifted one.
		full := req
		full.Start = nil
		stream, err := t.Fetch(full)
		if err != nil {
			return nil, err
		}
		nodes, err := DrainStream(stream)
		if err != nil {
			return nil, err
		}
		return resumeStream(nodes, req.Start, t.Schema().CompareRows, false), nil
	}

	stream, err := t.source.Fetch(req)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't fetch source stream")
	}
	return &takeStream{
		take:    t,
		source:  stream,
		counts:  make(map[string]int),
		persist: t.shouldPersist(req),
	}, nil
}

// shouldPersist reports whether a fetch hydrates authoritative window state.
// Constrained fetches only do when the constraint pins whole partitions,
// which is how joins fetch a partitioned take.
func (t *Take) shouldPersist(req FetchRequest) bool {
	if req.Start != nil {
		return false
	}
	for field := range req.Constraint {
		found := false
		for _, pk := range t.partitionKey {
			if pk == field {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (t *Take) Cleanup(req FetchRequest) (NodeStream, error) {
	stream, err := t.source.Cleanup(req)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't clean up source stream")
	}
	if err := t.storage.DeletePrefix("take/"); err != nil {
		return nil, errors.Wrap(err, "couldn't clear take state")
	}
	return &takeStream{
		take:   t,
		source: stream,
		counts: make(map[string]int),
	}, nil
}

func (t *Take) Destroy() {
	if err := t.storage.Close(); err != nil {
		panic(errors.Wrap(err, "couldn't close take storage"))
	}
	t.source.Destroy()
}

// windowNodes fetches the current first limit rows of a partition from
// upstream.
func (t *Take) windowNodes(partition Row) ([]*Node, error) {
	var constraint Constraint
	if len(t.partitionKey) > 0 {
		constraint = make(Constraint, len(t.partitionKey))
		for _, field := range t.partitionKey {
			constraint[field] = partition[field]
		}
	}
	stream, err := t.source.Fetch(FetchRequest{Constraint: constraint})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't fetch upstream window")
	}
	var nodes []*Node
	for len(nodes) < t.limit {
		node, err := stream.Next()
		if err == ErrEndOfStream {
			break
		} else if err != nil {
			return nil, errors.Wrap(err, "couldn't get upstream window node")
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (t *Take) refreshState(partition Row) (takeState, error) {
	nodes, err := t.windowNodes(partition)
	if err != nil {
		return takeState{}, err
	}
	state := takeState{Size: len(nodes)}
	if len(nodes) > 0 {
		state.Bound = nodes[len(nodes)-1].Row
	}
	if err := t.storeState(t.partitionOf(partition), state); err != nil {
		return takeState{}, err
	}
	return state, nil
}

func (t *Take) Push(change Change) error {
	switch change.Type {
	case ChangeAdd:
		return t.pushAdd(change.Node)
	case ChangeRemove:
		return t.pushRemove(change.Node)
	case ChangeEdit:
		if t.Schema().CompareRows(change.OldNode.Row, change.Node.Row) != 0 {
			// An edit that moves the row in sort order behaves like the row
			// leaving and re-entering the window.
			if err := t.pushRemove(change.OldNode); err != nil {
				return err
			}
			return t.pushAdd(change.Node)
		}
		state, err := t.loadState(t.partitionOf(change.Node.Row))
		if err != nil {
			return err
		}
		if state.Size == 0 || t.Schema().CompareRows(change.Node.Row, state.Bound) > 0 {
			return nil
		}
		if state.Bound != nil && t.Schema().CompareRows(change.Node.Row, state.Bound) == 0 {
			state.Bound = change.Node.Row
			if err := t.storeState(t.partitionOf(change.Node.Row), state); err != nil {
				return err
			}
		}
		return t.output.Push(change)
	case ChangeChild:
		state, err := t.loadState(t.partitionOf(change.Node.Row))
		if err != nil {
			return err
		}
		if state.Size == 0 || t.Schema().CompareRows(change.Node.Row, state.Bound) > 0 {
			return nil
		}
		return t.output.Push(change)
	default:
		panic("unexhaustive change type match")
	}
}

func (t *Take) pushAdd(node *Node) error {
	partition := t.partitionOf(node.Row)
	state, err := t.loadState(partition)
	if err != nil {
		return err
	}

	if state.Size < t.limit {
		state.Size++
		if state.Bound == nil || t.Schema().CompareRows(node.Row, state.Bound) > 0 {
			state.Bound = node.Row
		}
		if err := t.storeState(partition, state); err != nil {
			return err
		}
		return t.output.Push(NewAddChange(node))
	}

	if t.Schema().CompareRows(node.Row, state.Bound) > 0 {
		// Past a full window: invisible, nothing to do.
		return nil
	}

	// The new row lands inside a full window: admit it and evict the
	// previous boundary row.
	evicted, err := t.nodeForRow(state.Bound)
	if err != nil {
		return err
	}
	if err := t.output.Push(NewAddChange(node)); err != nil {
		return err
	}
	if err := t.output.Push(NewRemoveChange(evicted)); err != nil {
		return err
	}
	_, err = t.refreshState(node.Row)
	return err
}

func (t *Take) pushRemove(node *Node) error {
	partition := t.partitionOf(node.Row)
	state, err := t.loadState(partition)
	if err != nil {
		return err
	}
	if state.Size == 0 || t.Schema().CompareRows(node.Row, state.Bound) > 0 {
		return nil
	}

	if err := t.output.Push(NewRemoveChange(node)); err != nil {
		return err
	}

	wasFull := state.Size == t.limit
	newState, err := t.refreshState(node.Row)
	if err != nil {
		return err
	}
	if wasFull && newState.Size == t.limit {
		// A row beyond the old boundary slid into the window.
		admitted, err := t.nodeForRow(newState.Bound)
		if err != nil {
			return err
		}
		return t.output.Push(NewAddChange(admitted))
	}
	return nil
}

// nodeForRow refetches the full node for a row the operator only has the
// row of, e.g. a stored boundary.
func (t *Take) nodeForRow(row Row) (*Node, error) {
	stream, err := t.source.Fetch(FetchRequest{Constraint: t.Schema().PrimaryKeyConstraint(row)})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't refetch node for row")
	}
	node, err := stream.Next()
	if err == ErrEndOfStream {
		return NewNode(row), nil
	} else if err != nil {
		return nil, errors.Wrap(err, "couldn't refetch node for row")
	}
	return node, nil
}

type takeStream struct {
	take    *Take
	source  NodeStream
	counts  map[string]int
	persist bool
}

func (stream *takeStream) Next() (*Node, error) {
	for {
		node, err := stream.source.Next()
		if err != nil {
			if err == ErrEndOfStream {
				return nil, ErrEndOfStream
			}
			return nil, errors.Wrap(err, "couldn't get source node")
		}
		partition := stream.take.partitionOf(node.Row)
		if stream.counts[partition] >= stream.take.limit {
			if len(stream.take.partitionKey) == 0 {
				return nil, ErrEndOfStream
			}
			continue
		}
		stream.counts[partition]++
		if stream.persist {
			err := stream.take.storeState(partition, takeState{
				Size:  stream.counts[partition],
				Bound: node.Row,
			})
			if err != nil {
				return nil, err
			}
		}
		return node, nil
	}
}

// resumeStream slices a materialized node list at a start position, used by
// operators whose output order is only known after materialization.
func resumeStream(nodes []*Node, start *Start, compare func(a, b Row) int, reversed bool) NodeStream {
	if start == nil {
		return NewSliceStream(nodes)
	}
	for i, node := range nodes {
		cmp := compare(node.Row, start.Row)
		if reversed {
			cmp = -cmp
		}
		if cmp > 0 || (cmp == 0 && start.Basis == StartAt) {
			return NewSliceStream(nodes[i:])
		}
	}
	return EmptyStream()
}
