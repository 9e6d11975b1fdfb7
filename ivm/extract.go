package ivm

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/incview/incview/storage"
)

// ExtractMatchingKeys recovers original-root rows after a flip reordered
// the pipeline: it walks a fixed relationship path on every node and emits
// the rows found at the path's end, deduplicated by the target table's
// primary key. The same physical row can be reached through several parent
// branches, so the operator keeps a storage backed reference count per key.
type ExtractMatchingKeys struct {
	source  Input
	path    []string
	schema  *Schema
	storage storage.Storage
	output  Output
}

func NewExtractMatchingKeys(source Input, path []string, store storage.Storage) *ExtractMatchingKeys {
	if len(path) == 0 {
		panic("extract path must not be empty")
	}
	schema := source.Schema()
	for _, name := range path {
		rel, ok := schema.Relationships[name]
		if !ok {
			panic("extract path references an undeclared relationship: " + name)
		}
		schema = rel.Schema
	}
	extract := &ExtractMatchingKeys{
		source:  source,
		path:    path,
		schema:  schema,
		storage: store,
	}
	source.SetOutput(extract)
	return extract
}

func (e *ExtractMatchingKeys) Schema() *Schema {
	return e.schema
}

func (e *ExtractMatchingKeys) SetOutput(output Output) {
	e.output = output
}

func (e *ExtractMatchingKeys) countKey(row Row) string {
	return "extract/" + e.schema.RowKey(row)
}

func (e *ExtractMatchingKeys) adjustCount(row Row, delta int) (before, after int, err error) {
	data, err := e.storage.Get(e.countKey(row))
	if err == nil {
		if err := json.Unmarshal(data, &before); err != nil {
			return 0, 0, errors.Wrap(err, "couldn't unmarshal extract count")
		}
	} else if err != storage.ErrKeyNotFound {
		return 0, 0, errors.Wrap(err, "couldn't load extract count")
	}
	after = before + delta
	if after < 0 {
		panic("extract count went negative; a remove was pushed for a row that was never added")
	}
	if after == 0 {
		if err := e.storage.Delete(e.countKey(row)); err != nil {
			return 0, 0, errors.Wrap(err, "couldn't delete extract count")
		}
		return before, after, nil
	}
	out, err := json.Marshal(after)
	if err != nil {
		return 0, 0, errors.Wrap(err, "couldn't marshal extract count")
	}
	if err := e.storage.Set(e.countKey(row), out); err != nil {
		return 0, 0, errors.Wrap(err, "couldn't store extract count")
	}
	return before, after, nil
}

func (e *ExtractMatchingKeys) loadCount(row Row) (int, error) {
	data, err := e.storage.Get(e.countKey(row))
	if err == storage.ErrKeyNotFound {
		return 0, nil
	} else if err != nil {
		return 0, errors.Wrap(err, "couldn't load extract count")
	}
	var count int
	if err := json.Unmarshal(data, &count); err != nil {
		return 0, errors.Wrap(err, "couldn't unmarshal extract count")
	}
	return count, nil
}

// nodesAtPath gathers the nodes reachable from node by following the
// relationship path starting at the given depth.
func (e *ExtractMatchingKeys) nodesAtPath(node *Node, depth int) ([]*Node, error) {
	if depth == len(e.path) {
		return []*Node{node}, nil
	}
	rel, ok := node.Relationship(e.path[depth])
	if !ok {
		panic("extract node is missing path relationship: " + e.path[depth])
	}
	stream, err := rel.FetchChildren()
	if err != nil {
		return nil, errors.Wrap(err, "couldn't fetch path children")
	}
	children, err := DrainStream(stream)
	if err != nil {
		return nil, err
	}
	var out []*Node
	for _, child := range children {
		found, err := e.nodesAtPath(child, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func (e *ExtractMatchingKeys) Fetch(req FetchRequest) (NodeStream, error) {
	if err := e.storage.DeletePrefix("extract/"); err != nil {
		return nil, errors.Wrap(err, "couldn't reset extract state")
	}
	stream, err := e.source.Fetch(FetchRequest{})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't fetch source stream")
	}
	return &extractStream{extract: e, source: stream, constraint: req.Constraint, record: true}, nil
}

func (e *ExtractMatchingKeys) Cleanup(req FetchRequest) (NodeStream, error) {
	stream, err := e.source.Cleanup(FetchRequest{})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't clean up source stream")
	}
	if err := e.storage.DeletePrefix("extract/"); err != nil {
		return nil, errors.Wrap(err, "couldn't reset extract state")
	}
	return &extractStream{extract: e, source: stream, constraint: req.Constraint, seen: make(map[string]bool)}, nil
}

func (e *ExtractMatchingKeys) Destroy() {
	if err := e.storage.Close(); err != nil {
		panic(errors.Wrap(err, "couldn't close extract storage"))
	}
	e.source.Destroy()
}

func (e *ExtractMatchingKeys) Push(change Change) error {
	switch change.Type {
	case ChangeAdd:
		return e.adjustReachable(change.Node, 1)
	case ChangeRemove:
		return e.adjustReachable(change.Node, -1)
	case ChangeEdit:
		// The enumeration root's own row changed; which target rows it
		// reaches did not (edits moving correlation keys are split at the
		// source), so the extracted set is untouched.
		return nil
	case ChangeChild:
		if change.Relationship != e.path[0] {
			return nil
		}
		return e.pushAtDepth(*change.Child, 1)
	default:
		panic("unexhaustive change type match")
	}
}

// adjustReachable walks the whole path under a node and applies a reference
// count delta to every reachable target, emitting visibility transitions.
func (e *ExtractMatchingKeys) adjustReachable(node *Node, delta int) error {
	targets, err := e.nodesAtPath(node, 0)
	if err != nil {
		return err
	}
	return e.adjustTargets(targets, delta)
}

func (e *ExtractMatchingKeys) adjustTargets(targets []*Node, delta int) error {
	for _, target := range targets {
		before, after, err := e.adjustCount(target.Row, delta)
		if err != nil {
			return err
		}
		switch {
		case before == 0 && after > 0:
			if err := e.output.Push(NewAddChange(target)); err != nil {
				return err
			}
		case before > 0 && after == 0:
			if err := e.output.Push(NewRemoveChange(target)); err != nil {
				return err
			}
		}
	}
	return nil
}

// pushAtDepth applies a nested change observed at the given path depth.
func (e *ExtractMatchingKeys) pushAtDepth(change Change, depth int) error {
	if depth == len(e.path) {
		return e.pushTarget(change)
	}
	switch change.Type {
	case ChangeAdd:
		targets, err := e.nodesAtPath(change.Node, depth)
		if err != nil {
			return err
		}
		return e.adjustTargets(targets, 1)
	case ChangeRemove:
		targets, err := e.nodesAtPath(change.Node, depth)
		if err != nil {
			return err
		}
		return e.adjustTargets(targets, -1)
	case ChangeEdit:
		return nil
	case ChangeChild:
		if change.Relationship != e.path[depth] {
			return nil
		}
		return e.pushAtDepth(*change.Child, depth+1)
	default:
		panic("unexhaustive change type match")
	}
}

// pushTarget applies a change that concerns the target rows themselves.
func (e *ExtractMatchingKeys) pushTarget(change Change) error {
	switch change.Type {
	case ChangeAdd:
		return e.adjustTargets([]*Node{change.Node}, 1)
	case ChangeRemove:
		return e.adjustTargets([]*Node{change.Node}, -1)
	case ChangeEdit:
		count, err := e.loadCount(change.Node.Row)
		if err != nil {
			return err
		}
		if count > 0 {
			return e.output.Push(change)
		}
		return nil
	case ChangeChild:
		count, err := e.loadCount(change.Node.Row)
		if err != nil {
			return err
		}
		if count > 0 {
			return e.output.Push(change)
		}
		return nil
	default:
		panic("unexhaustive change type match")
	}
}

type extractStream struct {
	extract    *ExtractMatchingKeys
	source     NodeStream
	constraint Constraint
	record     bool
	seen       map[string]bool
	pending    []*Node
}

func (stream *extractStream) Next() (*Node, error) {
	for {
		if len(stream.pending) > 0 {
			node := stream.pending[0]
			stream.pending = stream.pending[1:]
			if stream.constraint != nil && !stream.constraint.Matches(node.Row) {
				continue
			}
			return node, nil
		}
		source, err := stream.source.Next()
		if err != nil {
			if err == ErrEndOfStream {
				return nil, ErrEndOfStream
			}
			return nil, errors.Wrap(err, "couldn't get source node")
		}
		targets, err := stream.extract.nodesAtPath(source, 0)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			first, err := stream.firstSighting(target)
			if err != nil {
				return nil, err
			}
			if first {
				stream.pending = append(stream.pending, target)
			}
		}
	}
}

// firstSighting reports whether this is the first time the stream reaches
// the target's primary key, bumping the persistent reference count when the
// stream is hydrating state.
func (stream *extractStream) firstSighting(target *Node) (bool, error) {
	if stream.record {
		before, _, err := stream.extract.adjustCount(target.Row, 1)
		if err != nil {
			return false, err
		}
		return before == 0, nil
	}
	key := stream.extract.schema.RowKey(target.Row)
	if stream.seen[key] {
		return false, nil
	}
	stream.seen[key] = true
	return true, nil
}
