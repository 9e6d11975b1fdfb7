package ivm

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/incview/incview/storage"
)

// Join combines a parent and a child input into a tree: every parent node
// gains a relationship whose accessor fetches the matching child rows. The
// join keeps a storage backed index from child key values to parent
// identity so a pushed child change can find the parents it belongs to.
type Join struct {
	parent           Input
	child            Input
	parentKey        []string
	childKey         []string
	relationshipName string
	hidden           bool
	storage          storage.Storage
	schema           *Schema
	output           Output
}

func NewJoin(parent, child Input, parentKey, childKey []string, relationshipName string, hidden bool, store storage.Storage) *Join {
	if len(parentKey) != len(childKey) {
		panic("join key field lists have different lengths")
	}
	join := &Join{
		parent:           parent,
		child:            child,
		parentKey:        parentKey,
		childKey:         childKey,
		relationshipName: relationshipName,
		hidden:           hidden,
		storage:          store,
		schema:           parent.Schema().WithRelationship(relationshipName, child.Schema(), hidden),
	}
	parent.SetOutput(join)
	child.SetOutput(&joinChildOutput{join: join})
	return join
}

func (j *Join) Schema() *Schema {
	return j.schema
}

func (j *Join) SetOutput(output Output) {
	j.output = output
}

func (j *Join) relationshipFor(row Row) Relationship {
	return Relationship{
		Name:       j.relationshipName,
		Hidden:     j.hidden,
		Input:      j.child,
		Constraint: row.Values(j.parentKey, j.childKey),
	}
}

func (j *Join) indexKey(row Row) string {
	return "join/" + row.EncodeKey(j.parentKey) + "/" + j.parent.Schema().RowKey(row)
}

func (j *Join) storeParent(row Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return errors.Wrap(err, "couldn't marshal parent row")
	}
	return errors.Wrap(j.storage.Set(j.indexKey(row), data), "couldn't store parent index entry")
}

func (j *Join) deleteParent(row Row) error {
	return errors.Wrap(j.storage.Delete(j.indexKey(row)), "couldn't delete parent index entry")
}

func (j *Join) Fetch(req FetchRequest) (NodeStream, error) {
	stream, err := j.parent.Fetch(req)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't fetch parent stream")
	}
	return &joinStream{join: j, source: stream, index: true}, nil
}

func (j *Join) Cleanup(req FetchRequest) (NodeStream, error) {
	stream, err := j.parent.Cleanup(req)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't clean up parent stream")
	}
	return &joinStream{join: j, source: stream, cleanup: true}, nil
}

func (j *Join) Destroy() {
	if err := j.storage.Close(); err != nil {
		panic(errors.Wrap(err, "couldn't close join storage"))
	}
	j.child.Destroy()
	j.parent.Destroy()
}

// Push handles changes arriving from the parent input.
func (j *Join) Push(change Change) error {
	switch change.Type {
	case ChangeAdd:
		if err := j.storeParent(change.Node.Row); err != nil {
			return err
		}
		return j.output.Push(NewAddChange(change.Node.WithRelationship(j.relationshipFor(change.Node.Row))))
	case ChangeRemove:
		if err := j.deleteParent(change.Node.Row); err != nil {
			return err
		}
		return j.output.Push(NewRemoveChange(change.Node.WithRelationship(j.relationshipFor(change.Node.Row))))
	case ChangeEdit:
		oldKey := change.OldNode.Row.EncodeKey(j.parentKey)
		newKey := change.Node.Row.EncodeKey(j.parentKey)
		if oldKey != newKey {
			// Sources split edits on correlation keys; an edit that moves
			// the join key anyway decays into remove+add.
			if err := j.Push(NewRemoveChange(change.OldNode)); err != nil {
				return err
			}
			return j.Push(NewAddChange(change.Node))
		}
		if err := j.storeParent(change.Node.Row); err != nil {
			return err
		}
		return j.output.Push(NewEditChange(
			change.OldNode.WithRelationship(j.relationshipFor(change.OldNode.Row)),
			change.Node.WithRelationship(j.relationshipFor(change.Node.Row)),
		))
	case ChangeChild:
		return j.output.Push(NewChildChange(
			change.Node.WithRelationship(j.relationshipFor(change.Node.Row)),
			change.Relationship,
			*change.Child,
		))
	default:
		panic("unexhaustive change type match")
	}
}

// pushChild translates a change on the child input into child-type changes
// against every parent the changed row joins to.
func (j *Join) pushChild(change Change) error {
	row := j.childChangeRow(change)
	prefix := "join/" + row.EncodeKey(j.childKey) + "/"
	iter, err := j.storage.Scan(prefix)
	if err != nil {
		return errors.Wrap(err, "couldn't scan parent index")
	}
	defer iter.Close()
	for {
		_, data, err := iter.Next()
		if err == storage.ErrEndOfIterator {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "couldn't get parent index entry")
		}
		var parentRow Row
		if err := json.Unmarshal(data, &parentRow); err != nil {
			return errors.Wrap(err, "couldn't unmarshal parent row")
		}
		parent := NewNode(parentRow).WithRelationship(j.relationshipFor(parentRow))
		if err := j.output.Push(NewChildChange(parent, j.relationshipName, change)); err != nil {
			return err
		}
	}
}

// childChangeRow picks the row whose join key locates affected parents.
// Edits never move the join key (sources split those), so either side works.
func (j *Join) childChangeRow(change Change) Row {
	switch change.Type {
	case ChangeAdd, ChangeRemove, ChangeChild:
		return change.Node.Row
	case ChangeEdit:
		oldKey := change.OldNode.Row.EncodeKey(j.childKey)
		newKey := change.Node.Row.EncodeKey(j.childKey)
		if oldKey != newKey {
			panic("join child edit moved the join key; the source must split such edits")
		}
		return change.Node.Row
	default:
		panic("unexhaustive change type match")
	}
}

type joinChildOutput struct {
	join *Join
}

func (out *joinChildOutput) Push(change Change) error {
	return out.join.pushChild(change)
}

type joinStream struct {
	join    *Join
	source  NodeStream
	index   bool
	cleanup bool
}

func (stream *joinStream) Next() (*Node, error) {
	node, err := stream.source.Next()
	if err != nil {
		if err == ErrEndOfStream {
			return nil, ErrEndOfStream
		}
		return nil, errors.Wrap(err, "couldn't get parent node")
	}
	rel := stream.join.relationshipFor(node.Row)
	if stream.index {
		if err := stream.join.storeParent(node.Row); err != nil {
			return nil, err
		}
	}
	if stream.cleanup {
		if err := stream.join.deleteParent(node.Row); err != nil {
			return nil, err
		}
		childStream, err := stream.join.child.Cleanup(FetchRequest{Constraint: rel.Constraint})
		if err != nil {
			return nil, errors.Wrap(err, "couldn't clean up child stream")
		}
		if _, err := DrainStream(childStream); err != nil {
			return nil, err
		}
	}
	return node.WithRelationship(rel), nil
}
