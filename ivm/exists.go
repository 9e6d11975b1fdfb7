package ivm

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/incview/incview/storage"
)

type ExistsType int

const (
	ExistsTypeExists ExistsType = iota
	ExistsTypeNotExists
)

// Exists filters parent rows by whether their named relationship, populated
// by a prior hidden join, yields at least one row (EXISTS) or none
// (NOT EXISTS). It does not join itself; it tracks per-row child counts in
// storage so a pushed child change can flip a row's visibility.
type Exists struct {
	source           Input
	relationshipName string
	typ              ExistsType
	storage          storage.Storage
	output           Output
}

func NewExists(source Input, relationshipName string, typ ExistsType, store storage.Storage) *Exists {
	if _, ok := source.Schema().Relationships[relationshipName]; !ok {
		panic("exists over an undeclared relationship: " + relationshipName)
	}
	exists := &Exists{
		source:           source,
		relationshipName: relationshipName,
		typ:              typ,
		storage:          store,
	}
	source.SetOutput(exists)
	return exists
}

func (e *Exists) Schema() *Schema {
	return e.source.Schema()
}

func (e *Exists) SetOutput(output Output) {
	e.output = output
}

func (e *Exists) visible(count int) bool {
	if e.typ == ExistsTypeExists {
		return count > 0
	}
	return count == 0
}

func (e *Exists) countKey(row Row) string {
	return "exists/" + e.Schema().RowKey(row)
}

func (e *Exists) loadCount(row Row) (int, bool, error) {
	data, err := e.storage.Get(e.countKey(row))
	if err == storage.ErrKeyNotFound {
		return 0, false, nil
	} else if err != nil {
		return 0, false, errors.Wrap(err, "couldn't load exists count")
	}
	var count int
	if err := json.Unmarshal(data, &count); err != nil {
		return 0, false, errors.Wrap(err, "couldn't unmarshal exists count")
	}
	return count, true, nil
}

func (e *Exists) storeCount(row Row, count int) error {
	data, err := json.Marshal(count)
	if err != nil {
		return errors.Wrap(err, "couldn't marshal exists count")
	}
	return errors.Wrap(e.storage.Set(e.countKey(row), data), "couldn't store exists count")
}

func (e *Exists) countChildren(node *Node) (int, error) {
	rel, ok := node.Relationship(e.relationshipName)
	if !ok {
		panic("exists node is missing its relationship: " + e.relationshipName)
	}
	stream, err := rel.FetchChildren()
	if err != nil {
		return 0, errors.Wrap(err, "couldn't fetch relationship children")
	}
	count := 0
	for {
		_, err := stream.Next()
		if err == ErrEndOfStream {
			return count, nil
		} else if err != nil {
			return 0, errors.Wrap(err, "couldn't get relationship child")
		}
		count++
	}
}

func (e *Exists) Fetch(req FetchRequest) (NodeStream, error) {
	stream, err := e.source.Fetch(req)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't fetch source stream")
	}
	return &existsStream{exists: e, source: stream, record: true}, nil
}

func (e *Exists) Cleanup(req FetchRequest) (NodeStream, error) {
	stream, err := e.source.Cleanup(req)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't clean up source stream")
	}
	if err := e.storage.DeletePrefix("exists/"); err != nil {
		return nil, errors.Wrap(err, "couldn't clear exists state")
	}
	return &existsStream{exists: e, source: stream}, nil
}

func (e *Exists) Destroy() {
	if err := e.storage.Close(); err != nil {
		panic(errors.Wrap(err, "couldn't close exists storage"))
	}
	e.source.Destroy()
}

func (e *Exists) Push(change Change) error {
	switch change.Type {
	case ChangeAdd:
		count, err := e.countChildren(change.Node)
		if err != nil {
			return err
		}
		if err := e.storeCount(change.Node.Row, count); err != nil {
			return err
		}
		if e.visible(count) {
			return e.output.Push(change)
		}
		return nil
	case ChangeRemove:
		count, known, err := e.loadCount(change.Node.Row)
		if err != nil {
			return err
		}
		if !known {
			count, err = e.countChildren(change.Node)
			if err != nil {
				return err
			}
		}
		if err := e.storage.Delete(e.countKey(change.Node.Row)); err != nil {
			return errors.Wrap(err, "couldn't delete exists count")
		}
		if e.visible(count) {
			return e.output.Push(change)
		}
		return nil
	case ChangeEdit:
		count, known, err := e.loadCount(change.Node.Row)
		if err != nil {
			return err
		}
		if !known {
			count, err = e.countChildren(change.Node)
			if err != nil {
				return err
			}
			if err := e.storeCount(change.Node.Row, count); err != nil {
				return err
			}
		}
		if e.visible(count) {
			return e.output.Push(change)
		}
		return nil
	case ChangeChild:
		if change.Relationship != e.relationshipName {
			count, known, err := e.loadCount(change.Node.Row)
			if err != nil {
				return err
			}
			if !known {
				count, err = e.countChildren(change.Node)
				if err != nil {
					return err
				}
				if err := e.storeCount(change.Node.Row, count); err != nil {
					return err
				}
			}
			if e.visible(count) {
				return e.output.Push(change)
			}
			return nil
		}
		return e.pushTrackedChild(change)
	default:
		panic("unexhaustive change type match")
	}
}

// pushTrackedChild folds a change of the tracked relationship into the
// stored count and emits the visibility transition, if any.
func (e *Exists) pushTrackedChild(change Change) error {
	delta := 0
	switch change.Child.Type {
	case ChangeAdd:
		delta = 1
	case ChangeRemove:
		delta = -1
	case ChangeEdit, ChangeChild:
	default:
		panic("unexhaustive change type match")
	}

	oldCount, known, err := e.loadCount(change.Node.Row)
	if err != nil {
		return err
	}
	if !known {
		// The node was never hydrated through this operator; derive the
		// pre-change count from the current one.
		current, err := e.countChildren(change.Node)
		if err != nil {
			return err
		}
		oldCount = current - delta
	}
	newCount := oldCount + delta
	if newCount < 0 {
		panic("exists count went negative; a remove was pushed for a child that was never added")
	}
	if err := e.storeCount(change.Node.Row, newCount); err != nil {
		return err
	}

	wasVisible := e.visible(oldCount)
	isVisible := e.visible(newCount)
	switch {
	case !wasVisible && isVisible:
		return e.output.Push(NewAddChange(change.Node))
	case wasVisible && !isVisible:
		return e.output.Push(NewRemoveChange(change.Node))
	case isVisible:
		return e.output.Push(change)
	default:
		return nil
	}
}

type existsStream struct {
	exists *Exists
	source NodeStream
	record bool
}

func (stream *existsStream) Next() (*Node, error) {
	for {
		node, err := stream.source.Next()
		if err != nil {
			if err == ErrEndOfStream {
				return nil, ErrEndOfStream
			}
			return nil, errors.Wrap(err, "couldn't get source node")
		}
		count, err := stream.exists.countChildren(node)
		if err != nil {
			return nil, err
		}
		if stream.record {
			if err := stream.exists.storeCount(node.Row, count); err != nil {
				return nil, err
			}
		}
		if stream.exists.visible(count) {
			return node, nil
		}
	}
}
