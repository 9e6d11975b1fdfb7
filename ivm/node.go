package ivm

import (
	"fmt"
)

// Relationship is an explicit capability for reaching one node's children:
// the child input plus the constraint derived from the parent row. Fetching
// through it is safe to repeat and reflects current upstream state.
type Relationship struct {
	Name       string
	Hidden     bool
	Input      Input
	Constraint Constraint
}

func (rel Relationship) FetchChildren() (NodeStream, error) {
	return rel.Input.Fetch(FetchRequest{Constraint: rel.Constraint})
}

// Node is a row plus its relationship accessors, the tree shaped unit that
// flows between operators.
type Node struct {
	Row           Row
	relationships map[string]Relationship
}

func NewNode(row Row) *Node {
	return &Node{Row: row}
}

func (n *Node) Relationship(name string) (Relationship, bool) {
	rel, ok := n.relationships[name]
	return rel, ok
}

func (n *Node) Relationships() map[string]Relationship {
	return n.relationships
}

// WithRelationship returns a copy of the node carrying one more
// relationship accessor.
func (n *Node) WithRelationship(rel Relationship) *Node {
	out := &Node{
		Row:           n.Row,
		relationships: make(map[string]Relationship, len(n.relationships)+1),
	}
	for name, existing := range n.relationships {
		out.relationships[name] = existing
	}
	out.relationships[rel.Name] = rel
	return out
}

type ChangeType int

const (
	ChangeAdd ChangeType = iota
	ChangeRemove
	ChangeEdit
	ChangeChild
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	case ChangeEdit:
		return "edit"
	case ChangeChild:
		return "child"
	default:
		panic("unexhaustive change type match")
	}
}

// Change is one incremental update flowing downstream. Add carries a node
// not previously visible at this point of the pipeline, Remove one that
// was; Edit carries the old and new version of one row under the same
// primary key; Child carries an unchanged parent plus a nested change for
// one of its relationships.
type Change struct {
	Type         ChangeType
	Node         *Node
	OldNode      *Node
	Relationship string
	Child        *Change
}

func NewAddChange(node *Node) Change {
	return Change{Type: ChangeAdd, Node: node}
}

func NewRemoveChange(node *Node) Change {
	return Change{Type: ChangeRemove, Node: node}
}

func NewEditChange(oldNode, node *Node) Change {
	return Change{Type: ChangeEdit, OldNode: oldNode, Node: node}
}

func NewChildChange(parent *Node, relationship string, child Change) Change {
	return Change{Type: ChangeChild, Node: parent, Relationship: relationship, Child: &child}
}

func (c Change) String() string {
	switch c.Type {
	case ChangeAdd, ChangeRemove:
		return fmt.Sprintf("%s(%v)", c.Type, c.Node.Row)
	case ChangeEdit:
		return fmt.Sprintf("edit(%v -> %v)", c.OldNode.Row, c.Node.Row)
	case ChangeChild:
		return fmt.Sprintf("child(%v, %s, %s)", c.Node.Row, c.Relationship, c.Child)
	default:
		panic("unexhaustive change type match")
	}
}
