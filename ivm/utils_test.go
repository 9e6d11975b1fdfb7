package ivm

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/incview/incview"
)

// changeCollector is a terminal Output that records everything pushed into
// it, in order.
type changeCollector struct {
	changes []Change
}

func (c *changeCollector) Push(change Change) error {
	c.changes = append(c.changes, change)
	return nil
}

func (c *changeCollector) reset() {
	c.changes = nil
}

func newUsersSource() *MemorySource {
	return NewMemorySource(&Schema{
		Table: "users",
		Columns: []Column{
			{Name: "id", Type: incview.TypeIDInt},
			{Name: "name", Type: incview.TypeIDString},
			{Name: "age", Type: incview.TypeIDInt},
		},
		PrimaryKey: []string{"id"},
	})
}

func newOrdersSource() *MemorySource {
	return NewMemorySource(&Schema{
		Table: "orders",
		Columns: []Column{
			{Name: "id", Type: incview.TypeIDInt},
			{Name: "user_id", Type: incview.TypeIDInt},
			{Name: "total", Type: incview.TypeIDFloat},
		},
		PrimaryKey: []string{"id"},
	})
}

func userRow(id int, name string, age int) Row {
	return Row{
		"id":   incview.NewInt(id),
		"name": incview.NewString(name),
		"age":  incview.NewInt(age),
	}
}

func orderRow(id, userID int, total float64) Row {
	return Row{
		"id":      incview.NewInt(id),
		"user_id": incview.NewInt(userID),
		"total":   incview.NewFloat(total),
	}
}

func addRow(t *testing.T, source *MemorySource, row Row) {
	t.Helper()
	require.NoError(t, source.PushRow(RowChange{Type: RowAdd, Row: row}))
}

func removeRow(t *testing.T, source *MemorySource, row Row) {
	t.Helper()
	require.NoError(t, source.PushRow(RowChange{Type: RowRemove, Row: row}))
}

func editRow(t *testing.T, source *MemorySource, oldRow, newRow Row) {
	t.Helper()
	require.NoError(t, source.PushRow(RowChange{Type: RowEdit, OldRow: oldRow, Row: newRow}))
}

func connect(t *testing.T, source *MemorySource, sort []OrderPart) SourceInput {
	t.Helper()
	input, err := source.Connect(sort, nil, nil, logr.Discard())
	require.NoError(t, err)
	return input
}

func fetchRows(t *testing.T, input Input, req FetchRequest) []Row {
	t.Helper()
	stream, err := input.Fetch(req)
	require.NoError(t, err)
	nodes, err := DrainStream(stream)
	require.NoError(t, err)
	rows := make([]Row, len(nodes))
	for i, node := range nodes {
		rows[i] = node.Row
	}
	return rows
}

func fieldInts(rows []Row, field string) []int {
	out := make([]int, len(rows))
	for i, row := range rows {
		out[i] = row[field].Int
	}
	return out
}

func changeInts(changes []Change, field string) []string {
	out := make([]string, len(changes))
	for i, change := range changes {
		switch change.Type {
		case ChangeAdd, ChangeRemove, ChangeChild:
			out[i] = change.Type.String() + ":" + change.Node.Row[field].String()
		case ChangeEdit:
			out[i] = "edit:" + change.OldNode.Row[field].String() + "->" + change.Node.Row[field].String()
		}
	}
	return out
}
