package ivm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incview/incview"
	"github.com/incview/incview/storage"
)

// newExtractPipeline builds the inverted shape a flip produces: orders as
// the enumeration root, joined to their user, with the original root rows
// recovered through the "user" path.
func newExtractPipeline(t *testing.T) (users, orders *MemorySource, extract *ExtractMatchingKeys, collector *changeCollector) {
	users = newUsersSource()
	orders = newOrdersSource()
	join := NewJoin(
		connect(t, orders, nil),
		connect(t, users, nil),
		[]string{"user_id"}, []string{"id"},
		"user", true,
		storage.NewMemoryStorage(),
	)
	extract = NewExtractMatchingKeys(join, []string{"user"}, storage.NewMemoryStorage())
	collector = &changeCollector{}
	extract.SetOutput(collector)
	return users, orders, extract, collector
}

func TestExtractSchemaIsPathTarget(t *testing.T) {
	_, _, extract, _ := newExtractPipeline(t)
	assert.Equal(t, "users", extract.Schema().Table)
}

func TestExtractFetchDeduplicates(t *testing.T) {
	users, orders, extract, _ := newExtractPipeline(t)
	addRow(t, users, userRow(1, "alice", 30))
	addRow(t, users, userRow(2, "bob", 40))
	addRow(t, users, userRow(3, "carol", 50))
	// User 1 is reachable through two orders, user 3 through none.
	addRow(t, orders, orderRow(11, 1, 5.0))
	addRow(t, orders, orderRow(12, 1, 6.0))
	addRow(t, orders, orderRow(13, 2, 7.0))

	rows := fetchRows(t, extract, FetchRequest{})
	assert.ElementsMatch(t, []int{1, 2}, fieldInts(rows, "id"))

	constrained := fetchRows(t, extract, FetchRequest{
		Constraint: Constraint{"id": incview.NewInt(1)},
	})
	assert.Equal(t, []int{1}, fieldInts(constrained, "id"))
}

func TestExtractPushRefcounts(t *testing.T) {
	users, orders, extract, collector := newExtractPipeline(t)
	addRow(t, users, userRow(1, "alice", 30))
	addRow(t, users, userRow(2, "bob", 40))
	addRow(t, orders, orderRow(11, 1, 5.0))
	fetchRows(t, extract, FetchRequest{})

	// A second path to user 1 changes nothing downstream.
	addRow(t, orders, orderRow(12, 1, 6.0))
	assert.Empty(t, collector.changes)

	// First path to user 2 makes it appear.
	addRow(t, orders, orderRow(13, 2, 7.0))
	assert.Equal(t, []string{"add:2"}, changeInts(collector.changes, "id"))

	// Dropping one of user 1's two paths is silent; dropping the last
	// removes it.
	collector.reset()
	removeRow(t, orders, orderRow(11, 1, 5.0))
	assert.Empty(t, collector.changes)
	removeRow(t, orders, orderRow(12, 1, 6.0))
	assert.Equal(t, []string{"remove:1"}, changeInts(collector.changes, "id"))
}

func TestExtractTargetEdits(t *testing.T) {
	users, orders, extract, collector := newExtractPipeline(t)
	addRow(t, users, userRow(1, "alice", 30))
	addRow(t, users, userRow(2, "bob", 40))
	addRow(t, orders, orderRow(11, 1, 5.0))
	fetchRows(t, extract, FetchRequest{})

	// An edit of a reachable target row is forwarded once.
	editRow(t, users, userRow(1, "alice", 30), userRow(1, "alice", 31))
	require.Equal(t, []string{"edit:1->1"}, changeInts(collector.changes, "id"))

	// An edit of an unreachable one is swallowed.
	collector.reset()
	editRow(t, users, userRow(2, "bob", 40), userRow(2, "bob", 41))
	assert.Empty(t, collector.changes)
}

func TestExtractRootEditsAreSilent(t *testing.T) {
	users, orders, extract, collector := newExtractPipeline(t)
	addRow(t, users, userRow(1, "alice", 30))
	addRow(t, orders, orderRow(11, 1, 5.0))
	fetchRows(t, extract, FetchRequest{})

	// The enumeration root's own columns changing doesn't touch the
	// extracted set.
	editRow(t, orders, orderRow(11, 1, 5.0), orderRow(11, 1, 9.0))
	assert.Empty(t, collector.changes)
}
