package ivm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incview/incview/storage"
)

func newTakePipeline(t *testing.T, limit int, ids ...int) (*MemorySource, *Take, *changeCollector) {
	source := newUsersSource()
	for _, id := range ids {
		addRow(t, source, userRow(id, "user", 20+id))
	}
	take := NewTake(connect(t, source, nil), limit, nil, storage.NewMemoryStorage())
	collector := &changeCollector{}
	take.SetOutput(collector)
	// Hydrate the window so pushes have authoritative state to work with.
	fetchRows(t, take, FetchRequest{})
	return source, take, collector
}

func TestTakeFetchWindow(t *testing.T) {
	_, take, _ := newTakePipeline(t, 3, 1, 2, 3, 4, 5)
	assert.Equal(t, []int{1, 2, 3}, fieldInts(fetchRows(t, take, FetchRequest{}), "id"))
	assert.Equal(t, []int{3, 2, 1}, fieldInts(fetchRows(t, take, FetchRequest{Reverse: true}), "id"))
	assert.Equal(t, []int{2, 3}, fieldInts(fetchRows(t, take, FetchRequest{
		Start: &Start{Row: userRow(2, "user", 22), Basis: StartAt},
	}), "id"))
}

func TestTakePushAddBelowCapacity(t *testing.T) {
	source, _, collector := newTakePipeline(t, 3, 1, 2)
	addRow(t, source, userRow(5, "user", 25))
	assert.Equal(t, []string{"add:5"}, changeInts(collector.changes, "id"))
}

func TestTakePushAddEvictsBoundary(t *testing.T) {
	source, take, collector := newTakePipeline(t, 3, 2, 4, 6, 8)
	// 3 lands inside the full window [2 4 6]: 6 gets evicted.
	addRow(t, source, userRow(3, "user", 23))
	assert.Equal(t, []string{"add:3", "remove:6"}, changeInts(collector.changes, "id"))
	assert.Equal(t, []int{2, 3, 4}, fieldInts(fetchRows(t, take, FetchRequest{}), "id"))
}

func TestTakePushAddPastFullWindowIsNoop(t *testing.T) {
	source, take, collector := newTakePipeline(t, 3, 1, 2, 3, 4)
	addRow(t, source, userRow(9, "user", 29))
	assert.Empty(t, collector.changes)
	assert.Equal(t, []int{1, 2, 3}, fieldInts(fetchRows(t, take, FetchRequest{}), "id"))
}

func TestTakePushRemoveAdmitsNextRow(t *testing.T) {
	source, take, collector := newTakePipeline(t, 3, 1, 2, 3, 4, 5)
	removeRow(t, source, userRow(2, "user", 22))
	assert.Equal(t, []string{"remove:2", "add:4"}, changeInts(collector.changes, "id"))
	assert.Equal(t, []int{1, 3, 4}, fieldInts(fetchRows(t, take, FetchRequest{}), "id"))

	collector.reset()
	// Removing past the window never surfaces.
	removeRow(t, source, userRow(5, "user", 25))
	assert.Empty(t, collector.changes)
}

func TestTakePushRemoveWithoutReplacement(t *testing.T) {
	source, _, collector := newTakePipeline(t, 3, 1, 2, 3)
	removeRow(t, source, userRow(3, "user", 23))
	assert.Equal(t, []string{"remove:3"}, changeInts(collector.changes, "id"))
}

func TestTakePushEdit(t *testing.T) {
	source, _, collector := newTakePipeline(t, 3, 1, 2, 3, 4)
	// In place: forwarded as an edit.
	editRow(t, source, userRow(2, "user", 22), userRow(2, "user", 99))
	require.Equal(t, []string{"edit:2->2"}, changeInts(collector.changes, "id"))

	collector.reset()
	// Past the window: swallowed.
	editRow(t, source, userRow(4, "user", 24), userRow(4, "user", 99))
	assert.Empty(t, collector.changes)
}

func TestTakePartitioned(t *testing.T) {
	source := newOrdersSource()
	for i, userID := range []int{1, 1, 1, 2} {
		addRow(t, source, orderRow(i+1, userID, float64(i)))
	}
	take := NewTake(connect(t, source, nil), 2, []string{"user_id"}, storage.NewMemoryStorage())
	collector := &changeCollector{}
	take.SetOutput(collector)

	rows := fetchRows(t, take, FetchRequest{})
	assert.Equal(t, []int{1, 2, 4}, fieldInts(rows, "id"))

	// User 1's window is full, user 2's is not.
	addRow(t, source, orderRow(9, 2, 9.0))
	assert.Equal(t, []string{"add:9"}, changeInts(collector.changes, "id"))

	collector.reset()
	addRow(t, source, orderRow(10, 1, 10.0))
	assert.Empty(t, collector.changes)

	// A constrained fetch sees one partition's window only.
	constrained := fetchRows(t, take, FetchRequest{
		Constraint: Constraint{"user_id": rows[0]["user_id"]},
	})
	assert.Equal(t, []int{1, 2}, fieldInts(constrained, "id"))
}
