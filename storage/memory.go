package storage

import (
	"strings"

	"github.com/google/btree"
)

type memoryItem struct {
	key   string
	value []byte
}

func (item *memoryItem) Less(than btree.Item) bool {
	other, ok := than.(*memoryItem)
	if !ok {
		return true
	}
	return item.key < other.key
}

// MemoryStorage is a btree backed Storage. It's the default used in tests
// and in-process pipelines.
type MemoryStorage struct {
	tree *btree.BTree
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tree: btree.New(2),
	}
}

func (ms *MemoryStorage) Set(key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	ms.tree.ReplaceOrInsert(&memoryItem{key: key, value: stored})
	return nil
}

func (ms *MemoryStorage) Get(key string) ([]byte, error) {
	item := ms.tree.Get(&memoryItem{key: key})
	if item == nil {
		return nil, ErrKeyNotFound
	}
	value := item.(*memoryItem).value
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (ms *MemoryStorage) Delete(key string) error {
	ms.tree.Delete(&memoryItem{key: key})
	return nil
}

func (ms *MemoryStorage) Scan(prefix string) (Iterator, error) {
	var entries []memoryItem
	ms.tree.AscendGreaterOrEqual(&memoryItem{key: prefix}, func(item btree.Item) bool {
		entry := item.(*memoryItem)
		if !strings.HasPrefix(entry.key, prefix) {
			return false
		}
		entries = append(entries, *entry)
		return true
	})
	return &memoryIterator{entries: entries}, nil
}

func (ms *MemoryStorage) DeletePrefix(prefix string) error {
	iter, err := ms.Scan(prefix)
	if err != nil {
		return err
	}
	defer iter.Close()
	for {
		key, _, err := iter.Next()
		if err == ErrEndOfIterator {
			return nil
		} else if err != nil {
			return err
		}
		ms.tree.Delete(&memoryItem{key: key})
	}
}

func (ms *MemoryStorage) Close() error {
	ms.tree.Clear(false)
	return nil
}

type memoryIterator struct {
	entries []memoryItem
	index   int
}

func (iter *memoryIterator) Next() (string, []byte, error) {
	if iter.index >= len(iter.entries) {
		return "", nil, ErrEndOfIterator
	}
	entry := iter.entries[iter.index]
	iter.index++
	return entry.key, entry.value, nil
}

func (iter *memoryIterator) Close() error {
	return nil
}
