package storage

import (
	"bytes"

	"github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
)

// BadgerStorage is a Storage scoped to a key prefix of a shared badger
// database. Multiple operators may share one DB as long as each gets its own
// prefix; the prefix is what keeps their state disjoint.
type BadgerStorage struct {
	db     *badger.DB
	prefix []byte
}

func NewBadgerStorage(db *badger.DB, prefix string) *BadgerStorage {
	return &BadgerStorage{
		db:     db,
		prefix: []byte(prefix),
	}
}

func (bs *BadgerStorage) keyWithPrefix(key string) []byte {
	var buf bytes.Buffer
	buf.Write(bs.prefix)
	buf.WriteString(key)
	return buf.Bytes()
}

func (bs *BadgerStorage) Set(key string, value []byte) error {
	err := bs.db.Update(func(tx *badger.Txn) error {
		return tx.Set(bs.keyWithPrefix(key), value)
	})
	return errors.Wrap(err, "couldn't set key")
}

func (bs *BadgerStorage) Get(key string) ([]byte, error) {
	var value []byte
	err := bs.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(bs.keyWithPrefix(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "couldn't get key")
	}
	return value, nil
}

func (bs *BadgerStorage) Delete(key string) error {
	err := bs.db.Update(func(tx *badger.Txn) error {
		return tx.Delete(bs.keyWithPrefix(key))
	})
	return errors.Wrap(err, "couldn't delete key")
}

func (bs *BadgerStorage) Scan(prefix string) (Iterator, error) {
	fullPrefix := bs.keyWithPrefix(prefix)
	var entries []memoryItem
	err := bs.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = fullPrefix
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(fullPrefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, memoryItem{
				key:   string(item.Key()[len(bs.prefix):]),
				value: value,
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't scan prefix")
	}
	return &memoryIterator{entries: entries}, nil
}

func (bs *BadgerStorage) DeletePrefix(prefix string) error {
	iter, err := bs.Scan(prefix)
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
		if err := bs.Delete(key); err != nil {
			return err
		}
	}
}

func (bs *BadgerStorage) Close() error {
	return bs.DeletePrefix("")
}
