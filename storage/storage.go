// Package storage provides the private scratch space stateful operators use
// to remember what they've already emitted. Every Storage instance is owned
// by exactly one operator; nothing here is safe for concurrent use and
// nothing needs to be, as pipelines are single threaded.
package storage

import (
	"github.com/pkg/errors"
)

var ErrKeyNotFound = errors.New("key not found")

var ErrEndOfIterator = errors.New("end of iterator")

type Storage interface {
	Set(key string, value []byte) error
	// Get returns ErrKeyNotFound if the key has no value.
	Get(key string) ([]byte, error)
	Delete(key string) error
	// Scan iterates entries whose keys start with prefix, in key order.
	Scan(prefix string) (Iterator, error)
	// DeletePrefix removes every entry whose key starts with prefix.
	DeletePrefix(prefix string) error
	// Close releases the storage. The owning operator calls it on destroy.
	Close() error
}

type Iterator interface {
	// Next returns ErrEndOfIterator when the iterator is exhausted.
	Next() (key string, value []byte, err error)
	Close() error
}
