package index

import (
	"github.com/ironforge-chain/ironforge/storage"
)

// MapIndex is an unauthenticated key-to-value table, namespaced under a
// fixed prefix within the owning Fork or Snapshot. It never computes a
// content hash of its own; services use it for state that doesn't need to
// participate in the block's state_hash.
type MapIndex struct {
	prefix []byte
	read   readView
	write  writeView
}

// NewMapIndex builds a read-only view over a committed Snapshot.
func NewMapIndex(prefix []byte, snap storage.Snapshot) *MapIndex {
	return &MapIndex{prefix: prefix, read: snap}
}

// NewMapIndexFork builds a read-write view over an open Fork.
func NewMapIndexFork(prefix []byte, fork *storage.Fork) *MapIndex {
	return &MapIndex{prefix: prefix, read: fork, write: fork}
}

// Get returns the value at key, if present.
func (m *MapIndex) Get(key []byte) ([]byte, bool) {
	return m.read.Get(prefixed(m.prefix, key))
}

// Contains reports whether key is present.
func (m *MapIndex) Contains(key []byte) bool {
	return m.read.Contains(prefixed(m.prefix, key))
}

// Put writes value at key. Panics if the index was opened read-only.
func (m *MapIndex) Put(key, value []byte) {
	m.write.Put(prefixed(m.prefix, key), value)
}

// Remove deletes key. Panics if the index was opened read-only.
func (m *MapIndex) Remove(key []byte) {
	m.write.Delete(prefixed(m.prefix, key))
}

// Iter walks entries in ascending key order starting at from (nil for the
// start of the table).
func (m *MapIndex) Iter(from []byte) storage.Iterator {
	start := append([]byte(nil), m.prefix...)
	if from != nil {
		start = prefixed(m.prefix, from)
	}
	return &strippedIterator{inner: m.read.Iter(m.prefix, start), prefixLen: len(m.prefix)}
}

// strippedIterator re-exposes an Iter result with the namespace prefix
// removed from Key, so callers see the same keys they put in.
type strippedIterator struct {
	inner     storage.Iterator
	prefixLen int
}

func (s *strippedIterator) Valid() bool { return s.inner.Valid() }
func (s *strippedIterator) Next()       { s.inner.Next() }
func (s *strippedIterator) Key() []byte { return s.inner.Key()[s.prefixLen:] }
func (s *strippedIterator) Value() []byte {
	return s.inner.Value()
}
