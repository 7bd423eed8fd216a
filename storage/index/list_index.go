package index

import (
	"encoding/binary"

	"github.com/ironforge-chain/ironforge/storage"
)

// ListIndex is an unauthenticated, append-only sequence indexed by a u64
// position, with a length cell stored alongside its elements. Used for
// tables (e.g. a block's precommits) that need ordered access but no
// Merkle proof of membership.
type ListIndex struct {
	prefix []byte
	read   readView
	write  writeView
}

// NewListIndex builds a read-only view over a committed Snapshot.
func NewListIndex(prefix []byte, snap storage.Snapshot) *ListIndex {
	return &ListIndex{prefix: prefix, read: snap}
}

// NewListIndexFork builds a read-write view over an open Fork.
func NewListIndexFork(prefix []byte, fork *storage.Fork) *ListIndex {
	return &ListIndex{prefix: prefix, read: fork, write: fork}
}

// lengthKey and itemKey partition the namespace: a single length cell under
// tag 0, and elements under tag 1 keyed by their big-endian u64 index.
func lengthKey(prefix []byte) []byte {
	return prefixed(prefix, []byte{0})
}

func itemKey(prefix []byte, i uint64) []byte {
	k := make([]byte, 9)
	k[0] = 1
	binary.BigEndian.PutUint64(k[1:], i)
	return prefixed(prefix, k)
}

// Len returns the number of elements, 0 if the list has never been written.
func (l *ListIndex) Len() uint64 {
	v, ok := l.read.Get(lengthKey(l.prefix))
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func (l *ListIndex) setLen(n uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, n)
	l.write.Put(lengthKey(l.prefix), v)
}

// Get returns the element at index i, if i < Len().
func (l *ListIndex) Get(i uint64) ([]byte, bool) {
	if i >= l.Len() {
		return nil, false
	}
	return l.read.Get(itemKey(l.prefix, i))
}

// Push appends value, returning its new index.
func (l *ListIndex) Push(value []byte) uint64 {
	n := l.Len()
	l.write.Put(itemKey(l.prefix, n), value)
	l.setLen(n + 1)
	return n
}

// Set overwrites the element at index i. i must be < Len().
func (l *ListIndex) Set(i uint64, value []byte) {
	l.write.Put(itemKey(l.prefix, i), value)
}

// All returns every element in order. Intended for small lists (a single
// block's transaction hashes, a round's votes) — callers proving membership
// over large sequences should use ProofListIndex instead.
func (l *ListIndex) All() [][]byte {
	n := l.Len()
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		v, _ := l.Get(i)
		out = append(out, v)
	}
	return out
}
