// Package index implements the four typed table flavours of spec §4.3 —
// MapIndex, ListIndex, ProofListIndex, ProofMapIndex — layered over a
// storage.Snapshot (read-only) or *storage.Fork (read-write) view, each
// confined to a byte-prefix namespace reserved for one (service id, table
// id) pair.
package index

import "github.com/ironforge-chain/ironforge/storage"

// readView is the subset of storage.Snapshot every index needs for
// reading. storage.Snapshot and *storage.Fork both satisfy it structurally.
type readView interface {
	Get(key []byte) ([]byte, bool)
	Contains(key []byte) bool
	Iter(prefix, from []byte) storage.Iterator
}

// writeView additionally allows mutation; only *storage.Fork satisfies it.
type writeView interface {
	readView
	Put(key, value []byte)
	Delete(key []byte)
}

func prefixed(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}
