package index

import (
	"sort"

	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/storage"
)

// ProofMapIndex is a Merkle-Patricia trie keyed by 256-bit hashes, the
// authenticated counterpart to MapIndex: every entry it holds contributes
// to a fixed-depth (256-level) sparse Merkle root, the same construction
// beacon-chain's trieutil uses for its fixed-depth tries, generalized here
// from a dense leaf array to a sparse key space with precomputed
// empty-subtree hashes standing in for absent branches.
//
// Internal nodes aren't persisted; RootHash and ConstructProof recompute
// from the stored entries on demand, same simplification as
// ProofListIndex.
type ProofMapIndex struct {
	raw *MapIndex
}

// NewProofMapIndex builds a read-only view.
func NewProofMapIndex(prefix []byte, snap storage.Snapshot) *ProofMapIndex {
	return &ProofMapIndex{raw: NewMapIndex(prefix, snap)}
}

// NewProofMapIndexFork builds a read-write view.
func NewProofMapIndexFork(prefix []byte, fork *storage.Fork) *ProofMapIndex {
	return &ProofMapIndex{raw: NewMapIndexFork(prefix, fork)}
}

// Get returns the value stored at key.
func (p *ProofMapIndex) Get(key crypto.Hash) ([]byte, bool) {
	return p.raw.Get(key.Bytes())
}

// Put writes value at key.
func (p *ProofMapIndex) Put(key crypto.Hash, value []byte) {
	p.raw.Put(key.Bytes(), value)
}

// Remove deletes key.
func (p *ProofMapIndex) Remove(key crypto.Hash) {
	p.raw.Remove(key.Bytes())
}

type mapEntry struct {
	key   [32]byte
	value []byte
}

// entries returns every stored entry sorted ascending by key bytes, the
// order both computeHash and buildMapProof depend on to split by bit.
func (p *ProofMapIndex) entries() []mapEntry {
	var out []mapEntry
	for it := p.raw.Iter(nil); it.Valid(); it.Next() {
		var k [32]byte
		copy(k[:], it.Key())
		out = append(out, mapEntry{key: k, value: append([]byte(nil), it.Value()...)})
	}
	sort.Slice(out, func(i, j int) bool {
		for b := 0; b < 32; b++ {
			if out[i].key[b] != out[j].key[b] {
				return out[i].key[b] < out[j].key[b]
			}
		}
		return false
	})
	return out
}

// RootHash folds the whole trie bottom-up from depth 256 to the root.
func (p *ProofMapIndex) RootHash() crypto.Hash {
	return computeTrieHash(p.entries(), 0)
}

func computeTrieHash(entries []mapEntry, depth int) crypto.Hash {
	if depth == trieDepth {
		if len(entries) == 1 {
			return leafHash(entries[0].value)
		}
		return emptyHashAt(trieDepth)
	}
	if len(entries) == 0 {
		return emptyHashAt(depth)
	}
	zeros, ones := partitionEntries(entries, depth)
	lh := computeTrieHash(zeros, depth+1)
	rh := computeTrieHash(ones, depth+1)
	return crypto.SumAll(lh.Bytes(), rh.Bytes())
}

// partitionEntries splits a key-sorted slice into the sub-slice with bit 0
// at depth and the sub-slice with bit 1, via a binary search for the flip
// point: sorted order means all the 0s precede all the 1s at any depth
// reached by this recursion, since each call only ever receives entries
// that already share bits 0..depth-1.
func partitionEntries(entries []mapEntry, depth int) (zeros, ones []mapEntry) {
	idx := sort.Search(len(entries), func(i int) bool {
		return keyBit(entries[i].key, depth) == 1
	})
	return entries[:idx], entries[idx:]
}

// ConstructProof builds a MapProof for key, whether or not it is present.
func (p *ProofMapIndex) ConstructProof(key crypto.Hash) *MapProof {
	proof := &MapProof{Key: key}
	value, present := buildTrieProof(p.entries(), 0, key, &proof.Siblings)
	if present {
		proof.Value = value
	}
	return proof
}

func buildTrieProof(entries []mapEntry, depth int, key crypto.Hash, siblings *[trieDepth]crypto.Hash) ([]byte, bool) {
	if depth == trieDepth {
		if len(entries) == 1 {
			return entries[0].value, true
		}
		return nil, false
	}
	zeros, ones := partitionEntries(entries, depth)
	if keyBit(key, depth) == 0 {
		siblings[depth] = computeTrieHash(ones, depth+1)
		return buildTrieProof(zeros, depth+1, key, siblings)
	}
	siblings[depth] = computeTrieHash(zeros, depth+1)
	return buildTrieProof(ones, depth+1, key, siblings)
}
