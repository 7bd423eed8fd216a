package index

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ironforge-chain/ironforge/crypto"
)

// trieDepth is the number of bits in a ProofMapIndex key (32 bytes).
const trieDepth = 256

// ErrUnmatchedMapRootHash is returned by ValidateMap when the recomputed
// root doesn't equal the expected one.
var ErrUnmatchedMapRootHash = errors.New("mapproof: root hash mismatch")

// MapProof is a fixed-depth Merkle path through the patricia trie for a
// single key: the 256 sibling hashes encountered descending from the root,
// plus the claimed leaf value (nil if the proof attests the key is absent).
type MapProof struct {
	Key      [32]byte
	Value    []byte
	Siblings [trieDepth]crypto.Hash
}

// ValidateMap recomputes the root implied by proof and checks it against
// root. It returns the proof's claimed value and whether the key is
// present.
func ValidateMap(proof *MapProof, root crypto.Hash) ([]byte, bool, error) {
	present := proof.Value != nil
	h := emptyHashAt(trieDepth)
	if present {
		h = leafHash(proof.Value)
	}
	for d := trieDepth - 1; d >= 0; d-- {
		sib := proof.Siblings[d]
		if keyBit(proof.Key, d) == 0 {
			h = crypto.SumAll(h.Bytes(), sib.Bytes())
		} else {
			h = crypto.SumAll(sib.Bytes(), h.Bytes())
		}
	}
	if h != root {
		return nil, false, ErrUnmatchedMapRootHash
	}
	return proof.Value, present, nil
}

var (
	emptyHashOnce  sync.Once
	emptyHashTable [trieDepth + 1]crypto.Hash
)

// emptyHashAt returns the canonical hash of an empty subtree rooted at the
// given depth: emptyHashAt(256) is the absent-leaf marker, and
// emptyHashAt(d) = SumAll(emptyHashAt(d+1), emptyHashAt(d+1)) for d < 256.
func emptyHashAt(depth int) crypto.Hash {
	emptyHashOnce.Do(func() {
		emptyHashTable[trieDepth] = crypto.Sum(nil)
		for d := trieDepth - 1; d >= 0; d-- {
			child := emptyHashTable[d+1]
			emptyHashTable[d] = crypto.SumAll(child.Bytes(), child.Bytes())
		}
	})
	return emptyHashTable[depth]
}

func keyBit(key [32]byte, depth int) int {
	byteIdx := depth / 8
	bitIdx := uint(7 - depth%8)
	return int((key[byteIdx] >> bitIdx) & 1)
}
