package blockchain

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ironforge-chain/ironforge/crypto"
)

// blockHeaderSize is the fixed encoded length of a Block: schema version
// (2) + prev hash (32) + height (8) + proposer (2) + tx count (4) +
// tx root (32) + state root (32).
const blockHeaderSize = 2 + 32 + 8 + 2 + 4 + 32 + 32

// SchemaVersion is the current block header layout version.
const SchemaVersion uint16 = 1

// Block is the fixed-layout header spec §4.4 describes: schema version,
// previous block hash, height, proposer ordinal, tx count, and the two
// Merkle roots (transactions and service state) that make the header a
// commitment to everything beneath it. A block's hash is the hash of these
// encoded bytes — there is no signature field here, since the block's
// authenticity comes from the quorum of precommits that reference its
// hash, not from a signature of its own.
type Block struct {
	SchemaVersion  uint16
	PrevBlockHash  crypto.Hash
	Height         uint64
	ProposerIndex  uint16
	TxCount        uint32
	TxRootHash     crypto.Hash
	StateRootHash  crypto.Hash
}

// ErrShortBlock is returned by DecodeBlock when buf is not exactly one
// complete header long.
var ErrShortBlock = errors.New("blockchain: truncated block header")

// Encode renders b into its fixed-layout wire form.
func (b *Block) Encode() []byte {
	buf := make([]byte, blockHeaderSize)
	off := 0
	binary.BigEndian.PutUint16(buf[off:], b.SchemaVersion)
	off += 2
	copy(buf[off:], b.PrevBlockHash.Bytes())
	off += 32
	binary.BigEndian.PutUint64(buf[off:], b.Height)
	off += 8
	binary.BigEndian.PutUint16(buf[off:], b.ProposerIndex)
	off += 2
	binary.BigEndian.PutUint32(buf[off:], b.TxCount)
	off += 4
	copy(buf[off:], b.TxRootHash.Bytes())
	off += 32
	copy(buf[off:], b.StateRootHash.Bytes())
	return buf
}

// DecodeBlock parses a block header previously produced by Encode.
func DecodeBlock(buf []byte) (*Block, error) {
	if len(buf) != blockHeaderSize {
		return nil, ErrShortBlock
	}
	b := &Block{}
	off := 0
	b.SchemaVersion = binary.BigEndian.Uint16(buf[off:])
	off += 2
	b.PrevBlockHash, _ = crypto.HashFromBytes(buf[off : off+32])
	off += 32
	b.Height = binary.BigEndian.Uint64(buf[off:])
	off += 8
	b.ProposerIndex = binary.BigEndian.Uint16(buf[off:])
	off += 2
	b.TxCount = binary.BigEndian.Uint32(buf[off:])
	off += 4
	b.TxRootHash, _ = crypto.HashFromBytes(buf[off : off+32])
	off += 32
	b.StateRootHash, _ = crypto.HashFromBytes(buf[off : off+32])
	return b, nil
}

// Hash returns the block's content hash, the value precommits reference.
func (b *Block) Hash() crypto.Hash {
	return crypto.Sum(b.Encode())
}

// BlockProof pairs a committed block with the ≥2f+1 precommits that
// justify it, the unit a catching-up node verifies before merging a
// RequestBlock response into its own storage.
type BlockProof struct {
	Block      *Block
	Precommits [][]byte
}

// Verify counts the distinct validators whose precommits in the proof pass
// the verify callback with an index inside validatorKeys, and fails unless
// at least quorum of them are present. Precommits that fail the callback or
// carry an out-of-range index are skipped, not rejected; checking that a
// precommit is well-formed and references this block's height and hash is
// left to the callback. It does not check the validators' identities beyond
// signature validity against the supplied key set — that binding is the
// caller's responsibility (it must pass the configuration active at the
// block's height).
func (bp *BlockProof) Verify(quorum int, validatorKeys []crypto.PublicKey, verify func(raw []byte) (validatorIndex uint16, ok bool)) error {
	if len(validatorKeys) == 0 {
		return errors.New("blockproof: empty validator set")
	}
	seen := make(map[uint16]bool)
	for _, raw := range bp.Precommits {
		idx, ok := verify(raw)
		if !ok {
			continue
		}
		if int(idx) >= len(validatorKeys) {
			continue
		}
		seen[idx] = true
	}
	if len(seen) < quorum {
		return errors.Errorf("blockproof: only %d of %d required precommits verified", len(seen), quorum)
	}
	return nil
}
