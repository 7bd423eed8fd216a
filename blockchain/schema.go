// Package blockchain implements the canonical chain state of spec §5: the
// Schema over the key-value storage layer, block assembly, and state_hash
// computation. Indexing follows beacon-chain/db/kv's per-kind bucket
// layout, adapted from BoltDB buckets to storage/index namespaces since
// this module's storage.Database has no notion of buckets of its own.
package blockchain

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/storage"
	"github.com/ironforge-chain/ironforge/storage/index"
	"github.com/ironforge-chain/ironforge/wire"
)

var log = logrus.WithField("prefix", "blockchain")

// Namespaces, one per table, matching the wire storage layout: 00=blocks,
// 01=heights, 02=block_txs, 03=transactions, 04=precommits, 05=configs,
// 06+=services.
var (
	nsBlocks        = []byte{0x00} // block hash -> block header
	nsHeights       = []byte{0x01} // height -> block hash
	nsBlockTxs      = []byte{0x02} // height -> ProofListIndex of tx hashes
	nsTransactions  = []byte{0x03} // tx hash -> raw transaction
	nsPrecommits    = []byte{0x04} // block hash -> ListIndex of precommits
	nsConfigs       = []byte{0x05, 0x00} // config hash -> Configuration
	nsConfigHeights = []byte{0x05, 0x01} // ProofListIndex of (height, config hash)
	nsServiceTable  = []byte{0x06}       // (service id, table id) -> table root
)

// lastHeightKey lives under the heights namespace as a sentinel entry that
// can never collide with an 8-byte big-endian height key.
var lastHeightKey = append(append([]byte{}, nsHeights...), 0xff)

// Schema wraps a single storage.Snapshot or *storage.Fork with the typed
// tables the consensus and service layers operate on. networkID is needed
// to decode the wire-framed records (transactions, configurations) stored
// verbatim in the tables.
type Schema struct {
	snap      storage.Snapshot
	fork      *storage.Fork
	networkID uint16
}

// NewSchema builds a read-only Schema over a committed Snapshot.
func NewSchema(networkID uint16, snap storage.Snapshot) *Schema {
	return &Schema{snap: snap, networkID: networkID}
}

// NewSchemaFork builds a read-write Schema over an open Fork.
func NewSchemaFork(networkID uint16, fork *storage.Fork) *Schema {
	return &Schema{snap: fork, fork: fork, networkID: networkID}
}

func (s *Schema) transactions() *index.MapIndex {
	if s.fork != nil {
		return index.NewMapIndexFork(nsTransactions, s.fork)
	}
	return index.NewMapIndex(nsTransactions, s.snap)
}

func (s *Schema) blocks() *index.MapIndex {
	if s.fork != nil {
		return index.NewMapIndexFork(nsBlocks, s.fork)
	}
	return index.NewMapIndex(nsBlocks, s.snap)
}

func (s *Schema) heights() *index.MapIndex {
	if s.fork != nil {
		return index.NewMapIndexFork(nsHeights, s.fork)
	}
	return index.NewMapIndex(nsHeights, s.snap)
}

func (s *Schema) configs() *index.MapIndex {
	if s.fork != nil {
		return index.NewMapIndexFork(nsConfigs, s.fork)
	}
	return index.NewMapIndex(nsConfigs, s.snap)
}

func (s *Schema) configHeights() *index.ProofListIndex {
	if s.fork != nil {
		return index.NewProofListIndexFork(nsConfigHeights, s.fork)
	}
	return index.NewProofListIndex(nsConfigHeights, s.snap)
}

func (s *Schema) serviceTable() *index.ProofMapIndex {
	if s.fork != nil {
		return index.NewProofMapIndexFork(nsServiceTable, s.fork)
	}
	return index.NewProofMapIndex(nsServiceTable, s.snap)
}

func blockTxsPrefix(height uint64) []byte {
	k := make([]byte, len(nsBlockTxs)+8)
	copy(k, nsBlockTxs)
	binary.BigEndian.PutUint64(k[len(nsBlockTxs):], height)
	return k
}

func precommitsPrefix(blockHash crypto.Hash) []byte {
	return append(append([]byte{}, nsPrecommits...), blockHash.Bytes()...)
}

func (s *Schema) blockTxs(height uint64) *index.ProofListIndex {
	if s.fork != nil {
		return index.NewProofListIndexFork(blockTxsPrefix(height), s.fork)
	}
	return index.NewProofListIndex(blockTxsPrefix(height), s.snap)
}

func (s *Schema) precommits(blockHash crypto.Hash) *index.ListIndex {
	if s.fork != nil {
		return index.NewListIndexFork(precommitsPrefix(blockHash), s.fork)
	}
	return index.NewListIndex(precommitsPrefix(blockHash), s.snap)
}

// Transaction returns a previously committed transaction by hash.
func (s *Schema) Transaction(hash crypto.Hash) (*wire.Transaction, bool) {
	raw, ok := s.transactions().Get(hash.Bytes())
	if !ok {
		return nil, false
	}
	tx, err := wire.DecodeTransaction(s.networkID, raw)
	if err != nil {
		log.WithError(err).Error("corrupted transaction record in storage")
		return nil, false
	}
	return tx, true
}

// PutTransaction commits a transaction's raw wire bytes under its content
// hash, keyed the same way regardless of whether it arrived standalone on
// the network or embedded in a block.
func (s *Schema) PutTransaction(raw []byte) crypto.Hash {
	h := crypto.Sum(raw)
	s.transactions().Put(h.Bytes(), raw)
	return h
}

// Height returns the current chain height (the number of committed blocks).
func (s *Schema) Height() uint64 {
	v, ok := s.snapshotOrFork().Get(lastHeightKey)
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func (s *Schema) snapshotOrFork() storage.Snapshot {
	if s.fork != nil {
		return s.fork
	}
	return s.snap
}

func (s *Schema) setHeight(h uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, h)
	s.fork.Put(lastHeightKey, v)
}

func heightKey(height uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, height)
	return k
}

// BlockHash returns the hash of the block committed at height.
func (s *Schema) BlockHash(height uint64) (crypto.Hash, bool) {
	v, ok := s.heights().Get(heightKey(height))
	if !ok {
		return crypto.Hash{}, false
	}
	h, err := crypto.HashFromBytes(v)
	return h, err == nil
}

// LastBlockHash returns the hash of the most recently committed block, or
// the zero hash before genesis.
func (s *Schema) LastBlockHash() crypto.Hash {
	height := s.Height()
	if height == 0 {
		return crypto.ZeroHash
	}
	h, _ := s.BlockHash(height - 1)
	return h
}

// Block returns a previously committed block header by hash.
func (s *Schema) Block(hash crypto.Hash) (*Block, bool) {
	raw, ok := s.blocks().Get(hash.Bytes())
	if !ok {
		return nil, false
	}
	b, err := DecodeBlock(raw)
	if err != nil {
		log.WithError(err).Error("corrupted block record in storage")
		return nil, false
	}
	return b, true
}

// BlockTxHashes returns the transaction hash list committed for height.
func (s *Schema) BlockTxHashes(height uint64) []crypto.Hash {
	raw := s.blockTxs(height).All()
	out := make([]crypto.Hash, len(raw))
	for i, b := range raw {
		h, _ := crypto.HashFromBytes(b)
		out[i] = h
	}
	return out
}

// CommitBlock atomically appends block b to the chain: its tx hash list,
// its header, the precommits proving it, the height -> hash pointer, and
// the advanced height counter. Schema must have been constructed with
// NewSchemaFork.
func (s *Schema) CommitBlock(b *Block, txHashes []crypto.Hash, precommits [][]byte) crypto.Hash {
	blockTxs := s.blockTxs(b.Height)
	for _, h := range txHashes {
		blockTxs.Push(h.Bytes())
	}

	raw := b.Encode()
	hash := crypto.Sum(raw)
	s.blocks().Put(hash.Bytes(), raw)
	s.heights().Put(heightKey(b.Height), hash.Bytes())

	pc := s.precommits(hash)
	for _, p := range precommits {
		pc.Push(p)
	}

	s.setHeight(b.Height + 1)
	return hash
}

// Precommits returns every precommit collected for blockHash.
func (s *Schema) Precommits(blockHash crypto.Hash) [][]byte {
	return s.precommits(blockHash).All()
}

// PutPrecommit appends a precommit's wire bytes to the set collected for
// its block hash, forming the BlockProof once quorum is reached.
func (s *Schema) PutPrecommit(blockHash crypto.Hash, raw []byte) {
	s.precommits(blockHash).Push(raw)
}

// ActiveConfiguration returns the configuration active at height, the most
// recently activated one at or before it.
func (s *Schema) ActiveConfiguration(height uint64) (*wire.Configuration, bool) {
	heights := s.configHeights()
	n := heights.Len()
	if n == 0 {
		return nil, false
	}
	var chosen crypto.Hash
	found := false
	for i := uint64(0); i < n; i++ {
		v, _ := heights.Get(i)
		h, cfgHash := decodeConfigHeightEntry(v)
		if h > height {
			break
		}
		chosen = cfgHash
		found = true
	}
	if !found {
		return nil, false
	}
	raw, ok := s.configs().Get(chosen.Bytes())
	if !ok {
		return nil, false
	}
	cfg, err := wire.DecodeConfiguration(s.networkID, raw)
	if err != nil {
		return nil, false
	}
	return cfg, true
}

// ScheduleConfiguration records cfg's activation height, making it the
// active configuration from that height onward.
func (s *Schema) ScheduleConfiguration(cfg *wire.Configuration) {
	h := cfg.Hash()
	s.configs().Put(h.Bytes(), cfg.Raw())
	s.configHeights().Push(encodeConfigHeightEntry(cfg.ActivationHeight, h))
}

func encodeConfigHeightEntry(height uint64, cfgHash crypto.Hash) []byte {
	buf := make([]byte, 8+crypto.HashSize)
	binary.BigEndian.PutUint64(buf, height)
	copy(buf[8:], cfgHash.Bytes())
	return buf
}

func decodeConfigHeightEntry(buf []byte) (uint64, crypto.Hash) {
	h, _ := crypto.HashFromBytes(buf[8:])
	return binary.BigEndian.Uint64(buf), h
}

// StateHash folds the per-service table roots into a single Merkle root
// representing the whole chain's authenticated state, committed into each
// block header.
func (s *Schema) StateHash() crypto.Hash {
	return s.serviceTable().RootHash()
}

// PutServiceTableRoot records the Merkle root of a service's table,
// included under the (service id, table id) key so it folds into
// StateHash.
func (s *Schema) PutServiceTableRoot(serviceID, tableID uint16, root crypto.Hash) {
	key := serviceTableKey(serviceID, tableID)
	s.serviceTable().Put(key, root.Bytes())
}

func serviceTableKey(serviceID, tableID uint16) crypto.Hash {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf, serviceID)
	binary.BigEndian.PutUint16(buf[2:], tableID)
	return crypto.Sum(buf)
}
