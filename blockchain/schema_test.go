package blockchain_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironforge-chain/ironforge/blockchain"
	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/storage"
	"github.com/ironforge-chain/ironforge/storage/memkv"
)

const testNetworkID = 7

func TestSchemaCommitBlockAdvancesHeight(t *testing.T) {
	db := memkv.New()
	fork := storage.NewFork(db.Snapshot())
	schema := blockchain.NewSchemaFork(testNetworkID, fork)

	require.Equal(t, uint64(0), schema.Height())
	require.Equal(t, crypto.ZeroHash, schema.LastBlockHash())

	txHash := schema.PutTransaction([]byte("raw-tx"))

	b := &blockchain.Block{
		SchemaVersion: blockchain.SchemaVersion,
		PrevBlockHash: crypto.ZeroHash,
		Height:        0,
		ProposerIndex: 0,
		TxCount:       1,
		TxRootHash:    crypto.Sum(txHash.Bytes()),
		StateRootHash: schema.StateHash(),
	}
	hash := schema.CommitBlock(b, []crypto.Hash{txHash}, [][]byte{[]byte("precommit-a"), []byte("precommit-b")})

	require.NoError(t, db.Merge(fork.IntoPatch()))

	schema2 := blockchain.NewSchema(testNetworkID, db.Snapshot())
	require.Equal(t, uint64(1), schema2.Height())
	require.Equal(t, hash, schema2.LastBlockHash())

	got, ok := schema2.Block(hash)
	require.True(t, ok)
	require.Equal(t, b.Height, got.Height)

	require.Equal(t, []crypto.Hash{txHash}, schema2.BlockTxHashes(0))
	require.ElementsMatch(t, [][]byte{[]byte("precommit-a"), []byte("precommit-b")}, schema2.Precommits(hash))
}

func TestSchemaServiceTableFoldsIntoStateHash(t *testing.T) {
	db := memkv.New()
	fork := storage.NewFork(db.Snapshot())
	schema := blockchain.NewSchemaFork(testNetworkID, fork)

	before := schema.StateHash()
	schema.PutServiceTableRoot(1, 0, crypto.Sum([]byte("table-root")))
	after := schema.StateHash()

	require.NotEqual(t, before, after)
}
