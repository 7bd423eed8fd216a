package consensus_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ironforge-chain/ironforge/blockchain"
	"github.com/ironforge-chain/ironforge/consensus"
	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/p2p"
	"github.com/ironforge-chain/ironforge/storage"
	"github.com/ironforge-chain/ironforge/storage/memkv"
	"github.com/ironforge-chain/ironforge/wire"
)

type clusterNode struct {
	key crypto.PrivateKey
	db  storage.Database
	p2p *p2p.Service
	svc *consensus.Service
}

// buildCluster wires n validators together the way node.New wires a single
// validator: a consensus.Service and a p2p.Service constructed together
// through a forward-declared p2p.Service pointer, so each side's
// Send/Broadcast closures can reach the other once both exist.
func buildCluster(t *testing.T, n int) ([]*clusterNode, []crypto.PublicKey) {
	t.Helper()
	return buildClusterWithStatusTimeout(t, n, 5*time.Second)
}

// buildClusterWithStatusTimeout is buildCluster with a configurable Status
// broadcast period, so catch-up tests don't have to wait out the 5s
// production default.
func buildClusterWithStatusTimeout(t *testing.T, n int, statusTimeout time.Duration) ([]*clusterNode, []crypto.PublicKey) {
	t.Helper()

	keys := make([]crypto.PrivateKey, n)
	pubs := make([]crypto.PublicKey, n)
	for i := range keys {
		k, err := crypto.GenerateKeyPair(rand.Reader)
		require.NoError(t, err)
		keys[i] = k
		pubs[i] = k.Public()
	}

	nodes := make([]*clusterNode, n)
	for i, k := range keys {
		db := memkv.New()

		var p2pSvc *p2p.Service
		svc := consensus.NewService(consensus.Config{
			NetworkID: testNetworkID,
			Self:      k,
			DB:        db,
			Send: func(to crypto.PublicKey, raw []byte) error {
				return p2pSvc.Send(to, raw)
			},
			Broadcast: func(raw []byte) {
				p2pSvc.Broadcast(raw)
			},
			RoundTimeout:   150 * time.Millisecond,
			ProposeTimeout: 10 * time.Millisecond,
			StatusTimeout:  statusTimeout,
		})

		p2pSvc, err := p2p.New(p2p.Config{
			NetworkID:    testNetworkID,
			Self:         k,
			ListenAddr:   "127.0.0.1:0",
			OnDisconnect: svc.PeerDisconnected,
			Handler: func(from crypto.PublicKey, msg wire.Any) {
				svc.Deliver(msg)
			},
		})
		require.NoError(t, err)

		nodes[i] = &clusterNode{key: k, db: db, p2p: p2pSvc, svc: svc}
	}
	return nodes, pubs
}

func genesisConfiguration(t *testing.T, proposer crypto.PrivateKey, validators []crypto.PublicKey) *wire.Configuration {
	t.Helper()
	raw, err := wire.EncodeConfiguration(testNetworkID, proposer, validators, 150, 10, 150, 150, nil, crypto.Hash{}, 0)
	require.NoError(t, err)
	cfg, err := wire.DecodeConfiguration(testNetworkID, raw)
	require.NoError(t, err)
	return cfg
}

func heightOf(t *testing.T, db storage.Database) uint64 {
	t.Helper()
	snap := db.Snapshot()
	defer snap.Release()
	return blockchain.NewSchema(testNetworkID, snap).Height()
}

// TestClusterReachesConsensusOnSubmittedTransaction wires four validators
// over real loopback TCP, submits one transaction at a single validator,
// and checks every validator eventually commits a block for it — the
// propose/prevote/precommit round trip of spec §4.5 end to end, through
// the real p2p transport rather than a direct in-process handler call.
func TestClusterReachesConsensusOnSubmittedTransaction(t *testing.T) {
	n := 4
	nodes, pubs := buildCluster(t, n)
	cfg := genesisConfiguration(t, nodes[0].key, pubs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Consensus starts before p2p so every Service's context exists before
	// any inbound connection could reach its Handler.
	for _, nd := range nodes {
		require.NoError(t, nd.svc.Start(ctx, cfg))
	}
	defer func() {
		for _, nd := range nodes {
			nd.svc.Stop()
		}
	}()

	for _, nd := range nodes {
		require.NoError(t, nd.p2p.Start(ctx))
	}
	defer func() {
		for _, nd := range nodes {
			nd.p2p.Stop()
		}
	}()

	// Fully connect the mesh. The mutual handshake in p2p.Service registers
	// both directions from a single Dial.
	for i, nd := range nodes {
		for j := i + 1; j < n; j++ {
			require.NoError(t, nd.p2p.Dial(nodes[j].p2p.Addr().String(), nodes[j].key.Public()))
		}
	}
	time.Sleep(100 * time.Millisecond)

	raw, err := wire.EncodeTransaction(testNetworkID, nodes[0].key, 6, 1, []byte("hello"))
	require.NoError(t, err)
	nodes[0].svc.Submit(raw)

	require.Eventually(t, func() bool {
		for _, nd := range nodes {
			if heightOf(t, nd.db) == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "every validator should commit at least one block")
}

// TestLateJoinerCatchesUpViaStatus starts a quorum of validators, lets them
// commit without a fourth, then brings that fourth validator up from height
// zero: its onStatus/onBlockMessage catch-up path (spec §4.6's RequestBlock)
// must bring it to the same height without it ever having heard a single
// Propose/Prevote/Precommit round.
func TestLateJoinerCatchesUpViaStatus(t *testing.T) {
	n := 4
	nodes, pubs := buildClusterWithStatusTimeout(t, n, 50*time.Millisecond)
	cfg := genesisConfiguration(t, nodes[0].key, pubs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	active := nodes[:3]
	late := nodes[3]

	for _, nd := range active {
		require.NoError(t, nd.svc.Start(ctx, cfg))
	}
	defer func() {
		for _, nd := range active {
			nd.svc.Stop()
		}
	}()
	for _, nd := range active {
		require.NoError(t, nd.p2p.Start(ctx))
	}
	defer func() {
		for _, nd := range active {
			nd.p2p.Stop()
		}
	}()

	for i, nd := range active {
		for j := i + 1; j < len(active); j++ {
			require.NoError(t, nd.p2p.Dial(active[j].p2p.Addr().String(), active[j].key.Public()))
		}
	}
	time.Sleep(100 * time.Millisecond)

	raw, err := wire.EncodeTransaction(testNetworkID, active[0].key, 6, 1, []byte("before-join"))
	require.NoError(t, err)
	active[0].svc.Submit(raw)

	require.Eventually(t, func() bool {
		for _, nd := range active {
			if heightOf(t, nd.db) == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "the three active validators should commit without the fourth")

	require.NoError(t, late.svc.Start(ctx, cfg))
	defer late.svc.Stop()
	require.NoError(t, late.p2p.Start(ctx))
	defer late.p2p.Stop()

	for _, nd := range active {
		require.NoError(t, late.p2p.Dial(nd.p2p.Addr().String(), nd.key.Public()))
	}

	require.Eventually(t, func() bool {
		target := heightOf(t, active[0].db)
		return heightOf(t, late.db) >= target && target > 0
	}, 5*time.Second, 20*time.Millisecond, "the late joiner should catch up via Status/RequestBlock")
}
