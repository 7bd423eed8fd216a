package node

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/ironforge-chain/ironforge/blockchain"
	"github.com/ironforge-chain/ironforge/consensus"
	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/p2p"
	"github.com/ironforge-chain/ironforge/storage"
	"github.com/ironforge-chain/ironforge/storage/boltkv"
	"github.com/ironforge-chain/ironforge/wire"
)

// dbService adapts *boltkv.Database to the Service interface; opening
// happens in New so construction can fail fast, so Start is a no-op and
// Stop is the only lifecycle hook that matters.
type dbService struct {
	db *boltkv.Database
}

func (d *dbService) Start() error { return nil }
func (d *dbService) Stop() error  { return d.db.Close() }

// p2pAdapter binds p2p.Service's context-taking Start to the
// zero-argument Service interface the registry expects.
type p2pAdapter struct {
	svc *p2p.Service
	ctx context.Context
}

func (a *p2pAdapter) Start() error { return a.svc.Start(a.ctx) }
func (a *p2pAdapter) Stop() error  { return a.svc.Stop() }

// consensusAdapter binds consensus.Service's (ctx, *Configuration)
// signature to the registry's Service interface.
type consensusAdapter struct {
	svc *consensus.Service
	ctx context.Context
	cfg *wire.Configuration
}

func (a *consensusAdapter) Start() error { return a.svc.Start(a.ctx, a.cfg) }
func (a *consensusAdapter) Stop() error  { a.svc.Stop(); return nil }

// Node wires storage, consensus, and p2p into a single validator process,
// the way beacon-chain/node.BeaconNode wires db, p2p, and the beacon-chain
// service behind one ServiceRegistry.
type Node struct {
	cfg *Config

	registry    *ServiceRegistry
	db          *boltkv.Database
	p2pSvc      *p2p.Service
	consensus   *consensus.Service
	p2pAdapter  *p2pAdapter
	consAdapter *consensusAdapter
	self        crypto.PrivateKey
	activeConf  *wire.Configuration

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs every subsystem but does not start them: opens the bolt
// database, resolves or bootstraps the active Configuration, and wires
// p2p.Service and consensus.Service to each other through closures over a
// not-yet-started p2p.Service pointer.
func New(cfg *Config) (*Node, error) {
	self, err := cfg.PrivateKeyPair()
	if err != nil {
		return nil, err
	}

	db, err := boltkv.Open(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	bootstrapSnap := db.Snapshot()
	schema := blockchain.NewSchema(cfg.NetworkID, bootstrapSnap)
	activeConf, ok := schema.ActiveConfiguration(schema.Height())
	bootstrapSnap.Release()
	if !ok {
		activeConf, err = bootstrapGenesis(cfg, db, self)
		if err != nil {
			db.Close()
			return nil, errors.Wrap(err, "bootstrap genesis configuration")
		}
	}

	n := &Node{
		cfg:        cfg,
		registry:   NewServiceRegistry(),
		db:         db,
		self:       self,
		activeConf: activeConf,
	}

	staticPeers := make(map[crypto.PublicKey]string, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		key, err := decodePublicKeyHex(peer.PublicKey)
		if err != nil {
			log.WithError(err).WithField("peer", peer.Address).Warn("skipping peer with invalid public key")
			continue
		}
		staticPeers[key] = peer.Address
	}

	var p2pSvc *p2p.Service
	consensusSvc := consensus.NewService(consensus.Config{
		NetworkID: cfg.NetworkID,
		Self:      self,
		DB:        db,
		Send: func(to crypto.PublicKey, raw []byte) error {
			return p2pSvc.Send(to, raw)
		},
		Broadcast: func(raw []byte) {
			p2pSvc.Broadcast(raw)
		},
		RoundTimeout:   cfg.RoundTimeout,
		ProposeTimeout: cfg.ProposeTimeout,
		StatusTimeout:  cfg.StatusTimeout,
	})

	p2pSvc, err = p2p.New(p2p.Config{
		NetworkID:  cfg.NetworkID,
		Self:       self,
		ListenAddr: cfg.ListenAddr,
		Handler: func(from crypto.PublicKey, msg wire.Any) {
			consensusSvc.Deliver(msg)
		},
		PeerExchangeTimeout: cfg.PeerExchangeTimeout,
		ReconnectTimeout:    cfg.ReconnectTimeout,
		StaticPeers:         staticPeers,
		OnDisconnect:        consensusSvc.PeerDisconnected,
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "construct p2p service")
	}

	n.p2pSvc = p2pSvc
	n.consensus = consensusSvc
	n.p2pAdapter = &p2pAdapter{svc: p2pSvc}
	n.consAdapter = &consensusAdapter{svc: consensusSvc, cfg: activeConf}

	if err := n.registry.Register(&dbService{db: db}); err != nil {
		return nil, err
	}
	if err := n.registry.Register(n.p2pAdapter); err != nil {
		return nil, err
	}
	if err := n.registry.Register(n.consAdapter); err != nil {
		return nil, err
	}
	return n, nil
}

// bootstrapGenesis writes the genesis Configuration into the database the
// first time a node starts against an empty chain, activated at height 0.
func bootstrapGenesis(cfg *Config, db *boltkv.Database, self crypto.PrivateKey) (*wire.Configuration, error) {
	keys, err := cfg.GenesisValidatorKeys()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errors.New("node: no active configuration in database and no genesis_validators configured")
	}
	raw, err := wire.EncodeConfiguration(
		cfg.NetworkID, self, keys,
		uint32(cfg.RoundTimeout.Milliseconds()),
		uint32(cfg.ProposeTimeout.Milliseconds()),
		uint32(cfg.StatusTimeout.Milliseconds()),
		uint32(cfg.PeerExchangeTimeout.Milliseconds()),
		nil, crypto.Hash{}, 0,
	)
	if err != nil {
		return nil, err
	}
	genesisConf, err := wire.DecodeConfiguration(cfg.NetworkID, raw)
	if err != nil {
		return nil, err
	}

	fork := storage.NewFork(db.Snapshot())
	defer fork.Release()
	schema := blockchain.NewSchemaFork(cfg.NetworkID, fork)
	schema.ScheduleConfiguration(genesisConf)
	if err := db.Merge(fork.IntoPatch()); err != nil {
		return nil, err
	}
	return genesisConf, nil
}

// Start dials every configured peer and starts every registered service
// in registration order (database, then p2p, then consensus), so each
// later service can rely on the ones before it already being up.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	// adapters' ctx is only available once Start is called, so it's
	// assigned here rather than at construction time.
	n.p2pAdapter.ctx = n.ctx
	n.consAdapter.ctx = n.ctx

	if err := n.registry.StartAll(); err != nil {
		return err
	}

	for _, peer := range n.cfg.Peers {
		key, err := decodePublicKeyHex(peer.PublicKey)
		if err != nil {
			log.WithError(err).WithField("peer", peer.Address).Warn("skipping peer with invalid public key")
			continue
		}
		if err := n.p2pSvc.Dial(peer.Address, key); err != nil {
			log.WithError(err).WithField("peer", peer.Address).Warn("failed to dial peer")
		}
	}
	return nil
}

// Stop stops every registered service in reverse order.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.registry.StopAll()
}

// Submit forwards a locally produced transaction into the consensus
// engine's pool and gossip path.
func (n *Node) Submit(raw []byte) {
	n.consensus.Submit(raw)
}

// WaitForInterrupt blocks until SIGINT or SIGTERM, then stops the node.
func (n *Node) WaitForInterrupt() {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Info("received interrupt, shutting down")
	n.Stop()
}
