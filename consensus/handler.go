package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ironforge-chain/ironforge/blockchain"
	"github.com/ironforge-chain/ironforge/consensus/requests"
	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/storage"
	"github.com/ironforge-chain/ironforge/wire"
)

// Send delivers raw to a single peer. Broadcast delivers raw to every
// known peer. Both are supplied by the p2p layer; Service never dials or
// accepts connections itself. Send is an alias of requests.Send so a
// Config's Send value can be handed to the request tracker directly.
type Send = requests.Send
type Broadcast func(raw []byte)

// Config bundles everything Service needs to run the protocol for one
// validator.
type Config struct {
	NetworkID      uint16
	Self           crypto.PrivateKey
	DB             storage.Database
	Send           Send
	Broadcast      Broadcast
	RoundTimeout   time.Duration
	ProposeTimeout time.Duration
	StatusTimeout  time.Duration
}

// Service is the single-threaded, event-driven consensus handler of spec
// §4.5/§4.7: one goroutine, one select loop, multiplexing inbound network
// messages, locally submitted transactions, and timeouts into
// deterministic state transitions. It never blocks mid-transition — the
// only blocking calls inside a transition are the bounded storage Merge at
// commit and the network writes behind Config.Send/Config.Broadcast.
type Service struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inbound    chan wire.Any
	submit     chan []byte          // raw transaction bytes submitted locally
	disconnect chan crypto.PublicKey // peers p2p has just lost a connection to

	requests *requests.Tracker

	mu               sync.Mutex
	validatorIdx     uint16
	validators       []crypto.PublicKey
	quorum           int
	activeConfigHash crypto.Hash
	roundTimeout     time.Duration
	proposeTimeout   time.Duration
	roundTicker      *time.Ticker
	height           *HeightState
	lastCommit       time.Time
	futureHeights    map[uint64][]wire.Any

	// catchupPeer/catchupTarget track the tallest height any peer has
	// announced via Status, so a catching-up node keeps issuing
	// RequestBlock for each subsequent height instead of stopping after
	// the first response.
	catchupPeer   crypto.PublicKey
	catchupTarget uint64

	// pendingConfigs and configVotes accumulate a quorum of ConfigVotes
	// for a proposed successor Configuration before it is scheduled, per
	// spec §4.5's configuration transitions.
	pendingConfigs map[crypto.Hash]*wire.Configuration
	configVotes    map[crypto.Hash]map[uint16]bool

	// pool holds the hashes of known, not-yet-committed transactions in
	// arrival order — spec §4.3's per-height "pool of verified
	// transactions", carried across heights since a transaction not
	// selected for one block remains a candidate for the next.
	pool     []crypto.Hash
	poolSeen map[crypto.Hash]bool

	// pendingOnTx holds Proposes received with one or more transaction
	// hashes this node hasn't stored yet, keyed by propose hash. tryPrevote
	// defers prevoting until handleSubmit observes the missing hashes
	// arrive (via gossip or a RequestTransactions reply).
	pendingOnTx map[crypto.Hash]*wire.Propose
}

// NewService constructs a Service. It does not start the event loop; call
// Start for that.
func NewService(cfg Config) *Service {
	if cfg.RoundTimeout == 0 {
		cfg.RoundTimeout = 3 * time.Second
	}
	if cfg.ProposeTimeout == 0 {
		cfg.ProposeTimeout = 500 * time.Millisecond
	}
	if cfg.StatusTimeout == 0 {
		cfg.StatusTimeout = 5 * time.Second
	}
	return &Service{
		cfg:            cfg,
		inbound:        make(chan wire.Any, 256),
		submit:         make(chan []byte, 256),
		disconnect:     make(chan crypto.PublicKey, 64),
		requests:       requests.NewTracker(cfg.Self, time.Now),
		roundTimeout:   cfg.RoundTimeout,
		proposeTimeout: cfg.ProposeTimeout,
		futureHeights:  make(map[uint64][]wire.Any),
		poolSeen:       make(map[crypto.Hash]bool),
		pendingOnTx:    make(map[crypto.Hash]*wire.Propose),
		pendingConfigs: make(map[crypto.Hash]*wire.Configuration),
		configVotes:    make(map[crypto.Hash]map[uint16]bool),
	}
}

// maxProposeTxs bounds how many pending transaction hashes a single Propose
// carries, keeping its wire size bounded independent of pool growth.
const maxProposeTxs = 4096

// Start loads the current height from storage and launches the event
// loop. ctx cancellation stops the loop; Stop waits for it to exit.
func (s *Service) Start(ctx context.Context, cfg *wire.Configuration) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	snap := s.cfg.DB.Snapshot()
	schema := blockchain.NewSchema(s.cfg.NetworkID, snap)
	height := schema.Height()
	snap.Release()

	s.applyConfiguration(cfg)
	s.height = NewHeightState(height, s.quorum)
	s.lastCommit = time.Now()

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop cancels the event loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Deliver hands an inbound decoded message to the event loop. Propose,
// Prevote, Precommit and ConfigVote signatures are checked later by the
// loop (verifiedBy); the other kinds were already verified at decode. It
// never blocks the caller's goroutine (the p2p reader) for more than the
// time it takes to enqueue.
func (s *Service) Deliver(msg wire.Any) {
	select {
	case s.inbound <- msg:
	case <-s.ctx.Done():
	}
}

// Submit hands a locally received transaction's raw bytes to the event
// loop for pool insertion and gossip.
func (s *Service) Submit(raw []byte) {
	select {
	case s.submit <- raw:
	case <-s.ctx.Done():
	}
}

// PeerDisconnected notifies the event loop that p2p has lost its
// connection to peer, so it can purge any in-flight request addressed to
// it. Per spec §4.7, a disconnect invalidates that peer as a target
// immediately, rather than waiting for the request's retry interval to
// elapse. Safe to call from any goroutine.
func (s *Service) PeerDisconnected(peer crypto.PublicKey) {
	select {
	case s.disconnect <- peer:
	case <-s.ctx.Done():
	}
}

// applyConfiguration reloads the validator set, quorum, and consensus
// parameters from cfg, per spec §4.5's configuration transitions: once
// applied, proposer rotation, Propose/Prevote/Precommit quorum counts, and
// round/propose timeouts all use the new values from the next round
// onward. Called once at Start, and again from commit/onBlockMessage
// whenever the configuration active at the newly reached height differs
// from the one currently in effect.
func (s *Service) applyConfiguration(cfg *wire.Configuration) {
	s.mu.Lock()
	s.validators = cfg.ValidatorKeys
	s.quorum = cfg.Quorum()
	s.activeConfigHash = cfg.Hash()
	if cfg.RoundTimeoutMs > 0 {
		s.roundTimeout = time.Duration(cfg.RoundTimeoutMs) * time.Millisecond
	}
	if cfg.ProposeTimeoutMs > 0 {
		s.proposeTimeout = time.Duration(cfg.ProposeTimeoutMs) * time.Millisecond
	}
	for i, k := range cfg.ValidatorKeys {
		if k == s.cfg.Self.Public() {
			s.validatorIdx = uint16(i)
		}
	}
	ticker := s.roundTicker
	roundTimeout := s.roundTimeout
	s.mu.Unlock()

	if ticker != nil {
		ticker.Reset(roundTimeout)
	}
}

// reloadConfigurationIfNeeded re-resolves the configuration active at
// height and applies it if it differs from the one currently in effect —
// the "node reloads validators and consensus parameters" half of spec
// §4.5's configuration transitions, triggered at every height advance.
func (s *Service) reloadConfigurationIfNeeded(height uint64) {
	snap := s.cfg.DB.Snapshot()
	schema := blockchain.NewSchema(s.cfg.NetworkID, snap)
	cfg, ok := schema.ActiveConfiguration(height)
	snap.Release()
	if !ok {
		return
	}
	s.mu.Lock()
	changed := cfg.Hash() != s.activeConfigHash
	s.mu.Unlock()
	if !changed {
		return
	}
	s.applyConfiguration(cfg)
	log.WithField("height", height).Info("reloaded configuration")
}

// requestTickInterval drives Tracker.Tick, the retry/rotation sweep for
// in-flight requests of every kind. It runs well inside the fastest
// per-kind retry timer (requests.RetryPrevotes/Precommits at 500ms) so a
// timed-out request rotates to its next candidate promptly.
const requestTickInterval = 200 * time.Millisecond

func (s *Service) loop() {
	defer s.wg.Done()

	s.mu.Lock()
	s.roundTicker = time.NewTicker(s.roundTimeout)
	s.mu.Unlock()
	defer s.roundTicker.Stop()

	statusTicker := time.NewTicker(s.cfg.StatusTimeout)
	defer statusTicker.Stop()

	requestTicker := time.NewTicker(requestTickInterval)
	defer requestTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbound:
			s.handleMessage(msg)
		case raw := <-s.submit:
			s.handleSubmit(raw)
		case peer := <-s.disconnect:
			s.requests.PurgePeer(s.cfg.NetworkID, peer, s.cfg.Send)
		case <-s.roundTicker.C:
			s.handleRoundTimeout()
		case <-statusTicker.C:
			s.broadcastStatus()
		case <-requestTicker.C:
			s.requests.Tick(s.cfg.NetworkID, s.cfg.Send)
		}
	}
}

// broadcastStatus announces this node's latest committed height, the
// signal that lets a behind peer notice it's behind and start catching
// up via RequestBlock (onStatus).
func (s *Service) broadcastStatus() {
	snap := s.cfg.DB.Snapshot()
	schema := blockchain.NewSchema(s.cfg.NetworkID, snap)
	height := schema.Height()
	lastHash := schema.LastBlockHash()
	snap.Release()

	raw, err := wire.EncodeStatus(s.cfg.NetworkID, s.cfg.Self, height, lastHash, time.Now().Unix())
	if err != nil {
		log.WithError(err).Error("failed to encode status")
		return
	}
	s.cfg.Broadcast(raw)
}

func (s *Service) handleMessage(msg wire.Any) {
	switch {
	case msg.Propose != nil:
		if !s.verifiedBy(msg.Propose.ValidatorIndex, msg.Propose.VerifySignedBy) {
			return
		}
		s.onPropose(msg.Propose)
	case msg.Prevote != nil:
		if !s.verifiedBy(msg.Prevote.ValidatorIndex, msg.Prevote.VerifySignedBy) {
			return
		}
		s.onPrevote(msg.Prevote)
	case msg.Precommit != nil:
		if !s.verifiedBy(msg.Precommit.ValidatorIndex, msg.Precommit.VerifySignedBy) {
			return
		}
		s.onPrecommit(msg.Precommit)
	case msg.Status != nil:
		s.onStatus(msg.Status)
	case msg.Block != nil:
		s.onBlockMessage(msg.Block)
	case msg.Configuration != nil:
		s.onConfiguration(msg.Configuration)
	case msg.ConfigVote != nil:
		if !s.verifiedBy(msg.ConfigVote.ValidatorIndex, msg.ConfigVote.VerifySignedBy) {
			return
		}
		s.onConfigVote(msg.ConfigVote)
	case msg.Transaction != nil:
		s.handleSubmit(msg.Transaction.Raw())
	case msg.Request != nil:
		s.onRequest(msg.Request)
	}
}

// onStatus implements spec §4.5's catch-up trigger: a peer announcing a
// height beyond ours means we're behind, so request the block at our own
// current height from it. catchupTarget/catchupPeer remember the tallest
// height seen so onBlockMessage can keep requesting successive heights
// from the same peer without waiting for another Status.
func (s *Service) onStatus(st *wire.Status) {
	current := s.currentHeight()
	if st.Height <= current {
		return
	}
	s.mu.Lock()
	if st.Height > s.catchupTarget {
		s.catchupTarget = st.Height
		s.catchupPeer = st.PublicKey
	}
	s.mu.Unlock()
	s.issueRequest(wire.RequestBlock, current, 0, crypto.Hash{}, nil, []crypto.PublicKey{st.PublicKey})
}

// onBlockMessage implements the receiving end of spec §4.6's RequestBlock:
// verify the bundled precommits meet quorum against the active validator
// set, then merge the block, its transactions, and its precommits
// directly into storage without replaying propose/prevote/precommit for
// it. Silently discards anything that fails to verify.
func (s *Service) onBlockMessage(bm *wire.BlockMessage) {
	if bm.Height != s.currentHeight() {
		return
	}
	b, err := blockchain.DecodeBlock(bm.BlockHeader)
	if err != nil || b.Height != bm.Height {
		return
	}

	txHashes := make([]crypto.Hash, 0, len(bm.Transactions))
	for _, raw := range bm.Transactions {
		tx, err := wire.DecodeTransaction(s.cfg.NetworkID, raw)
		if err != nil {
			log.WithError(err).Warn("catch-up block carried a malformed transaction, discarding")
			return
		}
		txHashes = append(txHashes, tx.Hash())
	}
	txRoot := crypto.Sum(nil)
	for _, h := range txHashes {
		txRoot = crypto.SumAll(txRoot.Bytes(), h.Bytes())
	}
	if txRoot != b.TxRootHash {
		log.Warn("catch-up block tx root does not match its header, discarding")
		return
	}

	s.mu.Lock()
	validators := append([]crypto.PublicKey(nil), s.validators...)
	quorum := s.quorum
	s.mu.Unlock()

	blockHash := b.Hash()
	bp := &blockchain.BlockProof{Block: b, Precommits: bm.Precommits}
	err = bp.Verify(quorum, validators, func(raw []byte) (uint16, bool) {
		pc, err := wire.DecodePrecommit(s.cfg.NetworkID, raw)
		if err != nil || pc.Height != b.Height || pc.BlockHash != blockHash {
			return 0, false
		}
		if int(pc.ValidatorIndex) >= len(validators) || !pc.VerifySignedBy(validators[pc.ValidatorIndex]) {
			return 0, false
		}
		return pc.ValidatorIndex, true
	})
	if err != nil {
		log.WithError(err).Warn("catch-up block failed precommit quorum verification, discarding")
		return
	}

	snap := s.cfg.DB.Snapshot()
	defer snap.Release()
	fork := storage.NewFork(snap)
	schema := blockchain.NewSchemaFork(s.cfg.NetworkID, fork)
	for _, raw := range bm.Transactions {
		schema.PutTransaction(raw)
	}
	schema.CommitBlock(b, txHashes, bm.Precommits)
	if err := s.cfg.DB.Merge(fork.IntoPatch()); err != nil {
		log.WithError(err).Fatal("storage merge failed, halting")
		return
	}

	nextHeight := b.Height + 1
	s.reloadConfigurationIfNeeded(nextHeight)

	s.mu.Lock()
	s.height = NewHeightState(nextHeight, s.quorum)
	s.lastCommit = time.Now()
	buffered := s.futureHeights[nextHeight]
	delete(s.futureHeights, nextHeight)
	s.removeFromPoolLocked(txHashes)
	target := s.catchupTarget
	peer := s.catchupPeer
	s.mu.Unlock()

	for _, m := range buffered {
		s.handleMessage(m)
	}

	if nextHeight < target {
		s.issueRequest(wire.RequestBlock, nextHeight, 0, crypto.Hash{}, nil, []crypto.PublicKey{peer})
	}
}

// onConfiguration records a proposed successor Configuration as pending,
// once it references the hash of the configuration active at this node's
// current height and its activation height lies above the current height.
// Votes for it arrive separately as ConfigVote messages.
func (s *Service) onConfiguration(cfg *wire.Configuration) {
	current := s.currentHeight()
	snap := s.cfg.DB.Snapshot()
	schema := blockchain.NewSchema(s.cfg.NetworkID, snap)
	active, ok := schema.ActiveConfiguration(current)
	snap.Release()
	if !ok || cfg.PrevConfigHash != active.Hash() {
		log.Warn("configuration proposal does not reference the actual configuration, discarding")
		return
	}
	if cfg.ActivationHeight <= current {
		log.Warn("configuration proposal activation height is not in the future, discarding")
		return
	}
	s.mu.Lock()
	s.pendingConfigs[cfg.Hash()] = cfg
	s.mu.Unlock()
}

// onConfigVote tallies a validator's vote for a pending Configuration and,
// once quorum is reached, schedules it via Schema.ScheduleConfiguration so
// reloadConfigurationIfNeeded picks it up at its activation height.
func (s *Service) onConfigVote(v *wire.ConfigVote) {
	if v.Height != s.currentHeight() {
		return
	}
	s.mu.Lock()
	votes, ok := s.configVotes[v.ConfigHash]
	if !ok {
		votes = make(map[uint16]bool)
		s.configVotes[v.ConfigHash] = votes
	}
	votes[v.ValidatorIndex] = true
	reached := len(votes) >= s.quorum
	cfg, have := s.pendingConfigs[v.ConfigHash]
	s.mu.Unlock()

	if !reached || !have {
		return
	}

	snap := s.cfg.DB.Snapshot()
	defer snap.Release()
	fork := storage.NewFork(snap)
	schema := blockchain.NewSchemaFork(s.cfg.NetworkID, fork)
	schema.ScheduleConfiguration(cfg)
	if err := s.cfg.DB.Merge(fork.IntoPatch()); err != nil {
		log.WithError(err).Fatal("storage merge failed, halting")
		return
	}

	s.mu.Lock()
	delete(s.pendingConfigs, v.ConfigHash)
	delete(s.configVotes, v.ConfigHash)
	s.mu.Unlock()
}

// verifiedBy resolves idx to a validator public key from the
// configuration active in the current round and checks the message's
// signature against it. Messages claiming an out-of-range validator index,
// or failing signature verification, are dropped silently — per spec §6,
// a malformed or misattributed message never reaches the state machine.
func (s *Service) verifiedBy(idx uint16, verify func(crypto.PublicKey) bool) bool {
	s.mu.Lock()
	if int(idx) >= len(s.validators) {
		s.mu.Unlock()
		return false
	}
	pub := s.validators[idx]
	s.mu.Unlock()
	return verify(pub)
}

func (s *Service) currentHeight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height.Height
}

// onPropose implements spec §4.5 step 1/2: record the propose, then
// prevote — for the locked propose if this height is locked, otherwise for
// the newly arrived one. Per spec §4.5 step 2, a propose naming a
// transaction hash this node hasn't stored yet is not prevoted on until the
// hash is requested and arrives.
func (s *Service) onPropose(p *wire.Propose) {
	if p.Height != s.currentHeight() {
		s.bufferFutureHeight(p.Height, wire.Any{Propose: p})
		return
	}
	s.mu.Lock()
	expected := Proposer(p.Height, p.Round, len(s.validators))
	if p.ValidatorIndex != expected {
		s.mu.Unlock()
		log.WithFields(map[string]interface{}{
			"height": p.Height, "round": p.Round, "got": p.ValidatorIndex, "want": expected,
		}).Warn("propose from non-proposer, dropping")
		return
	}
	s.height.AddPropose(p)
	s.requests.Resolve(wire.RequestPropose, p.Height, p.Round, p.Hash())
	s.mu.Unlock()

	s.tryPrevote(p)
}

// tryPrevote prevotes for p immediately if every transaction hash it
// references is already known locally; otherwise it defers p in
// pendingOnTx and requests the missing hashes from p's proposer.
// retryPendingProposes re-checks deferred proposes as new transactions
// arrive and prevotes once a propose's dependencies are all satisfied.
func (s *Service) tryPrevote(p *wire.Propose) {
	missing := s.missingTxHashes(p.TxHashes)
	if len(missing) == 0 {
		s.prevoteFor(p)
		return
	}

	s.mu.Lock()
	s.pendingOnTx[p.Hash()] = p
	var proposerKey crypto.PublicKey
	hasProposer := int(p.ValidatorIndex) < len(s.validators)
	if hasProposer {
		proposerKey = s.validators[p.ValidatorIndex]
	}
	s.mu.Unlock()

	if !hasProposer {
		return
	}
	s.issueRequest(wire.RequestTransactions, p.Height, p.Round, crypto.Hash{}, missing, []crypto.PublicKey{proposerKey})
}

// missingTxHashes returns the subset of hashes not yet present in storage.
func (s *Service) missingTxHashes(hashes []crypto.Hash) []crypto.Hash {
	if len(hashes) == 0 {
		return nil
	}
	snap := s.cfg.DB.Snapshot()
	defer snap.Release()
	schema := blockchain.NewSchema(s.cfg.NetworkID, snap)
	var missing []crypto.Hash
	for _, h := range hashes {
		if _, ok := schema.Transaction(h); !ok {
			missing = append(missing, h)
		}
	}
	return missing
}

// retryPendingProposes re-checks every propose deferred by tryPrevote,
// prevoting for any whose transaction hashes have all since arrived.
func (s *Service) retryPendingProposes() {
	s.mu.Lock()
	pending := make([]*wire.Propose, 0, len(s.pendingOnTx))
	for _, p := range s.pendingOnTx {
		pending = append(pending, p)
	}
	s.mu.Unlock()

	current := s.currentHeight()
	for _, p := range pending {
		if p.Height != current {
			s.mu.Lock()
			delete(s.pendingOnTx, p.Hash())
			s.mu.Unlock()
			continue
		}
		if missing := s.missingTxHashes(p.TxHashes); len(missing) == 0 {
			s.mu.Lock()
			delete(s.pendingOnTx, p.Hash())
			s.mu.Unlock()
			s.prevoteFor(p)
		}
	}
}

// prevoteFor encodes and broadcasts a Prevote for p, respecting any
// existing lock on this height.
func (s *Service) prevoteFor(p *wire.Propose) {
	s.mu.Lock()
	voteHash := p.Hash()
	lockedRound := s.height.LockedRound()
	if lockedRound != NoLockedRound {
		voteHash = s.height.LockedHash()
	}
	round := p.Round
	idx := s.validatorIdx
	s.mu.Unlock()

	raw, err := wire.EncodePrevote(s.cfg.NetworkID, s.cfg.Self, idx, p.Height, round, voteHash, lockedRound)
	if err != nil {
		log.WithError(err).Error("failed to encode prevote")
		return
	}
	s.cfg.Broadcast(raw)
}

// onPrevote implements spec §4.5 step 3: on reaching quorum for a propose
// at a round not below the current lock, execute it and precommit on the
// resulting block.
func (s *Service) onPrevote(pv *wire.Prevote) {
	if pv.Height != s.currentHeight() {
		s.bufferFutureHeight(pv.Height, wire.Any{Prevote: pv})
		return
	}
	s.mu.Lock()
	s.height.AddPrevote(pv)
	locked := s.height.TryLock(pv.Round, pv.ProposeHash)
	if !locked {
		s.mu.Unlock()
		return
	}
	propose, ok := s.height.Propose(pv.ProposeHash)
	if !ok {
		// We locked on a propose we never received the body of; a
		// RequestPropose will bring it in and re-trigger this path once
		// the propose arrives and AddPropose + a later prevote retriggers
		// TryLock (TryLock is idempotent to call again with the same
		// values).
		s.mu.Unlock()
		s.issueRequest(wire.RequestPropose, pv.Height, pv.Round, pv.ProposeHash, nil, s.validatorsCopy())
		return
	}
	idx := s.validatorIdx
	round := pv.Round
	s.mu.Unlock()

	blockHash, err := s.executeAndBuildBlock(propose)
	if err != nil {
		log.WithError(err).Error("failed to execute propose")
		return
	}

	raw, err := wire.EncodePrecommit(s.cfg.NetworkID, s.cfg.Self, idx, propose.Height, round, pv.ProposeHash, blockHash)
	if err != nil {
		log.WithError(err).Error("failed to encode precommit")
		return
	}
	s.cfg.Broadcast(raw)
}

// executeAndBuildBlock checks that every transaction the propose names is
// already stored and returns the hash of the resulting tentative block
// header. It does not execute the transactions: the header's state root
// is the Schema's current StateHash. The Fork is discarded here — commit
// rebuilds the same header and merges it once quorum actually commits, so
// a block that never reaches quorum never touches storage.
func (s *Service) executeAndBuildBlock(p *wire.Propose) (crypto.Hash, error) {
	snap := s.cfg.DB.Snapshot()
	defer snap.Release()
	fork := storage.NewFork(snap)
	schema := blockchain.NewSchemaFork(s.cfg.NetworkID, fork)

	for _, txHash := range p.TxHashes {
		if _, ok := schema.Transaction(txHash); !ok {
			return crypto.Hash{}, errors.Errorf("missing transaction %s for propose", txHash.String())
		}
	}

	txRoot := crypto.Sum(nil)
	for _, h := range p.TxHashes {
		txRoot = crypto.SumAll(txRoot.Bytes(), h.Bytes())
	}

	b := &blockchain.Block{
		SchemaVersion: blockchain.SchemaVersion,
		PrevBlockHash: p.PrevBlockHash,
		Height:        p.Height,
		ProposerIndex: p.ValidatorIndex,
		TxCount:       uint32(len(p.TxHashes)),
		TxRootHash:    txRoot,
		StateRootHash: schema.StateHash(),
	}
	return b.Hash(), nil
}

// onPrecommit implements spec §4.5 step 4: on reaching quorum for the same
// block hash, commit it — merge the Fork, append the block and its
// precommits, advance height, unlock.
func (s *Service) onPrecommit(pc *wire.Precommit) {
	if pc.Height != s.currentHeight() {
		s.bufferFutureHeight(pc.Height, wire.Any{Precommit: pc})
		return
	}
	s.mu.Lock()
	count := s.height.AddPrecommit(pc)
	if count < s.quorum {
		s.mu.Unlock()
		return
	}
	propose, ok := s.height.Propose(pc.ProposeHash)
	if !ok {
		s.mu.Unlock()
		s.issueRequest(wire.RequestPropose, pc.Height, pc.Round, pc.ProposeHash, nil, s.validatorsCopy())
		return
	}
	s.mu.Unlock()

	s.commit(propose, pc.BlockHash)
}

func (s *Service) commit(p *wire.Propose, blockHash crypto.Hash) {
	snap := s.cfg.DB.Snapshot()
	defer snap.Release()
	fork := storage.NewFork(snap)
	schema := blockchain.NewSchemaFork(s.cfg.NetworkID, fork)

	txRoot := crypto.Sum(nil)
	for _, h := range p.TxHashes {
		txRoot = crypto.SumAll(txRoot.Bytes(), h.Bytes())
	}
	b := &blockchain.Block{
		SchemaVersion: blockchain.SchemaVersion,
		PrevBlockHash: p.PrevBlockHash,
		Height:        p.Height,
		ProposerIndex: p.ValidatorIndex,
		TxCount:       uint32(len(p.TxHashes)),
		TxRootHash:    txRoot,
		StateRootHash: schema.StateHash(),
	}

	s.mu.Lock()
	precommitsRaw := collectPrecommitsRaw(s.height, p.Round, blockHash)
	s.mu.Unlock()

	schema.CommitBlock(b, p.TxHashes, precommitsRaw)
	if err := s.cfg.DB.Merge(fork.IntoPatch()); err != nil {
		log.WithError(err).Fatal("storage merge failed, halting")
		return
	}

	nextHeight := p.Height + 1
	s.reloadConfigurationIfNeeded(nextHeight)

	s.mu.Lock()
	s.height = NewHeightState(nextHeight, s.quorum)
	s.lastCommit = time.Now()
	buffered := s.futureHeights[nextHeight]
	delete(s.futureHeights, nextHeight)
	s.removeFromPoolLocked(p.TxHashes)
	for h, pp := range s.pendingOnTx {
		if pp.Height <= p.Height {
			delete(s.pendingOnTx, h)
		}
	}
	s.mu.Unlock()

	for _, m := range buffered {
		s.handleMessage(m)
	}
}

func collectPrecommitsRaw(h *HeightState, round uint32, blockHash crypto.Hash) [][]byte {
	rv := h.votesAt(round)
	set := rv.precommits[blockHash]
	out := make([][]byte, 0, len(set))
	for _, pc := range set {
		out = append(out, pc.Raw())
	}
	return out
}

func (s *Service) handleRoundTimeout() {
	s.mu.Lock()
	next := s.height.Round() + 1
	s.height.AdvanceRound(next)
	height := s.height.Height
	proposer := Proposer(height, next, len(s.validators))
	isProposer := proposer == s.validatorIdx
	sinceCommit := time.Since(s.lastCommit)
	proposeTimeout := s.proposeTimeout
	s.mu.Unlock()

	if !isProposer || sinceCommit < proposeTimeout {
		return
	}
	s.propose(height, next)
}

func (s *Service) propose(height uint64, round uint32) {
	snap := s.cfg.DB.Snapshot()
	schema := blockchain.NewSchema(s.cfg.NetworkID, snap)
	prevHash := schema.LastBlockHash()
	snap.Release()

	s.mu.Lock()
	idx := s.validatorIdx
	n := len(s.pool)
	if n > maxProposeTxs {
		n = maxProposeTxs
	}
	txHashes := append([]crypto.Hash(nil), s.pool[:n]...)
	s.mu.Unlock()

	raw, err := wire.EncodePropose(s.cfg.NetworkID, s.cfg.Self, idx, height, round, prevHash, txHashes)
	if err != nil {
		log.WithError(err).Error("failed to encode propose")
		return
	}
	s.cfg.Broadcast(raw)
}

func (s *Service) handleSubmit(raw []byte) {
	snap := s.cfg.DB.Snapshot()
	defer snap.Release()
	fork := storage.NewFork(snap)
	schema := blockchain.NewSchemaFork(s.cfg.NetworkID, fork)
	h := schema.PutTransaction(raw)
	if err := s.cfg.DB.Merge(fork.IntoPatch()); err != nil {
		log.WithError(err).Fatal("storage merge failed, halting")
		return
	}
	s.addToPool(h)
	s.cfg.Broadcast(raw)
	s.retryPendingProposes()
}

// addToPool records h as a candidate for a future Propose, ignoring
// hashes already known to the pool.
func (s *Service) addToPool(h crypto.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poolSeen[h] {
		return
	}
	s.poolSeen[h] = true
	s.pool = append(s.pool, h)
}

// removeFromPoolLocked drops hashes from the pool once they've been
// committed. Callers must hold s.mu.
func (s *Service) removeFromPoolLocked(hashes []crypto.Hash) {
	if len(hashes) == 0 {
		return
	}
	committed := make(map[crypto.Hash]bool, len(hashes))
	for _, h := range hashes {
		committed[h] = true
		delete(s.poolSeen, h)
	}
	remaining := s.pool[:0]
	for _, h := range s.pool {
		if !committed[h] {
			remaining = append(remaining, h)
		}
	}
	s.pool = remaining
}

func (s *Service) onRequest(req *wire.Request) {
	if req.Expired(time.Now()) {
		return
	}
	switch req.Kind {
	case wire.RequestTransactions:
		s.respondTransactions(req)
	case wire.RequestBlock:
		s.respondBlock(req)
	case wire.RequestPropose:
		s.respondPropose(req)
	case wire.RequestPrevotes:
		s.respondPrevotes(req)
	case wire.RequestPrecommits:
		s.respondPrecommits(req)
	}
}

func (s *Service) respondTransactions(req *wire.Request) {
	snap := s.cfg.DB.Snapshot()
	defer snap.Release()
	schema := blockchain.NewSchema(s.cfg.NetworkID, snap)
	for _, h := range req.TxHashes {
		if tx, ok := schema.Transaction(h); ok {
			_ = s.cfg.Send(req.From, tx.Raw())
		}
	}
}

// respondBlock answers a RequestBlock with a BlockMessage bundling the
// committed block header, the precommits proving it, and the transactions
// it references — everything onBlockMessage needs to verify and merge the
// height without replaying consensus for it.
func (s *Service) respondBlock(req *wire.Request) {
	snap := s.cfg.DB.Snapshot()
	defer snap.Release()
	schema := blockchain.NewSchema(s.cfg.NetworkID, snap)
	hash, ok := schema.BlockHash(req.Height)
	if !ok {
		return
	}
	b, ok := schema.Block(hash)
	if !ok {
		return
	}
	precommits := schema.Precommits(hash)
	txHashes := schema.BlockTxHashes(req.Height)
	txs := make([][]byte, 0, len(txHashes))
	for _, h := range txHashes {
		if tx, ok := schema.Transaction(h); ok {
			txs = append(txs, tx.Raw())
		}
	}
	raw, err := wire.EncodeBlockMessage(s.cfg.NetworkID, s.cfg.Self, req.Height, b.Encode(), precommits, txs)
	if err != nil {
		log.WithError(err).Error("failed to encode block response")
		return
	}
	_ = s.cfg.Send(req.From, raw)
}

// respondPropose, respondPrevotes, and respondPrecommits serve spec
// §4.6's remaining request kinds from in-memory per-height state rather
// than storage, since an in-progress round's votes aren't durable until
// it commits. Cross-height and cross-round requests get silence, same as
// any other data this node doesn't hold.
func (s *Service) respondPropose(req *wire.Request) {
	s.mu.Lock()
	if req.Height != s.height.Height {
		s.mu.Unlock()
		return
	}
	p, ok := s.height.Propose(req.DataHash)
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = s.cfg.Send(req.From, p.Raw())
}

func (s *Service) respondPrevotes(req *wire.Request) {
	s.mu.Lock()
	if req.Height != s.height.Height {
		s.mu.Unlock()
		return
	}
	rv := s.height.votesAt(req.Round)
	set := rv.prevotes[req.DataHash]
	raws := make([][]byte, 0, len(set))
	for _, pv := range set {
		raws = append(raws, pv.Raw())
	}
	s.mu.Unlock()
	for _, raw := range raws {
		_ = s.cfg.Send(req.From, raw)
	}
}

func (s *Service) respondPrecommits(req *wire.Request) {
	s.mu.Lock()
	if req.Height != s.height.Height {
		s.mu.Unlock()
		return
	}
	rv := s.height.votesAt(req.Round)
	set := rv.precommits[req.DataHash]
	raws := make([][]byte, 0, len(set))
	for _, pc := range set {
		raws = append(raws, pc.Raw())
	}
	s.mu.Unlock()
	for _, raw := range raws {
		_ = s.cfg.Send(req.From, raw)
	}
}

// issueRequest asks one of candidates (falling back to the next on
// timeout, per requests.Tracker) for the data identified by kind/dataHash/
// txHashes.
func (s *Service) issueRequest(kind wire.RequestKind, height uint64, round uint32, dataHash crypto.Hash, txHashes []crypto.Hash, candidates []crypto.PublicKey) {
	if err := s.requests.Request(s.cfg.NetworkID, kind, height, round, dataHash, txHashes, candidates, s.cfg.Send); err != nil {
		log.WithError(err).Warn("failed to issue request")
	}
}

// validatorsCopy returns a snapshot of the active validator set, safe to
// use as request candidates without holding s.mu.
func (s *Service) validatorsCopy() []crypto.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crypto.PublicKey(nil), s.validators...)
}

func (s *Service) bufferFutureHeight(height uint64, msg wire.Any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.futureHeights[height] = append(s.futureHeights[height], msg)
}
