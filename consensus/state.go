// Package consensus implements the round-based BFT engine of spec §4.5: per
// height/round vote accounting, the locked-round rule, proposer rotation,
// and the single-threaded event handler that drives them. The vote-tally
// and locking logic here is pure and unit-testable in isolation from the
// network and storage layers; Service (handler.go) wires it to both.
package consensus

import (
	"github.com/sirupsen/logrus"

	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/wire"
)

var log = logrus.WithField("prefix", "consensus")

// NoLockedRound mirrors wire.NoLockedRound: the sentinel meaning "not
// locked on anything yet".
const NoLockedRound = wire.NoLockedRound

// Proposer returns the validator ordinal whose turn it is to propose at
// (height, round), for a configuration of n validators: (h+r) mod n.
func Proposer(height uint64, round uint32, n int) uint16 {
	return uint16((height + uint64(round)) % uint64(n))
}

// roundVotes tracks the Prevotes and Precommits seen at one round, keyed by
// the hash they vote for, and which validator ordinals have voted for it
// (one vote per validator per round is kept: a later Prevote or Precommit
// from a validator that already voted at this round is dropped here).
type roundVotes struct {
	prevotes   map[crypto.Hash]map[uint16]*wire.Prevote
	precommits map[crypto.Hash]map[uint16]*wire.Precommit
}

func newRoundVotes() *roundVotes {
	return &roundVotes{
		prevotes:   make(map[crypto.Hash]map[uint16]*wire.Prevote),
		precommits: make(map[crypto.Hash]map[uint16]*wire.Precommit),
	}
}

func (rv *roundVotes) addPrevote(pv *wire.Prevote) {
	for _, voters := range rv.prevotes {
		if _, voted := voters[pv.ValidatorIndex]; voted {
			return
		}
	}
	set, ok := rv.prevotes[pv.ProposeHash]
	if !ok {
		set = make(map[uint16]*wire.Prevote)
		rv.prevotes[pv.ProposeHash] = set
	}
	set[pv.ValidatorIndex] = pv
}

func (rv *roundVotes) addPrecommit(pc *wire.Precommit) {
	for _, voters := range rv.precommits {
		if _, voted := voters[pc.ValidatorIndex]; voted {
			return
		}
	}
	set, ok := rv.precommits[pc.BlockHash]
	if !ok {
		set = make(map[uint16]*wire.Precommit)
		rv.precommits[pc.BlockHash] = set
	}
	set[pc.ValidatorIndex] = pc
}

func (rv *roundVotes) prevoteCount(proposeHash crypto.Hash) int {
	return len(rv.prevotes[proposeHash])
}

func (rv *roundVotes) precommitCount(blockHash crypto.Hash) int {
	return len(rv.precommits[blockHash])
}

// HeightState holds the per-height consensus state: the current and locked
// round, known proposes, and per-round vote sets. The verified transaction
// pool, in-flight requests, and future-height buffering live one level up,
// in Service and its requests.Tracker, since they span heights.
type HeightState struct {
	Height uint64

	round       uint32
	lockedRound uint32 // NoLockedRound if unlocked
	lockedHash  crypto.Hash

	proposes map[crypto.Hash]*wire.Propose
	votes    map[uint32]*roundVotes // keyed by round

	quorum int
}

// NewHeightState starts a fresh height with no locked round, round 1, and
// the given quorum size (2f+1 for the configuration active at this
// height).
func NewHeightState(height uint64, quorum int) *HeightState {
	return &HeightState{
		Height:      height,
		round:       1,
		lockedRound: NoLockedRound,
		proposes:    make(map[crypto.Hash]*wire.Propose),
		votes:       make(map[uint32]*roundVotes),
		quorum:      quorum,
	}
}

// Round returns the current round number (one-based).
func (h *HeightState) Round() uint32 { return h.round }

// LockedRound returns the round this height is locked on, or NoLockedRound.
func (h *HeightState) LockedRound() uint32 { return h.lockedRound }

// LockedHash returns the propose hash this height is locked on. Only
// meaningful if LockedRound() != NoLockedRound.
func (h *HeightState) LockedHash() crypto.Hash { return h.lockedHash }

// AdvanceRound moves to a new round without touching the lock, which by
// design survives round timeouts — only a higher-round quorum of Prevotes
// for a different propose can unlock (see TryLock).
func (h *HeightState) AdvanceRound(round uint32) {
	if round > h.round {
		h.round = round
	}
}

func (h *HeightState) votesAt(round uint32) *roundVotes {
	rv, ok := h.votes[round]
	if !ok {
		rv = newRoundVotes()
		h.votes[round] = rv
	}
	return rv
}

// AddPropose records a received Propose, keyed by its own hash.
func (h *HeightState) AddPropose(p *wire.Propose) {
	h.proposes[p.Hash()] = p
}

// Propose looks up a previously recorded Propose by hash.
func (h *HeightState) Propose(hash crypto.Hash) (*wire.Propose, bool) {
	p, ok := h.proposes[hash]
	return p, ok
}

// AddPrevote records a Prevote and returns the number of distinct
// validators now prevoted for its propose hash at its round.
func (h *HeightState) AddPrevote(pv *wire.Prevote) int {
	rv := h.votesAt(pv.Round)
	rv.addPrevote(pv)
	return rv.prevoteCount(pv.ProposeHash)
}

// AddPrecommit records a Precommit and returns the number of distinct
// validators now precommitted for its block hash at its round.
func (h *HeightState) AddPrecommit(pc *wire.Precommit) int {
	rv := h.votesAt(pc.Round)
	rv.addPrecommit(pc)
	return rv.precommitCount(pc.BlockHash)
}

// HasPrevoteQuorum reports whether proposeHash has ≥ quorum Prevotes at
// round.
func (h *HeightState) HasPrevoteQuorum(round uint32, proposeHash crypto.Hash) bool {
	return h.votesAt(round).prevoteCount(proposeHash) >= h.quorum
}

// HasPrecommitQuorum reports whether blockHash has ≥ quorum Precommits at
// round.
func (h *HeightState) HasPrecommitQuorum(round uint32, blockHash crypto.Hash) bool {
	return h.votesAt(round).precommitCount(blockHash) >= h.quorum
}

// TryLock implements the locked-round rule of spec §4.5 step 3: on
// accumulating ≥2f+1 Prevotes for propose P at a round r' >= lockedRound,
// the height locks onto P at r'. A round below the current lock can never
// relock — only a prevote quorum at a round at least as high as the
// existing lock is eligible, which is what lets ≥2f+1 honest validators
// collectively unlock from an old, unavailable propose and commit a new
// one.
func (h *HeightState) TryLock(round uint32, proposeHash crypto.Hash) bool {
	if h.lockedRound != NoLockedRound && round < h.lockedRound {
		return false
	}
	if !h.HasPrevoteQuorum(round, proposeHash) {
		return false
	}
	h.lockedRound = round
	h.lockedHash = proposeHash
	return true
}

// Unlock clears the lock. Service.commit does not call it: a committed
// height is replaced by a fresh HeightState, which starts unlocked.
func (h *HeightState) Unlock() {
	h.lockedRound = NoLockedRound
	h.lockedHash = crypto.Hash{}
}
