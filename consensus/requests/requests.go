// Package requests implements the point-to-point catch-up subsystem of
// spec §4.6: six request kinds, each issued at most once per target, with
// per-kind retry and rotation through a caller-supplied list of candidate
// peers.
package requests

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/wire"
)

var log = logrus.WithField("prefix", "requests")

// Default per-kind retry intervals. A request that goes unanswered for
// this long is considered lost — not NACKed, just silent — and is reissued
// to the next candidate peer.
const (
	RetryPropose      = 1 * time.Second
	RetryTransactions = 1 * time.Second
	RetryPrevotes     = 500 * time.Millisecond
	RetryPrecommits   = 500 * time.Millisecond
	RetryPeers        = 5 * time.Second
	RetryBlock        = 2 * time.Second
)

func retryInterval(kind wire.RequestKind) time.Duration {
	switch kind {
	case wire.RequestPropose:
		return RetryPropose
	case wire.RequestTransactions:
		return RetryTransactions
	case wire.RequestPrevotes:
		return RetryPrevotes
	case wire.RequestPrecommits:
		return RetryPrecommits
	case wire.RequestPeers:
		return RetryPeers
	case wire.RequestBlock:
		return RetryBlock
	default:
		return RetryBlock
	}
}

// pendingKey identifies one outstanding request: the data it asks for plus
// which peer it was sent to. A second request for the same data but to a
// different peer (rotation after a timeout) is a distinct pendingKey.
type pendingKey struct {
	kind   wire.RequestKind
	hash   crypto.Hash
	height uint64
	round  uint32
	to     crypto.PublicKey
}

type pending struct {
	issuedAt   time.Time
	candidates []crypto.PublicKey // remaining peers to try if this one times out
	txHashes   []crypto.Hash      // request payload, re-sent verbatim on rotation
}

// Tracker enforces "at most once per target" and manages rotation to the
// next candidate peer when a request's retry interval elapses without a
// response. It holds no network or storage state of its own — callers
// supply a send function and drive Tick from the single consensus event
// loop.
type Tracker struct {
	self crypto.PrivateKey
	now  func() time.Time

	inFlight map[pendingKey]*pending
}

// NewTracker builds a Tracker that signs outgoing requests as self. now is
// injected for testability; callers pass time.Now in production.
func NewTracker(self crypto.PrivateKey, now func() time.Time) *Tracker {
	return &Tracker{self: self, now: now, inFlight: make(map[pendingKey]*pending)}
}

// Send is called by the consensus handler to deliver an encoded request's
// bytes to a peer.
type Send func(to crypto.PublicKey, raw []byte) error

// Request issues a request for the given data, addressed to the first of
// candidates, unless an identical request to that same peer is already in
// flight. The remaining candidates are kept so Tick can rotate to them if
// the first goes unanswered.
func (t *Tracker) Request(networkID uint16, kind wire.RequestKind, height uint64, round uint32, dataHash crypto.Hash, txHashes []crypto.Hash, candidates []crypto.PublicKey, send Send) error {
	if len(candidates) == 0 {
		return nil
	}
	to := candidates[0]
	key := pendingKey{kind: kind, hash: dataHash, height: height, round: round, to: to}
	if _, ok := t.inFlight[key]; ok {
		return nil
	}
	raw, err := t.encode(networkID, kind, to, height, round, dataHash, txHashes)
	if err != nil {
		return err
	}
	if err := send(to, raw); err != nil {
		return err
	}
	t.inFlight[key] = &pending{issuedAt: t.now(), candidates: candidates[1:], txHashes: txHashes}
	return nil
}

func (t *Tracker) encode(networkID uint16, kind wire.RequestKind, to crypto.PublicKey, height uint64, round uint32, dataHash crypto.Hash, txHashes []crypto.Hash) ([]byte, error) {
	return wire.EncodeRequest(networkID, t.self, to, kind, height, round, dataHash, t.now().UnixNano(), txHashes)
}

// Tick reissues any in-flight request whose retry interval has elapsed, to
// the next candidate peer if one remains, and drops it otherwise. send is
// used for the reissue.
func (t *Tracker) Tick(networkID uint16, send Send) {
	now := t.now()
	for key, p := range t.inFlight {
		if now.Sub(p.issuedAt) < retryInterval(key.kind) {
			continue
		}
		delete(t.inFlight, key)
		if len(p.candidates) == 0 {
			log.WithField("kind", key.kind).Debug("request exhausted candidate peers")
			continue
		}
		next := p.candidates[0]
		nextKey := pendingKey{kind: key.kind, hash: key.hash, height: key.height, round: key.round, to: next}
		if _, already := t.inFlight[nextKey]; already {
			continue
		}
		raw, err := t.encode(networkID, key.kind, next, key.height, key.round, key.hash, p.txHashes)
		if err != nil {
			log.WithError(err).Error("failed to re-encode rotated request")
			continue
		}
		if err := send(next, raw); err != nil {
			log.WithError(err).Warn("failed to send rotated request")
			continue
		}
		t.inFlight[nextKey] = &pending{issuedAt: now, candidates: p.candidates[1:], txHashes: p.txHashes}
	}
}

// PurgePeer drops every in-flight request addressed to peer and, for any
// that still had remaining candidates, immediately rotates to the next
// one rather than waiting out its retry interval — the disconnect itself
// is already proof the target is gone.
func (t *Tracker) PurgePeer(networkID uint16, peer crypto.PublicKey, send Send) {
	now := t.now()
	for key, p := range t.inFlight {
		if key.to != peer {
			continue
		}
		delete(t.inFlight, key)
		if len(p.candidates) == 0 {
			continue
		}
		next := p.candidates[0]
		nextKey := pendingKey{kind: key.kind, hash: key.hash, height: key.height, round: key.round, to: next}
		if _, already := t.inFlight[nextKey]; already {
			continue
		}
		raw, err := t.encode(networkID, key.kind, next, key.height, key.round, key.hash, p.txHashes)
		if err != nil {
			log.WithError(err).Error("failed to re-encode request after peer disconnect")
			continue
		}
		if err := send(next, raw); err != nil {
			log.WithError(err).Warn("failed to send rotated request after peer disconnect")
			continue
		}
		t.inFlight[nextKey] = &pending{issuedAt: now, candidates: p.candidates[1:], txHashes: p.txHashes}
	}
}

// Resolve marks any in-flight request matching kind/hash/height/round as
// satisfied, across whichever peer it was sent to, once the corresponding
// data has been received (from any source, not necessarily the target).
func (t *Tracker) Resolve(kind wire.RequestKind, height uint64, round uint32, dataHash crypto.Hash) {
	for key := range t.inFlight {
		if key.kind == kind && key.height == height && key.round == round && key.hash == dataHash {
			delete(t.inFlight, key)
		}
	}
}
