// Package wire implements the fixed-layout, zero-copy binary message
// format shared by the network, storage, and signature domains: a message
// read off a socket and the same message read back from disk hash and
// verify identically, because both walk the exact same bytes.
package wire

import (
	"encoding/binary"

	"github.com/ironforge-chain/ironforge/crypto"
)

// Message type discriminants within each message class, per spec §6.
const (
	TypeConnect uint16 = 0 // ClassService

	TypePropose   uint16 = 0 // ClassConsensus
	TypePrevote   uint16 = 1
	TypePrecommit uint16 = 2

	TypeTransaction uint16 = 0 // service-defined classes (ClassServiceMin+)
)

// cursor is a running write/read offset into a fixed payload area. Using a
// cursor instead of hand-computed magic-number offsets keeps encode and
// decode symmetric by construction.
type cursor struct {
	buf []byte
	at  int
}

func (c *cursor) putUint16(v uint16) {
	binary.BigEndian.PutUint16(c.buf[c.at:], v)
	c.at += 2
}
func (c *cursor) putUint32(v uint32) {
	binary.BigEndian.PutUint32(c.buf[c.at:], v)
	c.at += 4
}
func (c *cursor) putUint64(v uint64) {
	binary.BigEndian.PutUint64(c.buf[c.at:], v)
	c.at += 8
}
func (c *cursor) putHash(h crypto.Hash) {
	copy(c.buf[c.at:], h[:])
	c.at += crypto.HashSize
}
func (c *cursor) putPublicKey(k crypto.PublicKey) {
	copy(c.buf[c.at:], k[:])
	c.at += crypto.PublicKeySize
}
func (c *cursor) putBool(v bool) {
	putBool(c.buf, c.at, v)
	c.at++
}
func (c *cursor) reserveSegment() int {
	at := c.at
	c.at += segmentRefSize
	return at
}

func (c *cursor) getUint16() uint16 {
	v := binary.BigEndian.Uint16(c.buf[c.at:])
	c.at += 2
	return v
}
func (c *cursor) getUint32() uint32 {
	v := binary.BigEndian.Uint32(c.buf[c.at:])
	c.at += 4
	return v
}
func (c *cursor) getUint64() uint64 {
	v := binary.BigEndian.Uint64(c.buf[c.at:])
	c.at += 8
	return v
}
func (c *cursor) getHash() crypto.Hash {
	var h crypto.Hash
	copy(h[:], c.buf[c.at:c.at+crypto.HashSize])
	c.at += crypto.HashSize
	return h
}
func (c *cursor) getPublicKey() crypto.PublicKey {
	var k crypto.PublicKey
	copy(k[:], c.buf[c.at:c.at+crypto.PublicKeySize])
	c.at += crypto.PublicKeySize
	return k
}
func (c *cursor) getBool() (bool, error) {
	v, err := getBool(c.buf, c.at)
	c.at++
	return v, err
}
func (c *cursor) skipSegmentRef() int {
	at := c.at
	c.at += segmentRefSize
	return at
}

func checkedHeader(buf []byte, networkID uint16, class MessageClass, typ uint16, serviceID uint16) error {
	if len(buf) < MinMessageSize {
		return ErrUnexpectedlyShortPayload
	}
	h, err := ReadHeader(buf)
	if err != nil {
		return err
	}
	if h.ProtocolVersion != CurrentProtocolVersion {
		return ErrIncorrectMessageType
	}
	if h.Class != class || h.Type != typ || h.ServiceID != serviceID {
		return ErrIncorrectMessageType
	}
	if int(h.PayloadLength) != len(buf) {
		return ErrIncorrectSegmentRef
	}
	return nil
}

// ---- Connect ----

// Connect authenticates a peer on a freshly opened TCP link: its public
// key, the socket address it can be reached at, and a timestamp used to
// break ties against stale duplicates announcing the same key.
type Connect struct {
	raw       []byte
	PublicKey crypto.PublicKey
	Address   string
	Timestamp int64
}

// Raw returns the exact bytes that were signed and should be stored or
// retransmitted verbatim.
func (c *Connect) Raw() []byte { return c.raw }

// Hash is the content hash of the message, used to key it and to reference
// it from other messages.
func (c *Connect) Hash() crypto.Hash { return crypto.Sum(c.raw) }

// EncodeConnect builds and signs a Connect message.
func EncodeConnect(networkID uint16, key crypto.PrivateKey, address string, timestamp int64) ([]byte, error) {
	fixedLen := HeaderSize + crypto.PublicKeySize + 8 + segmentRefSize
	total := fixedLen + len(address) + SignatureSize
	buf := make([]byte, total)

	PutHeader(buf, Header{NetworkID: networkID, ProtocolVersion: CurrentProtocolVersion, Class: ClassService, Type: TypeConnect, PayloadLength: uint32(total)})

	c := &cursor{buf: buf, at: HeaderSize}
	c.putPublicKey(key.Public())
	c.putUint64(uint64(timestamp))
	addrRefAt := c.reserveSegment()

	appendSegment(buf, addrRefAt, fixedLen, []byte(address), len(address))

	if err := Sign(buf, key); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeConnect verifies and parses a Connect message.
func DecodeConnect(networkID uint16, buf []byte) (*Connect, error) {
	if err := checkedHeader(buf, networkID, ClassService, TypeConnect, 0); err != nil {
		return nil, err
	}
	fixedLen := HeaderSize + crypto.PublicKeySize + 8 + segmentRefSize
	c := &cursor{buf: buf, at: HeaderSize}
	pub := c.getPublicKey()
	ts := c.getUint64()
	addrRefAt := c.skipSegmentRef()

	if err := verifySegments(buf, fixedLen, []segmentSpec{{refAt: addrRefAt, elemSize: 1, kind: kindUTF8}}); err != nil {
		return nil, err
	}
	if !VerifySignature(buf, pub) {
		return nil, ErrBadSignature
	}
	addr := segmentBytes(buf, addrRefAt, 1)
	return &Connect{raw: buf, PublicKey: pub, Address: string(addr), Timestamp: int64(ts)}, nil
}

// ---- Propose ----

// Propose is a proposer's candidate block body for one round: the ordered
// list of transaction hashes it wants committed.
type Propose struct {
	raw            []byte
	ValidatorIndex uint16
	Height         uint64
	Round          uint32
	PrevBlockHash  crypto.Hash
	TxHashes       []crypto.Hash
}

func (p *Propose) Raw() []byte       { return p.raw }
func (p *Propose) Hash() crypto.Hash { return crypto.Sum(p.raw) }

// Signature returns the signature trailing the message, for storage alongside
// the raw bytes without re-deriving it.
func (p *Propose) Signature() crypto.Signature { return ExtractSignature(p.raw) }

func EncodePropose(networkID uint16, key crypto.PrivateKey, validatorIndex uint16, height uint64, round uint32, prevBlockHash crypto.Hash, txHashes []crypto.Hash) ([]byte, error) {
	fixedLen := HeaderSize + 2 + 8 + 4 + crypto.HashSize + segmentRefSize
	total := fixedLen + len(txHashes)*crypto.HashSize + SignatureSize
	buf := make([]byte, total)

	PutHeader(buf, Header{NetworkID: networkID, ProtocolVersion: CurrentProtocolVersion, Class: ClassConsensus, Type: TypePropose, PayloadLength: uint32(total)})

	c := &cursor{buf: buf, at: HeaderSize}
	c.putUint16(validatorIndex)
	c.putUint64(height)
	c.putUint32(round)
	c.putHash(prevBlockHash)
	txRefAt := c.reserveSegment()

	txBytes := make([]byte, len(txHashes)*crypto.HashSize)
	for i, h := range txHashes {
		copy(txBytes[i*crypto.HashSize:], h[:])
	}
	appendSegment(buf, txRefAt, fixedLen, txBytes, len(txHashes))

	if err := Sign(buf, key); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodePropose(networkID uint16, buf []byte) (*Propose, error) {
	if err := checkedHeader(buf, networkID, ClassConsensus, TypePropose, 0); err != nil {
		return nil, err
	}
	fixedLen := HeaderSize + 2 + 8 + 4 + crypto.HashSize + segmentRefSize
	c := &cursor{buf: buf, at: HeaderSize}
	validatorIndex := c.getUint16()
	height := c.getUint64()
	round := c.getUint32()
	prevBlockHash := c.getHash()
	txRefAt := c.skipSegmentRef()

	if err := verifySegments(buf, fixedLen, []segmentSpec{{refAt: txRefAt, elemSize: crypto.HashSize, kind: kindBytes}}); err != nil {
		return nil, err
	}

	return &Propose{
		raw:            buf,
		ValidatorIndex: validatorIndex,
		Height:         height,
		Round:          round,
		PrevBlockHash:  prevBlockHash,
		TxHashes:       decodeHashArray(segmentBytes(buf, txRefAt, crypto.HashSize)),
	}, nil
}

// VerifySignedBy validates the message signature against pub, after the
// caller has resolved validatorIndex to pub via the current validator set.
func (p *Propose) VerifySignedBy(pub crypto.PublicKey) bool {
	return VerifySignature(p.raw, pub)
}

func decodeHashArray(b []byte) []crypto.Hash {
	n := len(b) / crypto.HashSize
	out := make([]crypto.Hash, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], b[i*crypto.HashSize:(i+1)*crypto.HashSize])
	}
	return out
}

// ---- Prevote ----

// NoLockedRound marks a Prevote cast before the validator ever locked on a
// propose at this height.
const NoLockedRound uint32 = 0

// Prevote is the first of the two voting stages: a validator's vote that a
// given Propose should advance to precommit.
type Prevote struct {
	raw            []byte
	ValidatorIndex uint16
	Height         uint64
	Round          uint32
	ProposeHash    crypto.Hash
	LockedRound    uint32
}

func (p *Prevote) Raw() []byte                { return p.raw }
func (p *Prevote) Hash() crypto.Hash          { return crypto.Sum(p.raw) }
func (p *Prevote) Signature() crypto.Signature { return ExtractSignature(p.raw) }
func (p *Prevote) VerifySignedBy(pub crypto.PublicKey) bool {
	return VerifySignature(p.raw, pub)
}

func EncodePrevote(networkID uint16, key crypto.PrivateKey, validatorIndex uint16, height uint64, round uint32, proposeHash crypto.Hash, lockedRound uint32) ([]byte, error) {
	fixedLen := HeaderSize + 2 + 8 + 4 + crypto.HashSize + 4
	total := fixedLen + SignatureSize
	buf := make([]byte, total)
	PutHeader(buf, Header{NetworkID: networkID, ProtocolVersion: CurrentProtocolVersion, Class: ClassConsensus, Type: TypePrevote, PayloadLength: uint32(total)})

	c := &cursor{buf: buf, at: HeaderSize}
	c.putUint16(validatorIndex)
	c.putUint64(height)
	c.putUint32(round)
	c.putHash(proposeHash)
	c.putUint32(lockedRound)

	if err := Sign(buf, key); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodePrevote(networkID uint16, buf []byte) (*Prevote, error) {
	if err := checkedHeader(buf, networkID, ClassConsensus, TypePrevote, 0); err != nil {
		return nil, err
	}
	fixedLen := HeaderSize + 2 + 8 + 4 + crypto.HashSize + 4
	if len(buf) != fixedLen+SignatureSize {
		return nil, ErrUnexpectedlyShortPayload
	}
	c := &cursor{buf: buf, at: HeaderSize}
	validatorIndex := c.getUint16()
	height := c.getUint64()
	round := c.getUint32()
	proposeHash := c.getHash()
	lockedRound := c.getUint32()

	return &Prevote{raw: buf, ValidatorIndex: validatorIndex, Height: height, Round: round, ProposeHash: proposeHash, LockedRound: lockedRound}, nil
}

// ---- Precommit ----

// Precommit is the second voting stage: agreement on the resulting block
// hash for a given Propose.
type Precommit struct {
	raw            []byte
	ValidatorIndex uint16
	Height         uint64
	Round          uint32
	ProposeHash    crypto.Hash
	BlockHash      crypto.Hash
}

func (p *Precommit) Raw() []byte                { return p.raw }
func (p *Precommit) Hash() crypto.Hash          { return crypto.Sum(p.raw) }
func (p *Precommit) Signature() crypto.Signature { return ExtractSignature(p.raw) }
func (p *Precommit) VerifySignedBy(pub crypto.PublicKey) bool {
	return VerifySignature(p.raw, pub)
}

func EncodePrecommit(networkID uint16, key crypto.PrivateKey, validatorIndex uint16, height uint64, round uint32, proposeHash, blockHash crypto.Hash) ([]byte, error) {
	fixedLen := HeaderSize + 2 + 8 + 4 + crypto.HashSize + crypto.HashSize
	total := fixedLen + SignatureSize
	buf := make([]byte, total)
	PutHeader(buf, Header{NetworkID: networkID, ProtocolVersion: CurrentProtocolVersion, Class: ClassConsensus, Type: TypePrecommit, PayloadLength: uint32(total)})

	c := &cursor{buf: buf, at: HeaderSize}
	c.putUint16(validatorIndex)
	c.putUint64(height)
	c.putUint32(round)
	c.putHash(proposeHash)
	c.putHash(blockHash)

	if err := Sign(buf, key); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodePrecommit(networkID uint16, buf []byte) (*Precommit, error) {
	if err := checkedHeader(buf, networkID, ClassConsensus, TypePrecommit, 0); err != nil {
		return nil, err
	}
	fixedLen := HeaderSize + 2 + 8 + 4 + crypto.HashSize + crypto.HashSize
	if len(buf) != fixedLen+SignatureSize {
		return nil, ErrUnexpectedlyShortPayload
	}
	c := &cursor{buf: buf, at: HeaderSize}
	validatorIndex := c.getUint16()
	height := c.getUint64()
	round := c.getUint32()
	proposeHash := c.getHash()
	blockHash := c.getHash()

	return &Precommit{raw: buf, ValidatorIndex: validatorIndex, Height: height, Round: round, ProposeHash: proposeHash, BlockHash: blockHash}, nil
}

// PrecommitWireSize is the constant total size of every encoded Precommit
// message, independent of its field values (it carries no variable tail).
const PrecommitWireSize = HeaderSize + 2 + 8 + 4 + crypto.HashSize + crypto.HashSize + SignatureSize

// ---- Transaction ----

// Transaction is an opaque, service-signed message: a service identifier,
// a message identifier within that service, a body, and a signature.
type Transaction struct {
	raw       []byte
	ServiceID uint16
	MessageID uint16
	Body      []byte
	PublicKey crypto.PublicKey
}

func (t *Transaction) Raw() []byte       { return t.raw }
func (t *Transaction) Hash() crypto.Hash { return crypto.Sum(t.raw) }

func EncodeTransaction(networkID uint16, key crypto.PrivateKey, serviceID, messageID uint16, body []byte) ([]byte, error) {
	fixedLen := HeaderSize + crypto.PublicKeySize + segmentRefSize
	total := fixedLen + len(body) + SignatureSize
	buf := make([]byte, total)
	PutHeader(buf, Header{NetworkID: networkID, ProtocolVersion: CurrentProtocolVersion, Class: ClassServiceMin, Type: messageID, PayloadLength: uint32(total), ServiceID: serviceID})

	c := &cursor{buf: buf, at: HeaderSize}
	c.putPublicKey(key.Public())
	bodyRefAt := c.reserveSegment()
	appendSegment(buf, bodyRefAt, fixedLen, body, len(body))

	if err := Sign(buf, key); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodeTransaction(networkID uint16, buf []byte) (*Transaction, error) {
	if len(buf) < MinMessageSize {
		return nil, ErrUnexpectedlyShortPayload
	}
	h, err := ReadHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.ProtocolVersion != CurrentProtocolVersion || h.NetworkID != networkID || h.Class < ClassServiceMin {
		return nil, ErrIncorrectMessageType
	}
	if int(h.PayloadLength) != len(buf) {
		return nil, ErrIncorrectSegmentRef
	}

	fixedLen := HeaderSize + crypto.PublicKeySize + segmentRefSize
	c := &cursor{buf: buf, at: HeaderSize}
	pub := c.getPublicKey()
	bodyRefAt := c.skipSegmentRef()

	if err := verifySegments(buf, fixedLen, []segmentSpec{{refAt: bodyRefAt, elemSize: 1, kind: kindBytes}}); err != nil {
		return nil, err
	}
	if !VerifySignature(buf, pub) {
		return nil, ErrBadSignature
	}

	return &Transaction{
		raw:       buf,
		ServiceID: h.ServiceID,
		MessageID: h.Type,
		Body:      segmentBytes(buf, bodyRefAt, 1),
		PublicKey: pub,
	}, nil
}
