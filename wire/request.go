package wire

import (
	"time"

	"github.com/ironforge-chain/ironforge/crypto"
)

// RequestKind discriminates the six request kinds of spec §4.6.
type RequestKind uint8

const (
	RequestPropose RequestKind = iota
	RequestTransactions
	RequestPrevotes
	RequestPrecommits
	RequestPeers
	RequestBlock
)

// RequestAlive is the window within which a request's declared timestamp
// must fall for the recipient to honor it.
const RequestAlive = 3 * time.Second

// Request is a signed, point-to-point message addressed to a specific
// peer asking for data it is believed to hold.
type Request struct {
	raw       []byte
	From      crypto.PublicKey
	To        crypto.PublicKey
	Kind      RequestKind
	Height    uint64
	Round     uint32
	DataHash  crypto.Hash
	Timestamp int64
	TxHashes  []crypto.Hash
}

func (r *Request) Raw() []byte       { return r.raw }
func (r *Request) Hash() crypto.Hash { return crypto.Sum(r.raw) }

// Expired reports whether the request's declared timestamp, in Unix
// nanoseconds, falls outside RequestAlive of now.
func (r *Request) Expired(now time.Time) bool {
	age := now.Sub(time.Unix(0, r.Timestamp))
	return age < -RequestAlive || age > RequestAlive
}

const requestTypeBase uint16 = 0

func EncodeRequest(networkID uint16, key crypto.PrivateKey, to crypto.PublicKey, kind RequestKind, height uint64, round uint32, dataHash crypto.Hash, timestamp int64, txHashes []crypto.Hash) ([]byte, error) {
	fixedLen := HeaderSize + crypto.PublicKeySize*2 + 8 + 4 + crypto.HashSize + 8 + 1 + 3 + segmentRefSize
	total := fixedLen + len(txHashes)*crypto.HashSize + SignatureSize
	buf := make([]byte, total)
	PutHeader(buf, Header{NetworkID: networkID, ProtocolVersion: CurrentProtocolVersion, Class: ClassRequest, Type: requestTypeBase + uint16(kind), PayloadLength: uint32(total)})

	c := &cursor{buf: buf, at: HeaderSize}
	c.putPublicKey(key.Public())
	c.putPublicKey(to)
	c.putUint64(height)
	c.putUint32(round)
	c.putHash(dataHash)
	c.putUint64(uint64(timestamp))
	c.buf[c.at] = byte(kind)
	c.at += 1 + 3 // reserved padding for 4-byte alignment of the following segment ref
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

func DecodeRequest(networkID uint16, buf []byte) (*Request, error) {
	if len(buf) < MinMessageSize {
		return nil, ErrUnexpectedlyShortPayload
	}
	h, err := ReadHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.ProtocolVersion != CurrentProtocolVersion || h.NetworkID != networkID || h.Class != ClassRequest {
		return nil, ErrIncorrectMessageType
	}
	if h.Type > uint16(RequestBlock) {
		return nil, ErrIncorrectMessageType
	}
	if int(h.PayloadLength) != len(buf) {
		return nil, ErrIncorrectSegmentRef
	}

	fixedLen := HeaderSize + crypto.PublicKeySize*2 + 8 + 4 + crypto.HashSize + 8 + 1 + 3 + segmentRefSize
	c := &cursor{buf: buf, at: HeaderSize}
	from := c.getPublicKey()
	to := c.getPublicKey()
	height := c.getUint64()
	round := c.getUint32()
	dataHash := c.getHash()
	timestamp := c.getUint64()
	kind := RequestKind(c.buf[c.at])
	c.at += 1 + 3
	txRefAt := c.skipSegmentRef()

	if err := verifySegments(buf, fixedLen, []segmentSpec{{refAt: txRefAt, elemSize: crypto.HashSize, kind: kindBytes}}); err != nil {
		return nil, err
	}
	if !VerifySignature(buf, from) {
		return nil, ErrBadSignature
	}

	return &Request{
		raw:       buf,
		From:      from,
		To:        to,
		Kind:      kind,
		Height:    height,
		Round:     round,
		DataHash:  dataHash,
		Timestamp: int64(timestamp),
		TxHashes:  decodeHashArray(segmentBytes(buf, txRefAt, crypto.HashSize)),
	}, nil
}

// ---- Status ----

// Status announces a peer's latest committed height, driving catch-up via
// RequestBlock when a peer is observed to be behind.
type Status struct {
	raw           []byte
	PublicKey     crypto.PublicKey
	Height        uint64
	LastBlockHash crypto.Hash
	Timestamp     int64
}

func (s *Status) Raw() []byte       { return s.raw }
func (s *Status) Hash() crypto.Hash { return crypto.Sum(s.raw) }

const TypeStatus uint16 = 2 // ClassService

func EncodeStatus(networkID uint16, key crypto.PrivateKey, height uint64, lastBlockHash crypto.Hash, timestamp int64) ([]byte, error) {
	fixedLen := HeaderSize + crypto.PublicKeySize + 8 + crypto.HashSize + 8
	total := fixedLen + SignatureSize
	buf := make([]byte, total)
	PutHeader(buf, Header{NetworkID: networkID, ProtocolVersion: CurrentProtocolVersion, Class: ClassService, Type: TypeStatus, PayloadLength: uint32(total)})

	c := &cursor{buf: buf, at: HeaderSize}
	c.putPublicKey(key.Public())
	c.putUint64(height)
	c.putHash(lastBlockHash)
	c.putUint64(uint64(timestamp))

	if err := Sign(buf, key); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodeStatus(networkID uint16, buf []byte) (*Status, error) {
	if err := checkedHeader(buf, networkID, ClassService, TypeStatus, 0); err != nil {
		return nil, err
	}
	fixedLen := HeaderSize + crypto.PublicKeySize + 8 + crypto.HashSize + 8
	if len(buf) != fixedLen+SignatureSize {
		return nil, ErrUnexpectedlyShortPayload
	}
	c := &cursor{buf: buf, at: HeaderSize}
	pub := c.getPublicKey()
	height := c.getUint64()
	lastBlockHash := c.getHash()
	timestamp := c.getUint64()

	if !VerifySignature(buf, pub) {
		return nil, ErrBadSignature
	}

	return &Status{raw: buf, PublicKey: pub, Height: height, LastBlockHash: lastBlockHash, Timestamp: int64(timestamp)}, nil
}
