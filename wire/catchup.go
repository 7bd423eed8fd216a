package wire

import "github.com/ironforge-chain/ironforge/crypto"

// TypeBlockMessage is the Block response of spec §4.6's RequestBlock: the
// committed block header at a height, bundled with the precommits that
// prove it and the transactions it references, so a catching-up node can
// verify and merge one height without replaying consensus for it.
const TypeBlockMessage uint16 = 3 // ClassConsensus

// BlockMessage answers a RequestBlock. Height is carried separately from
// the embedded block header since a malformed or empty BlockHeader must
// still be rejected against the height the requester asked for.
type BlockMessage struct {
	raw          []byte
	PublicKey    crypto.PublicKey
	Height       uint64
	BlockHeader  []byte
	Precommits   [][]byte
	Transactions [][]byte
}

func (b *BlockMessage) Raw() []byte { return b.raw }

func EncodeBlockMessage(networkID uint16, key crypto.PrivateKey, height uint64, blockHeader []byte, precommits [][]byte, transactions [][]byte) ([]byte, error) {
	fixedLen := HeaderSize + crypto.PublicKeySize + 8 + segmentRefSize*3
	precommitsBlob := encodeBlobArray(precommits)
	txBlob := encodeBlobArray(transactions)
	total := fixedLen + len(blockHeader) + len(precommitsBlob) + len(txBlob) + SignatureSize
	buf := make([]byte, total)
	PutHeader(buf, Header{NetworkID: networkID, ProtocolVersion: CurrentProtocolVersion, Class: ClassConsensus, Type: TypeBlockMessage, PayloadLength: uint32(total)})

	c := &cursor{buf: buf, at: HeaderSize}
	c.putPublicKey(key.Public())
	c.putUint64(height)
	headerRefAt := c.reserveSegment()
	precommitsRefAt := c.reserveSegment()
	txRefAt := c.reserveSegment()

	end := appendSegment(buf, headerRefAt, fixedLen, blockHeader, len(blockHeader))
	end = appendSegment(buf, precommitsRefAt, end, precommitsBlob, len(precommitsBlob))
	appendSegment(buf, txRefAt, end, txBlob, len(txBlob))

	if err := Sign(buf, key); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodeBlockMessage(networkID uint16, buf []byte) (*BlockMessage, error) {
	if err := checkedHeader(buf, networkID, ClassConsensus, TypeBlockMessage, 0); err != nil {
		return nil, err
	}
	fixedLen := HeaderSize + crypto.PublicKeySize + 8 + segmentRefSize*3
	c := &cursor{buf: buf, at: HeaderSize}
	pub := c.getPublicKey()
	height := c.getUint64()
	headerRefAt := c.skipSegmentRef()
	precommitsRefAt := c.skipSegmentRef()
	txRefAt := c.skipSegmentRef()

	specs := []segmentSpec{
		{refAt: headerRefAt, elemSize: 1, kind: kindBytes},
		{refAt: precommitsRefAt, elemSize: 1, kind: kindBytes},
		{refAt: txRefAt, elemSize: 1, kind: kindBytes},
	}
	if err := verifySegments(buf, fixedLen, specs); err != nil {
		return nil, err
	}
	if !VerifySignature(buf, pub) {
		return nil, ErrBadSignature
	}

	precommits, err := decodeBlobArray(segmentBytes(buf, precommitsRefAt, 1))
	if err != nil {
		return nil, err
	}
	transactions, err := decodeBlobArray(segmentBytes(buf, txRefAt, 1))
	if err != nil {
		return nil, err
	}

	return &BlockMessage{
		raw:          buf,
		PublicKey:    pub,
		Height:       height,
		BlockHeader:  segmentBytes(buf, headerRefAt, 1),
		Precommits:   precommits,
		Transactions: transactions,
	}, nil
}
