package wire

import "encoding/binary"

// Every message is one contiguous buffer: a fixed HeaderSize header, a
// message-type-specific fixed payload region, an optional variable-size
// tail referenced from the fixed region by segment (offset, count) pairs,
// and a trailing SignatureSize-byte Ed25519 signature. Reading the buffer
// from disk or off the wire yields byte-identical layouts, so the same
// bytes that were signed are the bytes that get hashed and stored.
const (
	// HeaderSize is the width of the fixed header every message shares.
	HeaderSize = 12
	// SignatureSize is the width of the trailing signature.
	SignatureSize = 64
	// MinMessageSize is the smallest possible well-formed message: header
	// plus signature, zero-width payload.
	MinMessageSize = HeaderSize + SignatureSize
)

// MessageClass discriminates the broad category of a message, per the wire
// protocol in spec §6.
type MessageClass uint8

const (
	ClassService    MessageClass = 0
	ClassConsensus  MessageClass = 1
	ClassRequest    MessageClass = 2
	ClassServiceMin MessageClass = 10 // service-defined transaction classes start here
)

// Header is the fixed 12-byte prefix of every message:
//
//	offset 0  uint16 NetworkID
//	offset 2  uint8  ProtocolVersion
//	offset 3  uint8  Class        (MessageClass)
//	offset 4  uint16 Type         (discriminant within Class)
//	offset 6  uint32 PayloadLength (total message length, header..signature inclusive)
//	offset 10 uint16 ServiceID    (0 for core message classes)
type Header struct {
	NetworkID       uint16
	ProtocolVersion uint8
	Class           MessageClass
	Type            uint16
	PayloadLength   uint32
	ServiceID       uint16
}

// PutHeader writes h into the first HeaderSize bytes of buf.
func PutHeader(buf []byte, h Header) {
	_ = buf[HeaderSize-1]
	binary.BigEndian.PutUint16(buf[0:2], h.NetworkID)
	buf[2] = h.ProtocolVersion
	buf[3] = byte(h.Class)
	binary.BigEndian.PutUint16(buf[4:6], h.Type)
	binary.BigEndian.PutUint32(buf[6:10], h.PayloadLength)
	binary.BigEndian.PutUint16(buf[10:12], h.ServiceID)
}

// ReadHeader parses the fixed header out of buf, which must be at least
// HeaderSize bytes long.
func ReadHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrUnexpectedlyShortPayload
	}
	return Header{
		NetworkID:       binary.BigEndian.Uint16(buf[0:2]),
		ProtocolVersion: buf[2],
		Class:           MessageClass(buf[3]),
		Type:            binary.BigEndian.Uint16(buf[4:6]),
		PayloadLength:   binary.BigEndian.Uint32(buf[6:10]),
		ServiceID:       binary.BigEndian.Uint16(buf[10:12]),
	}, nil
}

// CurrentProtocolVersion is the only protocol version this implementation
// speaks; the Decode functions reject messages with any other version.
const CurrentProtocolVersion = 1
