package wire

import "github.com/pkg/errors"

// Any is the decoded form of a message whose type was not known in advance
// — exactly one of its fields is non-nil after a successful Decode.
type Any struct {
	Connect       *Connect
	Status        *Status
	Propose       *Propose
	Prevote       *Prevote
	Precommit     *Precommit
	Block         *BlockMessage
	Configuration *Configuration
	ConfigVote    *ConfigVote
	Request       *Request
	Transaction   *Transaction
}

// Decode peeks the header of buf and dispatches to the matching typed
// decoder. It never panics on malformed input: every failure mode from
// spec §4.1 surfaces as an error.
func Decode(networkID uint16, buf []byte) (Any, error) {
	if len(buf) < HeaderSize {
		return Any{}, ErrUnexpectedlyShortPayload
	}
	h, err := ReadHeader(buf)
	if err != nil {
		return Any{}, err
	}
	switch h.Class {
	case ClassService:
		switch h.Type {
		case TypeConnect:
			m, err := DecodeConnect(networkID, buf)
			return Any{Connect: m}, err
		case TypeStatus:
			m, err := DecodeStatus(networkID, buf)
			return Any{Status: m}, err
		case 1:
			m, err := DecodeConfiguration(networkID, buf)
			return Any{Configuration: m}, err
		case TypeConfigVote:
			m, err := DecodeConfigVote(networkID, buf)
			return Any{ConfigVote: m}, err
		}
	case ClassConsensus:
		switch h.Type {
		case TypePropose:
			m, err := DecodePropose(networkID, buf)
			return Any{Propose: m}, err
		case TypePrevote:
			m, err := DecodePrevote(networkID, buf)
			return Any{Prevote: m}, err
		case TypePrecommit:
			m, err := DecodePrecommit(networkID, buf)
			return Any{Precommit: m}, err
		case TypeBlockMessage:
			m, err := DecodeBlockMessage(networkID, buf)
			return Any{Block: m}, err
		}
	case ClassRequest:
		m, err := DecodeRequest(networkID, buf)
		return Any{Request: m}, err
	default:
		if h.Class >= ClassServiceMin {
			m, err := DecodeTransaction(networkID, buf)
			return Any{Transaction: m}, err
		}
	}
	return Any{}, errors.Wrapf(ErrIncorrectMessageType, "class=%d type=%d", h.Class, h.Type)
}
