package wire

import "github.com/pkg/errors"

// Decoding and verification failures. These are the checked-view failure
// modes: a message that trips one of them is dropped by the caller, never
// panics.
var (
	ErrUnexpectedlyShortPayload = errors.New("wire: unexpectedly short payload")
	ErrIncorrectBoolean         = errors.New("wire: incorrect boolean value")
	ErrIncorrectSegmentRef      = errors.New("wire: segment reference out of buffer bounds")
	ErrIncorrectSegmentSize     = errors.New("wire: segment size is not a multiple of the element size")
	ErrUTF8                     = errors.New("wire: invalid utf-8 in string field")
	ErrOverlap                  = errors.New("wire: segment overlaps the header or another segment")
	ErrUnsortedSegments         = errors.New("wire: segments are not in non-decreasing offset order")
	ErrIncorrectMessageType     = errors.New("wire: unrecognized message class/type")
	ErrBadSignature             = errors.New("wire: signature verification failed")
)
