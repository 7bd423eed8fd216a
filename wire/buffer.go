package wire

import (
	"encoding/binary"
	"unicode/utf8"
)

// segmentRefSize is the width of a (offset, count) pair referencing a
// variable-length region in the tail from the fixed payload area.
const segmentRefSize = 8

// segmentRef is a (offset, count) pointer from the fixed payload area into
// the variable-size tail. offset is absolute within the buffer; count is
// measured in elements, not bytes, so a byte-string segment has
// elemSize == 1 and an array-of-Hash segment has elemSize == 32.
type segmentRef struct {
	offset uint32
	count  uint32
}

func getSegmentRef(buf []byte, at int) segmentRef {
	return segmentRef{
		offset: binary.BigEndian.Uint32(buf[at : at+4]),
		count:  binary.BigEndian.Uint32(buf[at+4 : at+8]),
	}
}

func putSegmentRef(buf []byte, at int, ref segmentRef) {
	binary.BigEndian.PutUint32(buf[at:at+4], ref.offset)
	binary.BigEndian.PutUint32(buf[at+4:at+8], ref.count)
}

// segmentKind tells verifySegments whether to additionally check the
// referenced bytes as UTF-8 text.
type segmentKind int

const (
	kindBytes segmentKind = iota
	kindUTF8
)

// segmentSpec describes one declared variable field for verification: its
// (offset,count) pair lives at byte offset refAt in the fixed area, each
// element is elemSize bytes wide, and kind selects extra content checks.
type segmentSpec struct {
	refAt   int
	elemSize int
	kind    segmentKind
}

// verifySegments walks every declared segment in a message in field order,
// asserting the rules from spec §4.1: offsets are monotonic (non-decreasing
// and non-overlapping), every referenced range lies strictly after the
// fixed area and within the buffer (not touching the trailing signature),
// sizes are exact multiples of the element width, and UTF-8 segments
// contain valid text. It performs no copying; the checks are purely over
// offsets and lengths.
func verifySegments(buf []byte, fixedEnd int, specs []segmentSpec) error {
	bodyEnd := len(buf) - SignatureSize
	if bodyEnd < fixedEnd {
		return ErrUnexpectedlyShortPayload
	}
	prevEnd := fixedEnd
	for _, spec := range specs {
		if spec.refAt+segmentRefSize > fixedEnd {
			return ErrIncorrectSegmentRef
		}
		ref := getSegmentRef(buf, spec.refAt)
		start := int(ref.offset)
		length := int(ref.count) * spec.elemSize
		end := start + length

		if start < fixedEnd {
			return ErrOverlap
		}
		if start < prevEnd {
			return ErrUnsortedSegments
		}
		if end < start || end > bodyEnd {
			return ErrIncorrectSegmentRef
		}
		if spec.elemSize > 1 && length%spec.elemSize != 0 {
			return ErrIncorrectSegmentSize
		}
		if spec.kind == kindUTF8 && !utf8.Valid(buf[start:end]) {
			return ErrUTF8
		}
		prevEnd = end
	}
	return nil
}

// segmentBytes returns the raw bytes referenced by the (offset,count) pair
// at refAt, assuming verifySegments has already validated the buffer.
func segmentBytes(buf []byte, refAt int, elemSize int) []byte {
	ref := getSegmentRef(buf, refAt)
	start := int(ref.offset)
	end := start + int(ref.count)*elemSize
	return buf[start:end]
}

// appendSegment appends payload to tail (whose current logical end within
// the full buffer is tailEnd) and writes the resulting segment reference at
// refAt in the fixed area. It returns the new tail end.
func appendSegment(buf []byte, refAt int, tailEnd int, payload []byte, elemCount int) int {
	copy(buf[tailEnd:], payload)
	putSegmentRef(buf, refAt, segmentRef{offset: uint32(tailEnd), count: uint32(elemCount)})
	return tailEnd + len(payload)
}

// putBool writes a boolean as a single 0/1 byte.
func putBool(buf []byte, at int, v bool) {
	if v {
		buf[at] = 1
	} else {
		buf[at] = 0
	}
}

// getBool reads a boolean byte, rejecting anything other than 0 or 1 per
// the IncorrectBoolean failure mode.
func getBool(buf []byte, at int) (bool, error) {
	switch buf[at] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrIncorrectBoolean
	}
}

// encodeBlobArray packs a slice of variable-length byte blobs into one
// contiguous stream, each prefixed by its big-endian uint32 length, so a
// single byte-string segment can carry an array of differently-sized
// items (a block's precommits, or the transactions it committed).
func encodeBlobArray(items [][]byte) []byte {
	n := 0
	for _, it := range items {
		n += 4 + len(it)
	}
	buf := make([]byte, n)
	off := 0
	for _, it := range items {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(it)))
		off += 4
		copy(buf[off:], it)
		off += len(it)
	}
	return buf
}

// decodeBlobArray reverses encodeBlobArray, rejecting a stream whose
// length prefixes don't exactly consume it.
func decodeBlobArray(buf []byte) ([][]byte, error) {
	var out [][]byte
	off := 0
	for off < len(buf) {
		if off+4 > len(buf) {
			return nil, ErrUnexpectedlyShortPayload
		}
		n := int(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		if n < 0 || off+n > len(buf) {
			return nil, ErrUnexpectedlyShortPayload
		}
		out = append(out, buf[off:off+n])
		off += n
	}
	return out, nil
}
