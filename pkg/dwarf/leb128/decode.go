// Package leb128 provides bounded decoding of the variable-length integer
// encoding used throughout DWARF call frame information.
package leb128

import (
	"errors"
	"io"
)

// Reader is an io.ByteReader with a Len method. This interface is
// satisfied by both bytes.Buffer and bytes.Reader.
type Reader interface {
	io.ByteReader
	io.Reader
	Len() int
}

// ErrTruncated is returned when a LEB128 value runs past the end of its
// byte range before the terminating byte.
var ErrTruncated = errors.New("truncated LEB128 value")

// maxShift bounds a decode to 10 bytes, the longest encoding of a 64-bit
// value. Anything longer is malformed input, not a bigger number.
const maxShift = 63

// DecodeUnsigned decodes an unsigned Little Endian Base 128
// represented number. It returns the value and its encoded length.
func DecodeUnsigned(buf Reader) (uint64, uint32, error) {
	var (
		result uint64
		shift  uint64
		length uint32
	)

	for {
		if buf.Len() == 0 {
			return 0, length, ErrTruncated
		}
		b, err := buf.ReadByte()
		if err != nil {
			return 0, length, ErrTruncated
		}
		length++

		result |= (uint64(b) & 0x7f) << shift

		// If high order bit is 1.
		if b&0x80 == 0 {
			break
		}

		shift += 7
		if shift > maxShift {
			return 0, length, ErrTruncated
		}
	}

	return result, length, nil
}

// DecodeSigned decodes a signed Little Endian Base 128
// represented number. It returns the value and its encoded length.
func DecodeSigned(buf Reader) (int64, uint32, error) {
	var (
		b      byte
		err    error
		result int64
		shift  uint64
		length uint32
	)

	for {
		if buf.Len() == 0 {
			return 0, length, ErrTruncated
		}
		b, err = buf.ReadByte()
		if err != nil {
			return 0, length, ErrTruncated
		}
		length++

		result |= (int64(b) & 0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift > maxShift {
			return 0, length, ErrTruncated
		}
	}

	if (shift < 8*uint64(length)) && (b&0x40 > 0) {
		result |= -(1 << shift)
	}

	return result, length, nil
}
