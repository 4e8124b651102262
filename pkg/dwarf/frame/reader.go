package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ShiznitsO/system-core/pkg/dwarf/leb128"
)

// ErrMalformed is the class of all decode failures: truncated streams, bad
// LEB128, inconsistent lengths, unknown mandatory opcodes. Errors returned
// by this package wrap it so callers can classify with errors.Is.
var ErrMalformed = errors.New("malformed call frame information")

// ErrUnresolvedCIE is returned when an FDE references a CIE that cannot be
// located or parsed.
var ErrUnresolvedCIE = errors.New("unresolved CIE reference")

// binaryReader is a bounds-checked cursor over a section's raw bytes. Every
// read checks the cursor against the declared end before touching data, so
// a hostile length field can never cause a read past the section.
type binaryReader struct {
	data  []byte
	off   uint64
	end   uint64
	order binary.ByteOrder
}

func newBinaryReader(data []byte, off, end uint64, order binary.ByteOrder) *binaryReader {
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	if off > end {
		off = end
	}
	return &binaryReader{data: data, off: off, end: end, order: order}
}

func (r *binaryReader) pos() uint64 { return r.off }

// Len returns the number of unread bytes. Together with ReadByte and Read
// it satisfies leb128.Reader.
func (r *binaryReader) Len() int { return int(r.end - r.off) }

func (r *binaryReader) ReadByte() (byte, error) {
	if r.off >= r.end {
		return 0, io.EOF
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *binaryReader) Read(p []byte) (int, error) {
	if r.off >= r.end {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:r.end])
	r.off += uint64(n)
	return n, nil
}

func (r *binaryReader) errTruncated() error {
	return fmt.Errorf("%w: truncated at offset %#x", ErrMalformed, r.off)
}

// bytes returns the next n bytes without copying.
func (r *binaryReader) bytes(n uint64) ([]byte, error) {
	if n > r.end-r.off {
		return nil, r.errTruncated()
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *binaryReader) skip(n uint64) error {
	if n > r.end-r.off {
		return r.errTruncated()
	}
	r.off += n
	return nil
}

// seek moves the cursor to an absolute offset within the reader's bounds.
func (r *binaryReader) seek(to uint64) error {
	if to > r.end {
		return r.errTruncated()
	}
	r.off = to
	return nil
}

func (r *binaryReader) uint8() (uint8, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, r.errTruncated()
	}
	return b, nil
}

func (r *binaryReader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

func (r *binaryReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

func (r *binaryReader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return r.order.Uint64(b), nil
}

// uint reads a size-byte unsigned integer. Sizes other than 1, 2, 4 and 8
// are rejected.
func (r *binaryReader) uint(size int) (uint64, error) {
	switch size {
	case 1:
		v, err := r.uint8()
		return uint64(v), err
	case 2:
		v, err := r.uint16()
		return uint64(v), err
	case 4:
		v, err := r.uint32()
		return uint64(v), err
	case 8:
		return r.uint64()
	default:
		return 0, fmt.Errorf("%w: unsupported integer width %d", ErrMalformed, size)
	}
}

func (r *binaryReader) uleb() (uint64, error) {
	v, _, err := leb128.DecodeUnsigned(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v at offset %#x", ErrMalformed, err, r.off)
	}
	return v, nil
}

func (r *binaryReader) sleb() (int64, error) {
	v, _, err := leb128.DecodeSigned(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v at offset %#x", ErrMalformed, err, r.off)
	}
	return v, nil
}

// str reads a null-terminated string.
func (r *binaryReader) str() (string, error) {
	start := r.off
	for i := r.off; i < r.end; i++ {
		if r.data[i] == 0 {
			r.off = i + 1
			return string(r.data[start:i]), nil
		}
	}
	return "", r.errTruncated()
}

// ptr reads one pointer value with the given DWARF exception-header
// encoding. vaddr is the runtime address of the section start, used by the
// pc-relative and data-relative adjustments.
func (r *binaryReader) ptr(enc ptrEnc, ptrSize int, vaddr uint64) (uint64, error) {
	if enc == ptrEncOmit {
		return 0, nil
	}
	fieldPos := r.off

	var val uint64
	switch enc & 0x0f {
	case ptrEncAbs:
		v, err := r.uint(ptrSize)
		if err != nil {
			return 0, err
		}
		val = v
	case ptrEncUleb:
		v, err := r.uleb()
		if err != nil {
			return 0, err
		}
		val = v
	case ptrEncSleb:
		v, err := r.sleb()
		if err != nil {
			return 0, err
		}
		val = uint64(v)
	case ptrEncUdata2:
		v, err := r.uint16()
		if err != nil {
			return 0, err
		}
		val = uint64(v)
	case ptrEncUdata4:
		v, err := r.uint32()
		if err != nil {
			return 0, err
		}
		val = uint64(v)
	case ptrEncUdata8, ptrEncSdata8:
		v, err := r.uint64()
		if err != nil {
			return 0, err
		}
		val = v
	case ptrEncSigned:
		v, err := r.uint(ptrSize)
		if err != nil {
			return 0, err
		}
		if ptrSize == 4 {
			v = uint64(int64(int32(v)))
		}
		val = v
	case ptrEncSdata2:
		v, err := r.uint16()
		if err != nil {
			return 0, err
		}
		val = uint64(int64(int16(v)))
	case ptrEncSdata4:
		v, err := r.uint32()
		if err != nil {
			return 0, err
		}
		val = uint64(int64(int32(v)))
	default:
		return 0, fmt.Errorf("%w: unsupported pointer format %#02x", ErrMalformed, uint8(enc))
	}

	switch enc & ptrEncFlagsMask {
	case 0:
	case ptrEncPCRel:
		val += vaddr + fieldPos
	case ptrEncDataRel:
		val += vaddr
	default:
		return 0, fmt.Errorf("%w: unsupported pointer adjustment %#02x", ErrMalformed, uint8(enc))
	}

	if enc&ptrEncIndirect != 0 {
		return 0, fmt.Errorf("%w: indirect pointer encoding %#02x", ErrMalformed, uint8(enc))
	}
	return val, nil
}
