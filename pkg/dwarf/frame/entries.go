package frame

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// CommonInformationEntry represents a Common Information Entry in a
// .debug_frame or .eh_frame section. It is immutable once parsed and may
// be shared by any number of FDEs.
type CommonInformationEntry struct {
	Offset                uint64
	Length                uint64
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte
	Personality           uint64
	IsSignalHandler       bool

	staticBase uint64

	// eh_frame pointer encodings requested by the augmentation string.
	ptrEncAddr ptrEnc
	ptrEncLSDA ptrEnc
	ptrSize    int
	order      binary.ByteOrder
}

// FrameDescriptionEntry represents a Frame Description Entry: the unwind
// rules for one contiguous PC range, expressed relative to its CIE's
// defaults. Immutable once parsed.
type FrameDescriptionEntry struct {
	Offset       uint64
	Length       uint64
	CIE          *CommonInformationEntry
	Instructions []byte
	LSDA         uint64
	begin, size  uint64
	order        binary.ByteOrder
}

// NewFrameDescriptionEntry returns an FDE covering [begin, begin+size)
// with the given instruction stream. Used by callers that obtain unwind
// data from somewhere other than a parsed section.
func NewFrameDescriptionEntry(offset uint64, cie *CommonInformationEntry, instructions []byte, begin, size uint64) *FrameDescriptionEntry {
	return &FrameDescriptionEntry{
		Offset:       offset,
		CIE:          cie,
		Instructions: instructions,
		begin:        begin,
		size:         size,
	}
}

// Cover returns whether or not the given address is within the
// bounds of this frame.
func (fde *FrameDescriptionEntry) Cover(addr uint64) bool {
	return (addr - fde.begin) < fde.size
}

// Begin returns address of first location for this frame.
func (fde *FrameDescriptionEntry) Begin() uint64 {
	return fde.begin
}

// End returns the address one past the last location covered by this
// frame, so the covered range is [Begin, End).
func (fde *FrameDescriptionEntry) End() uint64 {
	return fde.begin + fde.size
}

// Translate moves the beginning of fde forward by delta.
func (fde *FrameDescriptionEntry) Translate(delta uint64) {
	fde.begin += delta
}

// EstablishFrame runs the CIE's initial instructions followed by this
// FDE's instructions up to pc and returns the resulting rule table.
func (fde *FrameDescriptionEntry) EstablishFrame(pc uint64) (*FrameContext, error) {
	return executeDwarfProgramUntilPC(fde, pc)
}

type FrameDescriptionEntries []*FrameDescriptionEntry

// NewFrameIndex returns an empty FDE index.
func NewFrameIndex() FrameDescriptionEntries {
	return make(FrameDescriptionEntries, 0, 1000)
}

// ErrNoFDEForPC is returned when no FDE covers the given PC. The PC being
// outside every known range is absent-by-design, not a decode defect.
type ErrNoFDEForPC struct {
	PC uint64
}

func (err *ErrNoFDEForPC) Error() string {
	return fmt.Sprintf("could not find FDE for PC %#v", err.PC)
}

// FDEForPC returns the Frame Description Entry for the given PC.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	idx := sort.Search(len(fdes), func(i int) bool {
		return fdes[i].Cover(pc) || fdes[i].Begin() >= pc
	})
	if idx == len(fdes) || !fdes[idx].Cover(pc) {
		return nil, &ErrNoFDEForPC{pc}
	}
	return fdes[idx], nil
}

// Append appends otherFDEs to fdes, returning a sorted, deduplicated index.
func (fdes FrameDescriptionEntries) Append(otherFDEs FrameDescriptionEntries) FrameDescriptionEntries {
	r := append(fdes, otherFDEs...)
	sort.SliceStable(r, func(i, j int) bool {
		return r[i].Begin() < r[j].Begin()
	})
	uniqFDEs := r[:0]
	for _, fde := range r {
		if len(uniqFDEs) > 0 {
			last := uniqFDEs[len(uniqFDEs)-1]
			if last.Begin() == fde.Begin() && last.End() == fde.End() {
				continue
			}
		}
		uniqFDEs = append(uniqFDEs, fde)
	}
	return uniqFDEs
}

// ptrEnc represents a pointer encoding value, used during eh_frame decoding
// to determine how pointers were encoded.
// Least significant 4 (0xf) bits encode the size as well as its
// signed-ness, most significant 4 bits (0xf0 == ptrEncFlagsMask) are flags
// describing how the value should be interpreted (absolute, relative...)
// See https://www.airs.com/blog/archives/460.
type ptrEnc uint8

const (
	ptrEncAbs    ptrEnc = 0x00 // pointer-sized unsigned integer
	ptrEncOmit   ptrEnc = 0xff // omitted
	ptrEncUleb   ptrEnc = 0x01 // ULEB128
	ptrEncUdata2 ptrEnc = 0x02 // 2 bytes
	ptrEncUdata4 ptrEnc = 0x03 // 4 bytes
	ptrEncUdata8 ptrEnc = 0x04 // 8 bytes
	ptrEncSigned ptrEnc = 0x08 // pointer-sized signed integer
	ptrEncSleb   ptrEnc = 0x09 // SLEB128
	ptrEncSdata2 ptrEnc = 0x0a // 2 bytes, signed
	ptrEncSdata4 ptrEnc = 0x0b // 4 bytes, signed
	ptrEncSdata8 ptrEnc = 0x0c // 8 bytes, signed

	ptrEncFlagsMask ptrEnc = 0x70

	ptrEncPCRel    ptrEnc = 0x10 // value is relative to the memory address where it appears
	ptrEncTextRel  ptrEnc = 0x20 // value is relative to the address of the text section
	ptrEncDataRel  ptrEnc = 0x30 // value is relative to the address of the data section
	ptrEncFuncRel  ptrEnc = 0x40 // value is relative to the start of the function
	ptrEncAligned  ptrEnc = 0x50 // value should be aligned
	ptrEncIndirect ptrEnc = 0x80 // value is an address where the real value of the pointer is stored
)

// Supported returns true if this pointer encoding is supported.
func (enc ptrEnc) Supported() bool {
	if enc != ptrEncOmit {
		szenc := enc & 0x0f
		if ((szenc > ptrEncUdata8) && (szenc < ptrEncSigned)) || (szenc > ptrEncSdata8) {
			// These values aren't defined at the moment
			return false
		}
		switch enc & ptrEncFlagsMask {
		case 0, ptrEncPCRel, ptrEncDataRel:
		default:
			return false
		}
		if enc&ptrEncIndirect != 0 {
			return false
		}
	}
	return true
}
