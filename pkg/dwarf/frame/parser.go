// Package frame contains data structures and related functions for parsing
// and searching through the call frame information found in Dwarf
// .debug_frame and .eh_frame sections.
package frame

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// SectionKind selects between the two on-disk flavors of call frame
// information. They differ in the CIE discriminator value and in how an
// FDE's CIE pointer is converted to a section offset.
type SectionKind uint8

const (
	// DebugFrame is the .debug_frame flavor: the CIE id is all-ones and an
	// FDE's CIE pointer is an absolute section offset.
	DebugFrame SectionKind = iota
	// EhFrame is the .eh_frame flavor: the CIE id is zero and an FDE's CIE
	// pointer is a self-relative backwards distance.
	EhFrame
)

// cie32Escape doubles as the 32-bit .debug_frame CIE discriminator and the
// length-field escape that switches an entry to the 64-bit format.
const cie32Escape = 0xffffffff

const cie64Escape = 0xffffffffffffffff

// Decoder decodes CIE and FDE entries from one unwind-info section. It
// never reads outside the bounds established by Init.
type Decoder struct {
	kind        SectionKind
	data        []byte
	order       binary.ByteOrder
	vaddr       uint64
	staticBase  uint64
	ptrSize     int
	start, end  uint64
	initialized bool
}

// NewDecoder returns a decoder over data, the raw bytes of one unwind-info
// section. vaddr is the runtime address of the section start (used by
// pc-relative eh_frame encodings) and staticBase is the load bias added to
// every parsed PC value. Init must be called before any entry is decoded.
func NewDecoder(kind SectionKind, data []byte, order binary.ByteOrder, vaddr, staticBase uint64, ptrSize int) *Decoder {
	return &Decoder{
		kind:       kind,
		data:       data,
		order:      order,
		vaddr:      vaddr,
		staticBase: staticBase,
		ptrSize:    ptrSize,
	}
}

// Kind returns the section flavor this decoder was built for.
func (d *Decoder) Kind() SectionKind {
	return d.kind
}

// PtrSize returns the target pointer size in bytes.
func (d *Decoder) PtrSize() int {
	return d.ptrSize
}

// Init establishes the byte range the decoder may read. It fails rather
// than allowing any later read past offset+length.
func (d *Decoder) Init(offset, length uint64) error {
	if offset > uint64(len(d.data)) || length > uint64(len(d.data))-offset {
		return fmt.Errorf("%w: section bounds [%#x, %#x) exceed %d bytes of data",
			ErrMalformed, offset, offset+length, len(d.data))
	}
	d.start = offset
	d.end = offset + length
	d.initialized = true
	return nil
}

// IsCie32 reports whether a 32-bit format discriminator identifies a CIE.
func (d *Decoder) IsCie32(id uint32) bool {
	if d.kind == EhFrame {
		return id == 0
	}
	return id == cie32Escape
}

// IsCie64 reports whether a 64-bit format discriminator identifies a CIE.
func (d *Decoder) IsCie64(id uint64) bool {
	if d.kind == EhFrame {
		return id == 0
	}
	return id == cie64Escape
}

// GetCieOffsetFromFde32 converts the CIE pointer of a 32-bit format FDE,
// read at section offset fieldOffset, into an absolute section offset.
func (d *Decoder) GetCieOffsetFromFde32(fieldOffset uint64, ptr uint32) uint64 {
	if d.kind == EhFrame {
		return fieldOffset - uint64(ptr)
	}
	return d.start + uint64(ptr)
}

// GetCieOffsetFromFde64 is the 64-bit format counterpart of
// GetCieOffsetFromFde32.
func (d *Decoder) GetCieOffsetFromFde64(fieldOffset uint64, ptr uint64) uint64 {
	if d.kind == EhFrame {
		return fieldOffset - ptr
	}
	return d.start + ptr
}

// AdjustPcFromFde relocates a PC value parsed from an FDE into the runtime
// address space. Pointer-encoding adjustments (pc-relative, data-relative)
// are already applied while reading the field; this adds the load bias.
func (d *Decoder) AdjustPcFromFde(pc uint64) uint64 {
	return pc + d.staticBase
}

// EntryInfo describes the framing of one common entry header without
// decoding the entry's contents.
type EntryInfo struct {
	Offset    uint64
	Next      uint64
	Is64      bool
	IsCIE     bool
	CIEOffset uint64 // absolute section offset of the owning CIE, FDEs only
	Zero      bool   // zero-length terminator entry
}

// ScanEntry reads the common header framing (length, extended-length
// escape, CIE-or-FDE discriminator) of the entry at offset.
func (d *Decoder) ScanEntry(offset uint64) (EntryInfo, error) {
	info := EntryInfo{Offset: offset}
	if !d.initialized {
		return info, fmt.Errorf("%w: decoder not initialized", ErrMalformed)
	}
	if offset < d.start || offset >= d.end {
		return info, fmt.Errorf("%w: entry offset %#x outside section bounds", ErrMalformed, offset)
	}
	r := newBinaryReader(d.data, offset, d.end, d.order)

	length32, err := r.uint32()
	if err != nil {
		return info, err
	}
	if length32 == 0 {
		info.Zero = true
		info.Next = r.pos()
		return info, nil
	}

	var length uint64
	if length32 == cie32Escape {
		info.Is64 = true
		if length, err = r.uint64(); err != nil {
			return info, err
		}
	} else {
		length = uint64(length32)
	}
	if length > d.end-r.pos() {
		return info, fmt.Errorf("%w: entry at %#x declares %d bytes, %d available",
			ErrMalformed, offset, length, d.end-r.pos())
	}
	info.Next = r.pos() + length

	idOffset := r.pos()
	if info.Is64 {
		id, err := r.uint64()
		if err != nil {
			return info, err
		}
		info.IsCIE = d.IsCie64(id)
		if !info.IsCIE {
			info.CIEOffset = d.GetCieOffsetFromFde64(idOffset, id)
		}
	} else {
		id, err := r.uint32()
		if err != nil {
			return info, err
		}
		info.IsCIE = d.IsCie32(id)
		if !info.IsCIE {
			info.CIEOffset = d.GetCieOffsetFromFde32(idOffset, id)
		}
	}
	return info, nil
}

// contentReader positions a bounds-checked reader immediately after the
// discriminator field of the entry described by info.
func (d *Decoder) contentReader(info EntryInfo) *binaryReader {
	headerSize := uint64(4 + 4) // length + discriminator
	if info.Is64 {
		headerSize = 4 + 8 + 8 // escape + extended length + discriminator
	}
	return newBinaryReader(d.data, info.Offset+headerSize, info.Next, d.order)
}

// ParseCIE decodes the CIE at offset.
func (d *Decoder) ParseCIE(offset uint64) (*CommonInformationEntry, error) {
	info, err := d.ScanEntry(offset)
	if err != nil {
		return nil, err
	}
	if info.Zero || !info.IsCIE {
		return nil, fmt.Errorf("%w: entry at %#x is not a CIE", ErrMalformed, offset)
	}

	r := d.contentReader(info)
	cie := &CommonInformationEntry{
		Offset:     offset,
		Length:     info.Next - offset,
		staticBase: d.staticBase,
		ptrEncAddr: ptrEncAbs,
		ptrEncLSDA: ptrEncOmit,
		ptrSize:    d.ptrSize,
		order:      d.order,
	}

	if cie.Version, err = r.uint8(); err != nil {
		return nil, err
	}
	switch cie.Version {
	case 1, 3, 4:
	default:
		return nil, fmt.Errorf("%w: unsupported CIE version %d at %#x", ErrMalformed, cie.Version, offset)
	}

	if cie.Augmentation, err = r.str(); err != nil {
		return nil, err
	}

	if cie.Version == 4 {
		addressSize, err := r.uint8()
		if err != nil {
			return nil, err
		}
		if int(addressSize) != d.ptrSize {
			return nil, fmt.Errorf("%w: CIE address size %d does not match section pointer size %d",
				ErrMalformed, addressSize, d.ptrSize)
		}
		segmentSize, err := r.uint8()
		if err != nil {
			return nil, err
		}
		if segmentSize != 0 {
			return nil, fmt.Errorf("%w: segmented addressing is not supported", ErrMalformed)
		}
	}

	if cie.CodeAlignmentFactor, err = r.uleb(); err != nil {
		return nil, err
	}
	if cie.DataAlignmentFactor, err = r.sleb(); err != nil {
		return nil, err
	}

	if cie.Version == 1 {
		ra, err := r.uint8()
		if err != nil {
			return nil, err
		}
		cie.ReturnAddressRegister = uint64(ra)
	} else {
		if cie.ReturnAddressRegister, err = r.uleb(); err != nil {
			return nil, err
		}
	}

	if err := d.parseAugmentation(cie, r); err != nil {
		return nil, err
	}

	cie.InitialInstructions = d.data[r.pos():info.Next]
	return cie, nil
}

// parseAugmentation decodes the augmentation data that follows the
// return-address register. With a leading "z" unknown letters can be
// skipped via the declared data length; without it any unrecognized
// augmentation makes the operand layout unknowable.
func (d *Decoder) parseAugmentation(cie *CommonInformationEntry, r *binaryReader) error {
	aug := cie.Augmentation
	if aug == "" {
		return nil
	}
	if aug[0] != 'z' {
		return fmt.Errorf("%w: unsupported augmentation %q", ErrMalformed, aug)
	}

	augLen, err := r.uleb()
	if err != nil {
		return err
	}
	if augLen > r.end-r.pos() {
		return fmt.Errorf("%w: augmentation data length %d exceeds entry", ErrMalformed, augLen)
	}
	augEnd := r.pos() + augLen

loop:
	for _, c := range aug[1:] {
		switch c {
		case 'R':
			enc, err := r.uint8()
			if err != nil {
				return err
			}
			cie.ptrEncAddr = ptrEnc(enc)
			if !cie.ptrEncAddr.Supported() {
				return fmt.Errorf("%w: unsupported FDE address encoding %#02x", ErrMalformed, enc)
			}
		case 'L':
			enc, err := r.uint8()
			if err != nil {
				return err
			}
			cie.ptrEncLSDA = ptrEnc(enc)
		case 'P':
			enc, err := r.uint8()
			if err != nil {
				return err
			}
			personality, err := r.ptr(ptrEnc(enc), d.ptrSize, d.vaddr)
			if err != nil {
				return err
			}
			cie.Personality = personality
		case 'S':
			cie.IsSignalHandler = true
		default:
			// Unknown letter: the remaining data cannot be interpreted,
			// but the declared length lets us skip past it.
			break loop
		}
	}
	return r.seek(augEnd)
}

// ParseFDE decodes the FDE at offset. resolveCIE maps an absolute CIE
// offset to its parsed entry; the caller owns whatever caching it wants.
func (d *Decoder) ParseFDE(offset uint64, resolveCIE func(uint64) (*CommonInformationEntry, error)) (*FrameDescriptionEntry, error) {
	info, err := d.ScanEntry(offset)
	if err != nil {
		return nil, err
	}
	if info.Zero || info.IsCIE {
		return nil, fmt.Errorf("%w: entry at %#x is not an FDE", ErrMalformed, offset)
	}
	if info.CIEOffset < d.start || info.CIEOffset >= d.end {
		return nil, fmt.Errorf("%w: FDE at %#x references CIE at %#x outside section",
			ErrUnresolvedCIE, offset, info.CIEOffset)
	}
	cie, err := resolveCIE(info.CIEOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: FDE at %#x: %v", ErrUnresolvedCIE, offset, err)
	}

	r := d.contentReader(info)
	fde := &FrameDescriptionEntry{
		Offset: offset,
		Length: info.Next - offset,
		CIE:    cie,
		order:  d.order,
	}

	if d.kind == EhFrame {
		begin, err := r.ptr(cie.ptrEncAddr, d.ptrSize, d.vaddr)
		if err != nil {
			return nil, err
		}
		// The range length is encoded with the same format but is never
		// position-relative.
		size, err := r.ptr(cie.ptrEncAddr&0x0f, d.ptrSize, d.vaddr)
		if err != nil {
			return nil, err
		}
		fde.begin = d.AdjustPcFromFde(begin)
		fde.size = size
	} else {
		begin, err := r.uint(d.ptrSize)
		if err != nil {
			return nil, err
		}
		size, err := r.uint(d.ptrSize)
		if err != nil {
			return nil, err
		}
		fde.begin = d.AdjustPcFromFde(begin)
		fde.size = size
	}

	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		augLen, err := r.uleb()
		if err != nil {
			return nil, err
		}
		if augLen > r.end-r.pos() {
			return nil, fmt.Errorf("%w: FDE augmentation data length %d exceeds entry", ErrMalformed, augLen)
		}
		augEnd := r.pos() + augLen
		if cie.ptrEncLSDA != ptrEncOmit {
			lsda, err := r.ptr(cie.ptrEncLSDA, d.ptrSize, d.vaddr)
			if err != nil {
				return nil, err
			}
			fde.LSDA = lsda
		}
		if err := r.seek(augEnd); err != nil {
			return nil, err
		}
	}

	fde.Instructions = d.data[r.pos():info.Next]
	return fde, nil
}

// Parse decodes every entry between the Init bounds and returns the FDEs
// sorted by the PC range they cover. CIEs are parsed once and shared.
func (d *Decoder) Parse() (FrameDescriptionEntries, error) {
	cies := make(map[uint64]*CommonInformationEntry)
	resolve := func(off uint64) (*CommonInformationEntry, error) {
		if cie, ok := cies[off]; ok {
			return cie, nil
		}
		cie, err := d.ParseCIE(off)
		if err != nil {
			return nil, err
		}
		cies[off] = cie
		return cie, nil
	}

	entries := NewFrameIndex()
	for off := d.start; off < d.end; {
		info, err := d.ScanEntry(off)
		if err != nil {
			return nil, err
		}
		if info.Zero {
			if d.kind == EhFrame {
				// Zero terminator ends the section.
				break
			}
			off = info.Next
			continue
		}
		if !info.IsCIE {
			fde, err := d.ParseFDE(off, resolve)
			if err != nil {
				return nil, err
			}
			entries = append(entries, fde)
		}
		off = info.Next
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Begin() < entries[j].Begin()
	})
	return entries, nil
}

// DwarfEndian determines the endianness of a DWARF section by using the
// version number field in the debug_info section.
// Trick borrowed from "debug/dwarf".New()
func DwarfEndian(infoSec []byte) binary.ByteOrder {
	if len(infoSec) < 6 {
		return binary.BigEndian
	}
	x, y := infoSec[4], infoSec[5]
	switch {
	case x == 0 && y == 0:
		return binary.BigEndian
	case x == 0:
		return binary.BigEndian
	case y == 0:
		return binary.LittleEndian
	default:
		return binary.BigEndian
	}
}
