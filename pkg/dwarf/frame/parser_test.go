package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type builder struct {
	data []byte
}

func (b *builder) u32(v uint32) { b.data = binary.LittleEndian.AppendUint32(b.data, v) }
func (b *builder) u64(v uint64) { b.data = binary.LittleEndian.AppendUint64(b.data, v) }
func (b *builder) raw(p ...byte) { b.data = append(b.data, p...) }

// buildDebugFrame returns a .debug_frame section holding one version 3 CIE
// followed by one FDE covering [0x1000, 0x2000).
//
// CIE: caf=1, daf=-8, ra=16, initial instructions
//   DW_CFA_def_cfa(7, 8); DW_CFA_offset(16, 2)
// FDE instructions: DW_CFA_advance_loc(1); DW_CFA_def_cfa_offset(16)
func buildDebugFrame() (data []byte, cieOff, fdeOff uint64) {
	var b builder
	b.u32(14)         // length
	b.u32(0xffffffff) // CIE id
	b.raw(3)          // version
	b.raw(0)          // augmentation ""
	b.raw(1)          // code alignment factor
	b.raw(0x78)       // data alignment factor -8
	b.raw(16)         // return address register
	b.raw(0x0c, 7, 8) // DW_CFA_def_cfa rsp+8
	b.raw(0x90, 2)    // DW_CFA_offset r16 at cfa-16

	fdeOff = uint64(len(b.data))
	b.u32(23)          // length
	b.u32(0)           // CIE pointer (absolute section offset)
	b.u64(0x1000)      // initial location
	b.u64(0x1000)      // address range
	b.raw(0x41)        // DW_CFA_advance_loc 1
	b.raw(0x0e, 16)    // DW_CFA_def_cfa_offset 16
	return b.data, 0, fdeOff
}

func newDebugFrameDecoder(t *testing.T, data []byte) *Decoder {
	t.Helper()
	d := NewDecoder(DebugFrame, data, binary.LittleEndian, 0, 0, 8)
	if err := d.Init(0, uint64(len(data))); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestScanEntryDebugFrame(t *testing.T) {
	data, cieOff, fdeOff := buildDebugFrame()
	d := newDebugFrameDecoder(t, data)

	info, err := d.ScanEntry(cieOff)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsCIE {
		t.Fatal("expected first entry to be a CIE")
	}
	if info.Is64 {
		t.Fatal("expected 32-bit format")
	}
	if info.Next != fdeOff {
		t.Fatalf("expected CIE to end at %#x, got %#x", fdeOff, info.Next)
	}

	info, err = d.ScanEntry(fdeOff)
	if err != nil {
		t.Fatal(err)
	}
	if info.IsCIE {
		t.Fatal("expected second entry to be an FDE")
	}
	if info.CIEOffset != cieOff {
		t.Fatalf("expected CIE offset %#x, got %#x", cieOff, info.CIEOffset)
	}
	if info.Next != uint64(len(data)) {
		t.Fatalf("expected FDE to end at %#x, got %#x", len(data), info.Next)
	}
}

func TestParseCIE(t *testing.T) {
	data, cieOff, _ := buildDebugFrame()
	d := newDebugFrameDecoder(t, data)

	cie, err := d.ParseCIE(cieOff)
	if err != nil {
		t.Fatal(err)
	}
	if cie.Version != 3 {
		t.Fatalf("Expected Version 3, but get %d", cie.Version)
	}
	if cie.Augmentation != "" {
		t.Fatalf("Expected Augmentation \"\", but get %s", cie.Augmentation)
	}
	if cie.CodeAlignmentFactor != 1 {
		t.Fatalf("Expected CodeAlignmentFactor 1, but get %d", cie.CodeAlignmentFactor)
	}
	if cie.DataAlignmentFactor != -8 {
		t.Fatalf("Expected DataAlignmentFactor -8, but get %d", cie.DataAlignmentFactor)
	}
	if cie.ReturnAddressRegister != 16 {
		t.Fatalf("Expected ReturnAddressRegister 16, but get %d", cie.ReturnAddressRegister)
	}
	initialInstructions := []byte{0x0c, 7, 8, 0x90, 2}
	if !bytes.Equal(cie.InitialInstructions, initialInstructions) {
		t.Fatalf("Expected InitialInstructions %v, but get %v", initialInstructions, cie.InitialInstructions)
	}
}

func TestParseFDE(t *testing.T) {
	data, _, fdeOff := buildDebugFrame()
	d := newDebugFrameDecoder(t, data)

	fde, err := d.ParseFDE(fdeOff, d.ParseCIE)
	if err != nil {
		t.Fatal(err)
	}
	if fde.Begin() != 0x1000 || fde.End() != 0x2000 {
		t.Fatalf("expected range [0x1000, 0x2000), got [%#x, %#x)", fde.Begin(), fde.End())
	}
	if !fde.Cover(0x1000) || !fde.Cover(0x1fff) || fde.Cover(0x2000) || fde.Cover(0xfff) {
		t.Fatal("Cover returned wrong answers at the range boundaries")
	}
	if !bytes.Equal(fde.Instructions, []byte{0x41, 0x0e, 16}) {
		t.Fatalf("unexpected FDE instructions %v", fde.Instructions)
	}
	if fde.CIE == nil || fde.CIE.ReturnAddressRegister != 16 {
		t.Fatal("FDE not linked to its CIE")
	}
}

func TestParseDebugFrame(t *testing.T) {
	data, _, _ := buildDebugFrame()
	d := newDebugFrameDecoder(t, data)

	fdes, err := d.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 1 {
		t.Fatalf("expected 1 FDE, got %d", len(fdes))
	}
	if fdes[0].Begin() != 0x1000 {
		t.Fatalf("expected FDE at 0x1000, got %#x", fdes[0].Begin())
	}
}

func TestParseFDEStaticBase(t *testing.T) {
	data, _, fdeOff := buildDebugFrame()
	d := NewDecoder(DebugFrame, data, binary.LittleEndian, 0, 0x400000, 8)
	if err := d.Init(0, uint64(len(data))); err != nil {
		t.Fatal(err)
	}
	fde, err := d.ParseFDE(fdeOff, d.ParseCIE)
	if err != nil {
		t.Fatal(err)
	}
	if fde.Begin() != 0x401000 {
		t.Fatalf("expected load bias applied, got begin %#x", fde.Begin())
	}
	if got := d.AdjustPcFromFde(0x1000); got != 0x401000 {
		t.Fatalf("AdjustPcFromFde(0x1000) = %#x", got)
	}
}

// buildEhFrame returns a .eh_frame section with one "zR" CIE (pc-relative
// sdata4 pointers) and one FDE covering runtime range [0x11000, 0x12000),
// followed by the zero terminator. vaddr must be 0x10000.
func buildEhFrame() (data []byte, cieOff, fdeOff uint64) {
	var b builder
	b.u32(16)            // length
	b.u32(0)             // CIE id
	b.raw(1)             // version
	b.raw('z', 'R', 0)   // augmentation
	b.raw(1)             // code alignment factor
	b.raw(0x78)          // data alignment factor -8
	b.raw(16)            // return address register
	b.raw(1)             // augmentation data length
	b.raw(0x1b)          // FDE pointers: pcrel|sdata4
	b.raw(0x0c, 7, 8)    // DW_CFA_def_cfa rsp+8

	fdeOff = uint64(len(b.data)) // 20
	b.u32(16)     // length
	b.u32(24)     // CIE pointer, self-relative distance back to offset 0
	b.u32(4068)   // initial location: 0x11000 - (0x10000 + 28)
	b.u32(0x1000) // address range
	b.raw(0)      // augmentation data length
	b.raw(0x41, 0x0e, 16)

	b.u32(0) // terminator
	return b.data, 0, fdeOff
}

func TestParseEhFrame(t *testing.T) {
	data, cieOff, fdeOff := buildEhFrame()
	d := NewDecoder(EhFrame, data, binary.LittleEndian, 0x10000, 0, 8)
	if err := d.Init(0, uint64(len(data))); err != nil {
		t.Fatal(err)
	}

	info, err := d.ScanEntry(fdeOff)
	if err != nil {
		t.Fatal(err)
	}
	if info.IsCIE || info.CIEOffset != cieOff {
		t.Fatalf("expected FDE referencing CIE at %#x, got %+v", cieOff, info)
	}

	cie, err := d.ParseCIE(cieOff)
	if err != nil {
		t.Fatal(err)
	}
	if cie.Version != 1 || cie.Augmentation != "zR" || cie.ReturnAddressRegister != 16 {
		t.Fatalf("unexpected CIE %+v", cie)
	}

	fdes, err := d.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 1 {
		t.Fatalf("expected 1 FDE, got %d", len(fdes))
	}
	if fdes[0].Begin() != 0x11000 || fdes[0].End() != 0x12000 {
		t.Fatalf("expected range [0x11000, 0x12000), got [%#x, %#x)", fdes[0].Begin(), fdes[0].End())
	}
}

// build64BitDebugFrame uses the 0xffffffff length escape that switches an
// entry to the 64-bit format.
func build64BitDebugFrame() (data []byte, cieOff, fdeOff uint64) {
	var b builder
	b.u32(0xffffffff)
	b.u64(16)                 // extended length
	b.u64(0xffffffffffffffff) // CIE id
	b.raw(3, 0, 1, 0x78, 16)
	b.raw(0x0c, 7, 8)

	fdeOff = uint64(len(b.data)) // 28
	b.u32(0xffffffff)
	b.u64(24)     // extended length
	b.u64(0)      // CIE pointer
	b.u64(0x1000) // initial location
	b.u64(0x1000) // address range
	return b.data, 0, fdeOff
}

func TestParse64BitFormat(t *testing.T) {
	data, cieOff, fdeOff := build64BitDebugFrame()
	d := newDebugFrameDecoder(t, data)

	info, err := d.ScanEntry(cieOff)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Is64 || !info.IsCIE {
		t.Fatalf("expected 64-bit CIE, got %+v", info)
	}

	info, err = d.ScanEntry(fdeOff)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Is64 || info.IsCIE || info.CIEOffset != cieOff {
		t.Fatalf("expected 64-bit FDE referencing %#x, got %+v", cieOff, info)
	}

	fde, err := d.ParseFDE(fdeOff, d.ParseCIE)
	if err != nil {
		t.Fatal(err)
	}
	if fde.Begin() != 0x1000 || fde.End() != 0x2000 {
		t.Fatalf("expected range [0x1000, 0x2000), got [%#x, %#x)", fde.Begin(), fde.End())
	}
}

func TestInitBounds(t *testing.T) {
	data := make([]byte, 10)
	d := NewDecoder(DebugFrame, data, binary.LittleEndian, 0, 0, 8)
	if err := d.Init(4, 20); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if err := d.Init(11, 0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestScanEntryTruncatedLength(t *testing.T) {
	var b builder
	b.u32(100) // declares more bytes than the section holds
	b.u32(0xffffffff)
	d := newDebugFrameDecoder(t, b.data)
	if _, err := d.ScanEntry(0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseFDEUnresolvedCIE(t *testing.T) {
	var b builder
	b.u32(23)
	b.u32(0x4000) // CIE offset outside the section
	b.u64(0x1000)
	b.u64(0x1000)
	b.raw(0, 0, 0)
	d := newDebugFrameDecoder(t, b.data)
	if _, err := d.ParseFDE(0, d.ParseCIE); !errors.Is(err, ErrUnresolvedCIE) {
		t.Fatalf("expected ErrUnresolvedCIE, got %v", err)
	}
}

func TestParseCIEBadVersion(t *testing.T) {
	var b builder
	b.u32(10)
	b.u32(0xffffffff)
	b.raw(9, 0, 1, 0x78, 16, 0)
	d := newDebugFrameDecoder(t, b.data)
	if _, err := d.ParseCIE(0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestIsCie(t *testing.T) {
	debug := NewDecoder(DebugFrame, nil, binary.LittleEndian, 0, 0, 8)
	eh := NewDecoder(EhFrame, nil, binary.LittleEndian, 0, 0, 8)

	if !debug.IsCie32(0xffffffff) || debug.IsCie32(0) {
		t.Fatal("wrong 32-bit discriminator for .debug_frame")
	}
	if !debug.IsCie64(0xffffffffffffffff) || debug.IsCie64(0) {
		t.Fatal("wrong 64-bit discriminator for .debug_frame")
	}
	if !eh.IsCie32(0) || eh.IsCie32(0xffffffff) {
		t.Fatal("wrong 32-bit discriminator for .eh_frame")
	}
	if !eh.IsCie64(0) || eh.IsCie64(0xffffffffffffffff) {
		t.Fatal("wrong 64-bit discriminator for .eh_frame")
	}
}

func TestGetCieOffsetFromFde(t *testing.T) {
	debug := NewDecoder(DebugFrame, make([]byte, 0x100), binary.LittleEndian, 0, 0, 8)
	if err := debug.Init(0x10, 0xf0); err != nil {
		t.Fatal(err)
	}
	if got := debug.GetCieOffsetFromFde32(0x50, 0x20); got != 0x30 {
		t.Fatalf(".debug_frame CIE offset = %#x, want 0x30", got)
	}
	if got := debug.GetCieOffsetFromFde64(0x50, 0x20); got != 0x30 {
		t.Fatalf(".debug_frame 64-bit CIE offset = %#x, want 0x30", got)
	}

	eh := NewDecoder(EhFrame, make([]byte, 0x100), binary.LittleEndian, 0, 0, 8)
	if err := eh.Init(0, 0x100); err != nil {
		t.Fatal(err)
	}
	if got := eh.GetCieOffsetFromFde32(0x50, 0x20); got != 0x30 {
		t.Fatalf(".eh_frame CIE offset = %#x, want 0x30", got)
	}
	if got := eh.GetCieOffsetFromFde64(0x50, 0x50); got != 0 {
		t.Fatalf(".eh_frame 64-bit CIE offset = %#x, want 0", got)
	}
}

func TestDwarfEndian(t *testing.T) {
	little := []byte{0, 0, 0, 0, 4, 0}
	if DwarfEndian(little) != binary.LittleEndian {
		t.Fatal("version 4 little-endian header not detected")
	}
	big := []byte{0, 0, 0, 0, 0, 4}
	if DwarfEndian(big) != binary.BigEndian {
		t.Fatal("version 4 big-endian header not detected")
	}
	if DwarfEndian([]byte{0, 0}) != binary.BigEndian {
		t.Fatal("truncated header must fall back to big-endian")
	}
}
