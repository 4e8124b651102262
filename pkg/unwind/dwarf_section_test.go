package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShiznitsO/system-core/pkg/dwarf/frame"
	"github.com/ShiznitsO/system-core/pkg/dwarf/op"
	"github.com/ShiznitsO/system-core/pkg/dwarf/regnum"
)

// testDebugFrame returns a .debug_frame section with one version 3 CIE
// (caf=1, daf=-8, ra=16, CFA at r7+8, r16 saved at cfa-8) and one FDE
// covering [0x1000, 0x2000) that raises the CFA offset to 16 after the
// first instruction byte.
func testDebugFrame() (data []byte, fdeOff uint64) {
	var b []byte
	u32 := func(v uint32) { b = binary.LittleEndian.AppendUint32(b, v) }
	u64 := func(v uint64) { b = binary.LittleEndian.AppendUint64(b, v) }

	u32(14)         // length
	u32(0xffffffff) // CIE id
	b = append(b, 3, 0, 1, 0x78, 16)
	b = append(b, 0x0c, 7, 8) // DW_CFA_def_cfa rsp+8
	b = append(b, 0x90, 1)    // DW_CFA_offset r16 at cfa-8

	fdeOff = uint64(len(b))
	u32(23) // length
	u32(0)  // CIE pointer
	u64(0x1000)
	u64(0x1000)
	b = append(b, 0x41)     // DW_CFA_advance_loc 1
	b = append(b, 0x0e, 16) // DW_CFA_def_cfa_offset 16
	return b, fdeOff
}

func testSection(t *testing.T) *DwarfSection {
	t.Helper()
	data, _ := testDebugFrame()
	s := NewDebugFrameSection(data, binary.LittleEndian, 0, 0, 8)
	require.NoError(t, s.Init(0, uint64(len(data))))
	return s
}

func amd64Regs(rsp, rip uint64) *op.DwarfRegisters {
	regs := make([]*op.DwarfRegister, regnum.AMD64MaxRegNum()+1)
	regs[regnum.AMD64_Rsp] = op.DwarfRegisterFromUint64(rsp)
	regs[regnum.AMD64_Rip] = op.DwarfRegisterFromUint64(rip)
	return op.NewDwarfRegisters(0, regs, binary.LittleEndian,
		regnum.AMD64_Rip, regnum.AMD64_Rsp, regnum.AMD64_Rbp)
}

// Unwind one synthetic frame end to end: parse, index, build the rule
// table and evaluate it against a fake stack.
func TestStepRoundTrip(t *testing.T) {
	s := testSection(t)

	stack := make([]byte, 16)
	binary.LittleEndian.PutUint64(stack, 0x401234) // return address at rsp
	mem := NewRegionMemory(0x7fff0000, stack)

	regs := amd64Regs(0x7fff0000, 0x1000)
	out, err := Step(s, 0x1000, regs, mem)
	require.NoError(t, err)

	require.Equal(t, uint64(0x401234), out.PC())
	require.Equal(t, uint64(0x7fff0008), out.SP())
	// The input context must be untouched.
	require.Equal(t, uint64(0x1000), regs.PC())
	require.Equal(t, uint64(0x7fff0000), regs.SP())
}

// Past the first instruction byte the FDE raises the CFA offset, so the
// same section yields a different frame for a later PC.
func TestStepUsesRulesAtPC(t *testing.T) {
	s := testSection(t)

	stack := make([]byte, 16)
	binary.LittleEndian.PutUint64(stack[8:], 0x401234) // cfa-8 = rsp+8
	mem := NewRegionMemory(0x7fff0000, stack)

	regs := amd64Regs(0x7fff0000, 0x1001)
	out, err := Step(s, 0x1001, regs, mem)
	require.NoError(t, err)

	require.Equal(t, uint64(0x401234), out.PC())
	require.Equal(t, uint64(0x7fff0010), out.SP())
}

// Every lookup after the first reuses the cached CIE, so repeated steps
// and rule-table queries on one section must keep succeeding.
func TestRepeatedLookupsOnSameSection(t *testing.T) {
	s := testSection(t)

	stack := make([]byte, 16)
	binary.LittleEndian.PutUint64(stack, 0x401234)
	mem := NewRegionMemory(0x7fff0000, stack)

	out, err := Step(s, 0x1000, amd64Regs(0x7fff0000, 0x1000), mem)
	require.NoError(t, err)
	require.Equal(t, uint64(0x401234), out.PC())

	fde, err := GetFdeFromPc(s, 0x1001)
	require.NoError(t, err)
	fctx, err := s.GetCfaLocationInfo(0x1001, fde)
	require.NoError(t, err)
	require.Equal(t, int64(16), fctx.CFA.Offset)

	out, err = Step(s, 0x1000, amd64Regs(0x7fff0000, 0x1000), mem)
	require.NoError(t, err)
	require.Equal(t, uint64(0x401234), out.PC())
}

func TestGetFdeOffsetFromPc(t *testing.T) {
	s := testSection(t)
	_, fdeOff := testDebugFrame()

	off, ok := s.GetFdeOffsetFromPc(0x1000)
	require.True(t, ok)
	require.Equal(t, fdeOff, off)

	off, ok = s.GetFdeOffsetFromPc(0x1fff)
	require.True(t, ok)
	require.Equal(t, fdeOff, off)

	// In a gap past the last range the lookup still returns the nearest
	// preceding candidate; GetFdeFromPc rejects it.
	off, ok = s.GetFdeOffsetFromPc(0x2500)
	require.True(t, ok)
	require.Equal(t, fdeOff, off)
	_, err := GetFdeFromPc(s, 0x2500)
	var noFDE *frame.ErrNoFDEForPC
	require.ErrorAs(t, err, &noFDE)

	// Before the first range there is no candidate at all.
	_, ok = s.GetFdeOffsetFromPc(0x500)
	require.False(t, ok)
}

func TestGetFdeFromIndex(t *testing.T) {
	s := testSection(t)

	require.Equal(t, 1, s.NumEntries())
	fde, err := s.GetFdeFromIndex(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), fde.Begin())

	_, err = s.GetFdeFromIndex(1)
	require.ErrorIs(t, err, frame.ErrMalformed)
	_, err = s.GetFdeFromIndex(-1)
	require.ErrorIs(t, err, frame.ErrMalformed)
}

func TestFdeCache(t *testing.T) {
	s := testSection(t)
	_, fdeOff := testDebugFrame()

	first, err := s.GetFdeFromOffset(fdeOff)
	require.NoError(t, err)
	second, err := s.GetFdeFromOffset(fdeOff)
	require.NoError(t, err)
	require.Same(t, first, second)

	cie, err := s.GetCieFromOffset(0)
	require.NoError(t, err)
	require.Same(t, first.CIE, cie)
}

func TestInitFailClosed(t *testing.T) {
	data, _ := testDebugFrame()
	s := NewDebugFrameSection(data, binary.LittleEndian, 0, 0, 8)

	require.Error(t, s.Init(0, uint64(len(data))+10))
	_, ok := s.GetFdeOffsetFromPc(0x1000)
	require.False(t, ok)
	require.Equal(t, 0, s.NumEntries())

	// A later valid Init recovers.
	require.NoError(t, s.Init(0, uint64(len(data))))
	_, ok = s.GetFdeOffsetFromPc(0x1000)
	require.True(t, ok)
}

func TestInitRejectsCorruptEntry(t *testing.T) {
	data, _ := testDebugFrame()
	data = append(data, 0xff, 0xff, 0xff, 0x7f) // entry with absurd length
	s := NewDebugFrameSection(data, binary.LittleEndian, 0, 0, 8)
	require.ErrorIs(t, s.Init(0, uint64(len(data))), frame.ErrMalformed)
}

func TestLog(t *testing.T) {
	s := testSection(t)

	fde, err := GetFdeFromPc(s, 0x1000)
	require.NoError(t, err)
	require.NoError(t, s.Log(0x1000, fde))

	// Log reports interpretation failures instead of hiding them.
	orphan := frame.NewFrameDescriptionEntry(0, nil, nil, 0x1000, 0x1000)
	require.ErrorIs(t, s.Log(0x1000, orphan), frame.ErrUnresolvedCIE)
}

func TestSectionDiscriminators(t *testing.T) {
	data, fdeOff := testDebugFrame()
	s := NewDebugFrameSection(data, binary.LittleEndian, 0, 0, 8)
	require.NoError(t, s.Init(0, uint64(len(data))))

	require.True(t, s.IsCie32(0xffffffff))
	require.False(t, s.IsCie32(0))
	require.True(t, s.IsCie64(0xffffffffffffffff))
	require.Equal(t, uint64(0), s.GetCieOffsetFromFde32(fdeOff+4, 0))
	require.Equal(t, uint64(0x2000), s.AdjustPcFromFde(0x2000))

	eh := NewEhFrameSection(nil, binary.LittleEndian, 0, 0x400000, 8)
	require.True(t, eh.IsCie32(0))
	require.False(t, eh.IsCie32(0xffffffff))
	require.Equal(t, uint64(0x10), eh.GetCieOffsetFromFde32(0x40, 0x30))
	require.Equal(t, uint64(0x30), eh.GetCieOffsetFromFde64(0x40, 0x10))
	require.Equal(t, uint64(0x402000), eh.AdjustPcFromFde(0x2000))
}
