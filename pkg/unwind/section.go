// Package unwind turns the call frame information of one unwind-info
// section into register stepping: given a PC and a register snapshot it
// finds the covering FDE, builds the rule table valid at that PC and
// evaluates it into the caller's register context.
package unwind

import (
	"errors"

	"github.com/ShiznitsO/system-core/pkg/dwarf/frame"
	"github.com/ShiznitsO/system-core/pkg/dwarf/op"
)

// ErrUnwindComplete is returned by Eval when the return address is
// undefined at the current PC, which marks the outermost frame.
var ErrUnwindComplete = errors.New("unwind complete")

// ErrCFANotDefined is returned by Eval when the rule table carries no
// usable CFA rule.
var ErrCFANotDefined = errors.New("CFA rule not defined")

// Section is the lookup-and-evaluate contract over one unwind-info
// section. DwarfSection is the production implementation; tests substitute
// mocks to pin down the composition in GetFdeFromPc and Step.
type Section interface {
	// Init establishes the section byte range all later lookups read from.
	// A failed Init leaves the section empty rather than partially usable.
	Init(offset, length uint64) error

	// GetFdeOffsetFromPc maps a PC to the section offset of a candidate
	// FDE. The candidate is a hint, not a guarantee: the caller must
	// re-check the parsed entry's range. Returns false if no candidate
	// exists.
	GetFdeOffsetFromPc(pc uint64) (uint64, bool)

	// GetFdeFromOffset parses the FDE at the given section offset.
	GetFdeFromOffset(offset uint64) (*frame.FrameDescriptionEntry, error)

	// GetFdeFromIndex returns the i-th FDE in PC order.
	GetFdeFromIndex(i int) (*frame.FrameDescriptionEntry, error)

	// GetCfaLocationInfo interprets the CIE and FDE instruction streams up
	// to pc and returns the resulting rule table.
	GetCfaLocationInfo(pc uint64, fde *frame.FrameDescriptionEntry) (*frame.FrameContext, error)

	// Eval applies a rule table to the current registers and returns the
	// caller's registers. The input registers are never mutated.
	Eval(fctx *frame.FrameContext, regs *op.DwarfRegisters, mem op.MemoryReader) (*op.DwarfRegisters, error)

	// Log writes a human-readable dump of the rules in effect at pc to the
	// unwind logger.
	Log(pc uint64, fde *frame.FrameDescriptionEntry) error
}

// GetFdeFromPc resolves pc to the FDE covering it. The offset lookup may
// return a stale or merely nearby candidate, so the parsed entry's range is
// validated again before it is trusted.
func GetFdeFromPc(s Section, pc uint64) (*frame.FrameDescriptionEntry, error) {
	offset, ok := s.GetFdeOffsetFromPc(pc)
	if !ok {
		return nil, &frame.ErrNoFDEForPC{PC: pc}
	}
	fde, err := s.GetFdeFromOffset(offset)
	if err != nil {
		return nil, err
	}
	if pc < fde.Begin() || pc >= fde.End() {
		return nil, &frame.ErrNoFDEForPC{PC: pc}
	}
	return fde, nil
}

// Step unwinds a single frame: it finds the FDE covering pc, builds the
// rule table valid at pc and evaluates it against regs, returning the
// caller's register context. Returns ErrUnwindComplete when pc belongs to
// the outermost frame.
func Step(s Section, pc uint64, regs *op.DwarfRegisters, mem op.MemoryReader) (*op.DwarfRegisters, error) {
	fde, err := GetFdeFromPc(s, pc)
	if err != nil {
		return nil, err
	}
	if fde.CIE == nil {
		return nil, frame.ErrUnresolvedCIE
	}
	fctx, err := s.GetCfaLocationInfo(pc, fde)
	if err != nil {
		return nil, err
	}
	return s.Eval(fctx, regs, mem)
}
