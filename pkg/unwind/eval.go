package unwind

import (
	"encoding/binary"
	"fmt"

	"github.com/ShiznitsO/system-core/pkg/dwarf/frame"
	"github.com/ShiznitsO/system-core/pkg/dwarf/op"
	"github.com/ShiznitsO/system-core/pkg/logflags"
)

// Eval applies the rule table fctx to regs and returns the caller's
// register context: every rule is evaluated against the callee's register
// values, then SP is set to the frame's CFA and PC to the recovered return
// address. regs is never mutated. Returns ErrUnwindComplete when the
// return address is undefined, which marks the outermost frame.
func (s *DwarfSection) Eval(fctx *frame.FrameContext, regs *op.DwarfRegisters, mem op.MemoryReader) (*op.DwarfRegisters, error) {
	ptrSize := s.decoder.PtrSize()

	raRule, hasRA := fctx.Regs[fctx.RetAddrReg]
	if !hasRA || raRule.Rule == frame.RuleUndefined {
		return nil, ErrUnwindComplete
	}

	cfa, err := computeCFA(fctx, regs, mem, ptrSize)
	if err != nil {
		return nil, err
	}

	// Rules describe the caller's values in terms of the callee's, so every
	// rule reads from this snapshot while results accumulate in newRegs.
	oldRegs := regs.Clone()
	oldRegs.CFA = cfa
	newRegs := regs.Clone()
	newRegs.CFA = cfa

	for regnum, rule := range fctx.Regs {
		val, known, err := evalRegisterRule(rule, regnum, oldRegs, mem, ptrSize)
		if err != nil {
			return nil, fmt.Errorf("evaluating rule for register %d: %w", regnum, err)
		}
		if !known {
			newRegs.AddReg(regnum, nil)
			continue
		}
		newRegs.AddReg(regnum, op.DwarfRegisterFromUint64(val))
	}

	retAddr := newRegs.Uint64Val(fctx.RetAddrReg)
	if retAddr == 0 {
		return nil, ErrUnwindComplete
	}
	newRegs.AddReg(newRegs.SPRegNum, op.DwarfRegisterFromUint64(uint64(cfa)))
	newRegs.AddReg(newRegs.PCRegNum, op.DwarfRegisterFromUint64(retAddr))

	if logflags.Unwind() {
		logflags.UnwindLogger().Debugf("stepped pc=%#x sp=%#x bp=%#x", retAddr, newRegs.SP(), newRegs.BP())
	}
	return newRegs, nil
}

// computeCFA evaluates the frame's CFA rule. A CFA expression computes the
// canonical frame address itself; unlike a register expression its result
// is never dereferenced.
func computeCFA(fctx *frame.FrameContext, regs *op.DwarfRegisters, mem op.MemoryReader, ptrSize int) (int64, error) {
	switch fctx.CFA.Rule {
	case frame.RuleCFA:
		reg := regs.Reg(fctx.CFA.Reg)
		if reg == nil {
			return 0, fmt.Errorf("%w: base register %d has no value", ErrCFANotDefined, fctx.CFA.Reg)
		}
		return int64(reg.Uint64Val) + fctx.CFA.Offset, nil
	case frame.RuleExpression:
		v, err := op.ExecuteStackProgram(*regs.Clone(), fctx.CFA.Expression, ptrSize, mem)
		if err != nil {
			return 0, fmt.Errorf("evaluating CFA expression: %w", err)
		}
		if logflags.DwarfOp() {
			logflags.DwarfOpLogger().Debugf("CFA expression evaluated to %#x", uint64(v))
		}
		return v, nil
	default:
		return 0, ErrCFANotDefined
	}
}

// evalRegisterRule computes one register's caller value. known is false
// when the rule leaves the register without a recoverable value.
func evalRegisterRule(rule frame.DWRule, regnum uint64, oldRegs *op.DwarfRegisters, mem op.MemoryReader, ptrSize int) (val uint64, known bool, err error) {
	switch rule.Rule {
	case frame.RuleUndefined:
		return 0, false, nil
	case frame.RuleSameVal:
		reg := oldRegs.Reg(regnum)
		if reg == nil {
			return 0, false, nil
		}
		return reg.Uint64Val, true, nil
	case frame.RuleOffset:
		v, err := readPtr(mem, uint64(oldRegs.CFA+rule.Offset), ptrSize, byteOrder(oldRegs))
		return v, err == nil, err
	case frame.RuleValOffset:
		return uint64(oldRegs.CFA + rule.Offset), true, nil
	case frame.RuleRegister:
		reg := oldRegs.Reg(rule.Reg)
		if reg == nil {
			return 0, false, nil
		}
		return reg.Uint64Val, true, nil
	case frame.RuleExpression:
		addr, err := op.ExecuteStackProgram(*oldRegs.Clone(), rule.Expression, ptrSize, mem)
		if err != nil {
			return 0, false, err
		}
		if logflags.DwarfOp() {
			logflags.DwarfOpLogger().Debugf("expression for r%d evaluated to address %#x", regnum, uint64(addr))
		}
		v, err := readPtr(mem, uint64(addr), ptrSize, byteOrder(oldRegs))
		return v, err == nil, err
	case frame.RuleValExpression:
		v, err := op.ExecuteStackProgram(*oldRegs.Clone(), rule.Expression, ptrSize, mem)
		if err != nil {
			return 0, false, err
		}
		if logflags.DwarfOp() {
			logflags.DwarfOpLogger().Debugf("val expression for r%d evaluated to %#x", regnum, uint64(v))
		}
		return uint64(v), true, nil
	default:
		return 0, false, fmt.Errorf("%w: unsupported location rule %s", frame.ErrMalformed, rule.Rule)
	}
}

func readPtr(mem op.MemoryReader, addr uint64, ptrSize int, order binary.ByteOrder) (uint64, error) {
	buf := make([]byte, ptrSize)
	if _, err := mem.ReadMemory(buf, addr); err != nil {
		return 0, fmt.Errorf("reading %d bytes at %#x: %w", ptrSize, addr, err)
	}
	if ptrSize == 4 {
		return uint64(order.Uint32(buf)), nil
	}
	return order.Uint64(buf), nil
}

func byteOrder(regs *op.DwarfRegisters) binary.ByteOrder {
	if regs.ByteOrder == nil {
		return binary.LittleEndian
	}
	return regs.ByteOrder
}
