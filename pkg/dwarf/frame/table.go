package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ShiznitsO/system-core/pkg/dwarf/leb128"
)

// DWRule wrapper of rule defined for register values.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// FrameContext is the rule table produced by interpreting a CIE's and
// FDE's instruction streams up to a target PC: one location rule per
// register plus the CFA rule. It is mutable during interpretation and
// must be treated as immutable once returned.
type FrameContext struct {
	loc             uint64
	address         uint64
	order           binary.ByteOrder
	CFA             DWRule
	Regs            map[uint64]DWRule
	initialRegs     map[uint64]DWRule
	initialCFA      DWRule
	buf             *bytes.Buffer
	cie             *CommonInformationEntry
	RetAddrReg      uint64
	codeAlignment   uint64
	dataAlignment   int64
	rememberedState *stateStack
}

type rowState struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

// stateStack is a stack where `DW_CFA_remember_state` pushes
// its CFA and registers state and `DW_CFA_restore_state`
// pops them.
type stateStack struct {
	items []rowState
}

func newStateStack() *stateStack {
	return &stateStack{
		items: make([]rowState, 0),
	}
}

func (stack *stateStack) push(state rowState) {
	stack.items = append(stack.items, state)
}

// pop fails on an empty stack: a DW_CFA_restore_state with no matching
// DW_CFA_remember_state is a decode error, never silent underflow.
func (stack *stateStack) pop() (rowState, error) {
	if len(stack.items) == 0 {
		return rowState{}, fmt.Errorf("%w: DW_CFA_restore_state with no remembered state", ErrMalformed)
	}
	restored := stack.items[len(stack.items)-1]
	stack.items = stack.items[0 : len(stack.items)-1]
	return restored, nil
}

// Instructions used to recreate the table from the instruction stream.
const (
	DW_CFA_nop                = 0x0        // No ops
	DW_CFA_set_loc            = 0x01       // op1: address
	DW_CFA_advance_loc1       = iota       // op1: 1-byte delta
	DW_CFA_advance_loc2                    // op1: 2-byte delta
	DW_CFA_advance_loc4                    // op1: 4-byte delta
	DW_CFA_offset_extended                 // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_restore_extended                // op1: ULEB128 register
	DW_CFA_undefined                       // op1: ULEB128 register
	DW_CFA_same_value                      // op1: ULEB128 register
	DW_CFA_register                        // op1: ULEB128 register, op2: ULEB128 register
	DW_CFA_remember_state                  // No ops
	DW_CFA_restore_state                   // No ops
	DW_CFA_def_cfa                         // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_def_cfa_register                // op1: ULEB128 register
	DW_CFA_def_cfa_offset                  // op1: ULEB128 offset
	DW_CFA_def_cfa_expression              // op1: BLOCK
	DW_CFA_expression                      // op1: ULEB128 register, op2: BLOCK
	DW_CFA_offset_extended_sf              // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_sf                      // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_offset_sf               // op1: SLEB128 offset
	DW_CFA_val_offset                      // op1: ULEB128, op2: ULEB128
	DW_CFA_val_offset_sf                   // op1: ULEB128, op2: SLEB128
	DW_CFA_val_expression                  // op1: ULEB128, op2: BLOCK
	DW_CFA_lo_user            = 0x1c       // Vendor range start
	DW_CFA_hi_user            = 0x3f       // Vendor range end
	DW_CFA_advance_loc        = (0x1 << 6) // High 2 bits: 0x1, low 6: delta
	DW_CFA_offset             = (0x2 << 6) // High 2 bits: 0x2, low 6: register
	DW_CFA_restore            = (0x3 << 6) // High 2 bits: 0x3, low 6: register

	// GNU/vendor extensions inside the user range.
	DW_CFA_GNU_window_save              = 0x2d // No ops (arch-specific meaning)
	DW_CFA_GNU_args_size                = 0x2e // op1: ULEB128 size
	DW_CFA_GNU_negative_offset_extended = 0x2f // op1: ULEB128 register, op2: ULEB128 offset
)

// Rule rule defined for register values.
type Rule byte

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleArchitectural
	RuleCFA // Value is rule.Reg + rule.Offset
)

func (r Rule) String() string {
	switch r {
	case RuleUndefined:
		return "undefined"
	case RuleSameVal:
		return "same value"
	case RuleOffset:
		return "offset(CFA)"
	case RuleValOffset:
		return "val offset(CFA)"
	case RuleRegister:
		return "register"
	case RuleExpression:
		return "expression"
	case RuleValExpression:
		return "val expression"
	case RuleArchitectural:
		return "architectural"
	case RuleCFA:
		return "CFA"
	default:
		return fmt.Sprintf("rule(%d)", byte(r))
	}
}

func (rule DWRule) String() string {
	switch rule.Rule {
	case RuleOffset, RuleValOffset:
		return fmt.Sprintf("%s %+d", rule.Rule, rule.Offset)
	case RuleRegister:
		return fmt.Sprintf("%s r%d", rule.Rule, rule.Reg)
	case RuleExpression, RuleValExpression:
		return fmt.Sprintf("%s (%d bytes)", rule.Rule, len(rule.Expression))
	case RuleCFA:
		return fmt.Sprintf("r%d %+d", rule.Reg, rule.Offset)
	default:
		return rule.Rule.String()
	}
}

const low_6_offset = 0x3f

type instruction func(frame *FrameContext) error

// Mapping from DWARF opcode to function.
var fnlookup = map[byte]instruction{
	DW_CFA_advance_loc:        advanceloc,
	DW_CFA_offset:             offset,
	DW_CFA_restore:            restore,
	DW_CFA_set_loc:            setloc,
	DW_CFA_advance_loc1:       advanceloc1,
	DW_CFA_advance_loc2:       advanceloc2,
	DW_CFA_advance_loc4:       advanceloc4,
	DW_CFA_offset_extended:    offsetextended,
	DW_CFA_restore_extended:   restoreextended,
	DW_CFA_undefined:          undefined,
	DW_CFA_same_value:         samevalue,
	DW_CFA_register:           register,
	DW_CFA_remember_state:     rememberstate,
	DW_CFA_restore_state:      restorestate,
	DW_CFA_def_cfa:            defcfa,
	DW_CFA_def_cfa_register:   defcfaregister,
	DW_CFA_def_cfa_offset:     defcfaoffset,
	DW_CFA_def_cfa_expression: defcfaexpression,
	DW_CFA_expression:         expression,
	DW_CFA_offset_extended_sf: offsetextendedsf,
	DW_CFA_def_cfa_sf:         defcfasf,
	DW_CFA_def_cfa_offset_sf:  defcfaoffsetsf,
	DW_CFA_val_offset:         valoffset,
	DW_CFA_val_offset_sf:      valoffsetsf,
	DW_CFA_val_expression:     valexpression,

	DW_CFA_GNU_window_save:              gnuwindowsave,
	DW_CFA_GNU_args_size:                gnuargssize,
	DW_CFA_GNU_negative_offset_extended: gnunegativeoffsetextended,
}

// executeCIEInstructions runs a CIE's initial instruction stream to
// completion, establishing the default rules, and snapshots the result so
// DW_CFA_restore opcodes in the FDE can refer back to it.
func executeCIEInstructions(cie *CommonInformationEntry) (*FrameContext, error) {
	// The buffer is reused for the FDE's stream afterwards, so it must not
	// alias the CIE's bytes (which in turn alias the raw section data).
	initialInstructions := make([]byte, len(cie.InitialInstructions))
	copy(initialInstructions, cie.InitialInstructions)

	frame := &FrameContext{
		cie:             cie,
		Regs:            make(map[uint64]DWRule),
		RetAddrReg:      cie.ReturnAddressRegister,
		initialRegs:     make(map[uint64]DWRule),
		codeAlignment:   cie.CodeAlignmentFactor,
		dataAlignment:   cie.DataAlignmentFactor,
		order:           cie.order,
		buf:             bytes.NewBuffer(initialInstructions),
		rememberedState: newStateStack(),
	}

	if err := frame.executeDwarfProgram(); err != nil {
		return nil, err
	}

	for k, v := range frame.Regs {
		frame.initialRegs[k] = v
	}
	frame.initialCFA = frame.CFA
	return frame, nil
}

// executeDwarfProgramUntilPC builds the rule table valid at pc.
func executeDwarfProgramUntilPC(fde *FrameDescriptionEntry, pc uint64) (*FrameContext, error) {
	if fde.CIE == nil {
		return nil, ErrUnresolvedCIE
	}
	frame, err := executeCIEInstructions(fde.CIE)
	if err != nil {
		return nil, err
	}
	frame.order = fde.order
	frame.loc = fde.Begin()
	frame.address = pc
	if err := frame.executeUntilPC(fde.Instructions); err != nil {
		return nil, err
	}
	return frame, nil
}

func (frame *FrameContext) executeDwarfProgram() error {
	for frame.buf.Len() > 0 {
		if err := executeDwarfInstruction(frame); err != nil {
			return err
		}
	}
	return nil
}

// executeUntilPC executes the instruction stream, advancing the synthetic
// location counter, until the counter passes the target address or the
// stream ends.
func (frame *FrameContext) executeUntilPC(instructions []byte) error {
	frame.buf.Truncate(0)
	frame.buf.Write(instructions)

	// We only need to execute the instructions until
	// frame.loc > frame.address (which is the address we
	// are currently at in the traced process).
	for frame.address >= frame.loc && frame.buf.Len() > 0 {
		if err := executeDwarfInstruction(frame); err != nil {
			return err
		}
	}
	return nil
}

func executeDwarfInstruction(frame *FrameContext) error {
	opcode, err := frame.buf.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: truncated instruction stream", ErrMalformed)
	}

	if opcode == DW_CFA_nop {
		return nil
	}

	fn, err := lookupFunc(opcode, frame.buf)
	if err != nil {
		return err
	}
	return fn(frame)
}

func lookupFunc(opcode byte, buf *bytes.Buffer) (instruction, error) {
	const high_2_bits = 0xc0
	var restore bool

	// Special case the 3 opcodes that have their argument encoded in the
	// opcode itself.
	switch opcode & high_2_bits {
	case DW_CFA_advance_loc:
		opcode = DW_CFA_advance_loc
		restore = true

	case DW_CFA_offset:
		opcode = DW_CFA_offset
		restore = true

	case DW_CFA_restore:
		opcode = DW_CFA_restore
		restore = true
	}

	if restore {
		// Restore the last byte as it actually contains the argument for the opcode.
		if err := buf.UnreadByte(); err != nil {
			return nil, fmt.Errorf("%w: could not unread instruction byte", ErrMalformed)
		}
	}

	fn, ok := fnlookup[opcode]
	if !ok {
		return nil, fmt.Errorf("%w: unknown CFA opcode %#x", ErrMalformed, opcode)
	}
	return fn, nil
}

func (frame *FrameContext) readUleb() (uint64, error) {
	n, _, err := leb128.DecodeUnsigned(frame.buf)
	if err != nil {
		return 0, fmt.Errorf("%w: bad ULEB128 operand", ErrMalformed)
	}
	return n, nil
}

func (frame *FrameContext) readSleb() (int64, error) {
	n, _, err := leb128.DecodeSigned(frame.buf)
	if err != nil {
		return 0, fmt.Errorf("%w: bad SLEB128 operand", ErrMalformed)
	}
	return n, nil
}

func (frame *FrameContext) readBlock() ([]byte, error) {
	l, err := frame.readUleb()
	if err != nil {
		return nil, err
	}
	if l > uint64(frame.buf.Len()) {
		return nil, fmt.Errorf("%w: expression block of %d bytes exceeds instruction stream", ErrMalformed, l)
	}
	// Next returns a view into the buffer, which is overwritten when the
	// FDE's stream replaces the CIE's. Expression rules outlive that.
	return append([]byte(nil), frame.buf.Next(int(l))...), nil
}

func advanceloc(frame *FrameContext) error {
	b, err := frame.buf.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: truncated advance_loc", ErrMalformed)
	}

	delta := b & low_6_offset
	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func advanceloc1(frame *FrameContext) error {
	delta, err := frame.buf.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: truncated advance_loc1", ErrMalformed)
	}

	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func advanceloc2(frame *FrameContext) error {
	var delta uint16
	if err := binary.Read(frame.buf, frame.byteOrder(), &delta); err != nil {
		return fmt.Errorf("%w: truncated advance_loc2", ErrMalformed)
	}

	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func advanceloc4(frame *FrameContext) error {
	var delta uint32
	if err := binary.Read(frame.buf, frame.byteOrder(), &delta); err != nil {
		return fmt.Errorf("%w: truncated advance_loc4", ErrMalformed)
	}

	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func offset(frame *FrameContext) error {
	b, err := frame.buf.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: truncated offset", ErrMalformed)
	}

	reg := b & low_6_offset
	off, err := frame.readUleb()
	if err != nil {
		return err
	}

	frame.Regs[uint64(reg)] = DWRule{Offset: int64(off) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func restore(frame *FrameContext) error {
	b, err := frame.buf.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: truncated restore", ErrMalformed)
	}

	frame.restoreRegister(uint64(b & low_6_offset))
	return nil
}

// restoreRegister resets a register's rule to what the CIE's initial
// instructions established.
func (frame *FrameContext) restoreRegister(reg uint64) {
	oldrule, ok := frame.initialRegs[reg]
	if ok {
		frame.Regs[reg] = oldrule
	} else {
		frame.Regs[reg] = DWRule{Rule: RuleUndefined}
	}
}

func setloc(frame *FrameContext) error {
	enc := ptrEncAbs
	ptrSize := 8
	if frame.cie != nil {
		enc = frame.cie.ptrEncAddr
		if frame.cie.ptrSize != 0 {
			ptrSize = frame.cie.ptrSize
		}
	}
	// Position-relative encodings need the instruction's own section
	// offset, which an extracted instruction stream no longer has.
	if enc&ptrEncFlagsMask != 0 {
		return fmt.Errorf("%w: position-relative DW_CFA_set_loc is not supported", ErrMalformed)
	}

	loc, err := decodePointer(frame.buf, enc, ptrSize, frame.byteOrder())
	if err != nil {
		return err
	}
	loc += frame.staticBase()
	if loc < frame.loc {
		return fmt.Errorf("%w: DW_CFA_set_loc moves location backwards", ErrMalformed)
	}
	frame.loc = loc
	return nil
}

func (frame *FrameContext) staticBase() uint64 {
	if frame.cie == nil {
		return 0
	}
	return frame.cie.staticBase
}

func (frame *FrameContext) byteOrder() binary.ByteOrder {
	if frame.order == nil {
		return binary.LittleEndian
	}
	return frame.order
}

// decodePointer reads a pointer with a non-relative exception-header
// encoding from an instruction stream.
func decodePointer(buf *bytes.Buffer, enc ptrEnc, ptrSize int, order binary.ByteOrder) (uint64, error) {
	readUint := func(n int) (uint64, error) {
		b := buf.Next(n)
		if len(b) != n {
			return 0, fmt.Errorf("%w: truncated pointer operand", ErrMalformed)
		}
		switch n {
		case 2:
			return uint64(order.Uint16(b)), nil
		case 4:
			return uint64(order.Uint32(b)), nil
		default:
			return order.Uint64(b), nil
		}
	}

	switch enc & 0x0f {
	case ptrEncAbs, ptrEncSigned:
		return readUint(ptrSize)
	case ptrEncUleb:
		v, _, err := leb128.DecodeUnsigned(buf)
		if err != nil {
			return 0, fmt.Errorf("%w: bad ULEB128 pointer operand", ErrMalformed)
		}
		return v, nil
	case ptrEncSleb:
		v, _, err := leb128.DecodeSigned(buf)
		if err != nil {
			return 0, fmt.Errorf("%w: bad SLEB128 pointer operand", ErrMalformed)
		}
		return uint64(v), nil
	case ptrEncUdata2:
		return readUint(2)
	case ptrEncUdata4:
		return readUint(4)
	case ptrEncUdata8, ptrEncSdata8:
		return readUint(8)
	case ptrEncSdata2:
		v, err := readUint(2)
		return uint64(int64(int16(v))), err
	case ptrEncSdata4:
		v, err := readUint(4)
		return uint64(int64(int32(v))), err
	default:
		return 0, fmt.Errorf("%w: unsupported pointer encoding %#02x", ErrMalformed, uint8(enc))
	}
}

func offsetextended(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}
	off, err := frame.readUleb()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: int64(off) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func undefined(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleUndefined}
	return nil
}

func samevalue(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleSameVal}
	return nil
}

func register(frame *FrameContext) error {
	reg1, err := frame.readUleb()
	if err != nil {
		return err
	}
	reg2, err := frame.readUleb()
	if err != nil {
		return err
	}
	frame.Regs[reg1] = DWRule{Reg: reg2, Rule: RuleRegister}
	return nil
}

func rememberstate(frame *FrameContext) error {
	clonedRegs := make(map[uint64]DWRule, len(frame.Regs))
	for k, v := range frame.Regs {
		clonedRegs[k] = v
	}
	frame.rememberedState.push(rowState{cfa: frame.CFA, regs: clonedRegs})
	return nil
}

func restorestate(frame *FrameContext) error {
	restored, err := frame.rememberedState.pop()
	if err != nil {
		return err
	}

	frame.CFA = restored.cfa
	frame.Regs = restored.regs
	return nil
}

func restoreextended(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}

	frame.restoreRegister(reg)
	return nil
}

func defcfa(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}
	off, err := frame.readUleb()
	if err != nil {
		return err
	}

	frame.CFA.Rule = RuleCFA
	frame.CFA.Reg = reg
	frame.CFA.Offset = int64(off)
	return nil
}

func defcfaregister(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}
	if frame.CFA.Rule != RuleCFA {
		return fmt.Errorf("%w: DW_CFA_def_cfa_register without a register+offset CFA rule", ErrMalformed)
	}
	frame.CFA.Reg = reg
	return nil
}

func defcfaoffset(frame *FrameContext) error {
	off, err := frame.readUleb()
	if err != nil {
		return err
	}
	if frame.CFA.Rule != RuleCFA {
		return fmt.Errorf("%w: DW_CFA_def_cfa_offset without a register+offset CFA rule", ErrMalformed)
	}
	frame.CFA.Offset = int64(off)
	return nil
}

func defcfasf(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}
	off, err := frame.readSleb()
	if err != nil {
		return err
	}

	frame.CFA.Rule = RuleCFA
	frame.CFA.Reg = reg
	frame.CFA.Offset = off * frame.dataAlignment
	return nil
}

func defcfaoffsetsf(frame *FrameContext) error {
	off, err := frame.readSleb()
	if err != nil {
		return err
	}
	if frame.CFA.Rule != RuleCFA {
		return fmt.Errorf("%w: DW_CFA_def_cfa_offset_sf without a register+offset CFA rule", ErrMalformed)
	}
	frame.CFA.Offset = off * frame.dataAlignment
	return nil
}

func defcfaexpression(frame *FrameContext) error {
	expr, err := frame.readBlock()
	if err != nil {
		return err
	}

	frame.CFA.Expression = expr
	frame.CFA.Rule = RuleExpression
	return nil
}

func expression(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}
	expr, err := frame.readBlock()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Rule: RuleExpression, Expression: expr}
	return nil
}

func offsetextendedsf(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}
	off, err := frame.readSleb()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: off * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func valoffset(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}
	off, err := frame.readUleb()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: int64(off) * frame.dataAlignment, Rule: RuleValOffset}
	return nil
}

func valoffsetsf(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}
	off, err := frame.readSleb()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: off * frame.dataAlignment, Rule: RuleValOffset}
	return nil
}

func valexpression(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}
	expr, err := frame.readBlock()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: expr}
	return nil
}

// gnuwindowsave is SPARC register-window save, reused on aarch64 as
// negate-ra-state. Neither affects the registers this engine recovers.
func gnuwindowsave(frame *FrameContext) error {
	return nil
}

// gnuargssize records the size of outgoing arguments; it does not change
// any location rule.
func gnuargssize(frame *FrameContext) error {
	_, err := frame.readUleb()
	return err
}

func gnunegativeoffsetextended(frame *FrameContext) error {
	reg, err := frame.readUleb()
	if err != nil {
		return err
	}
	off, err := frame.readUleb()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: -int64(off) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}
