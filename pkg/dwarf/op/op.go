// Package op implements the DWARF expression stack machine used by
// expression-valued call frame location rules.
package op

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ShiznitsO/system-core/pkg/dwarf/leb128"
)

// MemoryReader reads raw bytes from the target address space. Reads of
// unmapped addresses report an error instead of aborting.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
}

var (
	// ErrStackUnderflow is returned when an operator needs more operands
	// than the stack holds.
	ErrStackUnderflow = errors.New("DWARF expression stack underflow")
	// ErrDivideByZero is returned by DW_OP_div and DW_OP_mod with a zero
	// divisor.
	ErrDivideByZero = errors.New("DWARF expression divides by zero")
	// ErrBoundExceeded is returned when an expression executes more steps
	// than the fixed bound, guarding against crafted infinite loops.
	ErrBoundExceeded = errors.New("DWARF expression step bound exceeded")
)

// maxSteps bounds the number of instructions a single expression may
// execute. Real CFA expressions run a handful of opcodes; anything near
// the bound is hostile or corrupt.
const maxSteps = 10000

type stackfn func(Opcode, *context) error

type context struct {
	buf          *bytes.Reader
	instructions []byte
	stack        []int64
	steps        int
	ptrSize      int
	mem          MemoryReader

	DwarfRegisters
}

// ExecuteStackProgram executes a DWARF expression over address-sized
// values and returns the value left on top of the stack. Whether that
// value is an address to load from or the final value is decided by the
// location rule that carried the expression. mem may be nil for
// expressions that do not dereference memory.
func ExecuteStackProgram(regs DwarfRegisters, instructions []byte, ptrSize int, mem MemoryReader) (int64, error) {
	ctxt := &context{
		buf:            bytes.NewReader(instructions),
		instructions:   instructions,
		stack:          make([]int64, 0, 3),
		ptrSize:        ptrSize,
		mem:            mem,
		DwarfRegisters: regs,
	}

	for {
		ctxt.steps++
		if ctxt.steps > maxSteps {
			return 0, ErrBoundExceeded
		}
		opcodeByte, err := ctxt.buf.ReadByte()
		if err != nil {
			break
		}
		opcode := Opcode(opcodeByte)
		fn, ok := oplut[opcode]
		if !ok {
			return 0, fmt.Errorf("invalid instruction %#v", opcode)
		}

		if err := fn(opcode, ctxt); err != nil {
			return 0, err
		}
	}

	if len(ctxt.stack) == 0 {
		return 0, errors.New("empty OP stack")
	}

	return ctxt.stack[len(ctxt.stack)-1], nil
}

// PrettyPrint prints DWARF expression instructions to out.
func PrettyPrint(out io.Writer, instructions []byte) {
	in := bytes.NewBuffer(instructions)

	for {
		opcode, err := in.ReadByte()
		if err != nil {
			break
		}
		op := Opcode(opcode)
		switch {
		case op >= DW_OP_lit0 && op <= DW_OP_lit31:
			fmt.Fprintf(out, "DW_OP_lit%d ", op-DW_OP_lit0)
		case op >= DW_OP_reg0 && op <= DW_OP_reg31:
			fmt.Fprintf(out, "DW_OP_reg%d ", op-DW_OP_reg0)
		case op >= DW_OP_breg0 && op <= DW_OP_breg31:
			n, _, _ := leb128.DecodeSigned(in)
			fmt.Fprintf(out, "DW_OP_breg%d %+d ", op-DW_OP_breg0, n)
		default:
			if name, hasname := opcodeName[op]; hasname {
				io.WriteString(out, name)
				out.Write([]byte{' '})
			} else {
				fmt.Fprintf(out, "%#x ", opcode)
			}
		}
	}
}

// pop removes and returns the top of the stack.
func (ctxt *context) pop() (int64, error) {
	if len(ctxt.stack) == 0 {
		return 0, ErrStackUnderflow
	}
	v := ctxt.stack[len(ctxt.stack)-1]
	ctxt.stack = ctxt.stack[:len(ctxt.stack)-1]
	return v, nil
}

func (ctxt *context) push(v int64) {
	ctxt.stack = append(ctxt.stack, v)
}

func (ctxt *context) uleb() (uint64, error) {
	v, _, err := leb128.DecodeUnsigned(ctxt.buf)
	return v, err
}

func (ctxt *context) sleb() (int64, error) {
	v, _, err := leb128.DecodeSigned(ctxt.buf)
	return v, err
}

// pos returns the cursor's offset within the instruction stream.
func (ctxt *context) pos() int64 {
	return int64(len(ctxt.instructions)) - int64(ctxt.buf.Len())
}

// branch moves the cursor by a signed 2-byte delta, bounded by the
// instruction stream.
func (ctxt *context) branch() error {
	var delta int16
	if err := binary.Read(ctxt.buf, binary.LittleEndian, &delta); err != nil {
		return errors.New("truncated branch offset")
	}
	target := ctxt.pos() + int64(delta)
	if target < 0 || target > int64(len(ctxt.instructions)) {
		return fmt.Errorf("branch target %d outside expression", target)
	}
	if _, err := ctxt.buf.Seek(target, io.SeekStart); err != nil {
		return err
	}
	return nil
}

func callframecfa(opcode Opcode, ctxt *context) error {
	if ctxt.CFA == 0 {
		return errors.New("could not retrieve CFA for current PC")
	}
	ctxt.push(ctxt.CFA)
	return nil
}

func addr(opcode Opcode, ctxt *context) error {
	buf := make([]byte, ctxt.ptrSize)
	if _, err := io.ReadFull(ctxt.buf, buf); err != nil {
		return errors.New("truncated DW_OP_addr operand")
	}
	var v uint64
	switch ctxt.ptrSize {
	case 4:
		v = uint64(byteOrder(ctxt).Uint32(buf))
	case 8:
		v = byteOrder(ctxt).Uint64(buf)
	default:
		return fmt.Errorf("unsupported pointer size %d", ctxt.ptrSize)
	}
	ctxt.push(int64(v + ctxt.StaticBase))
	return nil
}

func byteOrder(ctxt *context) binary.ByteOrder {
	if ctxt.ByteOrder == nil {
		return binary.LittleEndian
	}
	return ctxt.ByteOrder
}

func deref(opcode Opcode, ctxt *context) error {
	if ctxt.mem == nil {
		return errors.New("memory read capability not available")
	}
	size := ctxt.ptrSize
	if opcode == DW_OP_deref_size {
		n, err := ctxt.buf.ReadByte()
		if err != nil {
			return errors.New("truncated DW_OP_deref_size operand")
		}
		if n < 1 || int(n) > ctxt.ptrSize {
			return fmt.Errorf("invalid DW_OP_deref_size size %d", n)
		}
		size = int(n)
	}
	addr, err := ctxt.pop()
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	if _, err := ctxt.mem.ReadMemory(buf, uint64(addr)); err != nil {
		return fmt.Errorf("could not read %d bytes at %#x: %v", size, uint64(addr), err)
	}
	ctxt.push(int64(decodeUint(buf, byteOrder(ctxt))))
	return nil
}

// decodeUint decodes a 1 to 8 byte unsigned integer.
func decodeUint(buf []byte, order binary.ByteOrder) uint64 {
	var v uint64
	if order == binary.BigEndian {
		for i := 0; i < len(buf); i++ {
			v = v<<8 | uint64(buf[i])
		}
		return v
	}
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

func literal(opcode Opcode, ctxt *context) error {
	ctxt.push(int64(opcode - DW_OP_lit0))
	return nil
}

func constnu(opcode Opcode, ctxt *context) error {
	var n int
	switch opcode {
	case DW_OP_const1u:
		n = 1
	case DW_OP_const2u:
		n = 2
	case DW_OP_const4u:
		n = 4
	default:
		n = 8
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(ctxt.buf, buf); err != nil {
		return errors.New("truncated constant operand")
	}
	ctxt.push(int64(decodeUint(buf, byteOrder(ctxt))))
	return nil
}

func constns(opcode Opcode, ctxt *context) error {
	var n int
	switch opcode {
	case DW_OP_const1s:
		n = 1
	case DW_OP_const2s:
		n = 2
	case DW_OP_const4s:
		n = 4
	default:
		n = 8
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(ctxt.buf, buf); err != nil {
		return errors.New("truncated constant operand")
	}
	v := decodeUint(buf, byteOrder(ctxt))
	// Sign extend.
	shift := uint(64 - 8*n)
	ctxt.push(int64(v) << shift >> shift)
	return nil
}

func constu(opcode Opcode, ctxt *context) error {
	num, err := ctxt.uleb()
	if err != nil {
		return err
	}
	ctxt.push(int64(num))
	return nil
}

func consts(opcode Opcode, ctxt *context) error {
	num, err := ctxt.sleb()
	if err != nil {
		return err
	}
	ctxt.push(num)
	return nil
}

func dup(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) == 0 {
		return ErrStackUnderflow
	}
	ctxt.push(ctxt.stack[len(ctxt.stack)-1])
	return nil
}

func drop(opcode Opcode, ctxt *context) error {
	_, err := ctxt.pop()
	return err
}

func over(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) < 2 {
		return ErrStackUnderflow
	}
	ctxt.push(ctxt.stack[len(ctxt.stack)-2])
	return nil
}

func pick(opcode Opcode, ctxt *context) error {
	n, err := ctxt.buf.ReadByte()
	if err != nil {
		return errors.New("truncated DW_OP_pick operand")
	}
	if int(n) >= len(ctxt.stack) {
		return ErrStackUnderflow
	}
	ctxt.push(ctxt.stack[len(ctxt.stack)-1-int(n)])
	return nil
}

func swap(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) < 2 {
		return ErrStackUnderflow
	}
	n := len(ctxt.stack)
	ctxt.stack[n-1], ctxt.stack[n-2] = ctxt.stack[n-2], ctxt.stack[n-1]
	return nil
}

func rot(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) < 3 {
		return ErrStackUnderflow
	}
	n := len(ctxt.stack)
	ctxt.stack[n-1], ctxt.stack[n-2], ctxt.stack[n-3] = ctxt.stack[n-2], ctxt.stack[n-3], ctxt.stack[n-1]
	return nil
}

func unaryop(opcode Opcode, ctxt *context) error {
	v, err := ctxt.pop()
	if err != nil {
		return err
	}
	switch opcode {
	case DW_OP_abs:
		if v < 0 {
			v = -v
		}
	case DW_OP_neg:
		v = -v
	case DW_OP_not:
		v = ^v
	}
	ctxt.push(v)
	return nil
}

func binaryop(opcode Opcode, ctxt *context) error {
	b, err := ctxt.pop()
	if err != nil {
		return err
	}
	a, err := ctxt.pop()
	if err != nil {
		return err
	}

	var r int64
	switch opcode {
	case DW_OP_and:
		r = a & b
	case DW_OP_div:
		if b == 0 {
			return ErrDivideByZero
		}
		r = a / b
	case DW_OP_minus:
		r = a - b
	case DW_OP_mod:
		if b == 0 {
			return ErrDivideByZero
		}
		r = a % b
	case DW_OP_mul:
		r = a * b
	case DW_OP_or:
		r = a | b
	case DW_OP_plus:
		r = a + b
	case DW_OP_shl:
		r = int64(uint64(a) << (uint64(b) & 63))
	case DW_OP_shr:
		r = int64(uint64(a) >> (uint64(b) & 63))
	case DW_OP_shra:
		r = a >> (uint64(b) & 63)
	case DW_OP_xor:
		r = a ^ b
	case DW_OP_eq:
		r = bool2int(a == b)
	case DW_OP_ge:
		r = bool2int(a >= b)
	case DW_OP_gt:
		r = bool2int(a > b)
	case DW_OP_le:
		r = bool2int(a <= b)
	case DW_OP_lt:
		r = bool2int(a < b)
	case DW_OP_ne:
		r = bool2int(a != b)
	}
	ctxt.push(r)
	return nil
}

func bool2int(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func plusuconsts(opcode Opcode, ctxt *context) error {
	num, err := ctxt.uleb()
	if err != nil {
		return err
	}
	v, err := ctxt.pop()
	if err != nil {
		return err
	}
	ctxt.push(v + int64(num))
	return nil
}

func bra(opcode Opcode, ctxt *context) error {
	cond, err := ctxt.pop()
	if err != nil {
		return err
	}
	if cond != 0 {
		return ctxt.branch()
	}
	// Skip the unread offset operand.
	var delta int16
	return binary.Read(ctxt.buf, binary.LittleEndian, &delta)
}

func skip(opcode Opcode, ctxt *context) error {
	return ctxt.branch()
}

func register(opcode Opcode, ctxt *context) error {
	var regnum uint64
	if opcode == DW_OP_regx {
		n, err := ctxt.uleb()
		if err != nil {
			return err
		}
		regnum = n
	} else {
		regnum = uint64(opcode - DW_OP_reg0)
	}
	reg := ctxt.Reg(regnum)
	if reg == nil {
		return fmt.Errorf("register %d not available", regnum)
	}
	ctxt.push(int64(reg.Uint64Val))
	return nil
}

func breg(opcode Opcode, ctxt *context) error {
	off, err := ctxt.sleb()
	if err != nil {
		return err
	}
	regnum := uint64(opcode - DW_OP_breg0)
	reg := ctxt.Reg(regnum)
	if reg == nil {
		return fmt.Errorf("register %d not available", regnum)
	}
	ctxt.push(int64(reg.Uint64Val) + off)
	return nil
}

func bregx(opcode Opcode, ctxt *context) error {
	regnum, err := ctxt.uleb()
	if err != nil {
		return err
	}
	off, err := ctxt.sleb()
	if err != nil {
		return err
	}
	reg := ctxt.Reg(regnum)
	if reg == nil {
		return fmt.Errorf("register %d not available", regnum)
	}
	ctxt.push(int64(reg.Uint64Val) + off)
	return nil
}

func framebase(opcode Opcode, ctxt *context) error {
	num, err := ctxt.sleb()
	if err != nil {
		return err
	}
	ctxt.push(ctxt.FrameBase + num)
	return nil
}

func nop(opcode Opcode, ctxt *context) error {
	return nil
}
