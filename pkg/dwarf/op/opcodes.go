package op

// Opcode represents a DWARF stack program instruction.
type Opcode byte

// The subset of DWARF expression opcodes that occurs in call frame
// information (CFA expressions and register expressions).
const (
	DW_OP_addr           Opcode = 0x03
	DW_OP_deref          Opcode = 0x06
	DW_OP_const1u        Opcode = 0x08
	DW_OP_const1s        Opcode = 0x09
	DW_OP_const2u        Opcode = 0x0a
	DW_OP_const2s        Opcode = 0x0b
	DW_OP_const4u        Opcode = 0x0c
	DW_OP_const4s        Opcode = 0x0d
	DW_OP_const8u        Opcode = 0x0e
	DW_OP_const8s        Opcode = 0x0f
	DW_OP_constu         Opcode = 0x10
	DW_OP_consts         Opcode = 0x11
	DW_OP_dup            Opcode = 0x12
	DW_OP_drop           Opcode = 0x13
	DW_OP_over           Opcode = 0x14
	DW_OP_pick           Opcode = 0x15
	DW_OP_swap           Opcode = 0x16
	DW_OP_rot            Opcode = 0x17
	DW_OP_abs            Opcode = 0x19
	DW_OP_and            Opcode = 0x1a
	DW_OP_div            Opcode = 0x1b
	DW_OP_minus          Opcode = 0x1c
	DW_OP_mod            Opcode = 0x1d
	DW_OP_mul            Opcode = 0x1e
	DW_OP_neg            Opcode = 0x1f
	DW_OP_not            Opcode = 0x20
	DW_OP_or             Opcode = 0x21
	DW_OP_plus           Opcode = 0x22
	DW_OP_plus_uconst    Opcode = 0x23
	DW_OP_shl            Opcode = 0x24
	DW_OP_shr            Opcode = 0x25
	DW_OP_shra           Opcode = 0x26
	DW_OP_xor            Opcode = 0x27
	DW_OP_bra            Opcode = 0x28
	DW_OP_eq             Opcode = 0x29
	DW_OP_ge             Opcode = 0x2a
	DW_OP_gt             Opcode = 0x2b
	DW_OP_le             Opcode = 0x2c
	DW_OP_lt             Opcode = 0x2d
	DW_OP_ne             Opcode = 0x2e
	DW_OP_skip           Opcode = 0x2f
	DW_OP_lit0           Opcode = 0x30 // lit1 through lit31 follow
	DW_OP_lit31          Opcode = 0x4f
	DW_OP_reg0           Opcode = 0x50 // reg1 through reg31 follow
	DW_OP_reg31          Opcode = 0x6f
	DW_OP_breg0          Opcode = 0x70 // breg1 through breg31 follow
	DW_OP_breg31         Opcode = 0x8f
	DW_OP_regx           Opcode = 0x90
	DW_OP_fbreg          Opcode = 0x91
	DW_OP_bregx          Opcode = 0x92
	DW_OP_deref_size     Opcode = 0x94
	DW_OP_nop            Opcode = 0x96
	DW_OP_call_frame_cfa Opcode = 0x9c
)

var oplut = map[Opcode]stackfn{
	DW_OP_addr:           addr,
	DW_OP_deref:          deref,
	DW_OP_deref_size:     deref,
	DW_OP_const1u:        constnu,
	DW_OP_const2u:        constnu,
	DW_OP_const4u:        constnu,
	DW_OP_const8u:        constnu,
	DW_OP_const1s:        constns,
	DW_OP_const2s:        constns,
	DW_OP_const4s:        constns,
	DW_OP_const8s:        constns,
	DW_OP_constu:         constu,
	DW_OP_consts:         consts,
	DW_OP_dup:            dup,
	DW_OP_drop:           drop,
	DW_OP_over:           over,
	DW_OP_pick:           pick,
	DW_OP_swap:           swap,
	DW_OP_rot:            rot,
	DW_OP_abs:            unaryop,
	DW_OP_neg:            unaryop,
	DW_OP_not:            unaryop,
	DW_OP_and:            binaryop,
	DW_OP_div:            binaryop,
	DW_OP_minus:          binaryop,
	DW_OP_mod:            binaryop,
	DW_OP_mul:            binaryop,
	DW_OP_or:             binaryop,
	DW_OP_plus:           binaryop,
	DW_OP_shl:            binaryop,
	DW_OP_shr:            binaryop,
	DW_OP_shra:           binaryop,
	DW_OP_xor:            binaryop,
	DW_OP_eq:             binaryop,
	DW_OP_ge:             binaryop,
	DW_OP_gt:             binaryop,
	DW_OP_le:             binaryop,
	DW_OP_lt:             binaryop,
	DW_OP_ne:             binaryop,
	DW_OP_plus_uconst:    plusuconsts,
	DW_OP_bra:            bra,
	DW_OP_skip:           skip,
	DW_OP_regx:           register,
	DW_OP_fbreg:          framebase,
	DW_OP_bregx:          bregx,
	DW_OP_nop:            nop,
	DW_OP_call_frame_cfa: callframecfa,
}

var opcodeName = map[Opcode]string{
	DW_OP_addr:           "DW_OP_addr",
	DW_OP_deref:          "DW_OP_deref",
	DW_OP_deref_size:     "DW_OP_deref_size",
	DW_OP_const1u:        "DW_OP_const1u",
	DW_OP_const1s:        "DW_OP_const1s",
	DW_OP_const2u:        "DW_OP_const2u",
	DW_OP_const2s:        "DW_OP_const2s",
	DW_OP_const4u:        "DW_OP_const4u",
	DW_OP_const4s:        "DW_OP_const4s",
	DW_OP_const8u:        "DW_OP_const8u",
	DW_OP_const8s:        "DW_OP_const8s",
	DW_OP_constu:         "DW_OP_constu",
	DW_OP_consts:         "DW_OP_consts",
	DW_OP_dup:            "DW_OP_dup",
	DW_OP_drop:           "DW_OP_drop",
	DW_OP_over:           "DW_OP_over",
	DW_OP_pick:           "DW_OP_pick",
	DW_OP_swap:           "DW_OP_swap",
	DW_OP_rot:            "DW_OP_rot",
	DW_OP_abs:            "DW_OP_abs",
	DW_OP_and:            "DW_OP_and",
	DW_OP_div:            "DW_OP_div",
	DW_OP_minus:          "DW_OP_minus",
	DW_OP_mod:            "DW_OP_mod",
	DW_OP_mul:            "DW_OP_mul",
	DW_OP_neg:            "DW_OP_neg",
	DW_OP_not:            "DW_OP_not",
	DW_OP_or:             "DW_OP_or",
	DW_OP_plus:           "DW_OP_plus",
	DW_OP_plus_uconst:    "DW_OP_plus_uconst",
	DW_OP_shl:            "DW_OP_shl",
	DW_OP_shr:            "DW_OP_shr",
	DW_OP_shra:           "DW_OP_shra",
	DW_OP_xor:            "DW_OP_xor",
	DW_OP_bra:            "DW_OP_bra",
	DW_OP_eq:             "DW_OP_eq",
	DW_OP_ge:             "DW_OP_ge",
	DW_OP_gt:             "DW_OP_gt",
	DW_OP_le:             "DW_OP_le",
	DW_OP_lt:             "DW_OP_lt",
	DW_OP_ne:             "DW_OP_ne",
	DW_OP_skip:           "DW_OP_skip",
	DW_OP_regx:           "DW_OP_regx",
	DW_OP_fbreg:          "DW_OP_fbreg",
	DW_OP_bregx:          "DW_OP_bregx",
	DW_OP_nop:            "DW_OP_nop",
	DW_OP_call_frame_cfa: "DW_OP_call_frame_cfa",
}

func init() {
	for i := Opcode(0); i < 32; i++ {
		oplut[DW_OP_lit0+i] = literal
		oplut[DW_OP_reg0+i] = register
		oplut[DW_OP_breg0+i] = breg
	}
}
