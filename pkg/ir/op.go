package ir

import "fmt"

// Opcode identifies a micro-op. All arithmetic is on 64-bit values; narrower
// guest widths are expressed with the Ext* ops.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpInsnStart

	OpMov
	OpAdd
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	OpShl // shift counts are taken modulo 64
	OpShr
	OpSar
	OpNeg
	OpNot
	OpExtS8
	OpExtU8
	OpExtS16
	OpExtU16
	OpExtS32
	OpExtU32
	OpSetCond

	OpLdEnv
	OpStEnv
	OpLd
	OpSt
	OpCall

	OpLabel
	OpBr
	OpBrCond
	OpGotoTB
	OpExit

	numOpcodes
)

// OpFlags describe how passes and the allocator must treat an op.
type OpFlags uint16

const (
	// OpfPure ops have no effect besides writing Dst and may be removed
	// when Dst is dead.
	OpfPure OpFlags = 1 << iota
	// OpfFoldable ops can be evaluated at translation time.
	OpfFoldable
	// OpfSideEffects ops are never removed or reordered.
	OpfSideEffects
	// OpfCallClobber ops destroy every caller-saved host register.
	OpfCallClobber
	// OpfEnvAccess ops read or write Env directly, so dirty globals must be
	// in memory first.
	OpfEnvAccess
	// OpfMayFault ops can leave the block with a guest fault.
	OpfMayFault
	// OpfBranch ops transfer control to a label.
	OpfBranch
	// OpfBlockEnd ops leave the block.
	OpfBlockEnd
)

// OpDef is the static description of an opcode.
type OpDef struct {
	Name   string
	NArgs  int // -1: variable (calls)
	HasDst bool
	Flags  OpFlags
}

var opDefs = [numOpcodes]OpDef{
	OpNop:       {"nop", 0, false, 0},
	OpInsnStart: {"insn_start", 0, false, 0},

	OpMov:     {"mov", 1, true, OpfPure | OpfFoldable},
	OpAdd:     {"add", 2, true, OpfPure | OpfFoldable},
	OpSub:     {"sub", 2, true, OpfPure | OpfFoldable},
	OpMul:     {"mul", 2, true, OpfPure | OpfFoldable},
	OpAnd:     {"and", 2, true, OpfPure | OpfFoldable},
	OpOr:      {"or", 2, true, OpfPure | OpfFoldable},
	OpXor:     {"xor", 2, true, OpfPure | OpfFoldable},
	OpShl:     {"shl", 2, true, OpfPure | OpfFoldable},
	OpShr:     {"shr", 2, true, OpfPure | OpfFoldable},
	OpSar:     {"sar", 2, true, OpfPure | OpfFoldable},
	OpNeg:     {"neg", 1, true, OpfPure | OpfFoldable},
	OpNot:     {"not", 1, true, OpfPure | OpfFoldable},
	OpExtS8:   {"ext8s", 1, true, OpfPure | OpfFoldable},
	OpExtU8:   {"ext8u", 1, true, OpfPure | OpfFoldable},
	OpExtS16:  {"ext16s", 1, true, OpfPure | OpfFoldable},
	OpExtU16:  {"ext16u", 1, true, OpfPure | OpfFoldable},
	OpExtS32:  {"ext32s", 1, true, OpfPure | OpfFoldable},
	OpExtU32:  {"ext32u", 1, true, OpfPure | OpfFoldable},
	OpSetCond: {"setcond", 2, true, OpfPure | OpfFoldable},

	OpLdEnv: {"ld_env", 0, true, OpfPure | OpfEnvAccess},
	OpStEnv: {"st_env", 1, false, OpfSideEffects | OpfEnvAccess},
	OpLd:    {"ld", 1, true, OpfSideEffects | OpfCallClobber | OpfMayFault},
	OpSt:    {"st", 2, false, OpfSideEffects | OpfCallClobber | OpfMayFault},
	OpCall:  {"call", -1, true, OpfSideEffects | OpfCallClobber},

	OpLabel:  {"set_label", 0, false, OpfSideEffects},
	OpBr:     {"br", 0, false, OpfSideEffects | OpfBranch},
	OpBrCond: {"brcond", 2, false, OpfSideEffects | OpfBranch},
	OpGotoTB: {"goto_tb", 0, false, OpfSideEffects | OpfBlockEnd},
	OpExit:   {"exit_tb", 1, false, OpfSideEffects | OpfBlockEnd},
}

// Def returns the static description of o.
func (o Opcode) Def() *OpDef {
	if o >= numOpcodes {
		return &OpDef{Name: fmt.Sprintf("op%d", uint8(o))}
	}
	return &opDefs[o]
}

func (o Opcode) String() string { return o.Def().Name }

func (o Opcode) Has(f OpFlags) bool { return o.Def().Flags&f != 0 }

// IsBinary reports whether o is a two-operand arithmetic op.
func (o Opcode) IsBinary() bool {
	return o >= OpAdd && o <= OpSar
}

// IsUnary reports whether o is a one-operand arithmetic op (excluding mov).
func (o Opcode) IsUnary() bool {
	return o >= OpNeg && o <= OpExtU32
}

// IsCommutative reports whether swapping the operands of o preserves its value.
func (o Opcode) IsCommutative() bool {
	switch o {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor:
		return true
	}
	return false
}

// EvalBinary computes a binary arithmetic op.
func EvalBinary(o Opcode, a, b uint64) uint64 {
	switch o {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMul:
		return a * b
	case OpAnd:
		return a & b
	case OpOr:
		return a | b
	case OpXor:
		return a ^ b
	case OpShl:
		return a << (b & 63)
	case OpShr:
		return a >> (b & 63)
	case OpSar:
		return uint64(int64(a) >> (b & 63))
	}
	panic(fmt.Sprintf("EvalBinary: %v is not binary", o))
}

// EvalUnary computes a unary arithmetic op (mov included).
func EvalUnary(o Opcode, a uint64) uint64 {
	switch o {
	case OpMov:
		return a
	case OpNeg:
		return -a
	case OpNot:
		return ^a
	case OpExtS8:
		return uint64(int64(int8(a)))
	case OpExtU8:
		return uint64(uint8(a))
	case OpExtS16:
		return uint64(int64(int16(a)))
	case OpExtU16:
		return uint64(uint16(a))
	case OpExtS32:
		return uint64(int64(int32(a)))
	case OpExtU32:
		return uint64(uint32(a))
	}
	panic(fmt.Sprintf("EvalUnary: %v is not unary", o))
}

// Cond is a comparison predicate for SetCond and BrCond.
type Cond uint8

const (
	CondNever Cond = iota
	CondAlways
	CondEQ
	CondNE
	CondLT // signed
	CondGE
	CondLE
	CondGT
	CondLTU // unsigned
	CondGEU
	CondLEU
	CondGTU
)

var condNames = [...]string{"never", "always", "eq", "ne", "lt", "ge", "le", "gt", "ltu", "geu", "leu", "gtu"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond%d", uint8(c))
}

// Eval applies the predicate.
func (c Cond) Eval(a, b uint64) bool {
	switch c {
	case CondNever:
		return false
	case CondAlways:
		return true
	case CondEQ:
		return a == b
	case CondNE:
		return a != b
	case CondLT:
		return int64(a) < int64(b)
	case CondGE:
		return int64(a) >= int64(b)
	case CondLE:
		return int64(a) <= int64(b)
	case CondGT:
		return int64(a) > int64(b)
	case CondLTU:
		return a < b
	case CondGEU:
		return a >= b
	case CondLEU:
		return a <= b
	case CondGTU:
		return a > b
	}
	return false
}

// Invert returns the predicate that is true exactly when c is false.
func (c Cond) Invert() Cond {
	switch c {
	case CondNever:
		return CondAlways
	case CondAlways:
		return CondNever
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	case CondGE:
		return CondLT
	case CondLE:
		return CondGT
	case CondGT:
		return CondLE
	case CondLTU:
		return CondGEU
	case CondGEU:
		return CondLTU
	case CondLEU:
		return CondGTU
	case CondGTU:
		return CondLEU
	}
	return c
}

// Swap returns the predicate with its operands exchanged.
func (c Cond) Swap() Cond {
	switch c {
	case CondLT:
		return CondGT
	case CondGT:
		return CondLT
	case CondLE:
		return CondGE
	case CondGE:
		return CondLE
	case CondLTU:
		return CondGTU
	case CondGTU:
		return CondLTU
	case CondLEU:
		return CondGEU
	case CondGEU:
		return CondLEU
	}
	return c
}

// MemOp is the side-table data of a guest memory access: size, sign,
// endianness, alignment requirement and soft-MMU mode, packed so it can
// travel in an exit word.
type MemOp uint32

const (
	MemSizeMask MemOp = 0x3 // log2 of the access size
	MemSigned   MemOp = 1 << 2
	MemBE       MemOp = 1 << 3
	MemAlign    MemOp = 1 << 4 // fault on a misaligned address
	memMMUShift       = 5
	memMMUMask  MemOp = 0x3 << memMMUShift
)

const (
	MemU8  MemOp = 0
	MemU16 MemOp = 1
	MemU32 MemOp = 2
	MemU64 MemOp = 3
	MemS8        = MemU8 | MemSigned
	MemS16       = MemU16 | MemSigned
	MemS32       = MemU32 | MemSigned
)

// WithMMU returns m targeting soft-MMU mode idx.
func (m MemOp) WithMMU(idx int) MemOp {
	return m&^memMMUMask | MemOp(idx)<<memMMUShift&memMMUMask
}

func (m MemOp) SizeLog2() int   { return int(m & MemSizeMask) }
func (m MemOp) Size() int       { return 1 << (m & MemSizeMask) }
func (m MemOp) Signed() bool    { return m&MemSigned != 0 }
func (m MemOp) BigEndian() bool { return m&MemBE != 0 }
func (m MemOp) Aligned() bool   { return m&MemAlign != 0 }
func (m MemOp) MMUIndex() int   { return int(m&memMMUMask) >> memMMUShift }

// AlignMask is the address bits that must be clear for an aligned access.
func (m MemOp) AlignMask() uint64 {
	return uint64(m.Size() - 1)
}

func (m MemOp) String() string {
	s := "u"
	if m.Signed() {
		s = "s"
	}
	e := "le"
	if m.BigEndian() {
		e = "be"
	}
	a := ""
	if m.Aligned() {
		a = ",al"
	}
	return fmt.Sprintf("%s%d%s,mmu%d%s", s, m.Size()*8, e, m.MMUIndex(), a)
}

// Extend normalizes a raw little-endian value of m's size to 64 bits.
func (m MemOp) Extend(v uint64) uint64 {
	switch m.Size() {
	case 1:
		if m.Signed() {
			return uint64(int64(int8(v)))
		}
		return uint64(uint8(v))
	case 2:
		if m.Signed() {
			return uint64(int64(int16(v)))
		}
		return uint64(uint16(v))
	case 4:
		if m.Signed() {
			return uint64(int64(int32(v)))
		}
		return uint64(uint32(v))
	}
	return v
}

// ExitKind says why a block handed control back to the dispatcher.
type ExitKind uint8

const (
	ExitNext      ExitKind = iota // Env.PC holds the next guest pc
	ExitChain                     // like ExitNext, and the goto_tb slot in the arg may be linked
	ExitException                 // arg is the types.FaultCause; Env.PC is the faulting pc
	ExitDebug                     // breakpoint or single-step stop; Env.PC is the stop pc
)

func (k ExitKind) String() string {
	switch k {
	case ExitNext:
		return "next"
	case ExitChain:
		return "chain"
	case ExitException:
		return "exception"
	case ExitDebug:
		return "debug"
	}
	return fmt.Sprintf("exit%d", uint8(k))
}
