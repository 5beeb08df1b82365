package riscv

// Major opcodes (bits 0..6).
const (
	opLoad    = 0x03
	opMiscMem = 0x0f
	opImm     = 0x13
	opAUIPC   = 0x17
	opImm32   = 0x1b
	opStore   = 0x23
	opReg     = 0x33
	opLUI     = 0x37
	opReg32   = 0x3b
	opBranch  = 0x63
	opJALR    = 0x67
	opJAL     = 0x6f
	opSystem  = 0x73
)

const (
	insnECALL  = 0x00000073
	insnEBREAK = 0x00100073
)

// insn is one decoded 32-bit instruction word.
type insn uint32

func (i insn) opcode() uint32 { return uint32(i) & 0x7f }
func (i insn) rd() uint32 { return uint32(i) >> 7 & 0x1f }
func (i insn) funct3() uint32 { return uint32(i) >> 12 & 0x7 }
func (i insn) rs1() uint32 { return uint32(i) >> 15 & 0x1f }
func (i insn) rs2() uint32 { return uint32(i) >> 20 & 0x1f }
func (i insn) funct7() uint32 { return uint32(i) >> 25 }

// immI: sign-extended bits 20..31
func (i insn) immI() int64 { return int64(int32(i) >> 20) }

// immS: sign-extended {31..25, 11..7}
func (i insn) immS() int64 {
	return int64(int32(i)>>25<<5) | int64(i>>7&0x1f)
}

// immB: sign-extended {31, 7, 30..25, 11..8, 0}
func (i insn) immB() int64 {
	v := int64(int32(i)>>31) << 12
	v |= int64(i>>7&1) << 11
	v |= int64(i>>25&0x3f) << 5
	v |= int64(i>>8&0xf) << 1
	return v
}

// immU: bits 12..31, sign-extended to 64
func (i insn) immU() int64 { return int64(int32(i) &^ 0xfff) }

// immJ: sign-extended {31, 19..12, 20, 30..21, 0}
func (i insn) immJ() int64 {
	v := int64(int32(i)>>31) << 20
	v |= int64(i>>12&0xff) << 12
	v |= int64(i>>20&1) << 11
	v |= int64(i>>21&0x3ff) << 1
	return v
}

// shamt: 6-bit shift amount of the 64-bit immediate shifts
func (i insn) shamt() uint32 { return uint32(i) >> 20 & 0x3f }
