package amd64

import (
	"github.com/ascrivener/dbt/pkg/codebuf"
)

// Reg is an x86-64 general purpose register number.
type Reg byte

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

// Condition codes as used in the low nibble of Jcc and SETcc.
type CC byte

const (
	CCB  CC = 0x2 // below (unsigned <)
	CCAE CC = 0x3 // above or equal (unsigned >=)
	CCE  CC = 0x4
	CCNE CC = 0x5
	CCBE CC = 0x6 // below or equal (unsigned <=)
	CCA  CC = 0x7 // above (unsigned >)
	CCL  CC = 0xC // less (signed <)
	CCGE CC = 0xD
	CCLE CC = 0xE
	CCG  CC = 0xF
)

// Assembler emits x86-64 machine code into a codebuf.Writer.
type Assembler struct {
	w *codebuf.Writer
}

func NewAssembler(w *codebuf.Writer) *Assembler {
	return &Assembler{w: w}
}

// Offset returns the current arena offset.
func (a *Assembler) Offset() int {
	return a.w.Offset()
}

func (a *Assembler) emit(bytes ...byte) {
	a.w.Emit(bytes...)
}

func (a *Assembler) emitInt32(v int32) {
	a.w.Emit32(uint32(v))
}

// rex builds REX prefix: 0100WRXB
// W=1 for 64-bit operand size
// R=1 if reg field uses R8-R15
// X=1 if SIB index uses R8-R15
// B=1 if rm field uses R8-R15
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// rexW returns REX.W prefix for 64-bit operations
func rexW(reg, rm Reg) byte {
	return rex(true, reg >= 8, false, rm >= 8)
}

// rex32 emits a REX prefix for a 32-bit or narrower operation only when one
// is needed. byteRegs forces it so SPL/BPL/SIL/DIL are addressable.
func (a *Assembler) rex32(reg, rm Reg, byteRegs bool) {
	if reg >= 8 || rm >= 8 || (byteRegs && (reg >= RSP || rm >= RSP)) {
		a.emit(rex(false, reg >= 8, false, rm >= 8))
	}
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
// mod should be pre-shifted: 0x00=no disp, 0x40=disp8, 0x80=disp32, 0xC0=register
func modRM(mod byte, reg, rm Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

// emitMemOperand emits ModR/M and displacement for [base + disp]
func (a *Assembler) emitMemOperand(reg, base Reg, disp int32) {
	if base == RSP || base == R12 {
		if disp == 0 {
			a.emit(modRM(0x00, reg, RSP), 0x24)
		} else if disp >= -128 && disp <= 127 {
			a.emit(modRM(0x40, reg, RSP), 0x24, byte(disp))
		} else {
			a.emit(modRM(0x80, reg, RSP), 0x24)
			a.emitInt32(disp)
		}
	} else if base == RBP || base == R13 {
		if disp >= -128 && disp <= 127 {
			a.emit(modRM(0x40, reg, base), byte(disp))
		} else {
			a.emit(modRM(0x80, reg, base))
			a.emitInt32(disp)
		}
	} else if disp == 0 {
		a.emit(modRM(0x00, reg, base))
	} else if disp >= -128 && disp <= 127 {
		a.emit(modRM(0x40, reg, base), byte(disp))
	} else {
		a.emit(modRM(0x80, reg, base))
		a.emitInt32(disp)
	}
}

// MovRegReg: mov dst, src (64-bit)
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.emit(rexW(src, dst), 0x89, modRM(0xC0, src, dst))
}

// MovRegReg32: mov dst32, src32 (zero-extends to 64-bit)
func (a *Assembler) MovRegReg32(dst, src Reg) {
	a.rex32(src, dst, false)
	a.emit(0x89, modRM(0xC0, src, dst))
}

// MovRegImm64: mov reg, imm64
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	a.emit(rex(true, false, false, reg >= 8), 0xB8|byte(reg&7))
	a.w.Emit64(imm)
}

// MovRegImm32: mov reg32, imm32 (zero-extends to 64-bit)
func (a *Assembler) MovRegImm32(reg Reg, imm uint32) {
	a.rex32(0, reg, false)
	a.emit(0xB8 | byte(reg&7))
	a.w.Emit32(imm)
}

// MovRegImm32SignExt: mov reg, imm32 (sign-extended to 64-bit)
func (a *Assembler) MovRegImm32SignExt(reg Reg, imm int32) {
	a.emit(rex(true, false, false, reg >= 8), 0xC7, modRM(0xC0, 0, reg))
	a.emitInt32(imm)
}

// MovRegImm picks the shortest encoding that loads imm.
func (a *Assembler) MovRegImm(reg Reg, imm uint64) {
	switch {
	case imm == 0:
		a.XorRegReg32(reg, reg)
	case imm <= 0xffffffff:
		a.MovRegImm32(reg, uint32(imm))
	case int64(imm) >= -1<<31 && int64(imm) < 1<<31:
		a.MovRegImm32SignExt(reg, int32(imm))
	default:
		a.MovRegImm64(reg, imm)
	}
}

// MovRegMem64: mov reg, [base + disp] (64-bit load)
func (a *Assembler) MovRegMem64(reg, base Reg, disp int32) {
	a.emit(rexW(reg, base), 0x8B)
	a.emitMemOperand(reg, base, disp)
}

// MovMemReg64: mov [base + disp], reg (64-bit store)
func (a *Assembler) MovMemReg64(base Reg, disp int32, reg Reg) {
	a.emit(rexW(reg, base), 0x89)
	a.emitMemOperand(reg, base, disp)
}

// MovMemImm32: mov qword [base + disp], imm32 (sign-extended)
func (a *Assembler) MovMemImm32(base Reg, disp int32, imm int32) {
	a.emit(rexW(0, base), 0xC7)
	a.emitMemOperand(0, base, disp)
	a.emitInt32(imm)
}

// MovRegMem8: movzx reg, byte [base + disp]
func (a *Assembler) MovRegMem8(reg, base Reg, disp int32) {
	a.emit(rexW(reg, base), 0x0F, 0xB6)
	a.emitMemOperand(reg, base, disp)
}

// MovRegMem8Signed: movsx reg, byte [base + disp]
func (a *Assembler) MovRegMem8Signed(reg, base Reg, disp int32) {
	a.emit(rexW(reg, base), 0x0F, 0xBE)
	a.emitMemOperand(reg, base, disp)
}

// MovRegMem16: movzx reg, word [base + disp]
func (a *Assembler) MovRegMem16(reg, base Reg, disp int32) {
	a.emit(rexW(reg, base), 0x0F, 0xB7)
	a.emitMemOperand(reg, base, disp)
}

// MovRegMem16Signed: movsx reg, word [base + disp]
func (a *Assembler) MovRegMem16Signed(reg, base Reg, disp int32) {
	a.emit(rexW(reg, base), 0x0F, 0xBF)
	a.emitMemOperand(reg, base, disp)
}

// MovRegMem32: mov reg32, [base + disp] (zero-extends to 64-bit)
func (a *Assembler) MovRegMem32(reg, base Reg, disp int32) {
	a.rex32(reg, base, false)
	a.emit(0x8B)
	a.emitMemOperand(reg, base, disp)
}

// MovRegMem32Signed: movsxd reg, dword [base + disp]
func (a *Assembler) MovRegMem32Signed(reg, base Reg, disp int32) {
	a.emit(rexW(reg, base), 0x63)
	a.emitMemOperand(reg, base, disp)
}

// MovMem8Reg: mov byte [base + disp], reg
func (a *Assembler) MovMem8Reg(base Reg, disp int32, reg Reg) {
	a.rex32(reg, base, true)
	a.emit(0x88)
	a.emitMemOperand(reg, base, disp)
}

// MovMem16Reg: mov word [base + disp], reg
func (a *Assembler) MovMem16Reg(base Reg, disp int32, reg Reg) {
	a.emit(0x66)
	a.rex32(reg, base, false)
	a.emit(0x89)
	a.emitMemOperand(reg, base, disp)
}

// MovMem32Reg: mov dword [base + disp], reg
func (a *Assembler) MovMem32Reg(base Reg, disp int32, reg Reg) {
	a.rex32(reg, base, false)
	a.emit(0x89)
	a.emitMemOperand(reg, base, disp)
}

// Movsx8, Movzx8, Movsx16, Movzx16, Movsxd: register extensions to 64-bit.
func (a *Assembler) Movsx8(dst, src Reg) {
	a.emit(rexW(dst, src), 0x0F, 0xBE, modRM(0xC0, dst, src))
}

func (a *Assembler) Movzx8(dst, src Reg) {
	a.emit(rexW(dst, src), 0x0F, 0xB6, modRM(0xC0, dst, src))
}

func (a *Assembler) Movsx16(dst, src Reg) {
	a.emit(rexW(dst, src), 0x0F, 0xBF, modRM(0xC0, dst, src))
}

func (a *Assembler) Movzx16(dst, src Reg) {
	a.emit(rexW(dst, src), 0x0F, 0xB7, modRM(0xC0, dst, src))
}

func (a *Assembler) Movsxd(dst, src Reg) {
	a.emit(rexW(dst, src), 0x63, modRM(0xC0, dst, src))
}

// aluOp is the /digit of the 0x81/0x83 group; the reg-reg opcode is digit*8+1.
type aluOp byte

const (
	aluAdd aluOp = 0
	aluOr  aluOp = 1
	aluAnd aluOp = 4
	aluSub aluOp = 5
	aluXor aluOp = 6
	aluCmp aluOp = 7
)

// AluRegReg: op dst, src (64-bit)
func (a *Assembler) AluRegReg(op aluOp, dst, src Reg) {
	a.emit(rexW(src, dst), byte(op)<<3|0x01, modRM(0xC0, src, dst))
}

// AluRegImm32: op reg, imm32 (64-bit, sign-extended)
func (a *Assembler) AluRegImm32(op aluOp, reg Reg, imm int32) {
	if imm >= -128 && imm <= 127 {
		a.emit(rexW(0, reg), 0x83, modRM(0xC0, Reg(op), reg), byte(imm))
	} else {
		a.emit(rexW(0, reg), 0x81, modRM(0xC0, Reg(op), reg))
		a.emitInt32(imm)
	}
}

// AluRegMem64: op reg, [base + disp] (64-bit)
func (a *Assembler) AluRegMem64(op aluOp, reg, base Reg, disp int32) {
	a.emit(rexW(reg, base), byte(op)<<3|0x03)
	a.emitMemOperand(reg, base, disp)
}

// CmpMem32Imm8: cmp dword [base + disp], imm8
func (a *Assembler) CmpMem32Imm8(base Reg, disp int32, imm int8) {
	a.rex32(0, base, false)
	a.emit(0x83)
	a.emitMemOperand(Reg(aluCmp), base, disp)
	a.emit(byte(imm))
}

// XorRegReg32: xor dst32, src32
func (a *Assembler) XorRegReg32(dst, src Reg) {
	a.rex32(src, dst, false)
	a.emit(0x31, modRM(0xC0, src, dst))
}

// IMulRegReg: imul dst, src (64-bit signed multiply)
func (a *Assembler) IMulRegReg(dst, src Reg) {
	a.emit(rexW(dst, src), 0x0F, 0xAF, modRM(0xC0, dst, src))
}

// IMulRegRegImm32: imul dst, src, imm32
func (a *Assembler) IMulRegRegImm32(dst, src Reg, imm int32) {
	if imm >= -128 && imm <= 127 {
		a.emit(rexW(dst, src), 0x6B, modRM(0xC0, dst, src), byte(imm))
	} else {
		a.emit(rexW(dst, src), 0x69, modRM(0xC0, dst, src))
		a.emitInt32(imm)
	}
}

// NotReg: not reg (64-bit)
func (a *Assembler) NotReg(reg Reg) {
	a.emit(rexW(0, reg), 0xF7, modRM(0xC0, 2, reg))
}

// NegReg: neg reg (64-bit)
func (a *Assembler) NegReg(reg Reg) {
	a.emit(rexW(0, reg), 0xF7, modRM(0xC0, 3, reg))
}

// shiftOp is the /digit of the shift group.
type shiftOp byte

const (
	shiftShl shiftOp = 4
	shiftShr shiftOp = 5
	shiftSar shiftOp = 7
)

// ShiftRegCL: shl/shr/sar reg, cl (64-bit)
func (a *Assembler) ShiftRegCL(op shiftOp, reg Reg) {
	a.emit(rexW(0, reg), 0xD3, modRM(0xC0, Reg(op), reg))
}

// ShiftRegImm8: shl/shr/sar reg, imm8 (64-bit)
func (a *Assembler) ShiftRegImm8(op shiftOp, reg Reg, imm byte) {
	if imm == 1 {
		a.emit(rexW(0, reg), 0xD1, modRM(0xC0, Reg(op), reg))
	} else {
		a.emit(rexW(0, reg), 0xC1, modRM(0xC0, Reg(op), reg), imm)
	}
}

// Setcc: set byte reg if cc
func (a *Assembler) Setcc(cc CC, reg Reg) {
	a.rex32(0, reg, true)
	a.emit(0x0F, 0x90|byte(cc), modRM(0xC0, 0, reg))
}

// Bswap: bswap reg (64-bit)
func (a *Assembler) Bswap(reg Reg) {
	a.emit(rexW(0, reg), 0x0F, 0xC8|byte(reg&7))
}

// JccNear emits jcc rel32 and returns the offset of the rel32 field.
func (a *Assembler) JccNear(cc CC, rel32 int32) int {
	a.emit(0x0F, 0x80|byte(cc))
	at := a.Offset()
	a.emitInt32(rel32)
	return at
}

// JmpRel32 emits jmp rel32 and returns the offset of the rel32 field.
func (a *Assembler) JmpRel32(rel32 int32) int {
	a.emit(0xE9)
	at := a.Offset()
	a.emitInt32(rel32)
	return at
}

// JmpTo emits a jmp to an already known arena offset.
func (a *Assembler) JmpTo(target int) {
	a.JmpRel32(int32(target - (a.Offset() + 5)))
}

// JmpReg: jmp reg
func (a *Assembler) JmpReg(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modRM(0xC0, 4, reg))
}

// Ret: ret
func (a *Assembler) Ret() {
	a.emit(0xC3)
}

// Push: push reg
func (a *Assembler) Push(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x50 | byte(reg&7))
}

// Pop: pop reg
func (a *Assembler) Pop(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x58 | byte(reg&7))
}

// Nop pads with one-byte nops until Offset()+n is a multiple of align.
func (a *Assembler) Nop(n, align int) {
	for (a.Offset()+n)%align != 0 {
		a.emit(0x90)
	}
}
