package arm64

import (
	"github.com/ascrivener/dbt/pkg/codebuf"
)

// Reg is an AArch64 general purpose register number. 31 is XZR or SP
// depending on the instruction.
type Reg uint32

const (
	X0  Reg = 0
	X1  Reg = 1
	X15 Reg = 15
	X16 Reg = 16
	X17 Reg = 17
	X19 Reg = 19
	X29 Reg = 29
	X30 Reg = 30
	XZR Reg = 31
	SP  Reg = 31
)

// Cond is an AArch64 condition code.
type Cond uint32

const (
	CondEQ Cond = 0x0
	CondNE Cond = 0x1
	CondHS Cond = 0x2 // unsigned >=
	CondLO Cond = 0x3 // unsigned <
	CondHI Cond = 0x8 // unsigned >
	CondLS Cond = 0x9 // unsigned <=
	CondGE Cond = 0xA
	CondLT Cond = 0xB
	CondGT Cond = 0xC
	CondLE Cond = 0xD
)

// Assembler emits AArch64 instructions into a codebuf.Writer.
type Assembler struct {
	w *codebuf.Writer
}

func NewAssembler(w *codebuf.Writer) *Assembler {
	return &Assembler{w: w}
}

// Offset returns the arena offset of the next instruction.
func (a *Assembler) Offset() int {
	return a.w.Offset()
}

func (a *Assembler) emit(inst uint32) {
	a.w.Emit32(inst)
}

func rdn(rd, rn Reg) uint32 {
	return uint32(rn&0x1f)<<5 | uint32(rd&0x1f)
}

func rdnm(rd, rn, rm Reg) uint32 {
	return uint32(rm&0x1f)<<16 | rdn(rd, rn)
}

// === Immediate loading ===

// MovZ emits MOVZ Xd, #imm16, LSL #shift (shift=0,16,32,48)
func (a *Assembler) MovZ(rd Reg, imm16 uint16, shift int) {
	a.emit(0xD2800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd&0x1f))
}

// MovK emits MOVK Xd, #imm16, LSL #shift
func (a *Assembler) MovK(rd Reg, imm16 uint16, shift int) {
	a.emit(0xF2800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd&0x1f))
}

// MovN emits MOVN Xd, #imm16, LSL #shift (move wide with NOT)
func (a *Assembler) MovN(rd Reg, imm16 uint16, shift int) {
	a.emit(0x92800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd&0x1f))
}

// LoadImm loads val into rd with as few instructions as it can.
func (a *Assembler) LoadImm(rd Reg, val uint64) {
	for shift := 0; shift < 64; shift += 16 {
		if val&^(0xFFFF<<uint(shift)) == 0 {
			a.MovZ(rd, uint16(val>>uint(shift)), shift)
			return
		}
	}
	inv := ^val
	for shift := 0; shift < 64; shift += 16 {
		if inv&^(0xFFFF<<uint(shift)) == 0 {
			a.MovN(rd, uint16(inv>>uint(shift)), shift)
			return
		}
	}
	first := true
	for shift := 0; shift < 64; shift += 16 {
		chunk := uint16(val >> uint(shift))
		if chunk == 0 {
			continue
		}
		if first {
			a.MovZ(rd, chunk, shift)
			first = false
		} else {
			a.MovK(rd, chunk, shift)
		}
	}
}

// LoadImm32Fixed loads a 32-bit value in exactly two instructions.
func (a *Assembler) LoadImm32Fixed(rd Reg, val uint32) {
	a.MovZ(rd, uint16(val), 0)
	a.MovK(rd, uint16(val>>16), 16)
}

// === Arithmetic and logic ===

// AddRR emits ADD Xd, Xn, Xm
func (a *Assembler) AddRR(rd, rn, rm Reg) { a.emit(0x8B000000 | rdnm(rd, rn, rm)) }

// AddRRLsl emits ADD Xd, Xn, Xm, LSL #shift
func (a *Assembler) AddRRLsl(rd, rn, rm Reg, shift uint32) {
	a.emit(0x8B000000 | (shift&0x3F)<<10 | rdnm(rd, rn, rm))
}

// SubRR emits SUB Xd, Xn, Xm
func (a *Assembler) SubRR(rd, rn, rm Reg) { a.emit(0xCB000000 | rdnm(rd, rn, rm)) }

// AddImm emits ADD Xd, Xn, #imm12
func (a *Assembler) AddImm(rd, rn Reg, imm12 uint32) {
	a.emit(0x91000000 | (imm12&0xFFF)<<10 | rdn(rd, rn))
}

// SubImm emits SUB Xd, Xn, #imm12
func (a *Assembler) SubImm(rd, rn Reg, imm12 uint32) {
	a.emit(0xD1000000 | (imm12&0xFFF)<<10 | rdn(rd, rn))
}

// Mul emits MUL Xd, Xn, Xm (alias for MADD Xd, Xn, Xm, XZR)
func (a *Assembler) Mul(rd, rn, rm Reg) { a.emit(0x9B007C00 | rdnm(rd, rn, rm)) }

// AndRR emits AND Xd, Xn, Xm
func (a *Assembler) AndRR(rd, rn, rm Reg) { a.emit(0x8A000000 | rdnm(rd, rn, rm)) }

// OrrRR emits ORR Xd, Xn, Xm
func (a *Assembler) OrrRR(rd, rn, rm Reg) { a.emit(0xAA000000 | rdnm(rd, rn, rm)) }

// EorRR emits EOR Xd, Xn, Xm
func (a *Assembler) EorRR(rd, rn, rm Reg) { a.emit(0xCA000000 | rdnm(rd, rn, rm)) }

// Mov emits MOV Xd, Xm (ORR Xd, XZR, Xm)
func (a *Assembler) Mov(rd, rm Reg) { a.OrrRR(rd, XZR, rm) }

// Neg emits NEG Xd, Xm (SUB Xd, XZR, Xm)
func (a *Assembler) Neg(rd, rm Reg) { a.SubRR(rd, XZR, rm) }

// Mvn emits MVN Xd, Xm (ORN Xd, XZR, Xm)
func (a *Assembler) Mvn(rd, rm Reg) { a.emit(0xAA200000 | rdnm(rd, XZR, rm)) }

// LslRR, LsrRR, AsrRR emit the variable shifts; the count is taken mod 64.
func (a *Assembler) LslRR(rd, rn, rm Reg) { a.emit(0x9AC02000 | rdnm(rd, rn, rm)) }

func (a *Assembler) LsrRR(rd, rn, rm Reg) { a.emit(0x9AC02400 | rdnm(rd, rn, rm)) }

func (a *Assembler) AsrRR(rd, rn, rm Reg) { a.emit(0x9AC02800 | rdnm(rd, rn, rm)) }

// Ubfm emits UBFM Xd, Xn, #immr, #imms
func (a *Assembler) Ubfm(rd, rn Reg, immr, imms uint32) {
	a.emit(0xD3400000 | (immr&0x3F)<<16 | (imms&0x3F)<<10 | rdn(rd, rn))
}

// Sbfm emits SBFM Xd, Xn, #immr, #imms
func (a *Assembler) Sbfm(rd, rn Reg, immr, imms uint32) {
	a.emit(0x93400000 | (immr&0x3F)<<16 | (imms&0x3F)<<10 | rdn(rd, rn))
}

// LslImm emits LSL Xd, Xn, #shift (UBFM Xd, Xn, #(64-shift), #(63-shift))
func (a *Assembler) LslImm(rd, rn Reg, shift uint32) {
	a.Ubfm(rd, rn, (64-shift)&0x3F, (63-shift)&0x3F)
}

// LsrImm emits LSR Xd, Xn, #shift (UBFM Xd, Xn, #shift, #63)
func (a *Assembler) LsrImm(rd, rn Reg, shift uint32) { a.Ubfm(rd, rn, shift, 63) }

// AsrImm emits ASR Xd, Xn, #shift (SBFM Xd, Xn, #shift, #63)
func (a *Assembler) AsrImm(rd, rn Reg, shift uint32) { a.Sbfm(rd, rn, shift, 63) }

// Sxtb, Sxth, Sxtw sign-extend into Xd.
func (a *Assembler) Sxtb(rd, rn Reg) { a.Sbfm(rd, rn, 0, 7) }

func (a *Assembler) Sxth(rd, rn Reg) { a.Sbfm(rd, rn, 0, 15) }

func (a *Assembler) Sxtw(rd, rn Reg) { a.Sbfm(rd, rn, 0, 31) }

// Uxtb, Uxth, Uxtw zero-extend into Xd.
func (a *Assembler) Uxtb(rd, rn Reg) { a.Ubfm(rd, rn, 0, 7) }

func (a *Assembler) Uxth(rd, rn Reg) { a.Ubfm(rd, rn, 0, 15) }

func (a *Assembler) Uxtw(rd, rn Reg) { a.Ubfm(rd, rn, 0, 31) }

// Rev emits REV Xd, Xn (byte reverse)
func (a *Assembler) Rev(rd, rn Reg) { a.emit(0xDAC00C00 | rdn(rd, rn)) }

// === Compare ===

// CmpRR emits CMP Xn, Xm (SUBS XZR, Xn, Xm)
func (a *Assembler) CmpRR(rn, rm Reg) { a.emit(0xEB000000 | rdnm(XZR, rn, rm)) }

// CmpImm emits CMP Xn, #imm12
func (a *Assembler) CmpImm(rn Reg, imm12 uint32) {
	a.emit(0xF1000000 | (imm12&0xFFF)<<10 | rdn(XZR, rn))
}

// CmnImm emits CMN Xn, #imm12 (ADDS XZR, Xn, #imm12)
func (a *Assembler) CmnImm(rn Reg, imm12 uint32) {
	a.emit(0xB1000000 | (imm12&0xFFF)<<10 | rdn(XZR, rn))
}

// Cset emits CSET Xd, cond (CSINC Xd, XZR, XZR, invert(cond))
func (a *Assembler) Cset(rd Reg, cond Cond) {
	a.emit(0x9A9F07E0 | uint32(cond^1)<<12 | uint32(rd&0x1f))
}

// === Memory ===

// Unsigned scaled-offset load/store opcodes, by access size.
const (
	opStrb  uint32 = 0x39000000
	opLdrb  uint32 = 0x39400000
	opLdrsb uint32 = 0x39800000 // to X
	opStrh  uint32 = 0x79000000
	opLdrh  uint32 = 0x79400000
	opLdrsh uint32 = 0x79800000 // to X
	opStrW  uint32 = 0xB9000000
	opLdrW  uint32 = 0xB9400000
	opLdrsw uint32 = 0xB9800000
	opStrX  uint32 = 0xF9000000
	opLdrX  uint32 = 0xF9400000
)

// Mem emits a load or store of rt at [rn, #off]. off must be a
// non-negative multiple of scale below 4096*scale.
func (a *Assembler) Mem(op uint32, rt, rn Reg, off int32, scale int32) {
	a.emit(op | uint32(off/scale)<<10 | rdn(rt, rn))
}

// Ldr emits LDR Xt, [Xn, #off]
func (a *Assembler) Ldr(rt, rn Reg, off int32) { a.Mem(opLdrX, rt, rn, off, 8) }

// Str emits STR Xt, [Xn, #off]
func (a *Assembler) Str(rt, rn Reg, off int32) { a.Mem(opStrX, rt, rn, off, 8) }

// LdrW emits LDR Wt, [Xn, #off]
func (a *Assembler) LdrW(rt, rn Reg, off int32) { a.Mem(opLdrW, rt, rn, off, 4) }

// Stp emits STP Xt1, Xt2, [Xn, #off]; PreIndex writes back.
func (a *Assembler) Stp(rt1, rt2, rn Reg, off int32, preIndex bool) {
	op := uint32(0xA9000000)
	if preIndex {
		op = 0xA9800000
	}
	a.emit(op | (uint32(off/8)&0x7F)<<15 | uint32(rt2&0x1f)<<10 | rdn(rt1, rn))
}

// Ldp emits LDP Xt1, Xt2, [Xn, #off]; PostIndex writes back.
func (a *Assembler) Ldp(rt1, rt2, rn Reg, off int32, postIndex bool) {
	op := uint32(0xA9400000)
	if postIndex {
		op = 0xA8C00000
	}
	a.emit(op | (uint32(off/8)&0x7F)<<15 | uint32(rt2&0x1f)<<10 | rdn(rt1, rn))
}

// === Branch ===

// B emits B with a word displacement relative to this instruction and
// returns its offset.
func (a *Assembler) B(delta int32) int {
	at := a.Offset()
	a.emit(0x14000000 | uint32(delta)&0x03FFFFFF)
	return at
}

// BTo emits B to an already known arena offset.
func (a *Assembler) BTo(target int) {
	a.B(int32(target-a.Offset()) / 4)
}

// BCond emits B.cond and returns its offset.
func (a *Assembler) BCond(cond Cond, delta int32) int {
	at := a.Offset()
	a.emit(0x54000000 | (uint32(delta)&0x7FFFF)<<5 | uint32(cond))
	return at
}

// CbnzW emits CBNZ Wt and returns its offset.
func (a *Assembler) CbnzW(rt Reg, delta int32) int {
	at := a.Offset()
	a.emit(0x35000000 | (uint32(delta)&0x7FFFF)<<5 | uint32(rt&0x1f))
	return at
}

// Br emits BR Xn
func (a *Assembler) Br(rn Reg) { a.emit(0xD61F0000 | uint32(rn&0x1f)<<5) }

// Ret emits RET (return via LR, X30)
func (a *Assembler) Ret() { a.emit(0xD65F03C0) }

// patchBranch rewrites the displacement of the B, B.cond or CBNZ at inst so
// it targets delta words away.
func patchBranch(inst uint32, delta int32) uint32 {
	if inst&0xFC000000 == 0x14000000 {
		return inst&0xFC000000 | uint32(delta)&0x03FFFFFF
	}
	return inst&^(0x7FFFF<<5) | (uint32(delta)&0x7FFFF)<<5
}
