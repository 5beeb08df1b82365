package riscv

import (
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/types"
)

// Integer arithmetic code generation

var opImmOps = [8]ir.Opcode{0: ir.OpAdd, 4: ir.OpXor, 6: ir.OpOr, 7: ir.OpAnd}

var opRegOps = map[[2]uint32]ir.Opcode{
	{0, 0}: ir.OpAdd, {0x20, 0}: ir.OpSub,
	{0, 1}: ir.OpShl, {0, 4}: ir.OpXor,
	{0, 5}: ir.OpShr, {0x20, 5}: ir.OpSar,
	{0, 6}: ir.OpOr, {0, 7}: ir.OpAnd,
	{1, 0}: ir.OpMul,
}

// emitOpImm: rd = rs1 <op> imm
func (t *translator) emitOpImm(i insn) {
	rd, rs1, imm := t.dst(i.rd()), t.reg(i.rs1()), i.immI()
	switch f3 := i.funct3(); f3 {
	case 0, 4, 6, 7:
		t.c.Binary(opImmOps[f3], rd, rs1, ir.CI(imm))
	case 2: // slti
		t.c.SetCond(ir.CondLT, rd, rs1, ir.CI(imm))
	case 3: // sltiu
		t.c.SetCond(ir.CondLTU, rd, rs1, ir.CI(imm))
	case 1: // slli
		if i.funct7()>>1 != 0 {
			t.raise(types.FaultIllegalInstruction)
			return
		}
		t.c.Binary(ir.OpShl, rd, rs1, ir.C(uint64(i.shamt())))
	case 5: // srli, srai
		switch i.funct7() >> 1 {
		case 0:
			t.c.Binary(ir.OpShr, rd, rs1, ir.C(uint64(i.shamt())))
		case 0x10:
			t.c.Binary(ir.OpSar, rd, rs1, ir.C(uint64(i.shamt())))
		default:
			t.raise(types.FaultIllegalInstruction)
		}
	}
}

// emitOpImm32: rd = sext32(rs1 <op> imm)
func (t *translator) emitOpImm32(i insn) {
	rd, rs1 := t.dst(i.rd()), t.reg(i.rs1())
	sh := ir.C(uint64(i.rs2()))
	tmp := t.c.NewTemp()
	switch {
	case i.funct3() == 0: // addiw
		t.c.Binary(ir.OpAdd, tmp, rs1, ir.CI(i.immI()))
	case i.funct3() == 1 && i.funct7() == 0: // slliw
		t.c.Binary(ir.OpShl, tmp, rs1, sh)
	case i.funct3() == 5 && i.funct7() == 0: // srliw
		t.c.Unary(ir.OpExtU32, tmp, rs1)
		t.c.Binary(ir.OpShr, tmp, ir.T(tmp), sh)
	case i.funct3() == 5 && i.funct7() == 0x20: // sraiw
		t.c.Unary(ir.OpExtS32, tmp, rs1)
		t.c.Binary(ir.OpSar, tmp, ir.T(tmp), sh)
	default:
		t.raise(types.FaultIllegalInstruction)
		return
	}
	t.c.Unary(ir.OpExtS32, rd, ir.T(tmp))
}

// emitOp: rd = rs1 <op> rs2
func (t *translator) emitOp(i insn) {
	rd, rs1, rs2 := t.dst(i.rd()), t.reg(i.rs1()), t.reg(i.rs2())
	f3, f7 := i.funct3(), i.funct7()
	if op, ok := opRegOps[[2]uint32{f7, f3}]; ok {
		t.c.Binary(op, rd, rs1, rs2)
		return
	}
	switch {
	case f7 == 0 && f3 == 2: // slt
		t.c.SetCond(ir.CondLT, rd, rs1, rs2)
	case f7 == 0 && f3 == 3: // sltu
		t.c.SetCond(ir.CondLTU, rd, rs1, rs2)
	case f7 == 1:
		h := t.d.helpers
		fns := [8]ir.HelperID{1: h.mulh, 2: h.mulhsu, 3: h.mulhu, 4: h.div, 5: h.divu, 6: h.rem, 7: h.remu}
		t.c.Call(fns[f3], rd, rs1, rs2)
	default:
		t.raise(types.FaultIllegalInstruction)
	}
}

// emitOp32: rd = sext32(rs1 <op> rs2), shifts by rs2 & 31
func (t *translator) emitOp32(i insn) {
	rd, rs1, rs2 := t.dst(i.rd()), t.reg(i.rs1()), t.reg(i.rs2())
	f3, f7 := i.funct3(), i.funct7()
	if f7 == 1 {
		h := t.d.helpers
		var fn ir.HelperID
		switch f3 {
		case 0: // mulw
			tmp := t.c.NewTemp()
			t.c.Binary(ir.OpMul, tmp, rs1, rs2)
			t.c.Unary(ir.OpExtS32, rd, ir.T(tmp))
			return
		case 4:
			fn = h.divw
		case 5:
			fn = h.divuw
		case 6:
			fn = h.remw
		case 7:
			fn = h.remuw
		default:
			t.raise(types.FaultIllegalInstruction)
			return
		}
		t.c.Call(fn, rd, rs1, rs2)
		return
	}

	tmp := t.c.NewTemp()
	shift := func() ir.Value {
		sh := t.c.NewTemp()
		t.c.Binary(ir.OpAnd, sh, rs2, ir.C(31))
		return ir.T(sh)
	}
	switch {
	case f7 == 0 && f3 == 0: // addw
		t.c.Binary(ir.OpAdd, tmp, rs1, rs2)
	case f7 == 0x20 && f3 == 0: // subw
		t.c.Binary(ir.OpSub, tmp, rs1, rs2)
	case f7 == 0 && f3 == 1: // sllw
		t.c.Binary(ir.OpShl, tmp, rs1, shift())
	case f7 == 0 && f3 == 5: // srlw
		sh := shift()
		t.c.Unary(ir.OpExtU32, tmp, rs1)
		t.c.Binary(ir.OpShr, tmp, ir.T(tmp), sh)
	case f7 == 0x20 && f3 == 5: // sraw
		sh := shift()
		t.c.Unary(ir.OpExtS32, tmp, rs1)
		t.c.Binary(ir.OpSar, tmp, ir.T(tmp), sh)
	default:
		t.raise(types.FaultIllegalInstruction)
		return
	}
	t.c.Unary(ir.OpExtS32, rd, ir.T(tmp))
}
