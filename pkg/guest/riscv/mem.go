package riscv

import (
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/types"
)

// Load and store code generation

var loadOps = [8]ir.MemOp{
	0: ir.MemS8, 1: ir.MemS16, 2: ir.MemS32, 3: ir.MemU64,
	4: ir.MemU8, 5: ir.MemU16, 6: ir.MemU32,
}

// address returns rs1 + imm, folding imm 0 away.
func (t *translator) address(rs1 uint32, imm int64) ir.Value {
	base := t.reg(rs1)
	if imm == 0 {
		return base
	}
	if !base.IsTemp() {
		return ir.C(base.Imm + uint64(imm))
	}
	addr := t.c.NewTemp()
	t.c.Binary(ir.OpAdd, addr, base, ir.CI(imm))
	return ir.T(addr)
}

// emitLoad: rd = mem[rs1 + imm], sign or zero extended
func (t *translator) emitLoad(i insn) {
	f3 := i.funct3()
	if f3 == 7 {
		t.raise(types.FaultIllegalInstruction)
		return
	}
	addr := t.address(i.rs1(), i.immI())
	t.c.Ld(t.dst(i.rd()), addr, loadOps[f3]|t.mem)
}

// emitStore: mem[rs1 + imm] = rs2
func (t *translator) emitStore(i insn) {
	f3 := i.funct3()
	if f3 > 3 {
		t.raise(types.FaultIllegalInstruction)
		return
	}
	addr := t.address(i.rs1(), i.immS())
	t.c.St(t.reg(i.rs2()), addr, ir.MemOp(f3)|t.mem)
}
