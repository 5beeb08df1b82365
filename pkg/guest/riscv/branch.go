package riscv

import (
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/types"
)

// Branch and jump code generation

var branchConds = [8]ir.Cond{
	0: ir.CondEQ, 1: ir.CondNE,
	4: ir.CondLT, 5: ir.CondGE,
	6: ir.CondLTU, 7: ir.CondGEU,
}

// emitBranch: if rs1 <cond> rs2 goto pc+imm, else fall through. Both
// successors leave through their own goto_tb slot.
func (t *translator) emitBranch(i insn) {
	f3 := i.funct3()
	if f3 == 2 || f3 == 3 {
		t.raise(types.FaultIllegalInstruction)
		return
	}
	cond := branchConds[f3]
	target := t.pc + uint64(i.immB())
	next := t.pc + 4
	a, b := t.reg(i.rs1()), t.reg(i.rs2())

	if !a.IsTemp() && !b.IsTemp() {
		if cond.Eval(a.Imm, b.Imm) {
			t.jumpTo(1, target)
		} else {
			t.exitTo(0, next)
		}
		return
	}

	taken := t.c.NewLabel()
	t.c.BrCond(cond, a, b, taken)
	t.exitTo(0, next)
	t.c.SetLabel(taken)
	t.jumpTo(1, target)
}

// jumpTo leaves for a direct target, faulting on a misaligned one.
func (t *translator) jumpTo(slot int, target uint64) {
	if target&3 != 0 {
		t.raise(types.FaultMisalignedFetch)
		return
	}
	t.exitTo(slot, target)
}

// emitJAL: rd = pc+4; goto pc+imm
func (t *translator) emitJAL(i insn) {
	target := t.pc + uint64(i.immJ())
	if target&3 != 0 {
		t.raise(types.FaultMisalignedFetch)
		return
	}
	t.c.Mov(t.dst(i.rd()), ir.C(t.pc+4))
	t.exitTo(0, target)
}

// emitJALR: rd = pc+4; goto (rs1+imm) &^ 1
func (t *translator) emitJALR(i insn) {
	if i.funct3() != 0 {
		t.raise(types.FaultIllegalInstruction)
		return
	}
	target := t.c.NewLocal()
	t.c.Binary(ir.OpAdd, target, t.reg(i.rs1()), ir.CI(i.immI()))
	t.c.Binary(ir.OpAnd, target, ir.T(target), ir.CI(-2))

	bad := t.c.NewLabel()
	low := t.c.NewTemp()
	t.c.Binary(ir.OpAnd, low, ir.T(target), ir.C(3))
	t.c.BrCond(ir.CondNE, ir.T(low), ir.C(0), bad)

	t.c.Mov(t.dst(i.rd()), ir.C(t.pc+4))
	t.c.Mov(pcGlobal, ir.T(target))
	t.exitIndirect()

	t.c.SetLabel(bad)
	t.raise(types.FaultMisalignedFetch)
}
