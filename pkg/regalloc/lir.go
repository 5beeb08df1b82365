package regalloc

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/ascrivener/dbt/pkg/ir"
)

// Reg is a host register number as understood by one backend.
type Reg uint8

// NoReg marks an absent register operand.
const NoReg Reg = 0xff

// RegSet is a bitmask of registers.
type RegSet uint64

func (s RegSet) Has(r Reg) bool { return r != NoReg && s&(1<<r) != 0 }

func (s RegSet) With(r Reg) RegSet { return s | 1<<r }

func (s RegSet) Without(r Reg) RegSet { return s &^ (1 << r) }

func (s RegSet) Count() int { return bits.OnesCount64(uint64(s)) }

// SetOf builds a set from regs.
func SetOf(regs ...Reg) RegSet {
	var s RegSet
	for _, r := range regs {
		s = s.With(r)
	}
	return s
}

// RegisterInfo describes the registers a backend hands to the allocator.
type RegisterInfo struct {
	Names []string
	// Allocatable lists usable registers, most preferred first.
	Allocatable []Reg
	// CallerSaved registers do not survive a call-clobber op.
	CallerSaved RegSet
}

// AllocatableSet returns Allocatable as a set.
func (ri *RegisterInfo) AllocatableSet() RegSet {
	return SetOf(ri.Allocatable...)
}

// CalleeSaved returns the allocatable registers that survive calls.
func (ri *RegisterInfo) CalleeSaved() RegSet {
	return ri.AllocatableSet() &^ ri.CallerSaved
}

// Name returns the printable name of r.
func (ri *RegisterInfo) Name(r Reg) string {
	if int(r) < len(ri.Names) {
		return ri.Names[r]
	}
	return fmt.Sprintf("r%d", r)
}

// Operand is a register or an immediate.
type Operand struct {
	Reg   Reg
	Imm   uint64
	IsImm bool
}

// R is a register operand.
func R(r Reg) Operand { return Operand{Reg: r} }

// I is an immediate operand.
func I(v uint64) Operand { return Operand{Reg: NoReg, Imm: v, IsImm: true} }

// Insn is one allocated instruction. It reuses the IR opcodes; the
// allocator's own traffic is expressed as OpLdEnv (load a home slot),
// OpStEnv (store a home slot) and register-to-register OpMov. Aux keeps its
// IR meaning (Env offset, helper id, goto_tb slot, exit kind).
type Insn struct {
	Code   ir.Opcode
	Dst    Reg
	Args   [3]Operand
	NArgs  uint8
	Cond   ir.Cond
	Mem    ir.MemOp
	Label  ir.Label
	Aux    int64
	PC     uint64
	NextPC uint64
}

// Uses returns the operands the instruction reads.
func (in *Insn) Uses() []Operand { return in.Args[:in.NArgs] }

// Program is an allocated block ready for a backend.
type Program struct {
	Insns     []Insn
	NumLabels int
	StartPC   uint64
	Flags     uint32
	// SpillSlots is how many Env.Spill slots the block uses.
	SpillSlots int
	Helpers    *ir.HelperTable
}

// Format renders p with register names from ri.
func (p *Program) Format(ri *RegisterInfo) string {
	var b strings.Builder
	for i := range p.Insns {
		b.WriteString(p.Insns[i].Format(ri))
		b.WriteByte('\n')
	}
	return b.String()
}

// Format renders one instruction.
func (in *Insn) Format(ri *RegisterInfo) string {
	switch in.Code {
	case ir.OpInsnStart:
		return fmt.Sprintf(" ---- %#x", in.Aux)
	case ir.OpLabel:
		return fmt.Sprintf("L%d:", in.Label)
	}
	var parts []string
	if in.Dst != NoReg {
		parts = append(parts, ri.Name(in.Dst))
	}
	for _, a := range in.Uses() {
		if a.IsImm {
			parts = append(parts, fmt.Sprintf("$%#x", a.Imm))
		} else {
			parts = append(parts, ri.Name(a.Reg))
		}
	}
	switch in.Code {
	case ir.OpSetCond, ir.OpBrCond:
		parts = append(parts, in.Cond.String())
	case ir.OpLd, ir.OpSt:
		parts = append(parts, in.Mem.String())
	case ir.OpLdEnv, ir.OpStEnv:
		parts = append(parts, fmt.Sprintf("env+%d", in.Aux))
	case ir.OpCall:
		parts = append([]string{fmt.Sprintf("helper%d", in.Aux)}, parts...)
	case ir.OpGotoTB:
		parts = append(parts, fmt.Sprintf("%d", in.Aux))
	case ir.OpExit:
		parts = append(parts, ir.ExitKind(in.Aux).String())
	}
	if in.Code == ir.OpBr || in.Code == ir.OpBrCond {
		parts = append(parts, fmt.Sprintf("L%d", in.Label))
	}
	return " " + in.Code.String() + " " + strings.Join(parts, ",")
}
