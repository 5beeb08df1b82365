// Package riscv translates an RV64IM subset into IR. It exists to drive
// the engine: x0..x31 and pc live in Env, loads and stores go through the
// soft-MMU in the mmu mode selected by the block flags, and the M
// extension's high multiply and division run as helpers.
//
// Decoded: LUI, AUIPC, JAL, JALR, conditional branches, integer loads and
// stores, the OP/OP-IMM groups and their 32-bit W forms, MUL/DIV/REM and
// their W forms, FENCE, FENCE.I, ECALL and EBREAK. Anything else raises an
// illegal-instruction fault.
package riscv

import (
	"context"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/guest"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/types"
)

// pcGlobal is the temp of the pc global; x0..x31 are temps 0..31.
const pcGlobal = ir.Temp(constants.NumGuestRegs)

var abiNames = [constants.NumGuestRegs]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// Decoder is the RV64IM front end.
type Decoder struct {
	helpers    helperIDs
	registered bool
}

// New creates a decoder. RegisterHelpers must run before Translate.
func New() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Name() string { return "rv64im" }

func (d *Decoder) Globals() []guest.Global {
	g := make([]guest.Global, 0, constants.NumGuestRegs+1)
	for i, name := range abiNames {
		g = append(g, guest.Global{Name: name, Offset: cpu.RegOffset(i)})
	}
	return append(g, guest.Global{Name: "pc", Offset: cpu.OffPC})
}

func (d *Decoder) RegisterHelpers(h *ir.HelperTable) {
	d.helpers = registerHelpers(h)
	d.registered = true
}

// translator holds the state of one Translate call.
type translator struct {
	d     *Decoder
	c     *ir.Context
	pc    uint64
	flags types.Flags
	mem   ir.MemOp // mmu mode bits for every access
	ended bool
}

func (d *Decoder) Translate(ctx context.Context, c *ir.Context, pc uint64, flags types.Flags, fetch guest.Fetch, maxInsns int) (guest.Block, error) {
	if !d.registered {
		return guest.Block{}, errors.Internalf("riscv: helpers not registered")
	}
	if pc&3 != 0 {
		return guest.Block{}, types.NewFault(types.FaultMisalignedFetch, types.GuestAddr(pc), types.GuestAddr(pc))
	}
	if flags&types.FlagSingleStep != 0 || maxInsns < 1 {
		maxInsns = 1
	}
	t := &translator{d: d, c: c, pc: pc, flags: flags, mem: ir.MemOp(0).WithMMU(flags.MMUIndex())}
	page := types.GuestAddr(pc).PageBase()
	n := 0
	var end uint64
	for {
		if err := ctx.Err(); err != nil {
			return guest.Block{}, err
		}
		word, err := fetch(t.pc, 4)
		if err != nil {
			var f *types.Fault
			if n == 0 || !errors.As(err, &f) {
				return guest.Block{}, err
			}
			// Stop before the unfetchable insn; the fault is raised when
			// it starts a block of its own.
			end = t.pc
			t.exitTo(0, t.pc)
			break
		}
		c.InsnStart(t.pc)
		t.emit(insn(word))
		n++
		if t.ended {
			end = t.pc + 4
			break
		}
		t.pc += 4
		if n >= maxInsns || types.GuestAddr(t.pc).PageBase() != page {
			end = t.pc
			t.exitTo(0, t.pc)
			break
		}
	}
	c.Finish(end)
	if err := c.Err(); err != nil {
		return guest.Block{}, err
	}
	return guest.Block{EndPC: end, NumInsns: n}, nil
}

func (t *translator) singleStep() bool { return t.flags&types.FlagSingleStep != 0 }

// reg reads guest register r; x0 reads as zero.
func (t *translator) reg(r uint32) ir.Value {
	if r == 0 {
		return ir.C(0)
	}
	return ir.T(ir.Temp(r))
}

// dst returns where to write guest register r; writes to x0 go to a dead temp.
func (t *translator) dst(r uint32) ir.Temp {
	if r == 0 {
		return t.c.NewTemp()
	}
	return ir.Temp(r)
}

// exitTo: pc = target, then leave through goto_tb slot.
func (t *translator) exitTo(slot int, target uint64) {
	t.c.Mov(pcGlobal, ir.C(target))
	if t.singleStep() {
		t.c.Exit(ir.ExitDebug, 0)
	} else {
		t.c.Chain(slot)
	}
	t.ended = true
}

// exitIndirect: pc already set, leave through the dispatcher.
func (t *translator) exitIndirect() {
	if t.singleStep() {
		t.c.Exit(ir.ExitDebug, 0)
	} else {
		t.c.Exit(ir.ExitNext, 0)
	}
	t.ended = true
}

// raise: guest exception at the current instruction.
func (t *translator) raise(cause types.FaultCause) {
	t.c.Mov(pcGlobal, ir.C(t.pc))
	t.c.Exit(ir.ExitException, uint64(cause))
	t.ended = true
}

func (t *translator) emit(i insn) {
	switch i.opcode() {
	case opLUI:
		t.c.Mov(t.dst(i.rd()), ir.CI(i.immU()))
	case opAUIPC:
		t.c.Mov(t.dst(i.rd()), ir.C(t.pc+uint64(i.immU())))
	case opImm:
		t.emitOpImm(i)
	case opImm32:
		t.emitOpImm32(i)
	case opReg:
		t.emitOp(i)
	case opReg32:
		t.emitOp32(i)
	case opLoad:
		t.emitLoad(i)
	case opStore:
		t.emitStore(i)
	case opBranch:
		t.emitBranch(i)
	case opJAL:
		t.emitJAL(i)
	case opJALR:
		t.emitJALR(i)
	case opMiscMem:
		t.emitFence(i)
	case opSystem:
		t.emitSystem(i)
	default:
		t.raise(types.FaultIllegalInstruction)
	}
}

// emitFence: fence is a no-op for a single memory model; fence.i ends the
// block so the next fetch sees stores to code.
func (t *translator) emitFence(i insn) {
	switch i.funct3() {
	case 0:
	case 1:
		t.c.Mov(pcGlobal, ir.C(t.pc+4))
		t.exitIndirect()
	default:
		t.raise(types.FaultIllegalInstruction)
	}
}

// emitSystem: ecall and ebreak raise; CSRs are not modelled.
func (t *translator) emitSystem(i insn) {
	switch uint32(i) {
	case insnECALL:
		t.raise(types.FaultEnvCall)
	case insnEBREAK:
		t.raise(types.FaultBreakpoint)
	default:
		t.raise(types.FaultIllegalInstruction)
	}
}
