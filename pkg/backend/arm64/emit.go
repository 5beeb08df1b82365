package arm64

import (
	"sync/atomic"
	"unsafe"

	"github.com/ascrivener/dbt/pkg/backend"
	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/regalloc"
)

var condCodes = map[ir.Cond]Cond{
	ir.CondEQ: CondEQ, ir.CondNE: CondNE,
	ir.CondLT: CondLT, ir.CondGE: CondGE, ir.CondLE: CondLE, ir.CondGT: CondGT,
	ir.CondLTU: CondLO, ir.CondGEU: CondHS, ir.CondLEU: CondLS, ir.CondGTU: CondHI,
}

// loadOps holds the zero- and sign-extending load for each access size.
var loadOps = map[int][2]uint32{
	1: {opLdrb, opLdrsb},
	2: {opLdrh, opLdrsh},
	4: {opLdrW, opLdrsw},
	8: {opLdrX, opLdrX},
}

type slowPath struct {
	in     *regalloc.Insn
	label  int
	resume int
	addr   Reg
	val    Reg
}

type emitter struct {
	b      *Backend
	a      *Assembler
	w      *codebuf.Writer
	p      *regalloc.Program
	entry  int
	slow   []slowPath
	layout backend.Layout
}

// reg returns a register holding o, materializing an immediate in scratch.
func (e *emitter) reg(o regalloc.Operand, scratch Reg) Reg {
	if !o.IsImm {
		return Reg(o.Reg)
	}
	e.a.LoadImm(scratch, o.Imm)
	return scratch
}

func (e *emitter) storeEnv(off int32, o regalloc.Operand) {
	if o.IsImm && o.Imm == 0 {
		e.a.Str(XZR, envReg, off)
		return
	}
	e.a.Str(e.reg(o, X15), envReg, off)
}

func (e *emitter) branchTo(l int) {
	e.w.AddFixup(l, e.a.B(0), 0)
}

func (e *emitter) bcondTo(c Cond, l int) {
	e.w.AddFixup(l, e.a.BCond(c, 0), 0)
}

func (e *emitter) exit(word uint64, arg int) {
	e.a.LoadImm(X0, word)
	e.a.LoadImm(X1, uint64(arg))
	e.a.BTo(e.b.epilogue)
}

// leave records the faulting instruction, saves the preserved allocatable
// registers and exits with a resume request. The resume point is the code
// emitted next.
func (e *emitter) leave(word uint64, in *regalloc.Insn) {
	a := e.a
	e.storeEnv(cpu.OffInsnPC, regalloc.I(in.PC))
	e.storeEnv(cpu.OffInsnNext, regalloc.I(in.NextPC))
	for i, r := range e.b.saved {
		a.Str(Reg(r), envReg, cpu.SaveOffset(i))
	}
	a.LoadImm(X0, word)
	// Two instructions for the offset, one for the branch.
	resume := a.Offset() + 12
	a.LoadImm32Fixed(X1, uint32(resume))
	a.BTo(e.b.epilogue)
	for i, r := range e.b.saved {
		a.Ldr(Reg(r), envReg, cpu.SaveOffset(i))
	}
}

// Emit writes p at w's current offset.
func (b *Backend) Emit(w *codebuf.Writer, p *regalloc.Program) (backend.Layout, error) {
	if !b.glued {
		return backend.Layout{}, errors.Internalf("arm64: Emit before EmitGlue")
	}
	e := &emitter{b: b, a: NewAssembler(w), w: w, p: p, entry: w.Offset()}
	e.layout = backend.Layout{Entry: e.entry, JumpSite: [2]int{backend.NoJump, backend.NoJump}, JumpReset: [2]int{backend.NoJump, backend.NoJump}}
	w.ResetLabels(p.NumLabels)
	interrupt := w.NewLabel()

	e.a.LdrW(X15, envReg, cpu.OffExitRequest)
	w.AddFixup(interrupt, e.a.CbnzW(X15, 0), 0)

	for i := range p.Insns {
		if err := e.insn(&p.Insns[i]); err != nil {
			return backend.Layout{}, err
		}
	}
	for _, s := range e.slow {
		e.slowStub(s)
	}

	w.Bind(interrupt)
	e.storeEnv(cpu.OffPC, regalloc.I(p.StartPC))
	e.exit(backend.EncodeExit(backend.CodeInterrupt, 0, 0, 0), e.entry)

	err := w.Resolve(func(f codebuf.Fixup, target int) error {
		delta := (target - f.At) / 4
		if delta >= 1<<18 || delta < -(1<<18) {
			return errors.Internalf("arm64: branch at %#x out of range", f.At)
		}
		w.Patch32(f.At, patchBranch(w.Read32(f.At), int32(delta)))
		return nil
	})
	if err != nil {
		return backend.Layout{}, err
	}
	e.layout.End = w.Offset()
	return e.layout, nil
}

func (e *emitter) insn(in *regalloc.Insn) error {
	a := e.a
	dst := Reg(in.Dst)
	switch in.Code {
	case ir.OpInsnStart:
	case ir.OpLabel:
		e.w.Bind(int(in.Label))
	case ir.OpMov:
		if o := in.Args[0]; o.IsImm {
			a.LoadImm(dst, o.Imm)
		} else if Reg(o.Reg) != dst {
			a.Mov(dst, Reg(o.Reg))
		}
	case ir.OpNeg:
		a.Neg(dst, e.reg(in.Args[0], X16))
	case ir.OpNot:
		a.Mvn(dst, e.reg(in.Args[0], X16))
	case ir.OpExtS8:
		a.Sxtb(dst, e.reg(in.Args[0], X16))
	case ir.OpExtU8:
		a.Uxtb(dst, e.reg(in.Args[0], X16))
	case ir.OpExtS16:
		a.Sxth(dst, e.reg(in.Args[0], X16))
	case ir.OpExtU16:
		a.Uxth(dst, e.reg(in.Args[0], X16))
	case ir.OpExtS32:
		a.Sxtw(dst, e.reg(in.Args[0], X16))
	case ir.OpExtU32:
		a.Uxtw(dst, e.reg(in.Args[0], X16))
	case ir.OpAdd, ir.OpSub:
		e.addSub(in)
	case ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor:
		lhs := e.reg(in.Args[0], X16)
		rhs := e.reg(in.Args[1], X17)
		switch in.Code {
		case ir.OpMul:
			a.Mul(dst, lhs, rhs)
		case ir.OpAnd:
			a.AndRR(dst, lhs, rhs)
		case ir.OpOr:
			a.OrrRR(dst, lhs, rhs)
		default:
			a.EorRR(dst, lhs, rhs)
		}
	case ir.OpShl, ir.OpShr, ir.OpSar:
		lhs := e.reg(in.Args[0], X16)
		if o := in.Args[1]; o.IsImm {
			n := uint32(o.Imm & 63)
			switch {
			case n == 0:
				a.Mov(dst, lhs)
			case in.Code == ir.OpShl:
				a.LslImm(dst, lhs, n)
			case in.Code == ir.OpShr:
				a.LsrImm(dst, lhs, n)
			default:
				a.AsrImm(dst, lhs, n)
			}
			return nil
		}
		rhs := Reg(in.Args[1].Reg)
		switch in.Code {
		case ir.OpShl:
			a.LslRR(dst, lhs, rhs)
		case ir.OpShr:
			a.LsrRR(dst, lhs, rhs)
		default:
			a.AsrRR(dst, lhs, rhs)
		}
	case ir.OpSetCond:
		switch in.Cond {
		case ir.CondNever:
			a.LoadImm(dst, 0)
		case ir.CondAlways:
			a.LoadImm(dst, 1)
		default:
			e.compare(in.Args[0], in.Args[1])
			a.Cset(dst, condCodes[in.Cond])
		}
	case ir.OpLdEnv:
		a.Ldr(dst, envReg, int32(in.Aux))
	case ir.OpStEnv:
		e.storeEnv(int32(in.Aux), in.Args[0])
	case ir.OpLd:
		e.load(in)
	case ir.OpSt:
		e.store(in)
	case ir.OpCall:
		for j, arg := range in.Uses() {
			e.storeEnv(cpu.HelperArgOffset(j), arg)
		}
		e.leave(backend.EncodeExit(backend.CodeHelper, 0, uint16(in.Aux), 0), in)
		if in.Dst != regalloc.NoReg {
			a.Ldr(dst, envReg, cpu.OffHelperRet)
		}
	case ir.OpBr:
		e.branchTo(int(in.Label))
	case ir.OpBrCond:
		switch in.Cond {
		case ir.CondNever:
		case ir.CondAlways:
			e.branchTo(int(in.Label))
		default:
			e.compare(in.Args[0], in.Args[1])
			e.bcondTo(condCodes[in.Cond], int(in.Label))
		}
	case ir.OpGotoTB:
		// A single B to the next instruction until linked.
		slot := int(in.Aux)
		e.layout.JumpSite[slot] = a.B(1)
		e.layout.JumpReset[slot] = a.Offset()
	case ir.OpExit:
		e.exit(backend.BlockExitWord(ir.ExitKind(in.Aux), in.Args[0].Imm), e.entry)
	default:
		return errors.Internalf("arm64: cannot emit %v", in.Code)
	}
	return nil
}

// addSub uses the 12-bit immediate forms when the constant fits, flipping
// the operation for small negative constants.
func (e *emitter) addSub(in *regalloc.Insn) {
	a := e.a
	dst := Reg(in.Dst)
	lhs := e.reg(in.Args[0], X16)
	sub := in.Code == ir.OpSub
	if o := in.Args[1]; o.IsImm {
		v := int64(o.Imm)
		if v < 0 && v > -4096 {
			v, sub = -v, !sub
		}
		if v >= 0 && v < 4096 {
			if sub {
				a.SubImm(dst, lhs, uint32(v))
			} else {
				a.AddImm(dst, lhs, uint32(v))
			}
			return
		}
	}
	rhs := e.reg(in.Args[1], X17)
	if in.Code == ir.OpSub {
		a.SubRR(dst, lhs, rhs)
	} else {
		a.AddRR(dst, lhs, rhs)
	}
}

// compare sets the flags for lhs against rhs.
func (e *emitter) compare(lhs, rhs regalloc.Operand) {
	l := e.reg(lhs, X16)
	if rhs.IsImm {
		v := int64(rhs.Imm)
		if v >= 0 && v < 4096 {
			e.a.CmpImm(l, uint32(v))
			return
		}
		if v < 0 && v > -4096 {
			e.a.CmnImm(l, uint32(-v))
			return
		}
	}
	e.a.CmpRR(l, e.reg(rhs, X17))
}

// tlbLookup emits the inline soft-TLB probe for addr. It branches to slow
// on a tag mismatch; on fall-through X15 holds the host address.
func (e *emitter) tlbLookup(addr Reg, mem ir.MemOp, write bool, slow int) {
	a := e.a
	table := cpu.TLBOffset(mem.MMUIndex())
	tag := table + cpu.OffTLBAddrRead
	if write {
		tag = table + cpu.OffTLBAddrWrite
	}
	a.Ubfm(X16, addr, constants.PageBits, constants.PageBits+constants.TLBBits-1)
	a.AddRRLsl(X16, envReg, X16, constants.TLBEntryBits)
	a.LoadImm(X17, constants.PageMask|mem.AlignMask())
	a.AndRR(X17, X17, addr)
	a.Ldr(X15, X16, tag)
	a.CmpRR(X17, X15)
	e.bcondTo(CondNE, slow)
	a.Ldr(X15, X16, table+cpu.OffTLBAddend)
	a.AddRR(X15, X15, addr)
}

func (e *emitter) load(in *regalloc.Insn) {
	a := e.a
	dst := Reg(in.Dst)
	mem := in.Mem
	addr := e.reg(in.Args[0], X0)
	s := slowPath{in: in, label: e.w.NewLabel(), resume: e.w.NewLabel(), addr: addr}
	e.tlbLookup(addr, mem, false, s.label)

	if mem.BigEndian() && mem.Size() > 1 {
		switch mem.Size() {
		case 2:
			a.Mem(opLdrh, dst, X15, 0, 2)
		case 4:
			a.Mem(opLdrW, dst, X15, 0, 4)
		default:
			a.Mem(opLdrX, dst, X15, 0, 8)
		}
		a.Rev(dst, dst)
		if shift := uint32(64 - mem.Size()*8); shift != 0 {
			if mem.Signed() {
				a.AsrImm(dst, dst, shift)
			} else {
				a.LsrImm(dst, dst, shift)
			}
		}
	} else {
		op := loadOps[mem.Size()][0]
		if mem.Signed() {
			op = loadOps[mem.Size()][1]
		}
		a.Mem(op, dst, X15, 0, int32(mem.Size()))
	}
	e.w.Bind(s.resume)
	e.slow = append(e.slow, s)
}

func (e *emitter) store(in *regalloc.Insn) {
	a := e.a
	mem := in.Mem
	val := e.reg(in.Args[0], X1)
	addr := e.reg(in.Args[1], X0)
	s := slowPath{in: in, label: e.w.NewLabel(), resume: e.w.NewLabel(), addr: addr, val: val}
	e.tlbLookup(addr, mem, true, s.label)

	v := val
	if mem.BigEndian() && mem.Size() > 1 {
		a.Rev(X16, val)
		if shift := uint32(64 - mem.Size()*8); shift != 0 {
			a.LsrImm(X16, X16, shift)
		}
		v = X16
	}
	switch mem.Size() {
	case 1:
		a.Mem(opStrb, v, X15, 0, 1)
	case 2:
		a.Mem(opStrh, v, X15, 0, 2)
	case 4:
		a.Mem(opStrW, v, X15, 0, 4)
	default:
		a.Mem(opStrX, v, X15, 0, 8)
	}
	e.w.Bind(s.resume)
	e.slow = append(e.slow, s)
}

// slowStub hands a TLB miss to the dispatcher. The address and value
// registers are still intact: the stub is only reached from the tag check.
func (e *emitter) slowStub(s slowPath) {
	a := e.a
	e.w.Bind(s.label)
	a.Str(s.addr, envReg, cpu.HelperArgOffset(0))
	code := backend.CodeSlowLoad
	if s.in.Code == ir.OpSt {
		code = backend.CodeSlowStore
		a.Str(s.val, envReg, cpu.HelperArgOffset(1))
	}
	e.leave(backend.EncodeExit(code, 0, 0, s.in.Mem), s.in)
	if s.in.Code == ir.OpLd {
		a.Ldr(Reg(s.in.Dst), envReg, cpu.OffHelperRet)
	}
	e.branchTo(s.resume)
}

// PatchJump rewrites the B at site. B is one of the instructions that may
// be modified while another core executes it; the icache is then synced.
func (b *Backend) PatchJump(a *codebuf.Arena, site, target int) {
	code := a.Bytes()
	inst := 0x14000000 | uint32(int32(target-site)/4)&0x03FFFFFF
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&code[site])), inst)
	a.Finalize(site, site+4)
}
