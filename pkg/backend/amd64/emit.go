package amd64

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

var condCodes = map[ir.Cond]CC{
	ir.CondEQ: CCE, ir.CondNE: CCNE,
	ir.CondLT: CCL, ir.CondGE: CCGE, ir.CondLE: CCLE, ir.CondGT: CCG,
	ir.CondLTU: CCB, ir.CondGEU: CCAE, ir.CondLEU: CCBE, ir.CondGTU: CCA,
}

var aluOps = map[ir.Opcode]aluOp{
	ir.OpAdd: aluAdd, ir.OpSub: aluSub, ir.OpAnd: aluAnd, ir.OpOr: aluOr, ir.OpXor: aluXor,
}

var shiftOps = map[ir.Opcode]shiftOp{
	ir.OpShl: shiftShl, ir.OpShr: shiftShr, ir.OpSar: shiftSar,
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

func fitsInt32(v uint64) bool {
	s := int64(v)
	return s >= -1<<31 && s < 1<<31
}

// reg returns a register holding o, materializing an immediate in scratch.
func (e *emitter) reg(o regalloc.Operand, scratch Reg) Reg {
	if !o.IsImm {
		return Reg(o.Reg)
	}
	e.a.MovRegImm(scratch, o.Imm)
	return scratch
}

// moveTo copies o into dst unless it is already there.
func (e *emitter) moveTo(dst Reg, o regalloc.Operand) {
	if o.IsImm {
		e.a.MovRegImm(dst, o.Imm)
	} else if Reg(o.Reg) != dst {
		e.a.MovRegReg(dst, Reg(o.Reg))
	}
}

func (e *emitter) storeEnv(off int32, o regalloc.Operand) {
	if !o.IsImm {
		e.a.MovMemReg64(envReg, off, Reg(o.Reg))
		return
	}
	if fitsInt32(o.Imm) {
		e.a.MovMemImm32(envReg, off, int32(o.Imm))
		return
	}
	e.a.MovRegImm64(R11, o.Imm)
	e.a.MovMemReg64(envReg, off, R11)
}

func (e *emitter) jumpTo(l int) {
	at := e.a.JmpRel32(0)
	e.w.AddFixup(l, at, 0)
}

func (e *emitter) jccTo(cc CC, l int) {
	at := e.a.JccNear(cc, 0)
	e.w.AddFixup(l, at, 0)
}

func (e *emitter) exit(word uint64, arg int) {
	e.a.MovRegImm(RAX, word)
	e.a.MovRegImm32(RDX, uint32(arg))
	e.a.JmpTo(e.b.epilogue)
}

// leave records the faulting instruction, saves the preserved allocatable
// registers and exits with a resume request. The resume point is the code
// emitted next.
func (e *emitter) leave(word uint64, in *regalloc.Insn) {
	a := e.a
	e.storeEnv(cpu.OffInsnPC, regalloc.I(in.PC))
	e.storeEnv(cpu.OffInsnNext, regalloc.I(in.NextPC))
	for i, r := range e.b.saved {
		a.MovMemReg64(envReg, cpu.SaveOffset(i), Reg(r))
	}
	a.MovRegImm(RAX, word)
	// mov edx, imm32 and jmp rel32 are five bytes each.
	resume := a.Offset() + 10
	a.MovRegImm32(RDX, uint32(resume))
	a.JmpTo(e.b.epilogue)
	for i, r := range e.b.saved {
		a.MovRegMem64(Reg(r), envReg, cpu.SaveOffset(i))
	}
}

// Emit writes p at w's current offset.
func (b *Backend) Emit(w *codebuf.Writer, p *regalloc.Program) (backend.Layout, error) {
	if !b.glued {
		return backend.Layout{}, errors.Internalf("amd64: Emit before EmitGlue")
	}
	e := &emitter{b: b, a: NewAssembler(w), w: w, p: p, entry: w.Offset()}
	e.layout = backend.Layout{Entry: e.entry, JumpSite: [2]int{backend.NoJump, backend.NoJump}, JumpReset: [2]int{backend.NoJump, backend.NoJump}}
	w.ResetLabels(p.NumLabels)
	interrupt := w.NewLabel()

	e.a.CmpMem32Imm8(envReg, cpu.OffExitRequest, 0)
	e.jccTo(CCNE, interrupt)

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
		w.Patch32(f.At, uint32(int32(target-(f.At+4))))
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
		e.moveTo(dst, in.Args[0])
	case ir.OpNeg, ir.OpNot:
		e.moveTo(dst, in.Args[0])
		if in.Code == ir.OpNeg {
			a.NegReg(dst)
		} else {
			a.NotReg(dst)
		}
	case ir.OpExtS8, ir.OpExtU8, ir.OpExtS16, ir.OpExtU16, ir.OpExtS32, ir.OpExtU32:
		src := e.reg(in.Args[0], RAX)
		switch in.Code {
		case ir.OpExtS8:
			a.Movsx8(dst, src)
		case ir.OpExtU8:
			a.Movzx8(dst, src)
		case ir.OpExtS16:
			a.Movsx16(dst, src)
		case ir.OpExtU16:
			a.Movzx16(dst, src)
		case ir.OpExtS32:
			a.Movsxd(dst, src)
		default:
			a.MovRegReg32(dst, src)
		}
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor:
		e.binary(in)
	case ir.OpShl, ir.OpShr, ir.OpSar:
		op := shiftOps[in.Code]
		if b := in.Args[1]; b.IsImm {
			e.moveTo(dst, in.Args[0])
			a.ShiftRegImm8(op, dst, byte(b.Imm&63))
			return nil
		}
		a.MovRegReg(RCX, Reg(in.Args[1].Reg))
		e.moveTo(dst, in.Args[0])
		a.ShiftRegCL(op, dst)
	case ir.OpSetCond:
		switch in.Cond {
		case ir.CondNever:
			a.MovRegImm(dst, 0)
		case ir.CondAlways:
			a.MovRegImm(dst, 1)
		default:
			e.compare(in.Args[0], in.Args[1])
			a.Setcc(condCodes[in.Cond], dst)
			a.Movzx8(dst, dst)
		}
	case ir.OpLdEnv:
		a.MovRegMem64(dst, envReg, int32(in.Aux))
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
			a.MovRegMem64(dst, envReg, cpu.OffHelperRet)
		}
	case ir.OpBr:
		e.jumpTo(int(in.Label))
	case ir.OpBrCond:
		switch in.Cond {
		case ir.CondNever:
		case ir.CondAlways:
			e.jumpTo(int(in.Label))
		default:
			e.compare(in.Args[0], in.Args[1])
			e.jccTo(condCodes[in.Cond], int(in.Label))
		}
	case ir.OpGotoTB:
		// The rel32 field must be four byte aligned so PatchJump can
		// replace it with one atomic store.
		a.Nop(1, 4)
		slot := int(in.Aux)
		e.layout.JumpSite[slot] = a.JmpRel32(0)
		e.layout.JumpReset[slot] = a.Offset()
	case ir.OpExit:
		e.exit(backend.BlockExitWord(ir.ExitKind(in.Aux), in.Args[0].Imm), e.entry)
	default:
		return errors.Internalf("amd64: cannot emit %v", in.Code)
	}
	return nil
}

// binary lowers a three-address ALU op onto x86's two-address forms.
func (e *emitter) binary(in *regalloc.Insn) {
	a := e.a
	dst := Reg(in.Dst)
	lhs, rhs := in.Args[0], in.Args[1]

	if in.Code == ir.OpMul && rhs.IsImm && fitsInt32(rhs.Imm) {
		a.IMulRegRegImm32(dst, e.reg(lhs, RAX), int32(rhs.Imm))
		return
	}
	if !rhs.IsImm && Reg(rhs.Reg) == dst && (lhs.IsImm || Reg(lhs.Reg) != dst) {
		if in.Code.IsCommutative() {
			lhs, rhs = rhs, lhs
		} else {
			a.MovRegReg(RAX, dst)
			rhs = regalloc.R(regalloc.Reg(RAX))
		}
	}
	if rhs.IsImm && !fitsInt32(rhs.Imm) {
		a.MovRegImm64(R11, rhs.Imm)
		rhs = regalloc.R(regalloc.Reg(R11))
	}
	e.moveTo(dst, lhs)
	switch {
	case in.Code == ir.OpMul:
		a.IMulRegReg(dst, Reg(rhs.Reg))
	case rhs.IsImm:
		a.AluRegImm32(aluOps[in.Code], dst, int32(rhs.Imm))
	default:
		a.AluRegReg(aluOps[in.Code], dst, Reg(rhs.Reg))
	}
}

// compare sets the flags for lhs against rhs.
func (e *emitter) compare(lhs, rhs regalloc.Operand) {
	l := e.reg(lhs, RAX)
	if rhs.IsImm && fitsInt32(rhs.Imm) {
		e.a.AluRegImm32(aluCmp, l, int32(rhs.Imm))
		return
	}
	e.a.AluRegReg(aluCmp, l, e.reg(rhs, R11))
}

// tlbLookup emits the inline soft-TLB probe for addr. It leaves the entry
// pointer minus the table base in RAX and jumps to slow on a tag mismatch;
// on fall-through RCX holds the host address.
func (e *emitter) tlbLookup(addr Reg, mem ir.MemOp, write bool, slow int) {
	a := e.a
	table := cpu.TLBOffset(mem.MMUIndex())
	tag := table + cpu.OffTLBAddrRead
	if write {
		tag = table + cpu.OffTLBAddrWrite
	}
	a.MovRegReg(RAX, addr)
	a.ShiftRegImm8(shiftShr, RAX, constants.PageBits)
	a.AluRegImm32(aluAnd, RAX, constants.TLBSize-1)
	a.ShiftRegImm8(shiftShl, RAX, constants.TLBEntryBits)
	a.AluRegReg(aluAdd, RAX, envReg)
	a.MovRegReg(RCX, addr)
	a.AluRegImm32(aluAnd, RCX, int32(int64(constants.PageMask|mem.AlignMask())))
	a.AluRegMem64(aluCmp, RCX, RAX, tag)
	e.jccTo(CCNE, slow)
	a.MovRegReg(RCX, addr)
	a.AluRegMem64(aluAdd, RCX, RAX, table+cpu.OffTLBAddend)
}

func (e *emitter) load(in *regalloc.Insn) {
	a := e.a
	dst := Reg(in.Dst)
	mem := in.Mem
	addr := e.reg(in.Args[0], R11)
	s := slowPath{in: in, label: e.w.NewLabel(), resume: e.w.NewLabel(), addr: addr}
	e.tlbLookup(addr, mem, false, s.label)

	if mem.BigEndian() && mem.Size() > 1 {
		switch mem.Size() {
		case 2:
			a.MovRegMem16(dst, RCX, 0)
		case 4:
			a.MovRegMem32(dst, RCX, 0)
		default:
			a.MovRegMem64(dst, RCX, 0)
		}
		a.Bswap(dst)
		if shift := byte(64 - mem.Size()*8); shift != 0 {
			if mem.Signed() {
				a.ShiftRegImm8(shiftSar, dst, shift)
			} else {
				a.ShiftRegImm8(shiftShr, dst, shift)
			}
		}
	} else {
		switch {
		case mem.Size() == 1 && mem.Signed():
			a.MovRegMem8Signed(dst, RCX, 0)
		case mem.Size() == 1:
			a.MovRegMem8(dst, RCX, 0)
		case mem.Size() == 2 && mem.Signed():
			a.MovRegMem16Signed(dst, RCX, 0)
		case mem.Size() == 2:
			a.MovRegMem16(dst, RCX, 0)
		case mem.Size() == 4 && mem.Signed():
			a.MovRegMem32Signed(dst, RCX, 0)
		case mem.Size() == 4:
			a.MovRegMem32(dst, RCX, 0)
		default:
			a.MovRegMem64(dst, RCX, 0)
		}
	}
	e.w.Bind(s.resume)
	e.slow = append(e.slow, s)
}

func (e *emitter) store(in *regalloc.Insn) {
	a := e.a
	mem := in.Mem
	val := e.reg(in.Args[0], RDX)
	addr := e.reg(in.Args[1], R11)
	s := slowPath{in: in, label: e.w.NewLabel(), resume: e.w.NewLabel(), addr: addr, val: val}
	e.tlbLookup(addr, mem, true, s.label)

	v := val
	if mem.BigEndian() && mem.Size() > 1 {
		a.MovRegReg(RAX, val)
		a.Bswap(RAX)
		if shift := byte(64 - mem.Size()*8); shift != 0 {
			a.ShiftRegImm8(shiftShr, RAX, shift)
		}
		v = RAX
	}
	switch mem.Size() {
	case 1:
		a.MovMem8Reg(RCX, 0, v)
	case 2:
		a.MovMem16Reg(RCX, 0, v)
	case 4:
		a.MovMem32Reg(RCX, 0, v)
	default:
		a.MovMemReg64(RCX, 0, v)
	}
	e.w.Bind(s.resume)
	e.slow = append(e.slow, s)
}

// slowStub hands a TLB miss to the dispatcher. The address and value
// registers are still intact: the stub is only reached from the tag check.
func (e *emitter) slowStub(s slowPath) {
	a := e.a
	e.w.Bind(s.label)
	a.MovMemReg64(envReg, cpu.HelperArgOffset(0), s.addr)
	code := backend.CodeSlowLoad
	if s.in.Code == ir.OpSt {
		code = backend.CodeSlowStore
		a.MovMemReg64(envReg, cpu.HelperArgOffset(1), s.val)
	}
	e.leave(backend.EncodeExit(code, 0, 0, s.in.Mem), s.in)
	if s.in.Code == ir.OpLd {
		a.MovRegMem64(Reg(s.in.Dst), envReg, cpu.OffHelperRet)
	}
	e.jumpTo(s.resume)
}

// PatchJump retargets the goto_tb rel32 at site. The field is four byte
// aligned, so the store is atomic with respect to instruction fetch.
func (b *Backend) PatchJump(a *codebuf.Arena, site, target int) {
	code := a.Bytes()
	disp := int32(target - (site + 4))
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&code[site])), uint32(disp))
}
