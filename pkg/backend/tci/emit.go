package tci

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/ascrivener/dbt/pkg/backend"
	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/regalloc"
)

var aluOps = map[ir.Opcode]byte{
	ir.OpAdd: opAdd, ir.OpSub: opSub, ir.OpMul: opMul, ir.OpAnd: opAnd,
	ir.OpOr: opOr, ir.OpXor: opXor, ir.OpShl: opShl, ir.OpShr: opShr, ir.OpSar: opSar,
	ir.OpNeg: opNeg, ir.OpNot: opNot,
	ir.OpExtS8: opExt8s, ir.OpExtU8: opExt8u, ir.OpExtS16: opExt16s,
	ir.OpExtU16: opExt16u, ir.OpExtS32: opExt32s, ir.OpExtU32: opExt32u,
}

// slowPath is an out-of-line TLB miss stub emitted after the block body.
type slowPath struct {
	in     *regalloc.Insn
	label  int
	resume int
	addr   regalloc.Reg
	val    regalloc.Reg
}

type emitter struct {
	b      *Backend
	w      *codebuf.Writer
	p      *regalloc.Program
	entry  int
	slow   []slowPath
	layout backend.Layout
}

func fitsInt32(v uint64) bool {
	s := int64(v)
	return s >= math.MinInt32 && s <= math.MaxInt32
}

func (e *emitter) header(op byte, x, y, z regalloc.Reg) {
	e.w.Emit(op, byte(x), byte(y), byte(z))
}

func (e *emitter) movi(d regalloc.Reg, v uint64) {
	if fitsInt32(v) {
		e.header(opMovI32, d, 0, 0)
		e.w.Emit32(uint32(v))
		return
	}
	e.header(opMovI64, d, 0, 0)
	e.w.Emit64(v)
}

// reg returns a register holding o, materializing immediates in scratch.
func (e *emitter) reg(o regalloc.Operand, scratch regalloc.Reg) regalloc.Reg {
	if !o.IsImm {
		return o.Reg
	}
	e.movi(scratch, o.Imm)
	return scratch
}

// branch emits a displacement to label l as the final field.
func (e *emitter) branch(l int) {
	e.w.AddFixup(l, e.w.Offset(), 0)
	e.w.Emit32(0)
}

func (e *emitter) stEnv(o regalloc.Operand, off int32) {
	r := e.reg(o, scratchA)
	e.header(opStEnv, 0, r, 0)
	e.w.Emit32(uint32(off))
}

func (e *emitter) ldEnv(d regalloc.Reg, off int32) {
	e.header(opLdEnv, d, 0, 0)
	e.w.Emit32(uint32(off))
}

func (e *emitter) exit(word, arg uint64) {
	e.header(opExit, 0, 0, 0)
	e.w.Emit64(word)
	e.w.Emit64(arg)
}

// leave saves the callee-saved registers and exits with a resume request;
// the code emitted next is the resume point.
func (e *emitter) leave(word uint64, in *regalloc.Insn) {
	e.stEnv(regalloc.I(in.PC), cpu.OffInsnPC)
	e.stEnv(regalloc.I(in.NextPC), cpu.OffInsnNext)
	e.header(opSaveCallee, 0, 0, 0)
	e.header(opExitResume, 0, 0, 0)
	e.w.Emit64(word)
	e.header(opLoadCallee, 0, 0, 0)
}

// Emit writes p at w's current offset.
func (b *Backend) Emit(w *codebuf.Writer, p *regalloc.Program) (backend.Layout, error) {
	e := &emitter{b: b, w: w, p: p, entry: w.Offset()}
	e.layout = backend.Layout{Entry: e.entry, JumpSite: [2]int{backend.NoJump, backend.NoJump}, JumpReset: [2]int{backend.NoJump, backend.NoJump}}
	w.ResetLabels(p.NumLabels)
	interrupt := w.NewLabel()

	e.header(opCheckExit, 0, 0, 0)
	e.branch(interrupt)

	for i := range p.Insns {
		if err := e.insn(&p.Insns[i]); err != nil {
			return backend.Layout{}, err
		}
	}

	for _, s := range e.slow {
		w.Bind(s.label)
		e.stEnv(regalloc.R(s.addr), cpu.HelperArgOffset(0))
		code := backend.CodeSlowLoad
		if s.in.Code == ir.OpSt {
			code = backend.CodeSlowStore
			e.stEnv(regalloc.R(s.val), cpu.HelperArgOffset(1))
		}
		e.leave(backend.EncodeExit(code, 0, 0, s.in.Mem), s.in)
		if s.in.Code == ir.OpLd {
			e.ldEnv(s.in.Dst, cpu.OffHelperRet)
		}
		e.header(opBr, 0, 0, 0)
		e.branch(s.resume)
	}

	w.Bind(interrupt)
	e.stEnv(regalloc.I(p.StartPC), cpu.OffPC)
	e.exit(backend.EncodeExit(backend.CodeInterrupt, 0, 0, 0), uint64(e.entry))

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
	w := e.w
	switch in.Code {
	case ir.OpInsnStart:
	case ir.OpLabel:
		w.Bind(int(in.Label))
	case ir.OpMov:
		if in.Args[0].IsImm {
			e.movi(in.Dst, in.Args[0].Imm)
		} else if in.Args[0].Reg != in.Dst {
			e.header(opMov, in.Dst, in.Args[0].Reg, 0)
		}
	case ir.OpNeg, ir.OpNot, ir.OpExtS8, ir.OpExtU8, ir.OpExtS16, ir.OpExtU16, ir.OpExtS32, ir.OpExtU32:
		a := e.reg(in.Args[0], scratchA)
		e.header(aluOps[in.Code], in.Dst, a, 0)
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpShl, ir.OpShr, ir.OpSar:
		a := e.reg(in.Args[0], scratchA)
		if bo := in.Args[1]; bo.IsImm && fitsInt32(bo.Imm) {
			e.header(aluOps[in.Code]|immFlag, in.Dst, a, 0)
			w.Emit32(uint32(bo.Imm))
			return nil
		}
		bReg := e.reg(in.Args[1], scratchB)
		e.header(aluOps[in.Code], in.Dst, a, bReg)
	case ir.OpSetCond:
		a := e.reg(in.Args[0], scratchA)
		bReg := e.reg(in.Args[1], scratchB)
		e.header(opSetCond, in.Dst, a, bReg)
		w.Emit32(uint32(in.Cond))
	case ir.OpLdEnv:
		e.ldEnv(in.Dst, int32(in.Aux))
	case ir.OpStEnv:
		e.stEnv(in.Args[0], int32(in.Aux))
	case ir.OpLd:
		addr := e.reg(in.Args[0], scratchA)
		s := slowPath{in: in, label: w.NewLabel(), resume: w.NewLabel(), addr: addr}
		e.header(opLd, in.Dst, addr, 0)
		w.Emit32(uint32(in.Mem))
		e.branch(s.label)
		w.Bind(s.resume)
		e.slow = append(e.slow, s)
	case ir.OpSt:
		val := e.reg(in.Args[0], scratchB)
		addr := e.reg(in.Args[1], scratchA)
		s := slowPath{in: in, label: w.NewLabel(), resume: w.NewLabel(), addr: addr, val: val}
		e.header(opSt, 0, val, addr)
		w.Emit32(uint32(in.Mem))
		e.branch(s.label)
		w.Bind(s.resume)
		e.slow = append(e.slow, s)
	case ir.OpCall:
		for j, a := range in.Uses() {
			e.stEnv(a, cpu.HelperArgOffset(j))
		}
		e.leave(backend.EncodeExit(backend.CodeHelper, 0, uint16(in.Aux), 0), in)
		if in.Dst != regalloc.NoReg {
			e.ldEnv(in.Dst, cpu.OffHelperRet)
		}
	case ir.OpBr:
		e.header(opBr, 0, 0, 0)
		e.branch(int(in.Label))
	case ir.OpBrCond:
		a := e.reg(in.Args[0], scratchA)
		bReg := e.reg(in.Args[1], scratchB)
		e.header(opBrCond, regalloc.Reg(in.Cond), a, bReg)
		e.branch(int(in.Label))
	case ir.OpGotoTB:
		slot := int(in.Aux)
		e.header(opGotoTB, 0, 0, 0)
		e.layout.JumpSite[slot] = w.Offset()
		w.Emit32(0)
		e.layout.JumpReset[slot] = w.Offset()
	case ir.OpExit:
		e.exit(backend.BlockExitWord(ir.ExitKind(in.Aux), in.Args[0].Imm), uint64(e.entry))
	default:
		return errors.Internalf("tci: cannot emit %v", in.Code)
	}
	return nil
}

// PatchJump retargets the goto_tb displacement at site. The field is four
// byte aligned and replaced with a single atomic store, so a vCPU running
// the block sees either the old or the new target.
func (b *Backend) PatchJump(a *codebuf.Arena, site, target int) {
	code := a.Bytes()
	disp := int32(target - (site + 4))
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&code[site])), uint32(disp))
}
