package ir

import (
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/types"
)

// Memory is the guest memory seen by a load or store op.
type Memory interface {
	Load(vaddr uint64, mem MemOp) (uint64, error)
	Store(vaddr uint64, val uint64, mem MemOp) error
}

// Result is how a block left.
type Result struct {
	Kind  ExitKind
	Arg   uint64
	Fault *types.Fault // set for ExitException
}

// Interpreter executes a block's IR directly. It is the reference semantics
// the compiled code is checked against, and the engine's no-JIT mode.
type Interpreter struct {
	Env      *cpu.Env
	Mem      Memory
	MaxSteps int
}

const defaultMaxSteps = 1 << 20

// Run executes c from its first op until an exit.
func (in *Interpreter) Run(c *Context) (Result, error) {
	ops := c.Ops()
	labels := make([]int, c.NumLabels())
	for i := range labels {
		labels[i] = -1
	}
	for i := range ops {
		if ops[i].Code == OpLabel {
			labels[ops[i].Label] = i
		}
	}
	vals := make([]uint64, c.NumTemps())
	read := func(v Value) uint64 {
		if v.Const {
			return v.Imm
		}
		if c.temps[v.Temp].Kind == TempGlobal {
			return in.Env.Load(c.temps[v.Temp].EnvOffset)
		}
		return vals[v.Temp]
	}
	write := func(t Temp, x uint64) {
		if t == NoTemp {
			return
		}
		if c.temps[t].Kind == TempGlobal {
			in.Env.Store(c.temps[t].EnvOffset, x)
			return
		}
		vals[t] = x
	}
	fault := func(op *Op, err error) (Result, error) {
		var f *types.Fault
		if !errors.As(err, &f) {
			return Result{}, err
		}
		in.Env.PC = op.PC
		return Result{Kind: ExitException, Arg: uint64(f.Cause), Fault: f}, nil
	}

	maxSteps := in.MaxSteps
	if maxSteps == 0 {
		maxSteps = defaultMaxSteps
	}
	steps := 0
	for i := 0; i < len(ops); i++ {
		if steps++; steps > maxSteps {
			return Result{}, errors.Internalf("block at %#x did not exit after %d ops", c.StartPC, maxSteps)
		}
		op := &ops[i]
		switch op.Code {
		case OpNop, OpInsnStart, OpLabel, OpGotoTB:
		case OpMov, OpNeg, OpNot, OpExtS8, OpExtU8, OpExtS16, OpExtU16, OpExtS32, OpExtU32:
			write(op.Dst, EvalUnary(op.Code, read(op.Args[0])))
		case OpAdd, OpSub, OpMul, OpAnd, OpOr, OpXor, OpShl, OpShr, OpSar:
			write(op.Dst, EvalBinary(op.Code, read(op.Args[0]), read(op.Args[1])))
		case OpSetCond:
			var x uint64
			if op.Cond.Eval(read(op.Args[0]), read(op.Args[1])) {
				x = 1
			}
			write(op.Dst, x)
		case OpLdEnv:
			write(op.Dst, in.Env.Load(int32(op.Aux)))
		case OpStEnv:
			in.Env.Store(int32(op.Aux), read(op.Args[0]))
		case OpLd:
			in.Env.InsnPC, in.Env.InsnNext = op.PC, op.NextPC
			x, err := in.Mem.Load(read(op.Args[0]), op.Mem)
			if err != nil {
				return fault(op, err)
			}
			write(op.Dst, x)
		case OpSt:
			in.Env.InsnPC, in.Env.InsnNext = op.PC, op.NextPC
			if err := in.Mem.Store(read(op.Args[1]), read(op.Args[0]), op.Mem); err != nil {
				return fault(op, err)
			}
		case OpCall:
			in.Env.InsnPC, in.Env.InsnNext = op.PC, op.NextPC
			var args [3]uint64
			for j, a := range op.Uses() {
				args[j] = read(a)
			}
			x, err := c.Helpers.Call(HelperID(op.Aux), in.Env, args[:op.NArgs])
			if err != nil {
				return fault(op, err)
			}
			write(op.Dst, x)
		case OpBr:
			i = labels[op.Label]
		case OpBrCond:
			if op.Cond.Eval(read(op.Args[0]), read(op.Args[1])) {
				i = labels[op.Label]
			}
		case OpExit:
			kind := ExitKind(op.Aux)
			res := Result{Kind: kind, Arg: op.Args[0].Imm}
			if kind == ExitException {
				pc := types.GuestAddr(in.Env.PC)
				res.Fault = types.NewFault(types.FaultCause(res.Arg), pc, pc)
			}
			return res, nil
		default:
			return Result{}, errors.Internalf("interpreter: unknown op %v", op.Code)
		}
	}
	return Result{}, errors.Internalf("block at %#x fell off the end", c.StartPC)
}
