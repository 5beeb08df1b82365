package optimize

import (
	"github.com/ascrivener/dbt/pkg/ir"
)

// Fold propagates known constants into operands, evaluates pure ops whose
// operands are all constant, and applies algebraic identities. Facts are
// dropped at labels; facts about globals are dropped after ops that may
// write guest state.
func Fold(c *ir.Context) int {
	ops := c.Ops()
	known := make(map[ir.Temp]uint64)
	changed := 0

	forgetGlobals := func() {
		for t := range known {
			if c.Kind(t) == ir.TempGlobal {
				delete(known, t)
			}
		}
	}

	for i := range ops {
		op := &ops[i]
		switch op.Code {
		case ir.OpNop, ir.OpInsnStart:
			continue
		case ir.OpLabel:
			clear(known)
			continue
		}

		for j := 0; j < int(op.NArgs); j++ {
			a := op.Args[j]
			if !a.IsTemp() {
				continue
			}
			if v, ok := known[a.Temp]; ok {
				op.Args[j] = ir.C(v)
				changed++
			}
		}

		switch {
		case op.Code == ir.OpMov:
		case op.Code.IsUnary():
			if op.Args[0].Const {
				setMov(op, ir.C(ir.EvalUnary(op.Code, op.Args[0].Imm)))
				changed++
			}
		case op.Code.IsBinary():
			if foldBinary(op) {
				changed++
			}
		case op.Code == ir.OpSetCond:
			if foldSetCond(op) {
				changed++
			}
		case op.Code == ir.OpBrCond:
			if op.Args[0].Const && op.Args[1].Const {
				if op.Cond.Eval(op.Args[0].Imm, op.Args[1].Imm) {
					l := op.Label
					*op = ir.Op{Code: ir.OpBr, Dst: ir.NoTemp, Label: l, PC: op.PC, NextPC: op.NextPC}
				} else {
					setNop(op)
				}
				changed++
				continue
			}
		}

		if clobbersGlobals(c, op) {
			forgetGlobals()
		}
		if op.Dst != ir.NoTemp {
			delete(known, op.Dst)
			if op.Code == ir.OpMov && op.Args[0].Const {
				known[op.Dst] = op.Args[0].Imm
			}
		}
	}
	return changed
}

func foldBinary(op *ir.Op) bool {
	a, b := op.Args[0], op.Args[1]
	if a.Const && b.Const {
		setMov(op, ir.C(ir.EvalBinary(op.Code, a.Imm, b.Imm)))
		return true
	}
	// Canonicalize constants to the right so emitters see reg, imm.
	if a.Const && op.Code.IsCommutative() {
		op.Args[0], op.Args[1] = b, a
		a, b = b, a
	}
	if !a.Const && !b.Const && a.Temp == b.Temp {
		switch op.Code {
		case ir.OpSub, ir.OpXor:
			setMov(op, ir.C(0))
			return true
		case ir.OpAnd, ir.OpOr:
			setMov(op, a)
			return true
		}
		return false
	}
	if a.Const {
		// 0 << x, 0 >> x
		if a.Imm == 0 && (op.Code == ir.OpShl || op.Code == ir.OpShr || op.Code == ir.OpSar) {
			setMov(op, ir.C(0))
			return true
		}
		return false
	}
	if !b.Const {
		return false
	}
	switch op.Code {
	case ir.OpAdd, ir.OpSub, ir.OpOr, ir.OpXor:
		if b.Imm == 0 {
			setMov(op, a)
			return true
		}
		if op.Code == ir.OpOr && b.Imm == ^uint64(0) {
			setMov(op, b)
			return true
		}
	case ir.OpShl, ir.OpShr, ir.OpSar:
		if b.Imm&63 == 0 {
			setMov(op, a)
			return true
		}
	case ir.OpMul:
		switch b.Imm {
		case 0:
			setMov(op, ir.C(0))
			return true
		case 1:
			setMov(op, a)
			return true
		}
	case ir.OpAnd:
		switch b.Imm {
		case 0:
			setMov(op, ir.C(0))
			return true
		case ^uint64(0):
			setMov(op, a)
			return true
		}
	}
	return false
}

func foldSetCond(op *ir.Op) bool {
	a, b := op.Args[0], op.Args[1]
	var r bool
	switch {
	case a.Const && b.Const:
		r = op.Cond.Eval(a.Imm, b.Imm)
	case !a.Const && !b.Const && a.Temp == b.Temp:
		r = op.Cond.Eval(0, 0)
	case op.Cond == ir.CondAlways || op.Cond == ir.CondNever:
		r = op.Cond == ir.CondAlways
	default:
		if a.Const {
			op.Args[0], op.Args[1] = b, a
			op.Cond = op.Cond.Swap()
		}
		return false
	}
	var v uint64
	if r {
		v = 1
	}
	setMov(op, ir.C(v))
	return true
}
