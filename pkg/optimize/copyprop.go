package optimize

import (
	"github.com/ascrivener/dbt/pkg/ir"
)

// CopyPropagate replaces reads of a temp that was last assigned by a plain
// mov with the mov's source, collapsing mov chains. A copy is forgotten when
// either side is redefined. Copies whose source is a normal temp do not
// survive a branch, since normal temps die there.
func CopyPropagate(c *ir.Context) int {
	ops := c.Ops()
	copies := make(map[ir.Temp]ir.Temp)
	changed := 0

	forget := func(t ir.Temp) {
		delete(copies, t)
		for d, s := range copies {
			if s == t {
				delete(copies, d)
			}
		}
	}
	forgetIf := func(pred func(dst, src ir.Temp) bool) {
		for d, s := range copies {
			if pred(d, s) {
				delete(copies, d)
			}
		}
	}

	for i := range ops {
		op := &ops[i]
		switch op.Code {
		case ir.OpNop, ir.OpInsnStart:
			continue
		case ir.OpLabel:
			clear(copies)
			continue
		}

		for j := 0; j < int(op.NArgs); j++ {
			a := op.Args[j]
			if !a.IsTemp() {
				continue
			}
			if s, ok := copies[a.Temp]; ok {
				op.Args[j] = ir.T(s)
				changed++
			}
		}

		switch op.Code {
		case ir.OpBr, ir.OpBrCond:
			forgetIf(func(d, s ir.Temp) bool {
				return c.Kind(s) == ir.TempNormal || c.Kind(d) == ir.TempNormal
			})
		}
		if clobbersGlobals(c, op) {
			forgetIf(func(d, s ir.Temp) bool {
				return c.Kind(s) == ir.TempGlobal || c.Kind(d) == ir.TempGlobal
			})
		}

		if op.Dst == ir.NoTemp {
			continue
		}
		if op.Code == ir.OpMov && op.Args[0].IsTemp() && op.Args[0].Temp == op.Dst {
			setNop(op)
			changed++
			continue
		}
		forget(op.Dst)
		if op.Code == ir.OpMov && op.Args[0].IsTemp() {
			copies[op.Dst] = op.Args[0].Temp
		}
	}
	return changed
}
