package optimize

import (
	"github.com/ascrivener/dbt/pkg/ir"
)

// DeadCode removes pure ops whose destination is not read before it is
// redefined or the block ends. Liveness is computed backwards; globals are
// live at every exit and at every op that can observe guest state (faulting
// accesses, helpers that read state, direct Env access).
func DeadCode(c *ir.Context) int {
	ops := c.Ops()
	n := c.NumTemps()
	nglobals := c.NumGlobals()

	live := make([]bool, n)
	atLabel := make([][]bool, c.NumLabels())

	exitLive := func() {
		for t := range live {
			live[t] = t < nglobals
		}
	}
	allLive := func(dst []bool) {
		for t := range dst {
			dst[t] = t < nglobals || c.Kind(ir.Temp(t)) == ir.TempLocal
		}
	}
	merge := func(l ir.Label) {
		src := atLabel[l]
		if src == nil {
			// Backward branch: the target has not been seen yet.
			for t := range live {
				live[t] = live[t] || t < nglobals || c.Kind(ir.Temp(t)) == ir.TempLocal
			}
			return
		}
		for t := range live {
			live[t] = live[t] || src[t]
		}
	}

	exitLive()
	removed := 0
	for i := len(ops) - 1; i >= 0; i-- {
		op := &ops[i]
		switch op.Code {
		case ir.OpNop, ir.OpInsnStart:
			continue
		case ir.OpExit, ir.OpGotoTB:
			exitLive()
			continue
		case ir.OpLabel:
			snap := make([]bool, n)
			copy(snap, live)
			atLabel[op.Label] = snap
			continue
		case ir.OpBr:
			if atLabel[op.Label] == nil {
				allLive(live)
			} else {
				copy(live, atLabel[op.Label])
			}
			continue
		case ir.OpBrCond:
			merge(op.Label)
		}

		if op.Dst != ir.NoTemp && op.Code.Has(ir.OpfPure) && !live[op.Dst] {
			setNop(op)
			removed++
			continue
		}
		if op.Dst != ir.NoTemp {
			live[op.Dst] = false
		}
		if readsGlobals(c, op) {
			for t := 0; t < nglobals; t++ {
				live[t] = true
			}
		}
		for _, a := range op.Uses() {
			if a.IsTemp() {
				live[a.Temp] = true
			}
		}
	}
	return removed
}
