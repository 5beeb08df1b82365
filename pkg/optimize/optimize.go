// Package optimize implements the local IR passes run on every block before
// register allocation: constant folding, copy propagation and dead-code
// elimination. Passes rewrite the op buffer in place; ops with side effects
// are never removed or moved.
package optimize

import (
	"github.com/ascrivener/dbt/pkg/ir"
)

// Options selects which passes run.
type Options struct {
	Fold     bool
	CopyProp bool
	DCE      bool
}

// DefaultOptions enables every pass.
func DefaultOptions() Options {
	return Options{Fold: true, CopyProp: true, DCE: true}
}

// Stats counts what each pass changed.
type Stats struct {
	Folded     int
	Propagated int
	Removed    int
}

// Run applies the enabled passes in order and compacts the buffer.
func Run(c *ir.Context, opts Options) Stats {
	var s Stats
	if opts.Fold {
		s.Folded = Fold(c)
	}
	if opts.CopyProp {
		s.Propagated = CopyPropagate(c)
	}
	if opts.DCE {
		s.Removed = DeadCode(c)
	}
	c.Compact()
	return s
}

func setNop(op *ir.Op) {
	*op = ir.Op{Code: ir.OpNop, Dst: ir.NoTemp, Label: ir.NoLabel, PC: op.PC, NextPC: op.NextPC}
}

func setMov(op *ir.Op, v ir.Value) {
	dst := op.Dst
	pc, next := op.PC, op.NextPC
	*op = ir.Op{Code: ir.OpMov, Dst: dst, Args: [3]ir.Value{v}, NArgs: 1, Label: ir.NoLabel, PC: pc, NextPC: next}
}

// clobbersGlobals reports whether op may change guest state behind the
// passes' backs.
func clobbersGlobals(c *ir.Context, op *ir.Op) bool {
	switch op.Code {
	case ir.OpStEnv:
		return true
	case ir.OpCall:
		h := c.Helpers.Lookup(ir.HelperID(op.Aux))
		return h == nil || h.Flags&ir.HelperWritesGlobals != 0
	}
	return false
}

// readsGlobals reports whether op observes guest state in Env, which means
// every global must hold its current value when op runs.
func readsGlobals(c *ir.Context, op *ir.Op) bool {
	if op.Code.Has(ir.OpfMayFault | ir.OpfEnvAccess) {
		return true
	}
	if op.Code == ir.OpCall {
		h := c.Helpers.Lookup(ir.HelperID(op.Aux))
		return h == nil || h.Flags&(ir.HelperReadsGlobals|ir.HelperMayFault) != 0
	}
	return false
}
