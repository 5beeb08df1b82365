package ir

import (
	"github.com/ascrivener/dbt/pkg/errors"
)

// Validate checks the structural invariants every later stage relies on.
// Violations are engine bugs and come back as internal errors.
func (c *Context) Validate() error {
	if c.err != nil {
		return c.err
	}
	if len(c.ops) == 0 {
		return errors.Internalf("empty block at %#x", c.StartPC)
	}

	labelSet := make([]bool, c.nlabels)
	for i := range c.ops {
		if c.ops[i].Code == OpLabel {
			l := c.ops[i].Label
			if l < 0 || int(l) >= c.nlabels {
				return errors.Internalf("op %d: label %d out of range", i, l)
			}
			if labelSet[l] {
				return errors.Internalf("op %d: label %d set twice", i, l)
			}
			labelSet[l] = true
		}
	}

	defined := make([]bool, len(c.temps))
	resetNormals := func() {
		for t := c.nglobals; t < len(c.temps); t++ {
			if c.temps[t].Kind == TempNormal {
				defined[t] = false
			}
		}
	}

	for i := range c.ops {
		op := &c.ops[i]
		def := op.Code.Def()
		if op.Code >= numOpcodes {
			return errors.Internalf("op %d: unknown opcode %d", i, op.Code)
		}
		if def.NArgs >= 0 && int(op.NArgs) != def.NArgs {
			return errors.Internalf("op %d (%v): %d args, want %d", i, op.Code, op.NArgs, def.NArgs)
		}
		for _, a := range op.Uses() {
			if a.Const {
				continue
			}
			if a.Temp < 0 || int(a.Temp) >= len(c.temps) {
				return errors.Internalf("op %d (%v): temp %d not allocated", i, op.Code, a.Temp)
			}
			if c.temps[a.Temp].Kind == TempNormal && !defined[a.Temp] {
				return errors.Internalf("op %d (%v): normal temp t%d used outside its extended basic block", i, op.Code, a.Temp)
			}
		}
		if op.Dst != NoTemp {
			if !def.HasDst {
				return errors.Internalf("op %d (%v): unexpected destination", i, op.Code)
			}
			if op.Dst < 0 || int(op.Dst) >= len(c.temps) {
				return errors.Internalf("op %d (%v): destination temp %d not allocated", i, op.Code, op.Dst)
			}
			defined[op.Dst] = true
		} else if def.HasDst && op.Code != OpCall {
			return errors.Internalf("op %d (%v): missing destination", i, op.Code)
		}

		switch op.Code {
		case OpCall:
			h := c.Helpers.Lookup(HelperID(op.Aux))
			if h == nil {
				return errors.Internalf("op %d: unregistered helper %d", i, op.Aux)
			}
			if int(op.NArgs) != h.NumArgs {
				return errors.Internalf("op %d: helper %s takes %d args, got %d", i, h.Name, h.NumArgs, op.NArgs)
			}
		case OpBr, OpBrCond:
			if op.Label < 0 || int(op.Label) >= c.nlabels || !labelSet[op.Label] {
				return errors.Internalf("op %d (%v): branch to unset label %d", i, op.Code, op.Label)
			}
			resetNormals()
		case OpLabel:
			resetNormals()
		case OpGotoTB:
			if op.Aux != 0 && op.Aux != 1 {
				return errors.Internalf("op %d: goto_tb slot %d", i, op.Aux)
			}
			if i+1 >= len(c.ops) || c.ops[i+1].Code != OpExit || ExitKind(c.ops[i+1].Aux) != ExitChain ||
				int64(c.ops[i+1].Args[0].Imm) != op.Aux {
				return errors.Internalf("op %d: goto_tb %d not followed by its chain exit", i, op.Aux)
			}
		case OpExit:
			if !op.Args[0].Const {
				return errors.Internalf("op %d: exit argument must be constant", i)
			}
			if ExitKind(op.Aux) == ExitChain && op.Args[0].Imm > 1 {
				return errors.Internalf("op %d: chain exit slot %d", i, op.Args[0].Imm)
			}
			resetNormals()
		}
	}

	last := c.ops[len(c.ops)-1].Code
	if last != OpExit && last != OpBr {
		return errors.Internalf("block at %#x does not end with an exit (last op %v)", c.StartPC, last)
	}
	return nil
}
