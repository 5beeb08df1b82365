package ir

import (
	"fmt"
	"strings"
)

// FormatValue renders an operand.
func (c *Context) FormatValue(v Value) string {
	if v.Const {
		if int64(v.Imm) < 0 && int64(v.Imm) > -4096 {
			return fmt.Sprintf("$%d", int64(v.Imm))
		}
		return fmt.Sprintf("$%#x", v.Imm)
	}
	return c.FormatTemp(v.Temp)
}

// FormatTemp renders a temp, using the global's name when it has one.
func (c *Context) FormatTemp(t Temp) string {
	if t == NoTemp {
		return "_"
	}
	if int(t) < len(c.temps) {
		info := c.temps[t]
		switch info.Kind {
		case TempGlobal:
			if info.Name != "" {
				return info.Name
			}
			return fmt.Sprintf("g%d", t)
		case TempLocal:
			return fmt.Sprintf("loc%d", t)
		}
	}
	return fmt.Sprintf("tmp%d", t)
}

// FormatOp renders one op in the style of TCG op dumps.
func (c *Context) FormatOp(op *Op) string {
	var b strings.Builder
	switch op.Code {
	case OpInsnStart:
		fmt.Fprintf(&b, " ---- %#x", op.Aux)
		return b.String()
	case OpLabel:
		fmt.Fprintf(&b, "L%d:", op.Label)
		return b.String()
	}
	b.WriteString(" ")
	b.WriteString(op.Code.String())
	var parts []string
	if op.Dst != NoTemp {
		parts = append(parts, c.FormatTemp(op.Dst))
	}
	for _, a := range op.Uses() {
		parts = append(parts, c.FormatValue(a))
	}
	switch op.Code {
	case OpSetCond, OpBrCond:
		parts = append(parts, op.Cond.String())
	case OpLd, OpSt:
		parts = append(parts, op.Mem.String())
	case OpLdEnv, OpStEnv:
		parts = append(parts, fmt.Sprintf("env+%d", op.Aux))
	case OpCall:
		name := fmt.Sprintf("helper%d", op.Aux)
		if h := c.Helpers.Lookup(HelperID(op.Aux)); h != nil {
			name = h.Name
		}
		parts = append([]string{name}, parts...)
	case OpGotoTB:
		parts = append(parts, fmt.Sprintf("%d", op.Aux))
	case OpExit:
		parts = append(parts, ExitKind(op.Aux).String())
	}
	if op.Code == OpBr || op.Code == OpBrCond {
		parts = append(parts, fmt.Sprintf("L%d", op.Label))
	}
	if len(parts) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(parts, ","))
	}
	return b.String()
}

// Dump renders the whole op buffer, one op per line.
func (c *Context) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "IN: pc=%#x flags=%#x\n", c.StartPC, c.Flags)
	for i := range c.ops {
		if c.ops[i].Code == OpNop {
			continue
		}
		b.WriteString(c.FormatOp(&c.ops[i]))
		b.WriteByte('\n')
	}
	return b.String()
}
