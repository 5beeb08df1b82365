package ir

import (
	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/errors"
)

// Temp is a virtual register id, an index into the context's temp table.
type Temp int32

// NoTemp marks an unused destination.
const NoTemp Temp = -1

// TempKind decides a temp's lifetime.
type TempKind uint8

const (
	// TempNormal dies at the next label, branch or block end.
	TempNormal TempKind = iota
	// TempLocal survives labels and branches inside one block.
	TempLocal
	// TempGlobal is backed by a fixed Env slot and live across blocks.
	TempGlobal
)

func (k TempKind) String() string {
	switch k {
	case TempNormal:
		return "normal"
	case TempLocal:
		return "local"
	case TempGlobal:
		return "global"
	}
	return "?"
}

// TempInfo is one row of the temp table.
type TempInfo struct {
	Kind      TempKind
	Name      string
	EnvOffset int32 // globals only
}

// Label is an intra-block branch target.
type Label int32

const NoLabel Label = -1

// Value is an op operand: a temp or a 64-bit constant.
type Value struct {
	Temp  Temp
	Imm   uint64
	Const bool
}

// T wraps a temp as an operand.
func T(t Temp) Value { return Value{Temp: t} }

// C wraps a constant as an operand.
func C(v uint64) Value { return Value{Temp: NoTemp, Imm: v, Const: true} }

// CI wraps a signed constant as an operand.
func CI(v int64) Value { return C(uint64(v)) }

// IsTemp reports whether v refers to a temp.
func (v Value) IsTemp() bool { return !v.Const && v.Temp != NoTemp }

// Op is one micro-op in the op buffer.
type Op struct {
	Code  Opcode
	Dst   Temp
	Args  [3]Value
	NArgs uint8
	Cond  Cond
	Mem   MemOp
	Label Label
	// Aux holds the opcode-specific integer: guest pc (insn_start), Env
	// offset (ld_env/st_env), helper id (call), goto_tb slot, exit kind.
	Aux int64
	// PC and NextPC are the guest pcs of the instruction the op belongs to
	// and of the instruction after it.
	PC     uint64
	NextPC uint64
}

// Uses returns the operands the op reads.
func (o *Op) Uses() []Value {
	return o.Args[:o.NArgs]
}

// Context owns one block's IR while it is being compiled. One Context per
// vCPU, reused across blocks; globals survive Reset.
type Context struct {
	ops      []Op
	temps    []TempInfo
	nglobals int
	nlabels  int
	insnPCs  []uint64

	Helpers *HelperTable

	StartPC uint64
	Flags   uint32
	curPC   uint64
	err     error
}

// NewContext creates an empty context.
func NewContext(helpers *HelperTable) *Context {
	if helpers == nil {
		helpers = NewHelperTable()
	}
	return &Context{
		ops:     make([]Op, 0, 256),
		temps:   make([]TempInfo, 0, 64),
		Helpers: helpers,
	}
}

// NewGlobal registers a guest-state-backed temp. Globals must be registered
// before the first Reset and keep their ids for the life of the context.
func (c *Context) NewGlobal(name string, envOffset int32) Temp {
	if len(c.temps) != c.nglobals {
		panic("ir: globals must be registered before any other temp")
	}
	c.temps = append(c.temps, TempInfo{Kind: TempGlobal, Name: name, EnvOffset: envOffset})
	c.nglobals++
	return Temp(len(c.temps) - 1)
}

// Reset clears the op buffer, block temps and labels for a new block.
func (c *Context) Reset(pc uint64, flags uint32) {
	c.ops = c.ops[:0]
	c.temps = c.temps[:c.nglobals]
	c.nlabels = 0
	c.insnPCs = c.insnPCs[:0]
	c.StartPC = pc
	c.Flags = flags
	c.curPC = pc
	c.err = nil
}

// Err returns the first error recorded while building (e.g. op buffer overflow).
func (c *Context) Err() error { return c.err }

// Ops returns the op buffer. Passes rewrite entries in place.
func (c *Context) Ops() []Op { return c.ops }

// NumTemps returns the size of the temp table.
func (c *Context) NumTemps() int { return len(c.temps) }

// NumGlobals returns how many globals are registered.
func (c *Context) NumGlobals() int { return c.nglobals }

// NumLabels returns how many labels were allocated.
func (c *Context) NumLabels() int { return c.nlabels }

// NumInsns returns how many guest instructions were started.
func (c *Context) NumInsns() int { return len(c.insnPCs) }

// TempInfo returns the temp table row for t.
func (c *Context) TempInfo(t Temp) TempInfo { return c.temps[t] }

// Kind returns the kind of t.
func (c *Context) Kind(t Temp) TempKind { return c.temps[t].Kind }

// Globals returns the ids of all globals.
func (c *Context) Globals() []Temp {
	g := make([]Temp, c.nglobals)
	for i := range g {
		g[i] = Temp(i)
	}
	return g
}

// NewTemp allocates a normal temp.
func (c *Context) NewTemp() Temp { return c.newTemp(TempNormal) }

// NewLocal allocates a temp that survives labels.
func (c *Context) NewLocal() Temp { return c.newTemp(TempLocal) }

func (c *Context) newTemp(kind TempKind) Temp {
	if len(c.temps)-c.nglobals >= constants.MaxTempsPerBlock {
		c.fail(errors.ErrBlockTooLarge)
	}
	c.temps = append(c.temps, TempInfo{Kind: kind})
	return Temp(len(c.temps) - 1)
}

// NewLabel allocates a label.
func (c *Context) NewLabel() Label {
	if c.nlabels >= constants.MaxLabels {
		c.fail(errors.ErrBlockTooLarge)
	}
	c.nlabels++
	return Label(c.nlabels - 1)
}

func (c *Context) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *Context) emit(op Op) *Op {
	if len(c.ops) >= constants.MaxOpsPerBlock {
		c.fail(errors.ErrBlockTooLarge)
	}
	op.PC = c.curPC
	c.ops = append(c.ops, op)
	return &c.ops[len(c.ops)-1]
}

// Append adds a fully formed op; used by tests and passes that synthesize ops.
func (c *Context) Append(op Op) {
	c.ops = append(c.ops, op)
}

// SetOps replaces the op buffer.
func (c *Context) SetOps(ops []Op) { c.ops = ops }

// Compact drops Nop ops from the buffer.
func (c *Context) Compact() {
	out := c.ops[:0]
	for _, op := range c.ops {
		if op.Code != OpNop {
			out = append(out, op)
		}
	}
	c.ops = out
}

// InsnStart marks the start of the guest instruction at pc.
func (c *Context) InsnStart(pc uint64) {
	c.curPC = pc
	c.insnPCs = append(c.insnPCs, pc)
	c.emit(Op{Code: OpInsnStart, Dst: NoTemp, Aux: int64(pc), Label: NoLabel})
}

// Finish fills in NextPC for every op; endPC is the pc after the last instruction.
func (c *Context) Finish(endPC uint64) {
	next := make(map[uint64]uint64, len(c.insnPCs))
	for i, pc := range c.insnPCs {
		if i+1 < len(c.insnPCs) {
			next[pc] = c.insnPCs[i+1]
		} else {
			next[pc] = endPC
		}
	}
	for i := range c.ops {
		if n, ok := next[c.ops[i].PC]; ok {
			c.ops[i].NextPC = n
		} else {
			c.ops[i].NextPC = endPC
		}
	}
}

// Mov emits dst = a.
func (c *Context) Mov(dst Temp, a Value) {
	c.emit(Op{Code: OpMov, Dst: dst, Args: [3]Value{a}, NArgs: 1, Label: NoLabel})
}

// Movi emits dst = imm.
func (c *Context) Movi(dst Temp, imm uint64) {
	c.Mov(dst, C(imm))
}

// Binary emits dst = a <op> b.
func (c *Context) Binary(op Opcode, dst Temp, a, b Value) {
	if !op.IsBinary() {
		c.fail(errors.Internalf("%v is not a binary op", op))
		return
	}
	c.emit(Op{Code: op, Dst: dst, Args: [3]Value{a, b}, NArgs: 2, Label: NoLabel})
}

// Unary emits dst = <op> a.
func (c *Context) Unary(op Opcode, dst Temp, a Value) {
	if !op.IsUnary() && op != OpMov {
		c.fail(errors.Internalf("%v is not a unary op", op))
		return
	}
	c.emit(Op{Code: op, Dst: dst, Args: [3]Value{a}, NArgs: 1, Label: NoLabel})
}

// SetCond emits dst = (a cond b) ? 1 : 0.
func (c *Context) SetCond(cond Cond, dst Temp, a, b Value) {
	c.emit(Op{Code: OpSetCond, Dst: dst, Args: [3]Value{a, b}, NArgs: 2, Cond: cond, Label: NoLabel})
}

// LdEnv emits dst = *(u64*)(env + off).
func (c *Context) LdEnv(dst Temp, off int32) {
	c.emit(Op{Code: OpLdEnv, Dst: dst, Aux: int64(off), Label: NoLabel})
}

// StEnv emits *(u64*)(env + off) = a.
func (c *Context) StEnv(a Value, off int32) {
	c.emit(Op{Code: OpStEnv, Dst: NoTemp, Args: [3]Value{a}, NArgs: 1, Aux: int64(off), Label: NoLabel})
}

// Ld emits a guest load through the soft-MMU.
func (c *Context) Ld(dst Temp, addr Value, mem MemOp) {
	c.emit(Op{Code: OpLd, Dst: dst, Args: [3]Value{addr}, NArgs: 1, Mem: mem, Label: NoLabel})
}

// St emits a guest store through the soft-MMU.
func (c *Context) St(val, addr Value, mem MemOp) {
	c.emit(Op{Code: OpSt, Dst: NoTemp, Args: [3]Value{val, addr}, NArgs: 2, Mem: mem, Label: NoLabel})
}

// Call emits dst = helper(args...). dst may be NoTemp.
func (c *Context) Call(id HelperID, dst Temp, args ...Value) {
	h := c.Helpers.Lookup(id)
	if h == nil {
		c.fail(errors.Internalf("call to unregistered helper %d", id))
		return
	}
	if len(args) != h.NumArgs || len(args) > 3 {
		c.fail(errors.Internalf("helper %s takes %d args, got %d", h.Name, h.NumArgs, len(args)))
		return
	}
	op := Op{Code: OpCall, Dst: dst, NArgs: uint8(len(args)), Aux: int64(id), Label: NoLabel}
	copy(op.Args[:], args)
	c.emit(op)
}

// SetLabel places l at the current position.
func (c *Context) SetLabel(l Label) {
	c.emit(Op{Code: OpLabel, Dst: NoTemp, Label: l})
}

// Br emits an unconditional branch to l.
func (c *Context) Br(l Label) {
	c.emit(Op{Code: OpBr, Dst: NoTemp, Label: l})
}

// BrCond emits if (a cond b) goto l.
func (c *Context) BrCond(cond Cond, a, b Value, l Label) {
	c.emit(Op{Code: OpBrCond, Dst: NoTemp, Args: [3]Value{a, b}, NArgs: 2, Cond: cond, Label: l})
}

// GotoTB emits the patchable direct jump for successor slot (0 or 1). It
// must be followed by Exit(ExitChain, slot).
func (c *Context) GotoTB(slot int) {
	c.emit(Op{Code: OpGotoTB, Dst: NoTemp, Aux: int64(slot), Label: NoLabel})
}

// Exit leaves the block.
func (c *Context) Exit(kind ExitKind, arg uint64) {
	c.emit(Op{Code: OpExit, Dst: NoTemp, Args: [3]Value{C(arg)}, NArgs: 1, Aux: int64(kind), Label: NoLabel})
}

// Chain emits the standard direct-jump tail: goto_tb slot; exit_tb chain slot.
func (c *Context) Chain(slot int) {
	c.GotoTB(slot)
	c.Exit(ExitChain, uint64(slot))
}
