package optimize

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/ir"
)

type nullMemory struct{}

func (nullMemory) Load(vaddr uint64, mem ir.MemOp) (uint64, error) { return vaddr ^ 0x5a, nil }
func (nullMemory) Store(uint64, uint64, ir.MemOp) error         { return nil }

func newContext(helpers *ir.HelperTable) (*ir.Context, []ir.Temp) {
	c := ir.NewContext(helpers)
	regs := make([]ir.Temp, 4)
	for i := range regs {
		regs[i] = c.NewGlobal("r"+string(rune('0'+i)), cpu.RegOffset(i))
	}
	c.Reset(0x1000, 0)
	return c, regs
}

func opLines(c *ir.Context) []string {
	var out []string
	for i := range c.Ops() {
		op := &c.Ops()[i]
		if op.Code == ir.OpNop {
			continue
		}
		out = append(out, c.FormatOp(op))
	}
	return out
}

func TestFoldConstants(t *testing.T) {
	c, r := newContext(nil)
	c.InsnStart(0x1000)
	a, b := c.NewTemp(), c.NewTemp()
	c.Movi(a, 3)
	c.Binary(ir.OpAdd, b, ir.T(a), ir.C(4))
	c.Mov(r[1], ir.T(b))
	c.Exit(ir.ExitNext, 0)

	s := Run(c, DefaultOptions())
	want := []string{" ---- 0x1000", " mov r1,$0x7", " exit_tb $0x0,next"}
	if diff := cmp.Diff(want, opLines(c)); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}
	if s.Folded == 0 || s.Removed != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestCopyPropagation(t *testing.T) {
	c, r := newContext(nil)
	c.InsnStart(0x1000)
	a := c.NewTemp()
	c.Mov(a, ir.T(r[2]))
	c.Binary(ir.OpAdd, r[1], ir.T(a), ir.T(a))
	c.Exit(ir.ExitNext, 0)

	Run(c, DefaultOptions())
	want := []string{" ---- 0x1000", " add r1,r2,r2", " exit_tb $0x0,next"}
	if diff := cmp.Diff(want, opLines(c)); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}
}

func TestDeadGlobalStoreBeforeFaultKept(t *testing.T) {
	c, r := newContext(nil)
	c.InsnStart(0x1000)
	c.Movi(r[1], 5)
	c.Ld(r[2], ir.T(r[3]), ir.MemU64)
	c.Movi(r[1], 6)
	c.Exit(ir.ExitNext, 0)
	Run(c, Options{DCE: true})
	want := []string{" ---- 0x1000", " mov r1,$0x5", " ld r2,r3,u64le,mmu0", " mov r1,$0x6", " exit_tb $0x0,next"}
	if diff := cmp.Diff(want, opLines(c)); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}

	c.Reset(0x1000, 0)
	c.InsnStart(0x1000)
	c.Movi(r[1], 5)
	c.Movi(r[1], 6)
	c.Exit(ir.ExitNext, 0)
	Run(c, Options{DCE: true})
	want = []string{" ---- 0x1000", " mov r1,$0x6", " exit_tb $0x0,next"}
	if diff := cmp.Diff(want, opLines(c)); diff != "" {
		t.Errorf("overwritten global store kept (-want +got):\n%s", diff)
	}
}

func TestConstantBranchFolds(t *testing.T) {
	c, r := newContext(nil)
	l := c.NewLabel()
	c.InsnStart(0x1000)
	a := c.NewTemp()
	c.Movi(a, 1)
	c.BrCond(ir.CondEQ, ir.T(a), ir.C(1), l)
	c.Movi(r[0], 1)
	c.Exit(ir.ExitNext, 0)
	c.SetLabel(l)
	c.Movi(r[0], 2)
	c.Exit(ir.ExitNext, 0)

	Run(c, DefaultOptions())
	lines := opLines(c)
	if diff := cmp.Diff(" br L0", lines[1]); diff != "" {
		t.Errorf("brcond not folded (-want +got):\n%s", diff)
	}
	for _, l := range lines {
		if l == " mov tmp4,$0x1" {
			t.Errorf("dead temp survived: %q", lines)
		}
	}
}

func TestHelperWritingGlobalsStopsFolding(t *testing.T) {
	helpers := ir.NewHelperTable()
	id := helpers.Register(ir.Helper{
		Name:    "clobber",
		NumArgs: 0,
		Flags:   ir.HelperWritesGlobals,
		Fn: func(env *cpu.Env, _ []uint64) (uint64, error) {
			env.Regs[1] = 100
			return 0, nil
		},
	})
	c, r := newContext(helpers)
	c.InsnStart(0x1000)
	c.Movi(r[1], 2)
	c.Call(id, c.NewTemp())
	c.Binary(ir.OpAdd, r[2], ir.T(r[1]), ir.C(1))
	c.Exit(ir.ExitNext, 0)

	Run(c, DefaultOptions())
	env := cpu.New()
	if _, err := (&ir.Interpreter{Env: env, Mem: nullMemory{}}).Run(c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if env.Regs[2] != 101 {
		t.Errorf("r2 = %d, want 101 (value written by helper)", env.Regs[2])
	}
}

// buildMixed emits a block exercising every pass, including a local live
// across a label.
func buildMixed(c *ir.Context, r []ir.Temp) {
	skip := c.NewLabel()
	loc := c.NewLocal()
	c.InsnStart(0x1000)
	t0, t1, t2 := c.NewTemp(), c.NewTemp(), c.NewTemp()
	c.Movi(t0, 8)
	c.Binary(ir.OpShl, t1, ir.T(t0), ir.C(2))
	c.Mov(t2, ir.T(r[1]))
	c.Binary(ir.OpMul, r[2], ir.T(t2), ir.T(t1))
	c.SetCond(ir.CondLT, r[3], ir.T(r[1]), ir.T(r[1]))
	c.Binary(ir.OpXor, loc, ir.T(r[1]), ir.C(0))
	c.InsnStart(0x1004)
	t3 := c.NewTemp()
	c.Ld(t3, ir.T(r[2]), ir.MemU32)
	c.Binary(ir.OpAdd, r[0], ir.T(t3), ir.T(loc))
	c.BrCond(ir.CondGTU, ir.T(r[1]), ir.C(10), skip)
	c.Binary(ir.OpSub, loc, ir.T(loc), ir.C(1))
	c.SetLabel(skip)
	c.Binary(ir.OpOr, r[1], ir.T(loc), ir.C(0x100))
	c.Exit(ir.ExitNext, 0)
	c.Finish(0x1008)
}

func TestOptimizedMatchesInterpreter(t *testing.T) {
	for _, r1 := range []uint64{0, 3, 11, 1 << 40} {
		var envs [2]*cpu.Env
		for i, opt := range []bool{false, true} {
			c, r := newContext(nil)
			buildMixed(c, r)
			if opt {
				Run(c, DefaultOptions())
			}
			if err := c.Validate(); err != nil {
				t.Fatalf("Validate(optimized=%v): %v", opt, err)
			}
			env := cpu.New()
			env.Regs[1] = r1
			if _, err := (&ir.Interpreter{Env: env, Mem: nullMemory{}}).Run(c); err != nil {
				t.Fatalf("Run: %v", err)
			}
			envs[i] = env
		}
		if diff := cmp.Diff(envs[0].Regs, envs[1].Regs); diff != "" {
			t.Errorf("r1=%d: optimized block diverged (-plain +opt):\n%s", r1, diff)
		}
	}
}
