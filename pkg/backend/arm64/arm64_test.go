package arm64

import (
	"encoding/binary"
	"strings"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/ascrivener/dbt/pkg/backend"
	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/optimize"
	"github.com/ascrivener/dbt/pkg/regalloc"
)

func TestEncodings(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *Assembler)
		want uint32
	}{
		{"mov x0, x1", func(a *Assembler) { a.Mov(X0, X1) }, 0xAA0103E0},
		{"ldr x15, [x19, #8]", func(a *Assembler) { a.Ldr(X15, X19, 8) }, 0xF940066F},
		{"add x2, x3, #1", func(a *Assembler) { a.AddImm(2, 3, 1) }, 0x91000462},
		{"cset x2, eq", func(a *Assembler) { a.Cset(2, CondEQ) }, 0x9A9F17E2},
		{"stp x29, x30, [sp, #-96]!", func(a *Assembler) { a.Stp(X29, X30, SP, -96, true) }, 0xA9BA7BFD},
		{"rev x0, x1", func(a *Assembler) { a.Rev(X0, X1) }, 0xDAC00C20},
		{"movz x0, #0x1234", func(a *Assembler) { a.LoadImm(X0, 0x1234) }, 0xD2824680},
		{"lsl x0, x1, #3", func(a *Assembler) { a.LslImm(X0, X1, 3) }, 0xD37DF020},
		{"br x1", func(a *Assembler) { a.Br(X1) }, 0xD61F0020},
		{"ret", func(a *Assembler) { a.Ret() }, 0xD65F03C0},
	}
	for _, tt := range tests {
		w := codebuf.NewWriter(make([]byte, 16))
		tt.emit(NewAssembler(w))
		got := w.Bytes()
		if len(got) != 4 {
			t.Errorf("%s: emitted %d bytes, want 4", tt.name, len(got))
			continue
		}
		if diff := cmp.Diff(tt.want, binary.LittleEndian.Uint32(got)); diff != "" {
			t.Errorf("%s: encoding mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestLoadImmRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 0xFFFF0000, ^uint64(0), ^uint64(0x1234), 0x123456789ABCDEF0, 1 << 63} {
		w := codebuf.NewWriter(make([]byte, 32))
		NewAssembler(w).LoadImm(X0, v)
		var got uint64
		code := w.Bytes()
		for off := 0; off < len(code); off += 4 {
			inst := binary.LittleEndian.Uint32(code[off:])
			imm := uint64(inst>>5&0xFFFF) << (16 * (inst >> 21 & 3))
			switch inst & 0xFF800000 {
			case 0xD2800000:
				got = imm
			case 0x92800000:
				got = ^imm
			case 0xF2800000:
				shift := 16 * (inst >> 21 & 3)
				got = got&^(0xFFFF<<shift) | imm
			default:
				t.Fatalf("LoadImm(%#x) emitted %#08x", v, inst)
			}
		}
		if got != v {
			t.Errorf("LoadImm(%#x) loads %#x", v, got)
		}
	}
}

type harness struct {
	t       *testing.T
	b       *Backend
	arena   *codebuf.Arena
	region  *codebuf.Region
	helpers *ir.HelperTable
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	a, err := codebuf.NewArena(1 << 20)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	b := New()
	gw, err := a.Reserve(b.GlueSize())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := b.EmitGlue(gw); err != nil {
		t.Fatalf("EmitGlue: %v", err)
	}
	a.Finalize(0, gw.Offset())
	r, err := a.NewRegion(0)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	return &harness{t: t, b: b, arena: a, region: r, helpers: ir.NewHelperTable()}
}

func (h *harness) nativeOnly() {
	if !h.b.Native() || !h.arena.Executable() {
		h.t.Skip("AArch64 code cannot run on this host")
	}
}

func (h *harness) compile(pc uint64, build func(c *ir.Context, x []ir.Temp)) backend.Layout {
	h.t.Helper()
	c := ir.NewContext(h.helpers)
	x := make([]ir.Temp, 4)
	for i := range x {
		x[i] = c.NewGlobal("x"+string(rune('0'+i)), cpu.RegOffset(i))
	}
	c.Reset(pc, 0)
	build(c, x)
	c.Finish(pc + 4)
	if err := c.Validate(); err != nil {
		h.t.Fatalf("Validate: %v", err)
	}
	optimize.Run(c, optimize.DefaultOptions())
	p, err := regalloc.New(h.b.RegisterInfo()).Allocate(c)
	if err != nil {
		h.t.Fatalf("Allocate: %v", err)
	}
	w := h.region.Writer()
	l, err := h.b.Emit(w, p)
	if err != nil {
		h.t.Fatalf("Emit: %v", err)
	}
	h.region.Commit(w)
	h.arena.Finalize(l.Entry, l.End)
	return l
}

func (h *harness) run(entry int, env *cpu.Env) backend.Exit {
	word, arg := h.b.Run(h.arena, entry, env)
	return backend.DecodeExit(word, arg)
}

func loadAddOne(c *ir.Context, x []ir.Temp) {
	c.InsnStart(0x1000)
	c.Ld(x[1], ir.T(x[0]), ir.MemU64)
	c.InsnStart(0x1004)
	c.Binary(ir.OpAdd, x[1], ir.T(x[1]), ir.C(1))
	c.Exit(ir.ExitNext, 0)
}

func mixed(c *ir.Context, x []ir.Temp) {
	c.InsnStart(0x1000)
	t := c.NewTemp()
	c.Binary(ir.OpSub, t, ir.C(100), ir.T(x[1]))
	c.Binary(ir.OpShl, x[2], ir.T(t), ir.T(x[3]))
	c.Binary(ir.OpMul, x[3], ir.T(x[3]), ir.C(0x123456789))
	c.SetCond(ir.CondLTU, x[0], ir.T(x[1]), ir.T(x[2]))
	c.St(ir.T(x[2]), ir.T(x[1]), ir.MemU16|ir.MemBE)
	c.Unary(ir.OpExtS8, x[1], ir.T(x[2]))
	c.Chain(0)
}

func TestBlocksDecodeCleanly(t *testing.T) {
	h := newHarness(t)
	for _, build := range []func(*ir.Context, []ir.Temp){loadAddOne, mixed} {
		l := h.compile(0x1000, build)
		text := strings.Join(h.b.Disassemble(h.arena.Bytes(), l.Entry, l.End), "\n")
		if strings.Contains(text, ".word") {
			t.Errorf("undecodable words in block:\n%s", text)
		}
		if !strings.Contains(text, "cbnz") {
			t.Errorf("block lacks the pending-exit check:\n%s", text)
		}
	}
}

func TestGotoTBSite(t *testing.T) {
	h := newHarness(t)
	l := h.compile(0x1000, mixed)
	site := l.JumpSite[0]
	code := h.arena.Bytes()
	if l.JumpReset[0] != site+4 {
		t.Fatalf("JumpReset = %#x, want %#x", l.JumpReset[0], site+4)
	}
	if inst := binary.LittleEndian.Uint32(code[site:]); inst != 0x14000001 {
		t.Fatalf("unlinked jump = %#08x, want b .+4", inst)
	}

	target := l.Entry
	h.b.PatchJump(h.arena, site, target)
	inst, err := arm64asm.Decode(code[site : site+4])
	if err != nil {
		t.Fatalf("decode patched jump: %v", err)
	}
	if inst.Op != arm64asm.B || inst.Args[0] != arm64asm.PCRel(target-site) {
		t.Errorf("patched jump = %v", inst)
	}

	h.b.PatchJump(h.arena, site, l.JumpReset[0])
	if inst := binary.LittleEndian.Uint32(code[site:]); inst != 0x14000001 {
		t.Errorf("reset jump = %#08x, want b .+4", inst)
	}
}

func TestEmitRequiresGlue(t *testing.T) {
	b := New()
	w := codebuf.NewWriter(make([]byte, 256))
	if _, err := b.Emit(w, &regalloc.Program{}); err == nil {
		t.Fatalf("Emit without glue succeeded")
	}
}

func TestNativeSlowPathResume(t *testing.T) {
	h := newHarness(t)
	h.nativeOnly()
	l := h.compile(0x1000, loadAddOne)
	env := cpu.New()
	env.Regs[0] = 0x8000

	ex := h.run(l.Entry, env)
	if ex.Code != backend.CodeSlowLoad || env.HelperArgs[0] != 0x8000 || env.InsnPC != 0x1000 {
		t.Fatalf("exit = %v addr=%#x pc=%#x", ex, env.HelperArgs[0], env.InsnPC)
	}
	env.HelperRet = 41
	if ex := h.run(int(ex.Arg), env); ex.Code != backend.CodeNext {
		t.Fatalf("exit after resume = %v", ex)
	}
	if env.Regs[1] != 42 {
		t.Errorf("r1 = %d, want 42", env.Regs[1])
	}
}

func TestNativeFastPath(t *testing.T) {
	h := newHarness(t)
	h.nativeOnly()
	l := h.compile(0x1000, loadAddOne)

	page := make([]uint64, 512)
	page[0x10] = 41
	env := cpu.New()
	e := env.Entry(0, 0x8000)
	e.AddrRead = 0x8000
	e.Addend = uint64(uintptr(unsafe.Pointer(&page[0]))) - 0x8000
	env.Regs[0] = 0x8080

	if ex := h.run(l.Entry, env); ex.Code != backend.CodeNext {
		t.Fatalf("exit = %v, want next without a slow path", ex)
	}
	if env.Regs[1] != 42 {
		t.Errorf("r1 = %d, want 42", env.Regs[1])
	}
}

func TestNativeMixedBlock(t *testing.T) {
	h := newHarness(t)
	h.nativeOnly()
	l := h.compile(0x1000, mixed)

	page := make([]byte, 4096)
	env := cpu.New()
	e := env.Entry(0, 0x8000)
	e.AddrRead = 0x8000
	e.AddrWrite = 0x8000
	e.Addend = uint64(uintptr(unsafe.Pointer(&page[0]))) - 0x8000
	env.Regs[1] = 0x8010
	env.Regs[3] = 3

	ex := h.run(l.Entry, env)
	if ex.Code != backend.CodeChain || ex.Slot != 0 {
		t.Fatalf("exit = %v", ex)
	}
	r1 := uint64(0x8010)
	x2 := (100 - r1) << 3
	want := [4]uint64{0, uint64(int64(int8(x2))), x2, 3 * 0x123456789}
	if 0x8010 < x2 {
		want[0] = 1
	}
	got := [4]uint64{env.Regs[0], env.Regs[1], env.Regs[2], env.Regs[3]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("registers (-want +got):\n%s", diff)
	}
	if page[0x10] != byte(x2>>8) || page[0x11] != byte(x2) {
		t.Errorf("big-endian store wrote %#x %#x", page[0x10], page[0x11])
	}
}

func TestNativeHelperAndInterrupt(t *testing.T) {
	h := newHarness(t)
	h.nativeOnly()
	id := h.helpers.Register(ir.Helper{Name: "add3", NumArgs: 2})
	l := h.compile(0x1000, func(c *ir.Context, x []ir.Temp) {
		c.InsnStart(0x1000)
		c.Binary(ir.OpAdd, x[3], ir.T(x[3]), ir.C(1))
		c.Call(id, x[1], ir.T(x[2]), ir.C(3))
		c.Binary(ir.OpAdd, x[1], ir.T(x[1]), ir.T(x[3]))
		c.Exit(ir.ExitNext, 0)
	})
	env := cpu.New()
	env.Regs[2] = 5
	env.Regs[3] = 100
	ex := h.run(l.Entry, env)
	if ex.Code != backend.CodeHelper || ex.Aux != uint16(id) || env.HelperArgs[1] != 3 {
		t.Fatalf("exit = %v args=%v", ex, env.HelperArgs[:2])
	}
	env.HelperRet = 15
	if ex := h.run(int(ex.Arg), env); ex.Code != backend.CodeNext {
		t.Fatalf("exit after helper = %v", ex)
	}
	if env.Regs[1] != 116 {
		t.Errorf("r1 = %d, want 116", env.Regs[1])
	}

	env.Kick(cpu.ExitReqInterrupt)
	if ex := h.run(l.Entry, env); ex.Code != backend.CodeInterrupt || env.PC != 0x1000 {
		t.Errorf("exit = %v pc=%#x, want interrupt", ex, env.PC)
	}
}
