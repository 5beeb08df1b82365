package amd64

import (
	"strings"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/x86/x86asm"

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
		want []byte
	}{
		{"mov rax, rbx", func(a *Assembler) { a.MovRegReg(RAX, RBX) }, []byte{0x48, 0x89, 0xD8}},
		{"mov r12, [rdi+8]", func(a *Assembler) { a.MovRegMem64(R12, RDI, 8) }, []byte{0x4C, 0x8B, 0x67, 0x08}},
		{"mov rax, [r12]", func(a *Assembler) { a.MovRegMem64(RAX, R12, 0) }, []byte{0x49, 0x8B, 0x04, 0x24}},
		{"and rcx, -4089", func(a *Assembler) { a.AluRegImm32(aluAnd, RCX, -4089) }, []byte{0x48, 0x81, 0xE1, 0x07, 0xF0, 0xFF, 0xFF}},
		{"add rsi, 1", func(a *Assembler) { a.AluRegImm32(aluAdd, RSI, 1) }, []byte{0x48, 0x83, 0xC6, 0x01}},
		{"cmp rcx, [rax+0x200]", func(a *Assembler) { a.AluRegMem64(aluCmp, RCX, RAX, 0x200) }, []byte{0x48, 0x3B, 0x88, 0x00, 0x02, 0x00, 0x00}},
		{"sete sil", func(a *Assembler) { a.Setcc(CCE, RSI) }, []byte{0x40, 0x0F, 0x94, 0xC6}},
		{"cmp dword [rdi+0x100], 0", func(a *Assembler) { a.CmpMem32Imm8(RDI, 0x100, 0) }, []byte{0x83, 0xBF, 0x00, 0x01, 0x00, 0x00, 0x00}},
		{"mov edx, 0x40", func(a *Assembler) { a.MovRegImm32(RDX, 0x40) }, []byte{0xBA, 0x40, 0x00, 0x00, 0x00}},
		{"xor r9d, r9d", func(a *Assembler) { a.MovRegImm(R9, 0) }, []byte{0x45, 0x31, 0xC9}},
		{"push r15", func(a *Assembler) { a.Push(R15) }, []byte{0x41, 0x57}},
		{"jmp rsi", func(a *Assembler) { a.JmpReg(RSI) }, []byte{0xFF, 0xE6}},
		{"bswap r8", func(a *Assembler) { a.Bswap(R8) }, []byte{0x49, 0x0F, 0xC8}},
		{"mov byte [rcx], sil", func(a *Assembler) { a.MovMem8Reg(RCX, 0, RSI) }, []byte{0x40, 0x88, 0x31}},
		{"push rax; nop; nop", func(a *Assembler) { a.Push(RAX); a.Nop(1, 4) }, []byte{0x50, 0x90, 0x90}},
		{"nop when aligned", func(a *Assembler) { a.Nop(0, 4) }, []byte{}},
	}
	for _, tt := range tests {
		w := codebuf.NewWriter(make([]byte, 32))
		tt.emit(NewAssembler(w))
		if diff := cmp.Diff(tt.want, w.Bytes()); diff != "" {
			t.Errorf("%s: encoding mismatch (-want +got):\n%s", tt.name, diff)
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
		h.t.Skip("x86-64 code cannot run on this host")
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
		lines := h.b.Disassemble(h.arena.Bytes(), l.Entry, l.End)
		text := strings.Join(lines, "\n")
		if strings.Contains(text, " db ") {
			t.Errorf("undecodable bytes in block:\n%s", text)
		}
		if !strings.Contains(text, "cmp") || !strings.Contains(text, "jnz") && !strings.Contains(text, "jne") {
			t.Errorf("block lacks the pending-exit check:\n%s", text)
		}
	}
}

func TestGotoTBSite(t *testing.T) {
	h := newHarness(t)
	l := h.compile(0x1000, mixed)
	site := l.JumpSite[0]
	code := h.arena.Bytes()
	if site%4 != 0 || code[site-1] != 0xE9 {
		t.Fatalf("jump site %#x: aligned=%v opcode=%#x", site, site%4 == 0, code[site-1])
	}
	if l.JumpReset[0] != site+4 {
		t.Fatalf("JumpReset = %#x, want %#x", l.JumpReset[0], site+4)
	}

	target := l.Entry
	h.b.PatchJump(h.arena, site, target)
	inst, err := x86asm.Decode(code[site-1:], 64)
	if err != nil {
		t.Fatalf("decode patched jump: %v", err)
	}
	if inst.Op != x86asm.JMP || inst.Args[0] != x86asm.Rel(target-(site+4)) {
		t.Errorf("patched jump = %v", inst)
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
	// t = 100 - 0x8010; x2 = t << 3
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
