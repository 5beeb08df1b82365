// Package amd64 generates x86-64 machine code for allocated blocks.
//
// Register plan: RDI holds the Env pointer for the whole time generated code
// runs, RAX RCX RDX and R11 are emitter scratch, RSI and R8-R10 are
// allocatable and die at every exit-and-resume point, and RBX RBP R12-R15
// are allocatable and preserved through Env.SaveArea.
package amd64

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/ascrivener/dbt/pkg/backend"
	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/regalloc"
)

const (
	envReg   = RDI
	glueSize = 64
)

var regInfo = &regalloc.RegisterInfo{
	Names: []string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	},
	Allocatable: []regalloc.Reg{
		regalloc.Reg(RSI), regalloc.Reg(R8), regalloc.Reg(R9), regalloc.Reg(R10),
		regalloc.Reg(RBX), regalloc.Reg(RBP), regalloc.Reg(R12), regalloc.Reg(R13),
		regalloc.Reg(R14), regalloc.Reg(R15),
	},
	CallerSaved: regalloc.SetOf(regalloc.Reg(RSI), regalloc.Reg(R8), regalloc.Reg(R9), regalloc.Reg(R10)),
}

// hostSaved are the registers the System V ABI expects preserved across
// the call into generated code.
var hostSaved = []Reg{RBX, RBP, R12, R13, R14, R15}

// Backend implements backend.Host for x86-64.
type Backend struct {
	saved    []regalloc.Reg
	prologue int
	epilogue int
	glued    bool
}

func init() {
	backend.Register("amd64", func() backend.Host { return New() })
}

// New creates an x86-64 backend. EmitGlue must run before the first Emit.
func New() *Backend {
	return &Backend{saved: backend.SaveSlots(regInfo)}
}

func (b *Backend) Name() string { return "amd64" }

func (b *Backend) Native() bool { return native }

func (b *Backend) RegisterInfo() *regalloc.RegisterInfo { return regInfo }

func (b *Backend) GlueSize() int { return glueSize }

// EmitGlue writes the shared entry and exit sequences. The prologue is
// called with the Env pointer in RDI and the target address in RSI; the
// epilogue returns the exit word in RAX and its argument in RDX.
func (b *Backend) EmitGlue(w *codebuf.Writer) error {
	a := NewAssembler(w)
	b.prologue = a.Offset()
	for _, r := range hostSaved {
		a.Push(r)
	}
	a.JmpReg(RSI)

	b.epilogue = a.Offset()
	for i := len(hostSaved) - 1; i >= 0; i-- {
		a.Pop(hostSaved[i])
	}
	a.Ret()
	if err := w.Err(); err != nil {
		return err
	}
	b.glued = true
	return nil
}

// Disassemble decodes [start, end) of code, one instruction per line.
func (b *Backend) Disassemble(code []byte, start, end int) []string {
	var out []string
	for off := start; off < end; {
		inst, err := x86asm.Decode(code[off:end], 64)
		if err != nil {
			out = append(out, fmt.Sprintf("%#06x: %-24s db %#02x", off, fmt.Sprintf("%02x", code[off]), code[off]))
			off++
			continue
		}
		hexBytes := make([]string, 0, inst.Len)
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[off+i]))
		}
		out = append(out, fmt.Sprintf("%#06x: %-24s %s", off, strings.Join(hexBytes, " "), x86asm.IntelSyntax(inst, uint64(off), nil)))
		off += inst.Len
	}
	return out
}
