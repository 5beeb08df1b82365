// Package arm64 generates AArch64 machine code for allocated blocks.
//
// X19 holds the Env pointer, X15-X17 are emitter scratch, X0 and X1 carry
// the exit word and argument out of a block and legalize immediate
// addresses and store values, X2-X14 are allocatable and die at every
// exit-and-resume point, and X20-X27 are allocatable and preserved through
// Env.SaveArea. X18 and X28, which the Go runtime keeps g in, are never
// touched by block code.
package arm64

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/ascrivener/dbt/pkg/backend"
	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/regalloc"
)

const (
	envReg   = X19
	glueSize = 64
	frame    = 96
)

var regInfo = func() *regalloc.RegisterInfo {
	ri := &regalloc.RegisterInfo{}
	for r := 0; r < 31; r++ {
		ri.Names = append(ri.Names, fmt.Sprintf("x%d", r))
	}
	ri.Names = append(ri.Names, "sp")
	var caller []regalloc.Reg
	for r := 2; r <= 14; r++ {
		ri.Allocatable = append(ri.Allocatable, regalloc.Reg(r))
		caller = append(caller, regalloc.Reg(r))
	}
	for r := 20; r <= 27; r++ {
		ri.Allocatable = append(ri.Allocatable, regalloc.Reg(r))
	}
	ri.CallerSaved = regalloc.SetOf(caller...)
	return ri
}()

func init() {
	// Every Env field must be reachable with a scaled 12-bit offset.
	if cpu.EnvSize >= 4096*8 {
		panic("arm64: Env exceeds the LDR offset range")
	}
	backend.Register("arm64", func() backend.Host { return New() })
}

// Backend implements backend.Host for AArch64.
type Backend struct {
	saved    []regalloc.Reg
	prologue int
	epilogue int
	glued    bool
}

// New creates an AArch64 backend. EmitGlue must run before the first Emit.
func New() *Backend {
	return &Backend{saved: backend.SaveSlots(regInfo)}
}

func (b *Backend) Name() string { return "arm64" }

func (b *Backend) Native() bool { return native }

func (b *Backend) RegisterInfo() *regalloc.RegisterInfo { return regInfo }

func (b *Backend) GlueSize() int { return glueSize }

// EmitGlue writes the shared entry and exit sequences. The prologue is
// called with the Env pointer in X0 and the target address in X1; the
// epilogue returns the exit word in X0 and its argument in X1.
func (b *Backend) EmitGlue(w *codebuf.Writer) error {
	a := NewAssembler(w)
	b.prologue = a.Offset()
	a.Stp(X29, X30, SP, -frame, true)
	for i := int32(0); i < 5; i++ {
		a.Stp(X19+Reg(2*i), X19+Reg(2*i+1), SP, 16+16*i, false)
	}
	a.Mov(envReg, X0)
	a.Br(X1)

	b.epilogue = a.Offset()
	for i := int32(0); i < 5; i++ {
		a.Ldp(X19+Reg(2*i), X19+Reg(2*i+1), SP, 16+16*i, false)
	}
	a.Ldp(X29, X30, SP, frame, true)
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
	for off := start; off+4 <= end; off += 4 {
		word := binary.LittleEndian.Uint32(code[off:])
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			out = append(out, fmt.Sprintf("%#06x: %08x  .word %#08x", off, word, word))
			continue
		}
		out = append(out, fmt.Sprintf("%#06x: %08x  %s", off, word, arm64asm.GNUSyntax(inst)))
	}
	return out
}
