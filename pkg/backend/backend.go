// Package backend defines what a host code generator provides and the exit
// protocol between generated code and the Go dispatcher.
//
// Generated code never calls into Go. Helper calls and soft-MMU slow paths
// leave the block with an exit word describing the request and the arena
// offset of a resume stub; the dispatcher performs the work, stores the
// result in Env.HelperRet and re-enters at the resume stub, which reloads
// the callee-saved registers from Env.SaveArea and continues.
package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/regalloc"
)

// Layout describes where a block landed in the arena.
type Layout struct {
	Entry int
	End   int
	// JumpSite is the patchable location of each goto_tb slot, or -1.
	JumpSite [2]int
	// JumpReset is where an unlinked slot jumps: the slot's own exit stub.
	JumpReset [2]int
}

// NoJump marks an unused goto_tb slot.
const NoJump = -1

// Host is one host instruction set.
type Host interface {
	Name() string
	// Native reports whether Run executes on this machine.
	Native() bool
	RegisterInfo() *regalloc.RegisterInfo
	// GlueSize is how much of the arena head EmitGlue needs.
	GlueSize() int
	// EmitGlue writes the shared prologue and epilogue.
	EmitGlue(w *codebuf.Writer) error
	// Emit writes one allocated block.
	Emit(w *codebuf.Writer, p *regalloc.Program) (Layout, error)
	// PatchJump points the goto_tb at site to target.
	PatchJump(a *codebuf.Arena, site, target int)
	// Run enters generated code at entry and returns the exit word and
	// argument when it leaves.
	Run(a *codebuf.Arena, entry int, env *cpu.Env) (word, arg uint64)
	// Disassemble renders [start, end) of the arena.
	Disassemble(code []byte, start, end int) []string
}

// Factory creates a host backend.
type Factory func() Host

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register makes a backend available to Select.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Names lists registered backends.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Select returns the backend called name. "auto" picks the first native
// backend, falling back to the portable bytecode backend.
func Select(name string) (Host, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if name == "" || name == "auto" {
		for _, n := range []string{"amd64", "arm64"} {
			if f, ok := registry[n]; ok {
				if h := f(); h.Native() {
					return h, nil
				}
			}
		}
		name = "tci"
	}
	f, ok := registry[name]
	if !ok {
		return nil, errors.Newf("unknown backend %q", name)
	}
	return f(), nil
}

// SaveSlots assigns each callee-saved allocatable register a slot in
// Env.SaveArea, in register order.
func SaveSlots(ri *regalloc.RegisterInfo) []regalloc.Reg {
	var regs []regalloc.Reg
	callee := ri.CalleeSaved()
	for r := 0; r < 64; r++ {
		if callee.Has(regalloc.Reg(r)) {
			regs = append(regs, regalloc.Reg(r))
		}
	}
	if len(regs) > len(cpu.Env{}.SaveArea) {
		panic(fmt.Sprintf("backend: %d callee-saved registers exceed the save area", len(regs)))
	}
	return regs
}
