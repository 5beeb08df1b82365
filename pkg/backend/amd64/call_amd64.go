package amd64

import (
	"runtime"
	"unsafe"

	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/cpu"
)

// Only Linux hands out executable arena mappings.
const native = runtime.GOOS == "linux"

// callJIT calls the glue prologue at code with env in RDI and target in RSI.
// Returns: exit word (RAX), exit argument (RDX)
func callJIT(code, env, target uintptr) (word, arg uint64)

// Run enters generated code at entry and returns when it exits.
func (b *Backend) Run(a *codebuf.Arena, entry int, env *cpu.Env) (uint64, uint64) {
	if !native || !a.Executable() {
		panic("amd64: generated code cannot run on this host")
	}
	base := a.Base()
	word, arg := callJIT(base+uintptr(b.prologue), uintptr(unsafe.Pointer(env)), base+uintptr(entry))
	runtime.KeepAlive(env)
	return word, arg
}
