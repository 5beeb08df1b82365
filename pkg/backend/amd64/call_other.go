//go:build !amd64

package amd64

import (
	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/cpu"
)

const native = false

// Run is unavailable off x86-64; the backend still emits and disassembles.
func (b *Backend) Run(a *codebuf.Arena, entry int, env *cpu.Env) (uint64, uint64) {
	panic("amd64: generated code cannot run on this host")
}
