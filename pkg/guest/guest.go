// Package guest is the boundary between the engine and a guest
// architecture. A Decoder turns guest instructions into IR; the engine
// owns everything else.
package guest

import (
	"context"

	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/types"
)

// Fetch reads size bytes of guest code at pc, little-endian. It returns a
// *types.Fault when pc cannot be executed.
type Fetch func(pc uint64, size int) (uint64, error)

// Global names one piece of guest state kept in Env.
type Global struct {
	Name   string
	Offset int32
}

// Block describes what Translate produced.
type Block struct {
	EndPC    uint64 // pc after the last translated instruction
	NumInsns int
}

// Decoder translates guest code. One Decoder is shared by every vCPU; it
// must not keep per-block state.
type Decoder interface {
	Name() string

	// Globals lists the guest state the decoder's IR refers to. Setup
	// registers them in this order, so the i-th global is ir.Temp(i).
	Globals() []Global

	// RegisterHelpers adds the decoder's out-of-line routines to h. Called
	// once, before any Translate.
	RegisterHelpers(h *ir.HelperTable)

	// Translate appends the IR of at most maxInsns instructions starting
	// at pc to c, which was Reset by the caller. The block always ends in
	// an exit. A fault on the first fetch is returned as the error; a
	// fault on a later fetch ends the block before that instruction.
	Translate(ctx context.Context, c *ir.Context, pc uint64, flags types.Flags, fetch Fetch, maxInsns int) (Block, error)
}

// Setup registers d's globals in c. c must be fresh.
func Setup(c *ir.Context, d Decoder) {
	for _, g := range d.Globals() {
		c.NewGlobal(g.Name, g.Offset)
	}
}
