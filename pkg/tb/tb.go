// Package tb stores compiled translation blocks. The Cache owns every TB:
// it indexes them by (pc, flags) and by physical code page, patches direct
// jumps between them and takes them apart again when guest code changes.
package tb

import (
	"fmt"
	stdatomic "sync/atomic"

	"go.uber.org/atomic"
	"golang.org/x/crypto/blake2b"

	"github.com/ascrivener/dbt/pkg/backend"
	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/types"
)

// TB is one compiled guest basic block.
type TB struct {
	PC     uint64
	Flags  types.Flags
	PhysPC types.PhysAddr
	// Pages are the physical pages holding the guest bytes. Pages[1] is
	// types.NoPage unless the block crosses a page boundary.
	Pages    [2]types.PhysAddr
	Size     int // guest bytes
	NumInsns int
	Hash     [blake2b.Size256]byte

	Entry    int // arena offset
	CodeSize int

	jumpSite  [2]int
	jumpReset [2]int

	// Guarded by Cache.mu.
	jmpDest  [2]*TB
	incoming []jump

	// Written under Cache.mu, read lock-free by Lookup.
	hashNext stdatomic.Pointer[TB]

	invalid atomic.Bool
	execs   atomic.Uint64
}

type jump struct {
	from *TB
	slot int
}

// Params describes a freshly compiled block.
type Params struct {
	PC       uint64
	Flags    types.Flags
	PhysPC   types.PhysAddr
	Page2    types.PhysAddr // second page, or types.NoPage
	Code     []byte         // guest bytes the block was decoded from
	NumInsns int
	Layout   backend.Layout
}

// New builds a TB from p. The guest bytes are hashed so a later compile of
// the same address can be checked against them.
func New(p Params) *TB {
	t := &TB{
		PC:        p.PC,
		Flags:     p.Flags,
		PhysPC:    p.PhysPC,
		Pages:     [2]types.PhysAddr{p.PhysPC.PageBase(), types.NoPage},
		Size:      len(p.Code),
		NumInsns:  p.NumInsns,
		Hash:      blake2b.Sum256(p.Code),
		Entry:     p.Layout.Entry,
		CodeSize:  p.Layout.End - p.Layout.Entry,
		jumpSite:  p.Layout.JumpSite,
		jumpReset: p.Layout.JumpReset,
	}
	if p.Page2 != types.NoPage {
		t.Pages[1] = p.Page2.PageBase()
	}
	return t
}

// Invalid reports whether the block was removed from the cache. An invalid
// block may still be running on some vCPU until its next block boundary.
func (t *TB) Invalid() bool { return t.invalid.Load() }

// CountExec records one entry from the dispatch loop.
func (t *TB) CountExec() { t.execs.Inc() }

// Execs returns how often the dispatch loop entered the block.
func (t *TB) Execs() uint64 { return t.execs.Load() }

// HasJump reports whether goto_tb slot is present.
func (t *TB) HasJump(slot int) bool {
	return slot >= 0 && slot < 2 && t.jumpSite[slot] != backend.NoJump
}

// ranges returns the physical byte ranges the block was decoded from.
func (t *TB) ranges() [2][2]types.PhysAddr {
	var r [2][2]types.PhysAddr
	end := t.PhysPC + types.PhysAddr(t.Size)
	pageEnd := t.Pages[0] + constants.PageSize
	if t.Pages[1] == types.NoPage || end <= pageEnd {
		r[0] = [2]types.PhysAddr{t.PhysPC, end}
		r[1] = [2]types.PhysAddr{types.NoPage, types.NoPage}
		return r
	}
	r[0] = [2]types.PhysAddr{t.PhysPC, pageEnd}
	r[1] = [2]types.PhysAddr{t.Pages[1], t.Pages[1] + (end - pageEnd)}
	return r
}

// Overlaps reports whether any guest byte of the block lies in [start, end).
func (t *TB) Overlaps(start, end types.PhysAddr) bool {
	for _, r := range t.ranges() {
		if r[0] == types.NoPage {
			continue
		}
		if r[0] < end && start < r[1] {
			return true
		}
	}
	return false
}

// Contains reports whether guest address pc lies inside the block.
func (t *TB) Contains(pc uint64) bool {
	return pc >= t.PC && pc < t.PC+uint64(t.Size)
}

func (t *TB) String() string {
	return fmt.Sprintf("tb[pc=%#x flags=%#x phys=%#x size=%d insns=%d code=%#x+%d]",
		t.PC, uint32(t.Flags), uint64(t.PhysPC), t.Size, t.NumInsns, t.Entry, t.CodeSize)
}
