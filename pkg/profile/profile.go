// Package profile keeps the hot blocks of a run so a later run of the same
// guest can compile them before they execute.
package profile

import (
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/engine"
	"github.com/ascrivener/dbt/pkg/tb"
	"github.com/ascrivener/dbt/pkg/types"
)

// Record describes one compiled block and how often it ran.
type Record struct {
	PC       uint64
	Flags    types.Flags
	PhysPC   types.PhysAddr
	Page2    types.PhysAddr // types.NoPage unless the block crosses a page
	Size     int
	NumInsns int
	Execs    uint64
	Hash     [blake2b.Size256]byte
}

// FromBlock records t with its current execution count.
func FromBlock(t *tb.TB) Record {
	return Record{
		PC:       t.PC,
		Flags:    t.Flags,
		PhysPC:   t.PhysPC,
		Page2:    t.Pages[1],
		Size:     t.Size,
		NumInsns: t.NumInsns,
		Execs:    t.Execs(),
		Hash:     t.Hash,
	}
}

// Snapshot returns the valid blocks that ran at least minExecs times,
// hottest first. Single-step blocks are skipped.
func Snapshot(blocks []*tb.TB, minExecs uint64) []Record {
	recs := make([]Record, 0, len(blocks))
	for _, t := range blocks {
		if t.Invalid() || t.Flags&types.FlagSingleStep != 0 {
			continue
		}
		if t.Execs() < minExecs {
			continue
		}
		recs = append(recs, FromBlock(t))
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Execs != recs[j].Execs {
			return recs[i].Execs > recs[j].Execs
		}
		return recs[i].PC < recs[j].PC
	})
	return recs
}

// Reader reads guest physical memory.
type Reader interface {
	ReadPhys(pa types.PhysAddr, buf []byte) error
}

// Stale reports whether the guest bytes behind r differ from the ones it
// was compiled from.
func (r Record) Stale(mem Reader) bool {
	if r.Size <= 0 {
		return true
	}
	buf := make([]byte, r.Size)
	first := int(constants.PageSize - uint64(r.PhysPC)&^constants.PageMask)
	if first > len(buf) {
		first = len(buf)
	}
	if err := mem.ReadPhys(r.PhysPC, buf[:first]); err != nil {
		return true
	}
	if first < len(buf) {
		if r.Page2 == types.NoPage {
			return true
		}
		if err := mem.ReadPhys(r.Page2, buf[first:]); err != nil {
			return true
		}
	}
	return blake2b.Sum256(buf) != r.Hash
}

// Validate drops records whose guest bytes changed since they were saved
// and returns the rest with the number dropped.
func Validate(recs []Record, mem Reader) ([]Record, int) {
	out := recs[:0:0]
	for _, r := range recs {
		if !r.Stale(mem) {
			out = append(out, r)
		}
	}
	return out, len(recs) - len(out)
}

// Blocks converts records into a prewarm list.
func Blocks(recs []Record) []engine.Block {
	out := make([]engine.Block, len(recs))
	for i, r := range recs {
		out[i] = engine.Block{PC: r.PC, Flags: r.Flags}
	}
	return out
}
