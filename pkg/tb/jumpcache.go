package tb

import (
	"sync/atomic"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/types"
)

// JumpCache is a vCPU's direct-mapped cache of recently executed blocks,
// probed before the shared hash table. Only its owner reads it; the Cache
// clears entries from other goroutines on invalidation.
type JumpCache struct {
	bits    uint
	entries []atomic.Pointer[TB]
}

// NewJumpCache creates a cache with 1<<bits entries.
func NewJumpCache(bits uint) *JumpCache {
	return &JumpCache{bits: bits, entries: make([]atomic.Pointer[TB], 1<<bits)}
}

func (j *JumpCache) index(pc uint64) uint64 {
	pc >>= 1
	return (pc ^ pc>>j.bits) & (uint64(len(j.entries)) - 1)
}

// Lookup returns the cached block for (pc, flags), or nil.
func (j *JumpCache) Lookup(pc uint64, flags types.Flags) *TB {
	t := j.entries[j.index(pc)].Load()
	if t == nil || t.PC != pc || t.Flags != flags || t.Invalid() {
		return nil
	}
	return t
}

// Put remembers t.
func (j *JumpCache) Put(t *TB) {
	j.entries[j.index(t.PC)].Store(t)
}

// remove clears t's slot if it still holds t.
func (j *JumpCache) remove(t *TB) {
	j.entries[j.index(t.PC)].CompareAndSwap(t, nil)
}

// Clear empties the cache.
func (j *JumpCache) Clear() {
	for i := range j.entries {
		j.entries[i].Store(nil)
	}
}

// ClearPage drops every entry for a block that may cover the virtual page
// of vaddr: blocks starting on it and on the page before, which can run
// into it. Used when a guest mapping changes.
func (j *JumpCache) ClearPage(vaddr uint64) {
	page := types.GuestAddr(vaddr).PageBase()
	prev := page - constants.PageSize
	for i := range j.entries {
		t := j.entries[i].Load()
		if t == nil {
			continue
		}
		if p := types.GuestAddr(t.PC).PageBase(); p == page || p == prev {
			j.entries[i].CompareAndSwap(t, nil)
		}
	}
}
