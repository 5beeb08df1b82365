package tb

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ascrivener/dbt/pkg/backend"
	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/metrics"
	"github.com/ascrivener/dbt/pkg/types"
)

// CodePages is told when a physical page starts or stops holding the
// source of a compiled block. The soft-MMU uses it to route stores to such
// pages through the slow path. It is called with the cache lock held and
// must not call back into the Cache.
type CodePages interface {
	SetCodePage(page types.PhysAddr, code bool)
}

// Options configure a Cache.
type Options struct {
	HashBits uint
	Chaining bool
	Pages    CodePages
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Blocks        int
	CodePages     int
	Installs      uint64
	Links         uint64
	Invalidations uint64
	Flushes       uint64
}

// Cache is the TB store shared by all vCPUs. Lookups are lock-free; every
// structural change (install, link, invalidate, flush) happens under mu.
// Generated code never runs with mu held.
type Cache struct {
	arena *codebuf.Arena
	host  backend.Host
	pages CodePages
	log   *zap.Logger
	m     *metrics.Metrics

	buckets []atomic.Pointer[TB]
	mask    uint64
	byEntry sync.Map // arena offset -> *TB

	chaining atomic.Bool

	mu         sync.Mutex
	pageTBs    map[types.PhysAddr][]*TB
	jumpCaches []*JumpCache
	stats      Stats
}

// NewCache creates an empty cache over arena. host patches direct jumps.
func NewCache(arena *codebuf.Arena, host backend.Host, opts Options) *Cache {
	bits := opts.HashBits
	if bits == 0 {
		bits = constants.DefaultHashBits
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{
		arena:   arena,
		host:    host,
		pages:   opts.Pages,
		log:     log.Named("tb"),
		m:       metrics.OrNop(opts.Metrics),
		buckets: make([]atomic.Pointer[TB], 1<<bits),
		mask:    1<<bits - 1,
		pageTBs: make(map[types.PhysAddr][]*TB),
	}
	c.chaining.Store(opts.Chaining)
	return c
}

func (c *Cache) bucket(pc uint64, flags types.Flags) *atomic.Pointer[TB] {
	h := (pc ^ uint64(flags)<<32) * 0x9E3779B97F4A7C15
	return &c.buckets[(h>>32)&c.mask]
}

// SetChaining turns direct block chaining on or off. Existing links are
// left in place.
func (c *Cache) SetChaining(on bool) { c.chaining.Store(on) }

// Chaining reports whether Link patches jumps.
func (c *Cache) Chaining() bool { return c.chaining.Load() }

// AddJumpCache registers a vCPU's jump cache so invalidation can clear it.
func (c *Cache) AddJumpCache(j *JumpCache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jumpCaches = append(c.jumpCaches, j)
}

// RemoveJumpCache forgets a jump cache whose vCPU was closed.
func (c *Cache) RemoveJumpCache(j *JumpCache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range c.jumpCaches {
		if o == j {
			c.jumpCaches = append(c.jumpCaches[:i:i], c.jumpCaches[i+1:]...)
			return
		}
	}
}

// Lookup returns the valid block for (pc, flags) decoded from physPC, or nil.
func (c *Cache) Lookup(pc uint64, flags types.Flags, physPC types.PhysAddr) *TB {
	for t := c.bucket(pc, flags).Load(); t != nil; t = t.hashNext.Load() {
		if t.PC == pc && t.Flags == flags && t.PhysPC == physPC && !t.Invalid() {
			return t
		}
	}
	return nil
}

// ByEntry maps the arena offset of a block entry back to its block. Blocks
// that were invalidated are not found.
func (c *Cache) ByEntry(off int) *TB {
	v, ok := c.byEntry.Load(off)
	if !ok {
		return nil
	}
	return v.(*TB)
}

// Install publishes t. verify runs under the cache lock and may reject the
// block (the guest bytes changed while it was compiled). If another vCPU
// installed an equivalent block first, that block is returned instead and
// t is dropped.
func (c *Cache) Install(t *TB, verify func(*TB) error) (*TB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old := c.Lookup(t.PC, t.Flags, t.PhysPC); old != nil {
		return old, nil
	}
	if verify != nil {
		if err := verify(t); err != nil {
			return nil, err
		}
	}
	for _, p := range t.Pages {
		if p == types.NoPage {
			continue
		}
		if len(c.pageTBs[p]) == 0 && c.pages != nil {
			c.pages.SetCodePage(p, true)
		}
		c.pageTBs[p] = append(c.pageTBs[p], t)
	}
	b := c.bucket(t.PC, t.Flags)
	t.hashNext.Store(b.Load())
	b.Store(t)
	c.byEntry.Store(t.Entry, t)

	c.stats.Blocks++
	c.stats.Installs++
	c.m.TBs.Set(float64(c.stats.Blocks))
	c.m.CodeBytes.Set(float64(c.arena.Used()))
	if ce := c.log.Check(zap.DebugLevel, "installed block"); ce != nil {
		ce.Write(zap.Uint64("pc", t.PC), zap.Uint32("flags", uint32(t.Flags)),
			zap.Int("entry", t.Entry), zap.Int("bytes", t.CodeSize))
	}
	return t, nil
}

// Link patches from's goto_tb slot to jump straight into to. It refuses
// when chaining is off, either block is invalid, the slot is absent or to
// starts on a different guest page than from.
func (c *Cache) Link(from *TB, slot int, to *TB) bool {
	if !c.Chaining() || !from.HasJump(slot) {
		return false
	}
	if types.GuestAddr(from.PC).PageBase() != types.GuestAddr(to.PC).PageBase() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if from.Invalid() || to.Invalid() {
		return false
	}
	if cur := from.jmpDest[slot]; cur != nil {
		return cur == to
	}
	c.host.PatchJump(c.arena, from.jumpSite[slot], to.Entry)
	from.jmpDest[slot] = to
	to.incoming = append(to.incoming, jump{from: from, slot: slot})
	c.stats.Links++
	c.m.ChainLinks.Inc()
	return true
}

// Successor returns the block t's slot is chained to, or nil.
func (c *Cache) Successor(t *TB, slot int) *TB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.jmpDest[slot]
}

// unlink resets from's slot to its exit stub.
func (c *Cache) unlink(from *TB, slot int) {
	c.host.PatchJump(c.arena, from.jumpSite[slot], from.jumpReset[slot])
	from.jmpDest[slot] = nil
	c.m.ChainUnlinks.Inc()
}

// invalidate takes t out of every index. Callers hold mu.
func (c *Cache) invalidate(t *TB) {
	if t.invalid.Swap(true) {
		return
	}
	b := c.bucket(t.PC, t.Flags)
	if head := b.Load(); head == t {
		b.Store(t.hashNext.Load())
	} else {
		for p := head; p != nil; p = p.hashNext.Load() {
			if p.hashNext.Load() == t {
				p.hashNext.Store(t.hashNext.Load())
				break
			}
		}
	}
	c.byEntry.Delete(t.Entry)

	for _, p := range t.Pages {
		if p == types.NoPage {
			continue
		}
		list := c.pageTBs[p]
		for i, o := range list {
			if o == t {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(c.pageTBs, p)
			if c.pages != nil {
				c.pages.SetCodePage(p, false)
			}
		} else {
			c.pageTBs[p] = list
		}
	}

	for _, in := range t.incoming {
		if in.from.jmpDest[in.slot] == t {
			c.unlink(in.from, in.slot)
		}
	}
	t.incoming = nil
	for slot, dest := range t.jmpDest {
		if dest == nil {
			continue
		}
		for i, in := range dest.incoming {
			if in.from == t && in.slot == slot {
				dest.incoming = append(dest.incoming[:i:i], dest.incoming[i+1:]...)
				break
			}
		}
		t.jmpDest[slot] = nil
	}

	for _, j := range c.jumpCaches {
		j.remove(t)
	}
	c.stats.Blocks--
	c.stats.Invalidations++
	c.m.Invalidations.Inc()
	c.m.TBs.Set(float64(c.stats.Blocks))
}

// Invalidate removes a single block.
func (c *Cache) Invalidate(t *TB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidate(t)
}

// InvalidateRange removes every block with a guest byte in the physical
// range [start, end) and returns them. Direct jumps into them are reset to
// their exit stubs, so no new entry into stale code is possible once this
// returns; a vCPU already inside one leaves at its next block boundary.
func (c *Cache) InvalidateRange(start, end types.PhysAddr) []*TB {
	if start >= end {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var hit []*TB
	for p := start.PageBase(); p < end; p += constants.PageSize {
		for _, t := range c.pageTBs[p] {
			if t.Overlaps(start, end) {
				hit = append(hit, t)
			}
		}
		if p+constants.PageSize < p {
			break
		}
	}
	for _, t := range hit {
		c.invalidate(t)
	}
	if len(hit) > 0 {
		c.log.Debug("invalidated range",
			zap.Uint64("start", uint64(start)), zap.Uint64("end", uint64(end)), zap.Int("blocks", len(hit)))
	}
	return hit
}

// HasCode reports whether any block was decoded from page.
func (c *Cache) HasCode(page types.PhysAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pageTBs[page.PageBase()]) > 0
}

// FlushAll drops every block and resets the code buffer. No vCPU may be
// executing or emitting code; the engine calls it from an exclusive
// section.
func (c *Cache) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.buckets {
		for t := c.buckets[i].Load(); t != nil; t = t.hashNext.Load() {
			t.invalid.Store(true)
		}
		c.buckets[i].Store(nil)
	}
	c.byEntry.Range(func(k, _ interface{}) bool {
		c.byEntry.Delete(k)
		return true
	})
	if c.pages != nil {
		for p := range c.pageTBs {
			c.pages.SetCodePage(p, false)
		}
	}
	c.pageTBs = make(map[types.PhysAddr][]*TB)
	for _, j := range c.jumpCaches {
		j.Clear()
	}
	c.arena.Reset()

	c.stats.Blocks = 0
	c.stats.Flushes++
	c.m.Flushes.Inc()
	c.m.TBs.Set(0)
	c.m.CodeBytes.Set(float64(c.arena.Used()))
	c.log.Info("flushed translation cache", zap.Uint64("flushes", c.stats.Flushes))
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.CodePages = len(c.pageTBs)
	return s
}

// Blocks returns the valid blocks, most executed first.
func (c *Cache) Blocks() []*TB {
	c.mu.Lock()
	var out []*TB
	for p, list := range c.pageTBs {
		for _, t := range list {
			if p == t.Pages[0] {
				out = append(out, t)
			}
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Execs() != out[j].Execs() {
			return out[i].Execs() > out[j].Execs()
		}
		return out[i].PC < out[j].PC
	})
	return out
}

// Arena returns the code buffer the blocks live in.
func (c *Cache) Arena() *codebuf.Arena { return c.arena }
