package tb

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ascrivener/dbt/pkg/backend"
	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/regalloc"
	"github.com/ascrivener/dbt/pkg/types"
)

// patchHost records jump patches instead of writing code.
type patchHost struct {
	jumps map[int]int
}

func (h *patchHost) Name() string { return "patch" }
func (h *patchHost) Native() bool { return false }
func (h *patchHost) RegisterInfo() *regalloc.RegisterInfo { return &regalloc.RegisterInfo{} }
func (h *patchHost) GlueSize() int { return 0 }
func (h *patchHost) EmitGlue(*codebuf.Writer) error { return nil }
func (h *patchHost) Disassemble([]byte, int, int) []string { return nil }
func (h *patchHost) Run(*codebuf.Arena, int, *cpu.Env) (uint64, uint64) { return 0, 0 }
func (h *patchHost) Emit(*codebuf.Writer, *regalloc.Program) (backend.Layout, error) {
	return backend.Layout{}, nil
}
func (h *patchHost) PatchJump(_ *codebuf.Arena, site, target int) { h.jumps[site] = target }

type pageLog struct {
	code map[types.PhysAddr]bool
}

func (p *pageLog) SetCodePage(page types.PhysAddr, code bool) {
	if code {
		p.code[page] = true
	} else {
		delete(p.code, page)
	}
}

type fixture struct {
	cache *Cache
	host  *patchHost
	pages *pageLog
	next  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	a, err := codebuf.NewArena(1 << 16)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	f := &fixture{host: &patchHost{jumps: map[int]int{}}, pages: &pageLog{code: map[types.PhysAddr]bool{}}, next: 0x100}
	f.cache = NewCache(a, f.host, Options{HashBits: 4, Chaining: true, Pages: f.pages})
	return f
}

// block builds a TB for pc whose guest bytes are size bytes at phys. It has
// one goto_tb slot.
func (f *fixture) block(pc uint64, phys types.PhysAddr, size int) *TB {
	entry := f.next
	f.next += 0x40
	page2 := types.NoPage
	if (phys+types.PhysAddr(size)-1).PageBase() != phys.PageBase() {
		page2 = (phys + types.PhysAddr(size) - 1).PageBase()
	}
	return New(Params{
		PC:       pc,
		PhysPC:   phys,
		Page2:    page2,
		Code:     make([]byte, size),
		NumInsns: size / 4,
		Layout: backend.Layout{
			Entry:     entry,
			End:       entry + 0x30,
			JumpSite:  [2]int{entry + 0x10, backend.NoJump},
			JumpReset: [2]int{entry + 0x14, backend.NoJump},
		},
	})
}

func (f *fixture) install(t *testing.T, b *TB) *TB {
	t.Helper()
	got, err := f.cache.Install(b, nil)
	if err != nil {
		t.Fatalf("Install(%v): %v", b, err)
	}
	return got
}

func TestLookupKeyedOnPCFlagsAndPhys(t *testing.T) {
	f := newFixture(t)
	b := f.install(t, f.block(0x1000, 0x81000, 8))

	if got := f.cache.Lookup(0x1000, 0, 0x81000); got != b {
		t.Fatalf("Lookup = %v, want %v", got, b)
	}
	if got := f.cache.Lookup(0x1000, 1, 0x81000); got != nil {
		t.Errorf("lookup with other flags found %v", got)
	}
	if got := f.cache.Lookup(0x1000, 0, 0x91000); got != nil {
		t.Errorf("lookup with other physical pc found %v", got)
	}
	if got := f.cache.ByEntry(b.Entry); got != b {
		t.Errorf("ByEntry = %v", got)
	}
	if !f.pages.code[0x81000] {
		t.Errorf("page 0x81000 not marked as code")
	}
}

func TestCollidingKeysChain(t *testing.T) {
	f := newFixture(t)
	var blocks []*TB
	for i := 0; i < 64; i++ {
		pc := uint64(0x1000 + 4*i)
		blocks = append(blocks, f.install(t, f.block(pc, types.PhysAddr(0x80000+pc), 4)))
	}
	for _, b := range blocks {
		if got := f.cache.Lookup(b.PC, 0, b.PhysPC); got != b {
			t.Errorf("Lookup(%#x) = %v", b.PC, got)
		}
	}
	f.cache.Invalidate(blocks[10])
	for i, b := range blocks {
		got := f.cache.Lookup(b.PC, 0, b.PhysPC)
		if i == 10 && got != nil {
			t.Errorf("invalidated block still found")
		}
		if i != 10 && got != b {
			t.Errorf("Lookup(%#x) after unrelated invalidation = %v", b.PC, got)
		}
	}
}

func TestInstallReturnsExistingBlock(t *testing.T) {
	f := newFixture(t)
	first := f.install(t, f.block(0x1000, 0x81000, 8))
	second := f.install(t, f.block(0x1000, 0x81000, 8))
	if second != first {
		t.Errorf("second install = %v, want the first block", second)
	}
	if s := f.cache.Stats(); s.Blocks != 1 {
		t.Errorf("Blocks = %d, want 1", s.Blocks)
	}
}

func TestInstallVerifyRejects(t *testing.T) {
	f := newFixture(t)
	b := f.block(0x1000, 0x81000, 8)
	if _, err := f.cache.Install(b, func(*TB) error { return errors.ErrRetranslate }); err != errors.ErrRetranslate {
		t.Fatalf("Install error = %v", err)
	}
	if f.cache.Lookup(0x1000, 0, 0x81000) != nil {
		t.Errorf("rejected block is visible")
	}
}

func TestLinkAndUnlinkOnInvalidation(t *testing.T) {
	f := newFixture(t)
	a := f.install(t, f.block(0x1000, 0x81000, 8))
	b := f.install(t, f.block(0x1100, 0x81100, 8))

	if !f.cache.Link(a, 0, b) {
		t.Fatalf("Link refused")
	}
	if f.host.jumps[a.jumpSite[0]] != b.Entry {
		t.Fatalf("jump site points at %#x, want %#x", f.host.jumps[a.jumpSite[0]], b.Entry)
	}
	if f.cache.Successor(a, 0) != b {
		t.Errorf("Successor = %v", f.cache.Successor(a, 0))
	}

	hit := f.cache.InvalidateRange(0x81104, 0x81105)
	if diff := cmp.Diff([]*TB{b}, hit, cmp.Comparer(func(x, y *TB) bool { return x == y })); diff != "" {
		t.Errorf("invalidated (-want +got):\n%s", diff)
	}
	if f.host.jumps[a.jumpSite[0]] != a.jumpReset[0] {
		t.Errorf("jump into invalidated block was not reset")
	}
	if f.cache.Successor(a, 0) != nil {
		t.Errorf("link survived invalidation")
	}
	if !f.pages.code[0x81000] {
		t.Errorf("page still holding a block was unmarked")
	}
}

func TestLinkRefusals(t *testing.T) {
	f := newFixture(t)
	a := f.install(t, f.block(0x1000, 0x81000, 8))
	far := f.install(t, f.block(0x5000, 0x85000, 8))
	if f.cache.Link(a, 0, far) {
		t.Errorf("linked across guest pages")
	}
	if f.cache.Link(a, 1, a) {
		t.Errorf("linked an absent slot")
	}
	dead := f.install(t, f.block(0x1200, 0x81200, 8))
	f.cache.Invalidate(dead)
	if f.cache.Link(a, 0, dead) {
		t.Errorf("linked to an invalid block")
	}
	f.cache.SetChaining(false)
	b := f.install(t, f.block(0x1100, 0x81100, 8))
	if f.cache.Link(a, 0, b) {
		t.Errorf("linked with chaining disabled")
	}
}

func TestInvalidatingSourceDropsOutgoingLink(t *testing.T) {
	f := newFixture(t)
	a := f.install(t, f.block(0x1000, 0x81000, 8))
	b := f.install(t, f.block(0x1100, 0x82100, 8))
	if !f.cache.Link(a, 0, b) {
		t.Fatalf("Link refused")
	}
	f.cache.InvalidateRange(0x81000, 0x82000)
	if len(b.incoming) != 0 {
		t.Errorf("target still lists %d incoming jumps", len(b.incoming))
	}
	if f.pages.code[0x81000] {
		t.Errorf("empty code page still marked")
	}
}

func TestBlockCrossingPages(t *testing.T) {
	f := newFixture(t)
	b := f.install(t, f.block(0x1ffc, 0x81ffc, 8))
	if b.Pages[1] != 0x82000 {
		t.Fatalf("Pages = %#x", b.Pages)
	}
	if !f.pages.code[0x82000] {
		t.Fatalf("second page not marked as code")
	}
	if hit := f.cache.InvalidateRange(0x82002, 0x82003); len(hit) != 1 {
		t.Fatalf("write to the second page invalidated %d blocks", len(hit))
	}
	if len(f.pages.code) != 0 {
		t.Errorf("pages still marked: %v", f.pages.code)
	}
}

func TestInvalidateRangeMissesNeighbours(t *testing.T) {
	f := newFixture(t)
	f.install(t, f.block(0x1000, 0x81000, 8))
	if hit := f.cache.InvalidateRange(0x81008, 0x81010); len(hit) != 0 {
		t.Errorf("write past the block invalidated %v", hit)
	}
	if hit := f.cache.InvalidateRange(0x80ff0, 0x81000); len(hit) != 0 {
		t.Errorf("write before the block invalidated %v", hit)
	}
}

func TestJumpCache(t *testing.T) {
	f := newFixture(t)
	j := NewJumpCache(4)
	f.cache.AddJumpCache(j)
	b := f.install(t, f.block(0x1000, 0x81000, 8))
	j.Put(b)
	if j.Lookup(0x1000, 0) != b {
		t.Fatalf("jump cache miss after Put")
	}
	if j.Lookup(0x1000, 2) != nil {
		t.Errorf("jump cache ignored flags")
	}
	f.cache.Invalidate(b)
	if j.Lookup(0x1000, 0) != nil {
		t.Errorf("jump cache returned an invalidated block")
	}

	c := f.install(t, f.block(0x1100, 0x81100, 8))
	prev := f.install(t, f.block(0x0ff8, 0x80ff8, 8))
	other := f.install(t, f.block(0x2104, 0x82104, 8))
	j.Put(c)
	j.Put(prev)
	j.Put(other)
	j.ClearPage(0x1fff)
	if j.Lookup(0x1100, 0) != nil {
		t.Errorf("ClearPage kept an entry on the page")
	}
	if j.Lookup(0x0ff8, 0) != nil {
		t.Errorf("ClearPage kept a block from the previous page")
	}
	if j.Lookup(0x2104, 0) != other {
		t.Errorf("ClearPage dropped a block on the next page")
	}
}

func TestFlushAll(t *testing.T) {
	f := newFixture(t)
	j := NewJumpCache(4)
	f.cache.AddJumpCache(j)
	a := f.install(t, f.block(0x1000, 0x81000, 8))
	b := f.install(t, f.block(0x1100, 0x81100, 8))
	j.Put(a)
	f.cache.Link(a, 0, b)
	epoch := f.cache.Arena().Epoch()

	f.cache.FlushAll()
	if !a.Invalid() || !b.Invalid() {
		t.Errorf("blocks still valid after flush")
	}
	if f.cache.Lookup(0x1000, 0, 0x81000) != nil || j.Lookup(0x1000, 0) != nil {
		t.Errorf("lookup hit after flush")
	}
	if f.cache.Arena().Epoch() == epoch {
		t.Errorf("arena was not reset")
	}
	want := Stats{Installs: 2, Links: 1, Flushes: 1}
	if diff := cmp.Diff(want, f.cache.Stats()); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}
	if len(f.pages.code) != 0 {
		t.Errorf("code pages survived the flush: %v", f.pages.code)
	}
}

func TestBlocksOrderedByExecs(t *testing.T) {
	f := newFixture(t)
	a := f.install(t, f.block(0x1000, 0x81000, 8))
	b := f.install(t, f.block(0x1100, 0x81100, 8))
	c := f.install(t, f.block(0x1ffc, 0x81ffc, 8))
	for i := 0; i < 3; i++ {
		b.CountExec()
	}
	c.CountExec()
	got := f.cache.Blocks()
	want := []*TB{b, c, a}
	if len(got) != len(want) {
		t.Fatalf("Blocks returned %d blocks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Blocks[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
