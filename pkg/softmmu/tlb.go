package softmmu

import (
	"math/bits"
	"sync"
	stdatomic "sync/atomic"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/metrics"
	"github.com/ascrivener/dbt/pkg/types"
)

// Options configure a TLB.
type Options struct {
	// OnCodeWrite is called after a store reaches a page that holds the
	// source of compiled blocks. The TLB holds no lock while calling it.
	OnCodeWrite func(start, end types.PhysAddr)
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Stats counts slow-path events of one TLB.
type Stats struct {
	Fills      uint64
	VictimHits uint64
	Walks      uint64
	Flushes    uint64
	SlowLoads  uint64
	SlowStores uint64
	CodeWrites uint64
}

type victim struct {
	entry cpu.TLBEntry
	phys  types.PhysAddr
}

// TLB is one vCPU's soft TLB. Its tables live inside the vCPU's Env where
// generated code probes them inline; the TLB fills them on a miss and
// serves the accesses the inline probe cannot (MMIO, code pages, page
// crossings). Everything except protectCode and the Request methods runs on
// the vCPU's goroutine.
type TLB struct {
	env *cpu.Env
	mem *Memory
	pt  PageTable

	onCodeWrite func(start, end types.PhysAddr)
	log         *zap.Logger
	m           *metrics.Metrics

	// mu orders fills against protectCode from other vCPUs.
	mu         sync.Mutex
	phys       [constants.NumMMUModes][constants.TLBSize]types.PhysAddr
	victims    [constants.NumMMUModes][constants.VictimTLBSize]victim
	victimNext [constants.NumMMUModes]int

	pendingMu    sync.Mutex
	pendingAll   bool
	pendingPages []uint64

	fills, victimHits, walks, flushes atomic.Uint64
	slowLoads, slowStores, codeWrites atomic.Uint64
}

// NewTLB attaches a TLB to env. All entries start invalid.
func NewTLB(env *cpu.Env, mem *Memory, pt PageTable, opts Options) *TLB {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	t := &TLB{
		env:         env,
		mem:         mem,
		pt:          pt,
		onCodeWrite: opts.OnCodeWrite,
		log:         log.Named("tlb"),
		m:           metrics.OrNop(opts.Metrics),
	}
	t.Flush()
	t.flushes.Store(0)
	mem.addTLB(t)
	return t
}

// Close detaches the TLB from its Memory.
func (t *TLB) Close() {
	t.mem.removeTLB(t)
}

func tagFor(e *cpu.TLBEntry, access Access) uint64 {
	switch access {
	case AccessWrite:
		return stdatomic.LoadUint64(&e.AddrWrite)
	case AccessExec:
		return e.AddrCode
	}
	return e.AddrRead
}

// matches reports whether tag translates the page of vaddr, ignoring the
// flags that only force the slow path.
func matches(tag, vaddr uint64) bool {
	return tag&cpu.TLBInvalid == 0 && tag&^cpu.TLBFlagMask == vaddr&constants.PageMask
}

// lookup returns the physical address of vaddr and the flags of the tag
// for access, filling the entry on a miss.
func (t *TLB) lookup(vaddr uint64, access Access, mmu int) (types.PhysAddr, uint64, error) {
	idx := (vaddr >> constants.PageBits) & (constants.TLBSize - 1)
	e := &t.env.TLB[mmu][idx]
	off := types.PhysAddr(vaddr &^ constants.PageMask)
	if tag := tagFor(e, access); matches(tag, vaddr) {
		return t.phys[mmu][idx] + off, tag & cpu.TLBFlagMask, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.victims[mmu] {
		v := &t.victims[mmu][i]
		if tag := tagFor(&v.entry, access); matches(tag, vaddr) {
			t.swapVictim(mmu, idx, v)
			t.victimHits.Inc()
			t.m.TLBVictimHits.Inc()
			return t.phys[mmu][idx] + off, tag & cpu.TLBFlagMask, nil
		}
	}

	t.walks.Inc()
	t.m.PageWalks.Inc()
	tr, err := t.pt.Walk(vaddr, access, mmu)
	if err != nil {
		return 0, 0, t.fault(err, access, vaddr)
	}
	phys := tr.Phys.PageBase()
	if t.mem.find(phys) == nil {
		return 0, 0, t.fault(nil, access, vaddr)
	}
	t.fill(mmu, idx, vaddr&constants.PageMask, phys, tr.Perm)
	tag := tagFor(e, access)
	return phys + off, tag & cpu.TLBFlagMask, nil
}

// fault turns a walk failure into a guest fault for the current insn.
func (t *TLB) fault(err error, access Access, vaddr uint64) error {
	var f *types.Fault
	if err != nil && !errors.As(err, &f) {
		return err
	}
	pc := types.GuestAddr(t.env.InsnPC)
	if access == AccessExec {
		pc = types.GuestAddr(vaddr)
	}
	return types.NewFault(access.FaultCause(), types.GuestAddr(vaddr), pc)
}

func (t *TLB) swapVictim(mmu int, idx uint64, v *victim) {
	e := &t.env.TLB[mmu][idx]
	old := victim{entry: cpu.TLBEntry{
		AddrRead:  e.AddrRead,
		AddrWrite: stdatomic.LoadUint64(&e.AddrWrite),
		AddrCode:  e.AddrCode,
		Addend:    e.Addend,
	}, phys: t.phys[mmu][idx]}
	t.store(e, v.entry)
	t.phys[mmu][idx] = v.phys
	*v = old
}

func (t *TLB) store(e *cpu.TLBEntry, n cpu.TLBEntry) {
	e.AddrRead = n.AddrRead
	e.AddrCode = n.AddrCode
	e.Addend = n.Addend
	stdatomic.StoreUint64(&e.AddrWrite, n.AddrWrite)
}

// fill installs vpage -> phys in slot idx, moving the evicted entry to the
// victim TLB. Callers hold mu.
func (t *TLB) fill(mmu int, idx, vpage uint64, phys types.PhysAddr, perm Perm) {
	e := &t.env.TLB[mmu][idx]
	if e.AddrRead&cpu.TLBInvalid == 0 || stdatomic.LoadUint64(&e.AddrWrite)&cpu.TLBInvalid == 0 || e.AddrCode&cpu.TLBInvalid == 0 {
		n := t.victimNext[mmu]
		t.victims[mmu][n] = victim{entry: cpu.TLBEntry{
			AddrRead:  e.AddrRead,
			AddrWrite: stdatomic.LoadUint64(&e.AddrWrite),
			AddrCode:  e.AddrCode,
			Addend:    e.Addend,
		}, phys: t.phys[mmu][idx]}
		t.victimNext[mmu] = (n + 1) % constants.VictimTLBSize
	}

	tag := func(a Access, flags uint64) uint64 {
		if !perm.Allows(a) {
			return cpu.TLBInvalid
		}
		return vpage | flags
	}
	var n cpu.TLBEntry
	if host, ok := t.mem.HostAddr(phys); ok {
		var dirty uint64
		if t.mem.IsCode(phys) {
			dirty = cpu.TLBNotDirty
		}
		n = cpu.TLBEntry{
			AddrRead:  tag(AccessRead, 0),
			AddrWrite: tag(AccessWrite, dirty),
			AddrCode:  tag(AccessExec, 0),
			Addend:    uint64(host) - vpage,
		}
	} else {
		n = cpu.TLBEntry{
			AddrRead:  tag(AccessRead, cpu.TLBMMIO),
			AddrWrite: tag(AccessWrite, cpu.TLBMMIO),
			AddrCode:  tag(AccessExec, cpu.TLBMMIO),
		}
	}
	t.store(e, n)
	t.phys[mmu][idx] = phys
	t.fills.Inc()
	t.m.TLBFills.Inc()
}

// protectCode forces stores to page through the slow path. It is called
// by Memory.SetCodePage from whichever goroutine marked the page.
func (t *TLB) protectCode(page types.PhysAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	protect := func(e *cpu.TLBEntry) {
		w := stdatomic.LoadUint64(&e.AddrWrite)
		if w&(cpu.TLBInvalid|cpu.TLBMMIO|cpu.TLBNotDirty) == 0 {
			stdatomic.OrUint64(&e.AddrWrite, cpu.TLBNotDirty)
		}
	}
	for mmu := range t.phys {
		for i, p := range t.phys[mmu] {
			if p == page {
				protect(&t.env.TLB[mmu][i])
			}
		}
		for i := range t.victims[mmu] {
			if t.victims[mmu][i].phys == page {
				protect(&t.victims[mmu][i].entry)
			}
		}
	}
}

// unprotect clears NotDirty from the entry for vaddr once its page no
// longer holds code.
func (t *TLB) unprotect(vaddr uint64, mmu int, page types.PhysAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mem.IsCode(page) {
		return
	}
	e := t.env.Entry(mmu, vaddr)
	if matches(stdatomic.LoadUint64(&e.AddrWrite), vaddr) {
		stdatomic.AndUint64(&e.AddrWrite, ^cpu.TLBNotDirty)
	}
}

func crossesPage(vaddr uint64, size int) bool {
	return vaddr&^constants.PageMask+uint64(size) > constants.PageSize
}

func swap(v uint64, size int) uint64 {
	switch size {
	case 2:
		return uint64(bits.ReverseBytes16(uint16(v)))
	case 4:
		return uint64(bits.ReverseBytes32(uint32(v)))
	case 8:
		return bits.ReverseBytes64(v)
	}
	return v
}

// Load performs a guest load that missed the inline probe.
func (t *TLB) Load(vaddr uint64, mem ir.MemOp) (uint64, error) {
	t.slowLoads.Inc()
	t.m.SlowAccesses.WithLabelValues("load").Inc()
	size := mem.Size()
	if vaddr&mem.AlignMask() != 0 && mem.Aligned() {
		return 0, types.NewFault(types.FaultMisalignedLoad, types.GuestAddr(vaddr), types.GuestAddr(t.env.InsnPC))
	}
	mmu := mem.MMUIndex()
	var raw uint64
	if crossesPage(vaddr, size) {
		if _, _, err := t.lookup(vaddr+uint64(size)-1, AccessRead, mmu); err != nil {
			return 0, err
		}
		for i := 0; i < size; i++ {
			b, err := t.load(vaddr+uint64(i), 1, mmu)
			if err != nil {
				return 0, err
			}
			raw |= b << (8 * i)
		}
	} else {
		v, err := t.load(vaddr, size, mmu)
		if err != nil {
			return 0, err
		}
		raw = v
	}
	if mem.BigEndian() {
		raw = swap(raw, size)
	}
	return mem.Extend(raw), nil
}

func (t *TLB) load(vaddr uint64, size, mmu int) (uint64, error) {
	pa, _, err := t.lookup(vaddr, AccessRead, mmu)
	if err != nil {
		return 0, err
	}
	v, err := t.mem.Load(pa, size)
	if err != nil {
		t.log.Debug("physical load failed", zap.Uint64("vaddr", vaddr), zap.Uint64("paddr", uint64(pa)), zap.Error(err))
		return 0, types.NewFault(types.FaultLoad, types.GuestAddr(vaddr), types.GuestAddr(t.env.InsnPC))
	}
	return v, nil
}

// Store performs a guest store that missed the inline probe. Both pages of
// a page-crossing store are translated before any byte is written.
func (t *TLB) Store(vaddr uint64, val uint64, mem ir.MemOp) error {
	t.slowStores.Inc()
	t.m.SlowAccesses.WithLabelValues("store").Inc()
	size := mem.Size()
	if vaddr&mem.AlignMask() != 0 && mem.Aligned() {
		return types.NewFault(types.FaultMisalignedStore, types.GuestAddr(vaddr), types.GuestAddr(t.env.InsnPC))
	}
	if mem.BigEndian() {
		val = swap(val, size)
	}
	mmu := mem.MMUIndex()
	if !crossesPage(vaddr, size) {
		return t.store1(vaddr, size, mmu, val)
	}
	for _, a := range []uint64{vaddr, vaddr + uint64(size) - 1} {
		if _, _, err := t.lookup(a, AccessWrite, mmu); err != nil {
			return err
		}
	}
	for i := 0; i < size; i++ {
		if err := t.store1(vaddr+uint64(i), 1, mmu, val>>(8*i)); err != nil {
			return err
		}
	}
	return nil
}

func (t *TLB) store1(vaddr uint64, size, mmu int, val uint64) error {
	pa, flags, err := t.lookup(vaddr, AccessWrite, mmu)
	if err != nil {
		return err
	}
	if err := t.mem.Store(pa, size, val); err != nil {
		t.log.Debug("physical store failed", zap.Uint64("vaddr", vaddr), zap.Uint64("paddr", uint64(pa)), zap.Error(err))
		return types.NewFault(types.FaultStore, types.GuestAddr(vaddr), types.GuestAddr(t.env.InsnPC))
	}
	if flags&cpu.TLBNotDirty == 0 {
		return nil
	}
	// The bytes are written first so a concurrent translation of this page
	// either sees them or is rejected when it installs.
	page := pa.PageBase()
	if t.mem.IsCode(page) {
		t.codeWrites.Inc()
		if t.onCodeWrite != nil {
			t.onCodeWrite(pa, pa+types.PhysAddr(size))
		}
	}
	if !t.mem.IsCode(page) {
		t.unprotect(vaddr, mmu, page)
	}
	return nil
}

// TranslateCode returns the physical address instructions at vaddr are
// fetched from. Fetching from a device raises a fetch fault.
func (t *TLB) TranslateCode(vaddr uint64, mmu int) (types.PhysAddr, error) {
	pa, flags, err := t.lookup(vaddr, AccessExec, mmu)
	if err != nil {
		return 0, err
	}
	if flags&cpu.TLBMMIO != 0 {
		return 0, types.NewFault(types.FaultFetch, types.GuestAddr(vaddr), types.GuestAddr(vaddr))
	}
	return pa, nil
}

// Translate walks the page table for vaddr without touching the TLB.
func (t *TLB) Translate(vaddr uint64, access Access, mmu int) (types.PhysAddr, error) {
	tr, err := t.pt.Walk(vaddr, access, mmu)
	if err != nil {
		return 0, t.fault(err, access, vaddr)
	}
	return tr.Phys.PageBase() + types.PhysAddr(vaddr&^constants.PageMask), nil
}

// Probe does what the inline fast path does for an aligned access of one
// byte: it reports the physical address when the current entry would hit.
func (t *TLB) Probe(vaddr uint64, access Access, mmu int) (types.PhysAddr, bool) {
	idx := (vaddr >> constants.PageBits) & (constants.TLBSize - 1)
	if tagFor(&t.env.TLB[mmu][idx], access) != vaddr&constants.PageMask {
		return 0, false
	}
	return t.phys[mmu][idx] + types.PhysAddr(vaddr&^constants.PageMask), true
}

// Flush invalidates every entry, including the victim TLB.
func (t *TLB) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	inv := cpu.InvalidEntry()
	for mmu := range t.env.TLB {
		for i := range t.env.TLB[mmu] {
			t.store(&t.env.TLB[mmu][i], inv)
			t.phys[mmu][i] = types.NoPage
		}
		for i := range t.victims[mmu] {
			t.victims[mmu][i] = victim{entry: inv, phys: types.NoPage}
		}
	}
	t.flushes.Inc()
	t.m.TLBFlushes.Inc()
}

// FlushPage invalidates the entries translating the page of vaddr in every
// mmu mode.
func (t *TLB) FlushPage(vaddr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inv := cpu.InvalidEntry()
	for mmu := range t.env.TLB {
		e := t.env.Entry(mmu, vaddr)
		if matches(e.AddrRead, vaddr) || matches(stdatomic.LoadUint64(&e.AddrWrite), vaddr) || matches(e.AddrCode, vaddr) {
			t.store(e, inv)
			t.phys[mmu][(vaddr>>constants.PageBits)&(constants.TLBSize-1)] = types.NoPage
		}
		for i := range t.victims[mmu] {
			v := &t.victims[mmu][i]
			if matches(v.entry.AddrRead, vaddr) || matches(v.entry.AddrWrite, vaddr) || matches(v.entry.AddrCode, vaddr) {
				*v = victim{entry: inv, phys: types.NoPage}
			}
		}
	}
	t.m.TLBFlushes.Inc()
}

// RequestFlush asks the owning vCPU to flush at its next block boundary.
// Safe to call from any goroutine.
func (t *TLB) RequestFlush() {
	t.pendingMu.Lock()
	t.pendingAll = true
	t.pendingPages = nil
	t.pendingMu.Unlock()
	t.env.Kick(cpu.ExitReqSync)
}

// RequestFlushPage is RequestFlush for a single page.
func (t *TLB) RequestFlushPage(vaddr uint64) {
	t.pendingMu.Lock()
	if !t.pendingAll {
		t.pendingPages = append(t.pendingPages, vaddr)
	}
	t.pendingMu.Unlock()
	t.env.Kick(cpu.ExitReqSync)
}

// ServicePending performs requested flushes. The owning vCPU calls it
// outside generated code. It reports a full flush, or else the pages it
// flushed.
func (t *TLB) ServicePending() (all bool, pages []uint64) {
	t.pendingMu.Lock()
	all, pages = t.pendingAll, t.pendingPages
	t.pendingAll, t.pendingPages = false, nil
	t.pendingMu.Unlock()
	if all {
		t.Flush()
		return true, nil
	}
	for _, p := range pages {
		t.FlushPage(p)
	}
	return false, pages
}

// Stats returns the TLB's counters.
func (t *TLB) Stats() Stats {
	return Stats{
		Fills:      t.fills.Load(),
		VictimHits: t.victimHits.Load(),
		Walks:      t.walks.Load(),
		Flushes:    t.flushes.Load(),
		SlowLoads:  t.slowLoads.Load(),
		SlowStores: t.slowStores.Load(),
		CodeWrites: t.codeWrites.Load(),
	}
}

// Env returns the CPU state the TLB tables live in.
func (t *TLB) Env() *cpu.Env { return t.env }
