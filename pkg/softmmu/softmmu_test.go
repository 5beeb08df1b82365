package softmmu

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/types"
)

const ramPages = 1024

func newMemory(t *testing.T) *Memory {
	t.Helper()
	mem := NewMemory(nil, nil)
	if err := mem.AddRAM("ram", 0, ramPages*constants.PageSize); err != nil {
		t.Fatalf("AddRAM: %v", err)
	}
	t.Cleanup(func() {
		if err := mem.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return mem
}

func newTLB(t *testing.T, mem *Memory, pt PageTable, opts Options) *TLB {
	t.Helper()
	tlb := NewTLB(cpu.New(), mem, pt, opts)
	t.Cleanup(tlb.Close)
	return tlb
}

type device struct {
	regs   map[uint64]uint64
	writes int
}

func (d *device) Read(off uint64, size int) (uint64, error) {
	return d.regs[off], nil
}

func (d *device) Write(off uint64, size int, val uint64) error {
	d.regs[off] = val
	d.writes++
	return nil
}

func TestMemoryRegions(t *testing.T) {
	mem := newMemory(t)
	if err := mem.AddRAM("overlap", 0x1000, constants.PageSize); err == nil {
		t.Fatalf("overlapping region accepted")
	}
	if err := mem.AddRAM("odd", ramPages*constants.PageSize+1, constants.PageSize); err == nil {
		t.Fatalf("unaligned region accepted")
	}
	if _, err := mem.Load(ramPages*constants.PageSize, 8); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("Load past RAM: err = %v, want ErrUnmapped", err)
	}

	if err := mem.WritePhys(0x1ffe, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WritePhys: %v", err)
	}
	got, err := mem.Load(0x1ffe, 4)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != 0x04030201 {
		t.Errorf("Load = %#x, want 0x04030201", got)
	}
	buf := make([]byte, 4)
	if err := mem.ReadPhys(0x1ffe, buf); err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4}, buf); diff != "" {
		t.Errorf("ReadPhys mismatch (-want +got):\n%s", diff)
	}
}

func TestProbeMatchesWalk(t *testing.T) {
	mem := newMemory(t)
	pm := NewPageMap()
	const vbase = 0x4000_0000
	for i := uint64(0); i < ramPages; i++ {
		phys := types.PhysAddr((i * 37 % ramPages) * constants.PageSize)
		if err := pm.Map(vbase+i*constants.PageSize, phys, constants.PageSize, PermRWX); err != nil {
			t.Fatalf("Map: %v", err)
		}
	}
	tlb := newTLB(t, mem, pm, Options{})

	rng := rand.New(rand.NewSource(1))
	for n := 0; n < 4096; n++ {
		vaddr := vbase + uint64(rng.Int63n(ramPages*constants.PageSize))
		val := rng.Uint64() & 0xff
		if err := tlb.Store(vaddr, val, ir.MemU8); err != nil {
			t.Fatalf("Store(%#x): %v", vaddr, err)
		}
		got, ok := tlb.Probe(vaddr, AccessRead, 0)
		if !ok {
			t.Fatalf("Probe(%#x) missed right after an access", vaddr)
		}
		want, err := tlb.Translate(vaddr, AccessRead, 0)
		if err != nil {
			t.Fatalf("Translate(%#x): %v", vaddr, err)
		}
		if got != want {
			t.Fatalf("Probe(%#x) = %#x, walk = %#x", vaddr, uint64(got), uint64(want))
		}
		if raw, _ := mem.Load(want, 1); raw != val {
			t.Fatalf("phys %#x holds %#x, stored %#x", uint64(want), raw, val)
		}
		if back, err := tlb.Load(vaddr, ir.MemU8); err != nil || back != val {
			t.Fatalf("Load(%#x) = %#x, %v; want %#x", vaddr, back, err, val)
		}
	}
}

func TestVictimHit(t *testing.T) {
	mem := newMemory(t)
	tlb := newTLB(t, mem, Identity{Perm: PermRWX}, Options{})
	a := uint64(0x1000)
	b := a + constants.TLBSize*constants.PageSize

	for _, v := range []uint64{a, b, a} {
		if _, err := tlb.Load(v, ir.MemU64); err != nil {
			t.Fatalf("Load(%#x): %v", v, err)
		}
	}
	got := tlb.Stats()
	want := Stats{Fills: 2, VictimHits: 1, Walks: 2, SlowLoads: 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if _, ok := tlb.Probe(a, AccessRead, 0); !ok {
		t.Errorf("victim hit did not move the entry back into the table")
	}
	if _, ok := tlb.Probe(b, AccessRead, 0); ok {
		t.Errorf("evicted entry still in the table")
	}
}

func TestCodePageStores(t *testing.T) {
	mem := newMemory(t)
	type write struct{ start, end types.PhysAddr }
	var writes []write
	tlb := newTLB(t, mem, Identity{Perm: PermRWX}, Options{
		OnCodeWrite: func(start, end types.PhysAddr) { writes = append(writes, write{start, end}) },
	})

	if err := tlb.Store(0x100, 1, ir.MemU8); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok := tlb.Probe(0x100, AccessWrite, 0); !ok {
		t.Fatalf("clean page should take the fast path")
	}

	mem.SetCodePage(0, true)
	if _, ok := tlb.Probe(0x100, AccessWrite, 0); ok {
		t.Fatalf("code page still writable on the fast path")
	}
	if _, ok := tlb.Probe(0x100, AccessRead, 0); !ok {
		t.Fatalf("marking a code page dropped the read tag")
	}

	if err := tlb.Store(0x104, 0xabcd, ir.MemU32); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if diff := cmp.Diff([]write{{0x104, 0x108}}, writes, cmp.AllowUnexported(write{})); diff != "" {
		t.Errorf("code writes mismatch (-want +got):\n%s", diff)
	}
	if v, _ := mem.Load(0x104, 4); v != 0xabcd {
		t.Errorf("store to code page lost: %#x", v)
	}

	mem.SetCodePage(0, false)
	if err := tlb.Store(0x108, 2, ir.MemU8); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(writes) != 1 {
		t.Errorf("store after unmarking reported a code write")
	}
	if _, ok := tlb.Probe(0x108, AccessWrite, 0); !ok {
		t.Errorf("page not unprotected once it held no code")
	}
	if got := tlb.Stats().CodeWrites; got != 1 {
		t.Errorf("CodeWrites = %d, want 1", got)
	}
}

func TestCodePageProtectsOtherTLBs(t *testing.T) {
	mem := newMemory(t)
	a := newTLB(t, mem, Identity{Perm: PermRWX}, Options{})
	b := newTLB(t, mem, Identity{Perm: PermRWX}, Options{})
	for _, tlb := range []*TLB{a, b} {
		if err := tlb.Store(0x3000, 7, ir.MemU64); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	mem.SetCodePage(0x3000, true)
	for i, tlb := range []*TLB{a, b} {
		if _, ok := tlb.Probe(0x3008, AccessWrite, 0); ok {
			t.Errorf("tlb %d: code page writable after SetCodePage", i)
		}
	}
	if !mem.IsCode(0x3fff) {
		t.Errorf("IsCode(0x3fff) = false")
	}
}

func TestMMIO(t *testing.T) {
	mem := newMemory(t)
	dev := &device{regs: map[uint64]uint64{8: 0xdead}}
	base := types.PhysAddr(ramPages * constants.PageSize)
	if err := mem.AddMMIO("uart", base, constants.PageSize, dev); err != nil {
		t.Fatalf("AddMMIO: %v", err)
	}
	tlb := newTLB(t, mem, Identity{Perm: PermRWX}, Options{})

	v, err := tlb.Load(uint64(base)+8, ir.MemU32)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v != 0xdead {
		t.Errorf("Load = %#x, want 0xdead", v)
	}
	if _, ok := tlb.Probe(uint64(base)+8, AccessRead, 0); ok {
		t.Errorf("MMIO page hit the fast path")
	}
	if err := tlb.Store(uint64(base)+16, 0x41, ir.MemU8); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if dev.writes != 1 || dev.regs[16] != 0x41 {
		t.Errorf("device saw %d writes, reg16 = %#x", dev.writes, dev.regs[16])
	}
	if _, err := tlb.TranslateCode(uint64(base), 0); err == nil {
		t.Errorf("fetch from a device succeeded")
	}
}

func TestPageCrossingAccess(t *testing.T) {
	mem := newMemory(t)
	pm := NewPageMap()
	if err := pm.Map(0x1000, 0x3000, constants.PageSize, PermRW); err != nil {
		t.Fatal(err)
	}
	if err := pm.Map(0x2000, 0x5000, constants.PageSize, PermRW); err != nil {
		t.Fatal(err)
	}
	tlb := newTLB(t, mem, pm, Options{})

	if err := tlb.Store(0x1ffd, 0x0807060504030201, ir.MemU64); err != nil {
		t.Fatalf("Store: %v", err)
	}
	lo := make([]byte, 3)
	hi := make([]byte, 5)
	if err := mem.ReadPhys(0x3ffd, lo); err != nil {
		t.Fatal(err)
	}
	if err := mem.ReadPhys(0x5000, hi); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4, 5, 6, 7, 8}, append(lo, hi...)); diff != "" {
		t.Errorf("split store mismatch (-want +got):\n%s", diff)
	}
	v, err := tlb.Load(0x1ffd, ir.MemU64)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v != 0x0807060504030201 {
		t.Errorf("Load = %#x", v)
	}

	// The second page of this store is unmapped: nothing may be written.
	err = tlb.Store(0x2ffe, 0xffffffff, ir.MemU32)
	var f *types.Fault
	if !errors.As(err, &f) || f.Cause != types.FaultStore {
		t.Fatalf("Store across unmapped page: err = %v, want store fault", err)
	}
	if v, _ := mem.Load(0x5ffe, 2); v != 0 {
		t.Errorf("partial store reached memory: %#x", v)
	}
}

func TestFaults(t *testing.T) {
	mem := newMemory(t)
	pm := NewPageMap()
	if err := pm.Map(0x1000, 0x1000, constants.PageSize, PermRead); err != nil {
		t.Fatal(err)
	}
	tlb := newTLB(t, mem, pm, Options{})
	tlb.Env().InsnPC = 0x8000

	tests := []struct {
		name string
		do   func() error
		want *types.Fault
	}{
		{
			name: "unmapped load",
			do:   func() error { _, err := tlb.Load(0x9000, ir.MemU32); return err },
			want: &types.Fault{Cause: types.FaultLoad, Addr: 0x9000, PC: 0x8000},
		},
		{
			name: "read-only store",
			do:   func() error { return tlb.Store(0x1010, 1, ir.MemU8) },
			want: &types.Fault{Cause: types.FaultStore, Addr: 0x1010, PC: 0x8000},
		},
		{
			name: "misaligned with align",
			do:   func() error { _, err := tlb.Load(0x1001, ir.MemU32|ir.MemAlign); return err },
			want: &types.Fault{Cause: types.FaultMisalignedLoad, Addr: 0x1001, PC: 0x8000},
		},
		{
			name: "supervisor page from user mode",
			do:   func() error { _, err := tlb.Load(0x1000, ir.MemU8.WithMMU(1)); return err },
			want: &types.Fault{Cause: types.FaultLoad, Addr: 0x1000, PC: 0x8000},
		},
		{
			name: "fetch",
			do:   func() error { _, err := tlb.TranslateCode(0x1000, 0); return err },
			want: &types.Fault{Cause: types.FaultFetch, Addr: 0x1000, PC: 0x1000},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f *types.Fault
			if err := tt.do(); !errors.As(err, &f) {
				t.Fatalf("err = %v, want a guest fault", err)
			}
			if diff := cmp.Diff(tt.want, f); diff != "" {
				t.Errorf("fault mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := tlb.Load(0x1001, ir.MemU32); err != nil {
		t.Errorf("misaligned load without align: %v", err)
	}
}

func TestEndianAndSign(t *testing.T) {
	mem := newMemory(t)
	tlb := newTLB(t, mem, Identity{Perm: PermRW}, Options{})

	if err := tlb.Store(0x2000, 0x11223344, ir.MemU32|ir.MemBE); err != nil {
		t.Fatal(err)
	}
	if raw, _ := mem.Load(0x2000, 4); raw != 0x44332211 {
		t.Errorf("big-endian store wrote %#x", raw)
	}
	if v, _ := tlb.Load(0x2000, ir.MemU32|ir.MemBE); v != 0x11223344 {
		t.Errorf("big-endian load = %#x", v)
	}
	if err := tlb.Store(0x2010, 0x80, ir.MemU8); err != nil {
		t.Fatal(err)
	}
	if v, _ := tlb.Load(0x2010, ir.MemS8); v != 0xffffffffffffff80 {
		t.Errorf("signed byte load = %#x", v)
	}
}

func TestRequestedFlush(t *testing.T) {
	mem := newMemory(t)
	tlb := newTLB(t, mem, Identity{Perm: PermRW}, Options{})
	for _, v := range []uint64{0x1000, 0x2000} {
		if _, err := tlb.Load(v, ir.MemU8); err != nil {
			t.Fatal(err)
		}
	}

	tlb.RequestFlushPage(0x1000)
	if tlb.Env().PendingExit()&cpu.ExitReqSync == 0 {
		t.Fatalf("flush request did not kick the vCPU")
	}
	if _, ok := tlb.Probe(0x1000, AccessRead, 0); !ok {
		t.Fatalf("request flushed before the owner serviced it")
	}
	if all, pages := tlb.ServicePending(); all || len(pages) != 1 || pages[0] != 0x1000 {
		t.Fatalf("ServicePending() = %v, %#x; want the one page", all, pages)
	}
	if _, ok := tlb.Probe(0x1000, AccessRead, 0); ok {
		t.Errorf("page still mapped after the flush")
	}
	if _, ok := tlb.Probe(0x2000, AccessRead, 0); !ok {
		t.Errorf("neighbouring page flushed")
	}

	tlb.RequestFlushPage(0x2000)
	tlb.RequestFlush()
	if all, pages := tlb.ServicePending(); !all || pages != nil {
		t.Fatalf("ServicePending() = %v, %#x; want a full flush", all, pages)
	}
	if _, ok := tlb.Probe(0x2000, AccessRead, 0); ok {
		t.Errorf("full flush left an entry")
	}
	if all, pages := tlb.ServicePending(); all || len(pages) != 0 {
		t.Errorf("second ServicePending() found work")
	}
	if got := tlb.Stats().Flushes; got != 1 {
		t.Errorf("Flushes = %d, want 1", got)
	}
}
