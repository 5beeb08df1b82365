// Package softmmu is the guest memory system seen by generated code: the
// physical address space (RAM and MMIO regions), code-page tracking for
// self-modifying code, page-table walks, and the per-vCPU soft TLB whose
// tables generated loads and stores probe inline.
package softmmu

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/metrics"
	"github.com/ascrivener/dbt/pkg/types"
)

// ErrUnmapped is returned for a physical address with no RAM or device.
var ErrUnmapped = errors.Newf("physical address is not backed by RAM or a device")

// Device is a memory-mapped I/O model. Accesses are serialized per region.
type Device interface {
	Read(off uint64, size int) (uint64, error)
	Write(off uint64, size int, val uint64) error
}

type region struct {
	name string
	base types.PhysAddr
	end  types.PhysAddr

	ram   []byte
	code  []atomic.Bool // per page: holds the source of a compiled block
	unmap func([]byte) error

	dev   Device
	devMu sync.Mutex
}

func (r *region) contains(pa types.PhysAddr, n int) bool {
	return pa >= r.base && uint64(pa-r.base)+uint64(n) <= uint64(r.end-r.base)
}

// Memory is the guest physical address space shared by all vCPUs. Regions
// are added before any vCPU runs and are fixed afterwards.
type Memory struct {
	regions []*region

	mu   sync.Mutex
	tlbs []*TLB

	log *zap.Logger
	m   *metrics.Metrics
}

// NewMemory creates an empty address space.
func NewMemory(log *zap.Logger, m *metrics.Metrics) *Memory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{log: log.Named("softmmu"), m: metrics.OrNop(m)}
}

func (m *Memory) add(r *region) error {
	if r.base.PageBase() != r.base || r.end <= r.base || (r.end-r.base)%constants.PageSize != 0 {
		return errors.Newf("region %q [%#x, %#x) is not page aligned", r.name, uint64(r.base), uint64(r.end))
	}
	for _, o := range m.regions {
		if r.base < o.end && o.base < r.end {
			return errors.Newf("region %q overlaps %q", r.name, o.name)
		}
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })
	return nil
}

// AddRAM maps size bytes of zeroed RAM at base.
func (m *Memory) AddRAM(name string, base types.PhysAddr, size uint64) error {
	buf, unmap, err := mapRAM(int(size))
	if err != nil {
		return errors.Wrapf(err, "failed to map %d bytes of RAM for %q", size, name)
	}
	r := &region{
		name:  name,
		base:  base,
		end:   base + types.PhysAddr(size),
		ram:   buf,
		code:  make([]atomic.Bool, size/constants.PageSize),
		unmap: unmap,
	}
	if err := m.add(r); err != nil {
		if unmap != nil {
			err = multierr.Append(err, unmap(buf))
		}
		return err
	}
	m.log.Info("mapped RAM", zap.String("name", name), zap.Uint64("base", uint64(base)), zap.Uint64("size", size))
	return nil
}

// AddMMIO routes [base, base+size) to dev.
func (m *Memory) AddMMIO(name string, base types.PhysAddr, size uint64, dev Device) error {
	if err := m.add(&region{name: name, base: base, end: base + types.PhysAddr(size), dev: dev}); err != nil {
		return err
	}
	m.log.Info("mapped device", zap.String("name", name), zap.Uint64("base", uint64(base)), zap.Uint64("size", size))
	return nil
}

func (m *Memory) find(pa types.PhysAddr) *region {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end > pa })
	if i < len(m.regions) && m.regions[i].base <= pa {
		return m.regions[i]
	}
	return nil
}

// IsRAM reports whether pa is backed by RAM.
func (m *Memory) IsRAM(pa types.PhysAddr) bool {
	r := m.find(pa)
	return r != nil && r.ram != nil
}

// HostAddr returns the host address of the RAM byte at pa.
func (m *Memory) HostAddr(pa types.PhysAddr) (uintptr, bool) {
	r := m.find(pa)
	if r == nil || r.ram == nil {
		return 0, false
	}
	return uintptr(unsafe.Pointer(&r.ram[pa-r.base])), true
}

// Load reads a little-endian value of size bytes at pa.
func (m *Memory) Load(pa types.PhysAddr, size int) (uint64, error) {
	r := m.find(pa)
	if r == nil || !r.contains(pa, size) {
		return 0, ErrUnmapped
	}
	if r.dev != nil {
		m.m.MMIOAccesses.Inc()
		r.devMu.Lock()
		defer r.devMu.Unlock()
		return r.dev.Read(uint64(pa-r.base), size)
	}
	b := r.ram[pa-r.base:]
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Store writes the low size bytes of val little-endian at pa. It does not
// look at code pages; callers that may hit compiled code go through a TLB
// or invalidate first.
func (m *Memory) Store(pa types.PhysAddr, size int, val uint64) error {
	r := m.find(pa)
	if r == nil || !r.contains(pa, size) {
		return ErrUnmapped
	}
	if r.dev != nil {
		m.m.MMIOAccesses.Inc()
		r.devMu.Lock()
		defer r.devMu.Unlock()
		return r.dev.Write(uint64(pa-r.base), size, val)
	}
	b := r.ram[pa-r.base:]
	switch size {
	case 1:
		b[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(val))
	default:
		binary.LittleEndian.PutUint64(b, val)
	}
	return nil
}

// ReadPhys copies RAM at pa into buf. The range may span regions.
func (m *Memory) ReadPhys(pa types.PhysAddr, buf []byte) error {
	for len(buf) > 0 {
		r := m.find(pa)
		if r == nil || r.ram == nil {
			return errors.Wrapf(ErrUnmapped, "read at %#x", uint64(pa))
		}
		n := copy(buf, r.ram[pa-r.base:])
		buf = buf[n:]
		pa += types.PhysAddr(n)
	}
	return nil
}

// WritePhys copies data into RAM at pa. Like Store it ignores code pages.
func (m *Memory) WritePhys(pa types.PhysAddr, data []byte) error {
	for len(data) > 0 {
		r := m.find(pa)
		if r == nil || r.ram == nil {
			return errors.Wrapf(ErrUnmapped, "write at %#x", uint64(pa))
		}
		n := copy(r.ram[pa-r.base:], data)
		data = data[n:]
		pa += types.PhysAddr(n)
	}
	return nil
}

// SetCodePage records whether page holds the source of a compiled block.
// Marking a page write-protects it in every registered TLB so the next
// store through any vCPU takes the slow path.
func (m *Memory) SetCodePage(page types.PhysAddr, code bool) {
	r := m.find(page)
	if r == nil || r.ram == nil {
		return
	}
	idx := (page.PageBase() - r.base) >> constants.PageBits
	if r.code[idx].Swap(code) == code || !code {
		return
	}
	m.mu.Lock()
	tlbs := append([]*TLB(nil), m.tlbs...)
	m.mu.Unlock()
	for _, t := range tlbs {
		t.protectCode(page.PageBase())
	}
}

// IsCode reports whether page holds the source of a compiled block.
func (m *Memory) IsCode(page types.PhysAddr) bool {
	r := m.find(page)
	if r == nil || r.ram == nil {
		return false
	}
	return r.code[(page.PageBase()-r.base)>>constants.PageBits].Load()
}

func (m *Memory) addTLB(t *TLB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tlbs = append(m.tlbs, t)
}

func (m *Memory) removeTLB(t *TLB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.tlbs {
		if o == t {
			m.tlbs = append(m.tlbs[:i], m.tlbs[i+1:]...)
			return
		}
	}
}

// Close unmaps all RAM.
func (m *Memory) Close() error {
	var err error
	for _, r := range m.regions {
		if r.unmap != nil && r.ram != nil {
			err = multierr.Append(err, r.unmap(r.ram))
			r.ram = nil
		}
	}
	m.regions = nil
	return err
}
