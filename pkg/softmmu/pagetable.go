package softmmu

import (
	"fmt"
	"sync"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/types"
)

// Access is the kind of memory access being translated.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	}
	return fmt.Sprintf("access(%d)", uint8(a))
}

// FaultCause is the guest fault an access of this kind raises.
func (a Access) FaultCause() types.FaultCause {
	switch a {
	case AccessWrite:
		return types.FaultStore
	case AccessExec:
		return types.FaultFetch
	}
	return types.FaultLoad
}

// Perm is a set of page permissions.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	// PermUser makes the page reachable from MMU mode 1.
	PermUser

	PermRW  = PermRead | PermWrite
	PermRX  = PermRead | PermExec
	PermRWX = PermRead | PermWrite | PermExec
)

// Allows reports whether p permits a.
func (p Perm) Allows(a Access) bool {
	switch a {
	case AccessRead:
		return p&PermRead != 0
	case AccessWrite:
		return p&PermWrite != 0
	case AccessExec:
		return p&PermExec != 0
	}
	return false
}

// Translation is the result of a page-table walk.
type Translation struct {
	Phys types.PhysAddr // page base
	Perm Perm
}

// PageTable translates guest virtual pages. Walk returns a *types.Fault for
// an unmapped page or a permission violation; the caller fills in the pc.
type PageTable interface {
	Walk(vaddr uint64, access Access, mmuIdx int) (Translation, error)
}

// Identity maps every virtual page to the same physical page with Perm.
type Identity struct {
	Perm Perm
}

func (id Identity) Walk(vaddr uint64, access Access, mmuIdx int) (Translation, error) {
	if !id.Perm.Allows(access) {
		return Translation{}, types.NewFault(access.FaultCause(), types.GuestAddr(vaddr), 0)
	}
	return Translation{Phys: types.PhysAddr(vaddr).PageBase(), Perm: id.Perm}, nil
}

// PageMap is a flat software page table. MMU mode 0 is supervisor and may
// touch every page; mode 1 needs PermUser. Changing a mapping does not
// flush any TLB; the caller asks the engine to.
type PageMap struct {
	mu    sync.RWMutex
	pages map[uint64]Translation
}

func NewPageMap() *PageMap {
	return &PageMap{pages: make(map[uint64]Translation)}
}

// Map maps [vaddr, vaddr+size) to [paddr, paddr+size) with perm. Both
// addresses must be page aligned.
func (pm *PageMap) Map(vaddr uint64, paddr types.PhysAddr, size uint64, perm Perm) error {
	if vaddr&^constants.PageMask != 0 || uint64(paddr)&^constants.PageMask != 0 {
		return fmt.Errorf("map %#x -> %#x: not page aligned", vaddr, uint64(paddr))
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for off := uint64(0); off < size; off += constants.PageSize {
		pm.pages[(vaddr+off)>>constants.PageBits] = Translation{Phys: paddr + types.PhysAddr(off), Perm: perm}
	}
	return nil
}

// Unmap removes the pages covering [vaddr, vaddr+size).
func (pm *PageMap) Unmap(vaddr, size uint64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for off := uint64(0); off < size; off += constants.PageSize {
		delete(pm.pages, (vaddr+off)>>constants.PageBits)
	}
}

// Protect changes the permissions of mapped pages in [vaddr, vaddr+size).
func (pm *PageMap) Protect(vaddr, size uint64, perm Perm) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for off := uint64(0); off < size; off += constants.PageSize {
		key := (vaddr + off) >> constants.PageBits
		if tr, ok := pm.pages[key]; ok {
			tr.Perm = perm
			pm.pages[key] = tr
		}
	}
}

// Lookup returns the mapping of vaddr's page without permission checks.
func (pm *PageMap) Lookup(vaddr uint64) (Translation, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	tr, ok := pm.pages[vaddr>>constants.PageBits]
	return tr, ok
}

func (pm *PageMap) Walk(vaddr uint64, access Access, mmuIdx int) (Translation, error) {
	tr, ok := pm.Lookup(vaddr)
	if !ok || !tr.Perm.Allows(access) || mmuIdx == 1 && tr.Perm&PermUser == 0 {
		return Translation{}, types.NewFault(access.FaultCause(), types.GuestAddr(vaddr), 0)
	}
	return tr, nil
}
