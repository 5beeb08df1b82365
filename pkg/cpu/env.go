// Package cpu defines Env, the guest CPU state block. Generated code holds a
// pointer to it in a reserved host register and reaches every field through
// the fixed offsets below, so Env contains only plain values.
package cpu

import (
	"sync/atomic"
	"unsafe"

	"github.com/ascrivener/dbt/pkg/constants"
)

// TLB tag flag bits. They sit just below the page bits so a tag carrying any
// of them never compares equal to a masked guest address.
const (
	TLBInvalid  = uint64(1) << (constants.PageBits - 1)
	TLBNotDirty = uint64(1) << (constants.PageBits - 2) // code page: stores must invalidate TBs
	TLBMMIO     = uint64(1) << (constants.PageBits - 3)
	TLBWatch    = uint64(1) << (constants.PageBits - 4)
	TLBFlagMask = TLBInvalid | TLBNotDirty | TLBMMIO | TLBWatch
)

// TLBEntry is one direct-mapped soft-TLB slot. Host address = vaddr + Addend.
type TLBEntry struct {
	AddrRead  uint64
	AddrWrite uint64
	AddrCode  uint64
	Addend    uint64
}

// Pending-exit request bits, polled at every block entry.
const (
	ExitReqInterrupt int32 = 1 << 0 // external kick: leave TranslateAndRun with ExitInterrupt
	ExitReqSync      int32 = 1 << 1 // internal safe point: TLB flush, invalidation, exclusive section
	ExitReqSlice     int32 = 1 << 2 // time slice expired: leave TranslateAndRun with ExitBlockLimit
)

// Env is the per-vCPU state shared between Go and generated code.
type Env struct {
	Regs [constants.NumGuestRegs]uint64
	PC   uint64

	ExitRequest int32
	_           int32

	// Set by slow-path and helper stubs before leaving generated code.
	InsnPC     uint64
	InsnNext   uint64
	HelperArgs [constants.NumHelperArgs]uint64
	HelperRet  uint64

	// Callee-saved allocatable registers across an exit-and-resume.
	SaveArea [constants.NumSaveSlots]uint64

	Spill [constants.NumSpillSlots]uint64

	TLB [constants.NumMMUModes][constants.TLBSize]TLBEntry
}

// Field offsets used by the emitters.
const (
	OffRegs        = int32(unsafe.Offsetof(Env{}.Regs))
	OffPC          = int32(unsafe.Offsetof(Env{}.PC))
	OffExitRequest = int32(unsafe.Offsetof(Env{}.ExitRequest))
	OffInsnPC      = int32(unsafe.Offsetof(Env{}.InsnPC))
	OffInsnNext    = int32(unsafe.Offsetof(Env{}.InsnNext))
	OffHelperArgs  = int32(unsafe.Offsetof(Env{}.HelperArgs))
	OffHelperRet   = int32(unsafe.Offsetof(Env{}.HelperRet))
	OffSaveArea    = int32(unsafe.Offsetof(Env{}.SaveArea))
	OffSpill       = int32(unsafe.Offsetof(Env{}.Spill))
	OffTLB         = int32(unsafe.Offsetof(Env{}.TLB))

	OffTLBAddrRead  = int32(unsafe.Offsetof(TLBEntry{}.AddrRead))
	OffTLBAddrWrite = int32(unsafe.Offsetof(TLBEntry{}.AddrWrite))
	OffTLBAddrCode  = int32(unsafe.Offsetof(TLBEntry{}.AddrCode))
	OffTLBAddend    = int32(unsafe.Offsetof(TLBEntry{}.Addend))

	TLBEntrySize = int32(unsafe.Sizeof(TLBEntry{}))
	TLBTableSize = TLBEntrySize * constants.TLBSize
	EnvSize      = int32(unsafe.Sizeof(Env{}))
)

// RegOffset returns the Env offset of guest register i.
func RegOffset(i int) int32 {
	return OffRegs + int32(i)*8
}

// SpillOffset returns the Env offset of spill slot i.
func SpillOffset(i int) int32 {
	return OffSpill + int32(i)*8
}

// HelperArgOffset returns the Env offset of helper argument i.
func HelperArgOffset(i int) int32 {
	return OffHelperArgs + int32(i)*8
}

// SaveOffset returns the Env offset of save-area slot i.
func SaveOffset(i int) int32 {
	return OffSaveArea + int32(i)*8
}

// TLBOffset returns the Env offset of the TLB table for mmuIdx.
func TLBOffset(mmuIdx int) int32 {
	return OffTLB + int32(mmuIdx)*TLBTableSize
}

// New allocates an Env with every TLB entry invalid.
func New() *Env {
	env := &Env{}
	for m := range env.TLB {
		for i := range env.TLB[m] {
			env.TLB[m][i] = InvalidEntry()
		}
	}
	return env
}

// InvalidEntry returns a TLB entry that matches no address.
func InvalidEntry() TLBEntry {
	return TLBEntry{AddrRead: TLBInvalid, AddrWrite: TLBInvalid, AddrCode: TLBInvalid}
}

// Kick sets pending-exit bits; the vCPU observes them at its next block entry.
func (e *Env) Kick(bits int32) {
	atomic.OrInt32(&e.ExitRequest, bits)
}

// TakeExitRequest atomically reads and clears the pending-exit bits.
func (e *Env) TakeExitRequest() int32 {
	return atomic.SwapInt32(&e.ExitRequest, 0)
}

// PendingExit reports the pending-exit bits without clearing them.
func (e *Env) PendingExit() int32 {
	return atomic.LoadInt32(&e.ExitRequest)
}

// At returns a pointer to the 8-byte Env field at off.
func (e *Env) At(off int32) *uint64 {
	return (*uint64)(unsafe.Add(unsafe.Pointer(e), off))
}

// Load reads the 8-byte Env field at off.
func (e *Env) Load(off int32) uint64 {
	return *e.At(off)
}

// Store writes the 8-byte Env field at off.
func (e *Env) Store(off int32, v uint64) {
	*e.At(off) = v
}

// Entry returns the TLB slot for vaddr in mode mmuIdx.
func (e *Env) Entry(mmuIdx int, vaddr uint64) *TLBEntry {
	return &e.TLB[mmuIdx][(vaddr>>constants.PageBits)&(constants.TLBSize-1)]
}

// Snapshot is the guest-visible part of Env used when comparing runs.
type Snapshot struct {
	Regs [constants.NumGuestRegs]uint64
	PC   uint64
}

func (e *Env) Snapshot() Snapshot {
	return Snapshot{Regs: e.Regs, PC: e.PC}
}
