package types

import (
	"fmt"

	"github.com/ascrivener/dbt/pkg/constants"
)

// GuestAddr is a guest virtual address.
type GuestAddr uint64

// PageBase returns the start of the guest page containing a.
func (a GuestAddr) PageBase() GuestAddr {
	return a & GuestAddr(constants.PageMask)
}

// PageOffset returns the offset of a within its guest page.
func (a GuestAddr) PageOffset() uint64 {
	return uint64(a) &^ constants.PageMask
}

// PhysAddr is a guest physical address.
type PhysAddr uint64

// NoPage marks an unused page slot (e.g. the second page of a TB that fits in one page).
const NoPage = PhysAddr(^uint64(0))

func (a PhysAddr) PageBase() PhysAddr {
	return a & PhysAddr(constants.PageMask)
}

func (a PhysAddr) PageIndex() uint64 {
	return uint64(a) >> constants.PageBits
}

// Flags are the guest mode bits that affect decoding. Two TBs for the same pc
// with different flags are distinct.
type Flags uint32

const (
	// FlagSingleStep compiles one-instruction blocks that stop with ExitDebug.
	FlagSingleStep Flags = 1 << 31
	// FlagMMUIdxMask selects the soft-MMU mode (privilege level) in bits 0..1.
	FlagMMUIdxMask Flags = 0x3
)

// MMUIndex returns the soft-MMU mode encoded in f.
func (f Flags) MMUIndex() int {
	return int(f & FlagMMUIdxMask)
}

// ExitReason is what TranslateAndRun reports back to the execution loop.
type ExitReason int

const (
	ExitBlockLimit ExitReason = iota // normal: block budget reached, Env.PC is the next pc
	ExitInterrupt                    // pending-exit flag observed at a block boundary
	ExitException                    // guest fault, see VCPU.Fault
	ExitDebug                        // single-step or breakpoint stop
	ExitFatal                        // engine-internal error, see VCPU.Err
)

func (r ExitReason) String() string {
	switch r {
	case ExitBlockLimit:
		return "block-limit"
	case ExitInterrupt:
		return "interrupt"
	case ExitException:
		return "exception"
	case ExitDebug:
		return "debug"
	case ExitFatal:
		return "fatal"
	default:
		return fmt.Sprintf("exit(%d)", int(r))
	}
}

// FaultCause classifies a guest-visible fault.
type FaultCause uint8

const (
	FaultNone FaultCause = iota
	FaultFetch
	FaultLoad
	FaultStore
	FaultMisalignedLoad
	FaultMisalignedStore
	FaultMisalignedFetch
	FaultIllegalInstruction
	FaultEnvCall
	FaultBreakpoint
	FaultDivideByZero
)

var faultNames = [...]string{
	FaultNone:               "none",
	FaultFetch:              "fetch page fault",
	FaultLoad:               "load page fault",
	FaultStore:              "store page fault",
	FaultMisalignedLoad:     "misaligned load",
	FaultMisalignedStore:    "misaligned store",
	FaultMisalignedFetch:    "misaligned fetch",
	FaultIllegalInstruction: "illegal instruction",
	FaultEnvCall:            "environment call",
	FaultBreakpoint:         "breakpoint",
	FaultDivideByZero:       "divide by zero",
}

func (c FaultCause) String() string {
	if int(c) < len(faultNames) {
		return faultNames[c]
	}
	return fmt.Sprintf("fault(%d)", uint8(c))
}

// Fault is a guest-visible exception. It is a value handed to the guest's
// exception collaborator, never an engine error.
type Fault struct {
	Cause FaultCause
	Addr  GuestAddr // faulting data address, or the instruction address
	PC    GuestAddr // guest pc of the faulting instruction
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s at pc=%#x addr=%#x", f.Cause, uint64(f.PC), uint64(f.Addr))
}

// NewFault creates a fault for the instruction at pc.
func NewFault(cause FaultCause, addr, pc GuestAddr) *Fault {
	return &Fault{Cause: cause, Addr: addr, PC: pc}
}
