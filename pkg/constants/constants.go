package constants

// Guest page geometry. All TLB tags, code-page tracking and TB page ranges
// use this page size.
const (
	PageBits = 12
	PageSize = 1 << PageBits
	PageMask = ^uint64(PageSize - 1)
)

// Soft-MMU sizing
const (
	TLBBits       = 8
	TLBSize       = 1 << TLBBits
	TLBEntryBits  = 5 // log2(sizeof(cpu.TLBEntry))
	VictimTLBSize = 8
	NumMMUModes   = 2
)

// Guest CPU state sizing
const (
	NumGuestRegs  = 32
	NumSpillSlots = 64
	NumHelperArgs = 6
	NumSaveSlots  = 16
)

// Translation limits
const (
	MaxInsnsPerBlock = 512
	MaxOpsPerBlock   = 4096
	MaxTempsPerBlock = 1024
	MaxLabels        = 256
)

// Code buffer
const (
	DefaultCodeBufferSize = 32 * 1024 * 1024 // 32MB
	CodeRegionSize        = 256 * 1024
	CodeAlign             = 16
	DefaultJumpCacheBits  = 12
	DefaultHashBits       = 15
)
