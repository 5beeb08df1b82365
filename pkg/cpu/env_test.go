package cpu

import (
	"testing"

	"github.com/ascrivener/dbt/pkg/constants"
)

func TestOffsetsMatchLayout(t *testing.T) {
	env := New()
	env.Regs[5] = 0x55
	env.PC = 0x1000
	env.Spill[3] = 0x33
	env.HelperArgs[2] = 0x22

	if got := env.Load(RegOffset(5)); got != 0x55 {
		t.Errorf("Load(RegOffset(5)) = %#x, want 0x55", got)
	}
	if got := env.Load(OffPC); got != 0x1000 {
		t.Errorf("Load(OffPC) = %#x, want 0x1000", got)
	}
	if got := env.Load(SpillOffset(3)); got != 0x33 {
		t.Errorf("Load(SpillOffset(3)) = %#x, want 0x33", got)
	}
	if got := env.Load(HelperArgOffset(2)); got != 0x22 {
		t.Errorf("Load(HelperArgOffset(2)) = %#x, want 0x22", got)
	}

	env.Store(OffHelperRet, 99)
	if env.HelperRet != 99 {
		t.Errorf("Store(OffHelperRet) did not reach HelperRet")
	}
}

func TestTLBEntryLayout(t *testing.T) {
	if TLBEntrySize != 1<<constants.TLBEntryBits {
		t.Fatalf("TLBEntrySize = %d, want %d", TLBEntrySize, 1<<constants.TLBEntryBits)
	}
	env := New()
	vaddr := uint64(0x12345678)
	ent := env.Entry(1, vaddr)
	ent.Addend = 7
	idx := (vaddr >> constants.PageBits) & (constants.TLBSize - 1)
	off := TLBOffset(1) + int32(idx)*TLBEntrySize + OffTLBAddend
	if got := env.Load(off); got != 7 {
		t.Errorf("addend via offset = %d, want 7", got)
	}
	for _, e := range env.TLB[0] {
		if e.AddrRead&TLBInvalid == 0 {
			t.Fatalf("fresh TLB entry is valid: %+v", e)
		}
	}
}

func TestExitRequest(t *testing.T) {
	env := New()
	env.Kick(ExitReqSync)
	env.Kick(ExitReqInterrupt)
	if got := env.PendingExit(); got != ExitReqSync|ExitReqInterrupt {
		t.Fatalf("PendingExit() = %d", got)
	}
	if got := env.TakeExitRequest(); got != ExitReqSync|ExitReqInterrupt {
		t.Fatalf("TakeExitRequest() = %d", got)
	}
	if env.PendingExit() != 0 {
		t.Errorf("request bits not cleared")
	}
}
