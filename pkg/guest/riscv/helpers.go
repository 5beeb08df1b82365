package riscv

import (
	"math/bits"

	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/ir"
)

// helperIDs are the out-of-line routines for the M extension ops the IR
// has no micro-op for.
type helperIDs struct {
	mulh, mulhsu, mulhu      ir.HelperID
	div, divu, rem, remu     ir.HelperID
	divw, divuw, remw, remuw ir.HelperID
}

func registerHelpers(h *ir.HelperTable) helperIDs {
	reg := func(name string, fn func(a, b uint64) uint64) ir.HelperID {
		return h.Register(ir.Helper{
			Name:    "riscv_" + name,
			NumArgs: 2,
			Fn: func(_ *cpu.Env, args []uint64) (uint64, error) {
				return fn(args[0], args[1]), nil
			},
		})
	}
	return helperIDs{
		mulh:   reg("mulh", mulh),
		mulhsu: reg("mulhsu", mulhsu),
		mulhu:  reg("mulhu", mulhu),
		div:    reg("div", div),
		divu:   reg("divu", divu),
		rem:    reg("rem", rem),
		remu:   reg("remu", remu),
		divw:   reg("divw", divw),
		divuw:  reg("divuw", divuw),
		remw:   reg("remw", remw),
		remuw:  reg("remuw", remuw),
	}
}

func mulhu(a, b uint64) uint64 {
	hi, _ := bits.Mul64(a, b)
	return hi
}

func mulh(a, b uint64) uint64 {
	hi := mulhu(a, b)
	if int64(a) < 0 {
		hi -= b
	}
	if int64(b) < 0 {
		hi -= a
	}
	return hi
}

func mulhsu(a, b uint64) uint64 {
	hi := mulhu(a, b)
	if int64(a) < 0 {
		hi -= b
	}
	return hi
}

// Division never traps: x/0 is all ones, x%0 is x, and the signed
// overflow case MIN/-1 yields MIN with remainder 0.

func div(a, b uint64) uint64 {
	switch {
	case b == 0:
		return ^uint64(0)
	case int64(a) == -1<<63 && int64(b) == -1:
		return a
	}
	return uint64(int64(a) / int64(b))
}

func divu(a, b uint64) uint64 {
	if b == 0 {
		return ^uint64(0)
	}
	return a / b
}

func rem(a, b uint64) uint64 {
	switch {
	case b == 0:
		return a
	case int64(a) == -1<<63 && int64(b) == -1:
		return 0
	}
	return uint64(int64(a) % int64(b))
}

func remu(a, b uint64) uint64 {
	if b == 0 {
		return a
	}
	return a % b
}

func sext32(v uint32) uint64 { return uint64(int64(int32(v))) }

func divw(a, b uint64) uint64 {
	x, y := int32(a), int32(b)
	switch {
	case y == 0:
		return ^uint64(0)
	case x == -1<<31 && y == -1:
		return sext32(uint32(x))
	}
	return sext32(uint32(x / y))
}

func divuw(a, b uint64) uint64 {
	x, y := uint32(a), uint32(b)
	if y == 0 {
		return ^uint64(0)
	}
	return sext32(x / y)
}

func remw(a, b uint64) uint64 {
	x, y := int32(a), int32(b)
	switch {
	case y == 0:
		return sext32(uint32(x))
	case x == -1<<31 && y == -1:
		return 0
	}
	return sext32(uint32(x % y))
}

func remuw(a, b uint64) uint64 {
	x, y := uint32(a), uint32(b)
	if y == 0 {
		return sext32(x)
	}
	return sext32(x % y)
}
