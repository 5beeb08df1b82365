package main

import (
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/ascrivener/dbt/pkg/engine"
	"github.com/ascrivener/dbt/pkg/softmmu"
	"github.com/ascrivener/dbt/pkg/types"
)

// RISC-V calling convention registers.
const (
	regA0 = 10
	regA1 = 11
	regA2 = 12
	regA7 = 17
)

// Linux syscall numbers the runner emulates.
const (
	sysWrite = 64
	sysExit  = 93
)

const maxWrite = 1 << 20

// syscalls serves ecall exits with a minimal Linux-like ABI: write to
// stdout and exit. Any other fault stops the vCPU.
type syscalls struct {
	log *zap.Logger
	mem *softmmu.Memory

	mu  sync.Mutex
	out io.Writer
}

// handle is the vCPU exit handler. code receives the guest's exit status.
func (s *syscalls) handle(v *engine.VCPU, reason types.ExitReason, code *int) bool {
	switch reason {
	case types.ExitInterrupt, types.ExitBlockLimit, types.ExitDebug:
		return true
	case types.ExitException:
	default:
		*code = 1
		return false
	}
	env := v.Env()
	f := v.Fault()
	switch f.Cause {
	case types.FaultEnvCall:
	case types.FaultBreakpoint:
		s.log.Info("guest breakpoint", zap.Int("vcpu", v.ID), zap.Uint64("pc", env.PC))
		*code = int(env.Regs[regA0])
		return false
	default:
		s.log.Error("guest fault", zap.Int("vcpu", v.ID), zap.Stringer("cause", f.Cause),
			zap.Uint64("pc", uint64(f.PC)), zap.Uint64("addr", uint64(f.Addr)))
		*code = 128 + int(f.Cause)
		return false
	}

	switch nr := env.Regs[regA7]; nr {
	case sysWrite:
		env.Regs[regA0] = s.write(env.Regs[regA1], env.Regs[regA2])
	case sysExit:
		*code = int(int32(env.Regs[regA0]))
		s.log.Debug("guest exit", zap.Int("vcpu", v.ID), zap.Int("status", *code))
		return false
	default:
		s.log.Warn("unsupported syscall", zap.Int("vcpu", v.ID), zap.Uint64("nr", nr))
		env.Regs[regA0] = errno(38) // ENOSYS
	}
	env.PC += 4
	return true
}

// write copies guest memory to the output. It returns the byte count or a
// negated errno in the guest's convention.
func (s *syscalls) write(addr, n uint64) uint64 {
	if n > maxWrite {
		n = maxWrite
	}
	buf := make([]byte, n)
	if err := s.mem.ReadPhys(types.PhysAddr(addr), buf); err != nil {
		return errno(14) // EFAULT
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.out.Write(buf)
	if err != nil {
		return errno(5) // EIO
	}
	return uint64(w)
}

func errno(e int64) uint64 { return uint64(-e) }
