package engine

import (
	"context"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ascrivener/dbt/pkg/backend"
	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/guest"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/metrics"
	"github.com/ascrivener/dbt/pkg/regalloc"
	"github.com/ascrivener/dbt/pkg/softmmu"
	"github.com/ascrivener/dbt/pkg/tb"
	"github.com/ascrivener/dbt/pkg/types"
)

// Stats counts what one vCPU did. Read them from the vCPU's goroutine or
// after it stopped.
type Stats struct {
	Translations  uint64
	JumpCacheHits uint64
	HashHits      uint64
	BlocksEntered uint64
	HelperCalls   uint64
	SlowLoads     uint64
	SlowStores    uint64
}

// VCPU is one guest CPU. Its methods, apart from Kick, must be called from
// a single goroutine.
type VCPU struct {
	ID int

	e      *Engine
	env    *cpu.Env
	ctx    *ir.Context
	tlb    *softmmu.TLB
	jc     *tb.JumpCache
	alloc  *regalloc.Allocator
	region *codebuf.Region
	log    *zap.Logger
	m      *metrics.Metrics

	lookupJump, lookupHash, lookupMiss prometheus.Counter

	running atomic.Bool
	goctx   context.Context

	fault   *types.Fault
	err     error
	smcStop bool
	stats   Stats
}

// NewVCPU creates a vCPU with a fresh Env.
func (e *Engine) NewVCPU() *VCPU {
	v := &VCPU{
		e:     e,
		env:   cpu.New(),
		ctx:   ir.NewContext(e.helpers),
		jc:    tb.NewJumpCache(e.opts.JumpCacheBits),
		alloc: regalloc.New(e.host.RegisterInfo()),
		m:     e.m,
		goctx: context.Background(),
	}
	guest.Setup(v.ctx, e.decoder)
	e.addVCPU(v)
	v.log = e.log.With(zap.Int("vcpu", v.ID))
	v.tlb = softmmu.NewTLB(v.env, e.mem, e.pt, softmmu.Options{
		OnCodeWrite: v.codeWritten,
		Logger:      v.log,
		Metrics:     e.opts.Metrics,
	})
	e.cache.AddJumpCache(v.jc)
	v.lookupJump = e.m.Lookups.WithLabelValues(metrics.LevelJumpCache)
	v.lookupHash = e.m.Lookups.WithLabelValues(metrics.LevelHash)
	v.lookupMiss = e.m.Lookups.WithLabelValues(metrics.LevelMiss)
	return v
}

// Close detaches the vCPU from the engine.
func (v *VCPU) Close() {
	if !v.e.removeVCPU(v) {
		return
	}
	v.e.cache.RemoveJumpCache(v.jc)
	v.tlb.Close()
}

func (v *VCPU) Env() *cpu.Env { return v.env }

func (v *VCPU) TLB() *softmmu.TLB { return v.tlb }

// Fault returns the guest fault behind the last ExitException.
func (v *VCPU) Fault() *types.Fault { return v.fault }

// Err returns the engine error behind the last ExitFatal.
func (v *VCPU) Err() error { return v.err }

func (v *VCPU) Stats() Stats { return v.stats }

// Kick makes the vCPU leave TranslateAndRun with ExitInterrupt at its next
// block boundary. Safe to call from any goroutine.
func (v *VCPU) Kick() { v.env.Kick(cpu.ExitReqInterrupt) }

// TranslateAndRun executes guest code from pc until something needs the
// caller's attention: the block budget or time slice ran out, a kick, a
// guest fault, a debug stop or an engine error. Env.PC holds where to
// continue.
func (v *VCPU) TranslateAndRun(pc uint64, flags types.Flags) types.ExitReason {
	v.env.PC = pc
	v.fault, v.err = nil, nil
	v.e.excl.execStart(v)
	reason := v.loop(flags)
	v.e.excl.execEnd(v)
	v.m.Exits.WithLabelValues(reason.String()).Inc()
	if reason == types.ExitFatal {
		v.log.Error("vcpu stopped on engine error", zap.Uint64("pc", v.env.PC), zap.Error(v.err))
	}
	return reason
}

// pendingLink is a goto_tb exit waiting for its target block.
type pendingLink struct {
	from *tb.TB
	slot int
}

func (v *VCPU) loop(flags types.Flags) types.ExitReason {
	var link pendingLink
	budget := v.e.opts.BlockBudget
	for n := 0; ; n++ {
		if req := v.env.TakeExitRequest(); req != 0 {
			if reason, stop := v.service(req); stop {
				return reason
			}
			link = pendingLink{}
		}
		if budget > 0 && n >= budget {
			return types.ExitBlockLimit
		}
		v.stats.BlocksEntered++

		if v.e.opts.Interpreter {
			reason, stop, err := v.interpret(v.env.PC, flags)
			if err != nil {
				return v.fail(err)
			}
			if stop {
				return reason
			}
			continue
		}

		t, err := v.findTB(v.env.PC, flags)
		if err != nil {
			return v.fail(err)
		}
		if link.from != nil {
			v.e.cache.Link(link.from, link.slot, t)
			link = pendingLink{}
		}
		t.CountExec()
		ex, err := v.exec(t)
		if err != nil {
			return v.fail(err)
		}
		v.m.BlockExits.WithLabelValues(ex.Code.String()).Inc()
		switch ex.Code {
		case backend.CodeNext, backend.CodeInterrupt:
		case backend.CodeChain:
			if from := v.e.cache.ByEntry(int(ex.Arg)); from != nil {
				link = pendingLink{from: from, slot: ex.Slot}
			}
		case backend.CodeException:
			pc := types.GuestAddr(v.env.PC)
			v.fault = types.NewFault(types.FaultCause(ex.Aux), pc, pc)
			return types.ExitException
		case backend.CodeDebug:
			return types.ExitDebug
		default:
			v.err = errors.Internalf("unexpected exit %v from block at %#x", ex, t.PC)
			return types.ExitFatal
		}
	}
}

// service handles pending-exit bits taken at a block boundary.
func (v *VCPU) service(req int32) (types.ExitReason, bool) {
	if req&cpu.ExitReqSync != 0 {
		all, pages := v.tlb.ServicePending()
		if all {
			v.jc.Clear()
		}
		for _, p := range pages {
			v.jc.ClearPage(p)
		}
		v.e.excl.yield(v)
	}
	if req&cpu.ExitReqInterrupt != 0 {
		return types.ExitInterrupt, true
	}
	if req&cpu.ExitReqSlice != 0 {
		return types.ExitBlockLimit, true
	}
	return 0, false
}

// fail turns an error from lookup or execution into an exit reason. A
// translation cut short by Run's context ends like a kick.
func (v *VCPU) fail(err error) types.ExitReason {
	var f *types.Fault
	if errors.As(err, &f) {
		v.fault = f
		return types.ExitException
	}
	if isContextErr(err) {
		return types.ExitInterrupt
	}
	v.err = err
	return types.ExitFatal
}

// findTB returns the block for (pc, flags): jump cache first, then the
// shared hash table, then a fresh translation.
func (v *VCPU) findTB(pc uint64, flags types.Flags) (*tb.TB, error) {
	if t := v.jc.Lookup(pc, flags); t != nil {
		v.stats.JumpCacheHits++
		v.lookupJump.Inc()
		return t, nil
	}
	phys, err := v.tlb.TranslateCode(pc, flags.MMUIndex())
	if err != nil {
		return nil, err
	}
	t := v.e.cache.Lookup(pc, flags, phys)
	if t != nil {
		v.stats.HashHits++
		v.lookupHash.Inc()
	} else {
		v.lookupMiss.Inc()
		if t, err = v.translate(pc, flags, phys); err != nil {
			return nil, err
		}
	}
	v.jc.Put(t)
	return t, nil
}

// exec runs t until it leaves for the dispatcher, serving helper calls and
// slow-path memory accesses on the way.
func (v *VCPU) exec(t *tb.TB) (backend.Exit, error) {
	env := v.env
	host, arena := v.e.host, v.e.arena
	entry := t.Entry
	for {
		ex := backend.DecodeExit(host.Run(arena, entry, env))
		switch ex.Code {
		case backend.CodeHelper:
			v.stats.HelperCalls++
			v.m.HelperCalls.Inc()
			ret, err := v.e.helpers.Call(ir.HelperID(ex.Aux), env, env.HelperArgs[:])
			if err != nil {
				return ex, v.raise(err)
			}
			env.HelperRet = ret
		case backend.CodeSlowLoad:
			v.stats.SlowLoads++
			x, err := v.tlb.Load(env.HelperArgs[0], ex.Mem)
			if err != nil {
				return ex, v.raise(err)
			}
			env.HelperRet = x
		case backend.CodeSlowStore:
			v.stats.SlowStores++
			if err := v.tlb.Store(env.HelperArgs[0], env.HelperArgs[1], ex.Mem); err != nil {
				return ex, v.raise(err)
			}
			if v.smcStop {
				v.smcStop = false
				env.PC = env.InsnNext
				return backend.Exit{Code: backend.CodeNext, Arg: ex.Arg}, nil
			}
		default:
			return ex, nil
		}
		entry = int(ex.Arg)
	}
}

// raise records where a helper or slow path faulted. Guest state in Env is
// current at that point; the faulting instruction did not complete.
func (v *VCPU) raise(err error) error {
	var f *types.Fault
	if !errors.As(err, &f) {
		return err
	}
	v.env.PC = v.env.InsnPC
	if f.PC == 0 {
		f.PC = types.GuestAddr(v.env.InsnPC)
	}
	return f
}

// codeWritten is called by the TLB after a store hit a page holding
// compiled code.
func (v *VCPU) codeWritten(start, end types.PhysAddr) {
	hit := v.e.cache.InvalidateRange(start, end)
	v.m.SMCInvalidations.Inc()
	if len(hit) == 0 {
		return
	}
	v.e.kickRunning(v, cpu.ExitReqSync)
	if !v.e.opts.PreciseSMC {
		return
	}
	for _, t := range hit {
		if t.Contains(v.env.InsnPC) {
			v.smcStop = true
			return
		}
	}
}

// Block names a block to compile ahead of execution.
type Block struct {
	PC    uint64
	Flags types.Flags
}

// Prewarm compiles blocks before they run, typically the hot blocks of an
// earlier run. Blocks whose code faults are skipped. It returns how many
// of them are now in the cache.
func (v *VCPU) Prewarm(blocks []Block) (int, error) {
	if v.e.opts.Interpreter {
		return 0, nil
	}
	v.e.excl.execStart(v)
	defer v.e.excl.execEnd(v)
	n := 0
	for _, b := range blocks {
		if _, err := v.findTB(b.PC, b.Flags); err != nil {
			var f *types.Fault
			if errors.As(err, &f) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// ExitHandler decides what follows an exit from TranslateAndRun. It runs
// on the vCPU's goroutine and may change Env; returning false stops Run.
type ExitHandler func(v *VCPU, reason types.ExitReason) bool

// Run is the vCPU's execution loop: it pins the goroutine to its thread
// and calls TranslateAndRun until handle says stop, ctx is done or the
// engine fails.
func (v *VCPU) Run(ctx context.Context, pc uint64, flags types.Flags, handle ExitHandler) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	stop := context.AfterFunc(ctx, v.Kick)
	defer stop()
	v.goctx = ctx
	defer func() { v.goctx = context.Background() }()
	for {
		reason := v.TranslateAndRun(pc, flags)
		if err := ctx.Err(); err != nil {
			return err
		}
		if reason == types.ExitFatal {
			return v.err
		}
		if !handle(v, reason) {
			return nil
		}
		pc = v.env.PC
	}
}
