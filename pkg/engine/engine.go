// Package engine ties the translator together. An Engine owns what every
// vCPU shares: the code buffer, the TB cache, the helper table and guest
// memory. A VCPU owns its Env, TLB, jump cache and translation context and
// runs guest code through TranslateAndRun.
package engine

import (
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ascrivener/dbt/pkg/backend"
	_ "github.com/ascrivener/dbt/pkg/backend/amd64"
	_ "github.com/ascrivener/dbt/pkg/backend/arm64"
	"github.com/ascrivener/dbt/pkg/backend/tci"
	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/guest"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/metrics"
	"github.com/ascrivener/dbt/pkg/optimize"
	"github.com/ascrivener/dbt/pkg/softmmu"
	"github.com/ascrivener/dbt/pkg/tb"
	"github.com/ascrivener/dbt/pkg/types"
)

// Options configure an Engine.
type Options struct {
	// Backend names the host code generator: "auto", "amd64", "arm64"
	// or "tci".
	Backend        string
	CodeBufferSize int
	HashBits       uint
	JumpCacheBits  uint

	// MaxInsns bounds the guest instructions in one block.
	MaxInsns int
	// BlockBudget bounds how many blocks one TranslateAndRun enters from
	// the dispatcher; 0 means no bound. Chained blocks do not return to
	// the dispatcher and are bounded by TimeSlice instead.
	BlockBudget int
	// TimeSlice, when set, kicks every executing vCPU out of generated
	// code at this interval; TranslateAndRun then returns ExitBlockLimit.
	TimeSlice time.Duration

	Chaining bool
	// PreciseSMC stops the current block right after a store that
	// invalidated it, instead of letting it run to its end.
	PreciseSMC bool
	// Interpreter runs every block through the IR interpreter instead of
	// compiling it.
	Interpreter bool

	Optimize optimize.Options
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Backend:        "auto",
		CodeBufferSize: constants.DefaultCodeBufferSize,
		HashBits:       constants.DefaultHashBits,
		JumpCacheBits:  constants.DefaultJumpCacheBits,
		MaxInsns:       constants.MaxInsnsPerBlock,
		Chaining:       true,
		Optimize:       optimize.DefaultOptions(),
	}
}

// Engine is the translator state shared by all vCPUs.
type Engine struct {
	opts    Options
	log     *zap.Logger
	m       *metrics.Metrics
	decoder guest.Decoder
	mem     *softmmu.Memory
	pt      softmmu.PageTable
	helpers *ir.HelperTable
	host    backend.Host
	arena   *codebuf.Arena
	cache   *tb.Cache
	excl    exclusive

	mu     sync.Mutex
	vcpus  []*VCPU
	nextID int

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an engine translating with dec over mem. pt maps guest
// virtual addresses; nil means identity mapping with full permissions.
func New(dec guest.Decoder, mem *softmmu.Memory, pt softmmu.PageTable, opts Options) (*Engine, error) {
	if dec == nil || mem == nil {
		return nil, errors.Newf("engine: decoder and memory are required")
	}
	if pt == nil {
		pt = softmmu.Identity{Perm: softmmu.PermRWX}
	}
	if opts.MaxInsns <= 0 || opts.MaxInsns > constants.MaxInsnsPerBlock {
		opts.MaxInsns = constants.MaxInsnsPerBlock
	}
	if opts.JumpCacheBits == 0 {
		opts.JumpCacheBits = constants.DefaultJumpCacheBits
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		opts:    opts,
		log:     log.Named("engine"),
		m:       metrics.OrNop(opts.Metrics),
		decoder: dec,
		mem:     mem,
		pt:      pt,
		helpers: ir.NewHelperTable(),
		done:    make(chan struct{}),
	}
	e.excl.init()
	dec.RegisterHelpers(e.helpers)

	host, err := backend.Select(opts.Backend)
	if err != nil {
		return nil, err
	}
	arena, err := codebuf.NewArena(opts.CodeBufferSize)
	if err != nil {
		return nil, err
	}
	if host.Native() && !arena.Executable() {
		e.log.Warn("code buffer is not executable, falling back to bytecode backend",
			zap.String("backend", host.Name()))
		host = tci.New()
	}
	w, err := arena.Reserve(host.GlueSize())
	if err != nil {
		return nil, multierr.Append(err, arena.Close())
	}
	if err := host.EmitGlue(w); err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "failed to emit %s glue", host.Name()), arena.Close())
	}
	arena.Finalize(w.Start(), w.Offset())
	e.host = host
	e.arena = arena
	e.cache = tb.NewCache(arena, host, tb.Options{
		HashBits: opts.HashBits,
		Chaining: opts.Chaining,
		Pages:    mem,
		Logger:   log,
		Metrics:  opts.Metrics,
	})

	if opts.TimeSlice > 0 {
		e.wg.Add(1)
		go e.slicer(opts.TimeSlice)
	}
	e.log.Info("engine ready",
		zap.String("backend", host.Name()),
		zap.String("guest", dec.Name()),
		zap.Int("code_buffer", arena.Capacity()),
		zap.Bool("chaining", opts.Chaining),
		zap.Bool("interpreter", opts.Interpreter))
	return e, nil
}

// Close stops the time-slice timer and unmaps the code buffer. Every vCPU
// must have stopped.
func (e *Engine) Close() error {
	select {
	case <-e.done:
		return nil
	default:
	}
	close(e.done)
	e.wg.Wait()
	e.mu.Lock()
	vcpus := append([]*VCPU(nil), e.vcpus...)
	e.mu.Unlock()
	for _, v := range vcpus {
		v.Close()
	}
	return e.arena.Close()
}

func (e *Engine) slicer(d time.Duration) {
	defer e.wg.Done()
	tick := time.NewTicker(d)
	defer tick.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-tick.C:
			e.kickRunning(nil, cpu.ExitReqSlice)
		}
	}
}

// kickRunning sets bits on every vCPU executing guest code except self.
func (e *Engine) kickRunning(self *VCPU, bits int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.vcpus {
		if v != self && v.running.Load() {
			v.env.Kick(bits)
		}
	}
}

func (e *Engine) Host() backend.Host { return e.host }

func (e *Engine) Cache() *tb.Cache { return e.cache }

func (e *Engine) Memory() *softmmu.Memory { return e.mem }

// Helpers returns the helper table. Extra helpers must be registered
// before the first vCPU is created.
func (e *Engine) Helpers() *ir.HelperTable { return e.helpers }

// Blocks returns the compiled blocks, most executed first.
func (e *Engine) Blocks() []*tb.TB { return e.cache.Blocks() }

// Stats returns the TB cache counters.
func (e *Engine) Stats() tb.Stats { return e.cache.Stats() }

// Invalidate drops every block decoded from the physical range
// [start, end). Executing vCPUs leave their current block chain at the
// next block boundary.
func (e *Engine) Invalidate(start, end types.PhysAddr) int {
	hit := e.cache.InvalidateRange(start, end)
	if len(hit) > 0 {
		e.kickRunning(nil, cpu.ExitReqSync)
	}
	return len(hit)
}

// FlushAll drops every block and resets the code buffer. It waits until no
// vCPU executes guest code, so it must not be called from a helper.
func (e *Engine) FlushAll() {
	e.flushAll(nil)
}

func (e *Engine) flushAll(self *VCPU) {
	e.excl.run(self, func() { e.kickRunning(self, cpu.ExitReqSync) }, e.cache.FlushAll)
}

// WriteMemory stores data at physical address pa and invalidates the
// blocks it overwrote. The bytes land before the blocks are dropped.
func (e *Engine) WriteMemory(pa types.PhysAddr, data []byte) error {
	if err := e.mem.WritePhys(pa, data); err != nil {
		return err
	}
	e.Invalidate(pa, pa+types.PhysAddr(len(data)))
	return nil
}

// FlushTLB asks every vCPU to drop its TLB at its next block boundary,
// after a change to the page table.
func (e *Engine) FlushTLB() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.vcpus {
		v.tlb.RequestFlush()
	}
}

// FlushTLBPage is FlushTLB for the page of vaddr.
func (e *Engine) FlushTLBPage(vaddr uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.vcpus {
		v.tlb.RequestFlushPage(vaddr)
	}
}

// Kick makes every vCPU leave TranslateAndRun with ExitInterrupt at its
// next block boundary.
func (e *Engine) Kick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.vcpus {
		v.Kick()
	}
}

func (e *Engine) addVCPU(v *VCPU) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v.ID = e.nextID
	e.nextID++
	e.vcpus = append(e.vcpus, v)
}

func (e *Engine) removeVCPU(v *VCPU) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, o := range e.vcpus {
		if o == v {
			e.vcpus = append(e.vcpus[:i:i], e.vcpus[i+1:]...)
			return true
		}
	}
	return false
}
