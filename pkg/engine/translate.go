package engine

import (
	"bytes"
	"context"
	"encoding/binary"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/ascrivener/dbt/pkg/backend"
	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/optimize"
	"github.com/ascrivener/dbt/pkg/regalloc"
	"github.com/ascrivener/dbt/pkg/softmmu"
	"github.com/ascrivener/dbt/pkg/tb"
	"github.com/ascrivener/dbt/pkg/types"
)

const maxTranslateAttempts = 8

// fetcher feeds guest code to the decoder and keeps every byte it handed
// out, so the block can be hashed and checked again at install time.
type fetcher struct {
	mem       *softmmu.Memory
	translate func(vaddr uint64) (types.PhysAddr, error)
	// markCode write-protects pages before their bytes are read.
	markCode bool

	start  uint64
	physPC types.PhysAddr
	page2  types.PhysAddr
	code   []byte
}

func newFetcher(mem *softmmu.Memory, start uint64, physPC types.PhysAddr, translate func(uint64) (types.PhysAddr, error), markCode bool) *fetcher {
	f := &fetcher{
		mem:       mem,
		translate: translate,
		markCode:  markCode,
		start:     start,
		physPC:    physPC,
		page2:     types.NoPage,
		code:      make([]byte, 0, 64),
	}
	if markCode {
		mem.SetCodePage(physPC.PageBase(), true)
	}
	return f
}

// phys maps a code address of the block to its physical address.
func (f *fetcher) phys(vaddr uint64) (types.PhysAddr, error) {
	if types.GuestAddr(vaddr).PageBase() == types.GuestAddr(f.start).PageBase() {
		return f.physPC + types.PhysAddr(vaddr-f.start), nil
	}
	if f.page2 != types.NoPage {
		return f.page2 + types.PhysAddr(types.GuestAddr(vaddr).PageOffset()), nil
	}
	pa, err := f.translate(vaddr)
	if err != nil {
		return 0, err
	}
	f.page2 = pa.PageBase()
	if f.markCode {
		f.mem.SetCodePage(f.page2, true)
	}
	return pa, nil
}

func (f *fetcher) fetch(pc uint64, size int) (uint64, error) {
	if size <= 0 || size > 8 {
		return 0, errors.Internalf("fetch of %d bytes at %#x", size, pc)
	}
	if pc != f.start+uint64(len(f.code)) {
		return 0, errors.Internalf("out of order fetch at %#x, block at %#x has %d bytes", pc, f.start, len(f.code))
	}
	var buf [8]byte
	for i := 0; i < size; {
		va := pc + uint64(i)
		pa, err := f.phys(va)
		if err != nil {
			return 0, err
		}
		n := size - i
		if left := int(constants.PageSize - types.GuestAddr(va).PageOffset()); n > left {
			n = left
		}
		if err := f.mem.ReadPhys(pa, buf[i:i+n]); err != nil {
			return 0, types.NewFault(types.FaultFetch, types.GuestAddr(va), types.GuestAddr(va))
		}
		i += n
	}
	f.code = append(f.code, buf[:size]...)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// current reads the block's guest bytes as they are now.
func (f *fetcher) current() ([]byte, error) {
	buf := make([]byte, len(f.code))
	first := int(constants.PageSize - uint64(f.physPC)&^constants.PageMask)
	if first > len(buf) {
		first = len(buf)
	}
	if err := f.mem.ReadPhys(f.physPC, buf[:first]); err != nil {
		return nil, err
	}
	if first < len(buf) {
		if err := f.mem.ReadPhys(f.page2, buf[first:]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// verify rejects a block whose guest bytes changed while it was compiled.
func (f *fetcher) verify(t *tb.TB) error {
	cur, err := f.current()
	if err != nil {
		return err
	}
	if !bytes.Equal(cur, f.code) || blake2b.Sum256(cur) != t.Hash {
		return errors.ErrRetranslate
	}
	return nil
}

// translate compiles the block at (pc, flags) and installs it. Resource
// exhaustion is handled here: a full code buffer is flushed, an oversized
// block is retried with half the instructions.
func (v *VCPU) translate(pc uint64, flags types.Flags, phys types.PhysAddr) (*tb.TB, error) {
	maxInsns := v.e.opts.MaxInsns
	var err error
	for attempt := 0; attempt < maxTranslateAttempts; attempt++ {
		var t *tb.TB
		t, err = v.compile(pc, flags, phys, maxInsns)
		var reason string
		switch {
		case err == nil:
			return t, nil
		case errors.Is(err, errors.ErrBlockTooLarge) && maxInsns > 1:
			maxInsns /= 2
			reason = "too_large"
		case errors.Is(err, errors.ErrCodeBufferFull):
			v.log.Info("code buffer full, flushing", zap.Uint64("pc", pc))
			v.e.flushAll(v)
			v.region = nil
			reason = "buffer_full"
		case errors.Is(err, errors.ErrRetranslate):
			reason = "retranslate"
		default:
			var f *types.Fault
			if errors.As(err, &f) || isContextErr(err) {
				return nil, err
			}
			v.m.TranslationFailures.WithLabelValues("error").Inc()
			return nil, errors.WrapTranslationError(err, pc, "failed to translate block")
		}
		v.m.TranslationFailures.WithLabelValues(reason).Inc()
		v.log.Debug("retrying translation",
			zap.Uint64("pc", pc), zap.String("reason", reason), zap.Int("max_insns", maxInsns))
	}
	return nil, errors.WrapTranslationError(err, pc, "gave up translating block")
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// compile runs the pipeline once: decode, optimize, allocate, emit,
// install.
func (v *VCPU) compile(pc uint64, flags types.Flags, phys types.PhysAddr, maxInsns int) (*tb.TB, error) {
	e := v.e
	mmu := flags.MMUIndex()
	f := newFetcher(e.mem, pc, phys, func(va uint64) (types.PhysAddr, error) {
		return v.tlb.TranslateCode(va, mmu)
	}, true)

	c := v.ctx
	c.Reset(pc, uint32(flags))
	blk, err := e.decoder.Translate(v.goctx, c, pc, flags, f.fetch, maxInsns)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	optimize.Run(c, e.opts.Optimize)
	p, err := v.alloc.Allocate(c)
	if err != nil {
		return nil, err
	}
	layout, err := v.emit(p)
	if err != nil {
		return nil, err
	}

	t := tb.New(tb.Params{
		PC:       pc,
		Flags:    flags,
		PhysPC:   phys,
		Page2:    f.page2,
		Code:     f.code,
		NumInsns: blk.NumInsns,
		Layout:   layout,
	})
	got, err := e.cache.Install(t, f.verify)
	if err != nil {
		return nil, err
	}
	v.stats.Translations++
	v.m.Translations.Inc()
	v.m.TranslatedInsns.Add(float64(blk.NumInsns))
	if ce := v.log.Check(zap.DebugLevel, "translated block"); ce != nil {
		ce.Write(zap.Uint64("pc", pc), zap.Int("insns", blk.NumInsns),
			zap.Int("guest_bytes", len(f.code)), zap.Int("host_bytes", t.CodeSize))
	}
	return got, nil
}

// emit writes p into the vCPU's region, taking a fresh region when the
// current one is exhausted or was discarded by a flush.
func (v *VCPU) emit(p *regalloc.Program) (backend.Layout, error) {
	a := v.e.arena
	for {
		fresh := false
		if !v.region.Valid() {
			r, err := a.NewRegion(constants.CodeRegionSize)
			if err != nil {
				return backend.Layout{}, err
			}
			v.region = r
			fresh = true
		}
		w := v.region.Writer()
		l, err := v.e.host.Emit(w, p)
		if err == nil {
			err = w.Err()
		}
		if err == nil {
			v.region.Commit(w)
			a.Finalize(l.Entry, l.End)
			return l, nil
		}
		if !errors.Is(err, errors.ErrCodeBufferFull) {
			return backend.Layout{}, err
		}
		if fresh {
			if v.region.Remaining() >= constants.CodeRegionSize {
				return backend.Layout{}, errors.ErrBlockTooLarge
			}
			return backend.Layout{}, errors.ErrCodeBufferFull
		}
		v.region = nil
	}
}
