package engine

import (
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/types"
)

// interpret decodes the block at pc and runs its unoptimized IR. Nothing
// is cached, so every execution decodes again.
func (v *VCPU) interpret(pc uint64, flags types.Flags) (types.ExitReason, bool, error) {
	mmu := flags.MMUIndex()
	phys, err := v.tlb.TranslateCode(pc, mmu)
	if err != nil {
		return 0, false, err
	}
	f := newFetcher(v.e.mem, pc, phys, func(va uint64) (types.PhysAddr, error) {
		return v.tlb.TranslateCode(va, mmu)
	}, false)
	c := v.ctx
	c.Reset(pc, uint32(flags))
	if _, err := v.e.decoder.Translate(v.goctx, c, pc, flags, f.fetch, v.e.opts.MaxInsns); err != nil {
		return 0, false, err
	}
	if err := c.Validate(); err != nil {
		return 0, false, err
	}
	in := ir.Interpreter{Env: v.env, Mem: v.tlb}
	res, err := in.Run(c)
	if err != nil {
		return 0, false, err
	}
	switch res.Kind {
	case ir.ExitException:
		v.fault = res.Fault
		return types.ExitException, true, nil
	case ir.ExitDebug:
		return types.ExitDebug, true, nil
	}
	return 0, false, nil
}
