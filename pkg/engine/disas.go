package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/guest"
	"github.com/ascrivener/dbt/pkg/ir"
	"github.com/ascrivener/dbt/pkg/optimize"
	"github.com/ascrivener/dbt/pkg/regalloc"
	"github.com/ascrivener/dbt/pkg/softmmu"
	"github.com/ascrivener/dbt/pkg/types"
)

// Disassemble renders the block at (pc, flags): its IR as decoded, the IR
// after optimization and the host code. The host code is the cached
// block's when there is one; otherwise the block is compiled into a
// scratch buffer that is never executed.
func (e *Engine) Disassemble(pc uint64, flags types.Flags) (string, error) {
	mmu := flags.MMUIndex()
	walk := func(va uint64) (types.PhysAddr, error) {
		tr, err := e.pt.Walk(va, softmmu.AccessExec, mmu)
		if err != nil {
			return 0, err
		}
		return tr.Phys.PageBase() + types.PhysAddr(types.GuestAddr(va).PageOffset()), nil
	}
	phys, err := walk(pc)
	if err != nil {
		return "", err
	}
	f := newFetcher(e.mem, pc, phys, walk, false)
	c := ir.NewContext(e.helpers)
	guest.Setup(c, e.decoder)
	c.Reset(pc, uint32(flags))
	blk, err := e.decoder.Translate(context.Background(), c, pc, flags, f.fetch, e.opts.MaxInsns)
	if err != nil {
		return "", err
	}
	if err := c.Validate(); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "IN: pc=%#x flags=%#x insns=%d bytes=%d\n", pc, uint32(flags), blk.NumInsns, len(f.code))
	sb.WriteString(c.Dump())
	optimize.Run(c, e.opts.Optimize)
	sb.WriteString("OP after optimization:\n")
	sb.WriteString(c.Dump())

	if t := e.cache.Lookup(pc, flags, phys); t != nil {
		fmt.Fprintf(&sb, "OUT: %s entry=%#x size=%d\n", e.host.Name(), t.Entry, t.CodeSize)
		writeLines(&sb, e.host.Disassemble(e.arena.Bytes(), t.Entry, t.Entry+t.CodeSize))
		return sb.String(), nil
	}
	p, err := regalloc.New(e.host.RegisterInfo()).Allocate(c)
	if err != nil {
		return "", err
	}
	w := codebuf.NewWriter(make([]byte, constants.CodeRegionSize))
	l, err := e.host.Emit(w, p)
	if err == nil {
		err = w.Err()
	}
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, "OUT: %s (not cached) size=%d\n", e.host.Name(), l.End-l.Entry)
	writeLines(&sb, e.host.Disassemble(w.Buffer(), l.Entry, l.End))
	return sb.String(), nil
}

func writeLines(sb *strings.Builder, lines []string) {
	for _, l := range lines {
		sb.WriteString("  ")
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
}
