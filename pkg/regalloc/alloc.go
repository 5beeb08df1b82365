// Package regalloc assigns host registers to IR temps. Allocation is a single
// forward linear scan over one block with precomputed next-use positions;
// there is no cross-block live-range analysis.
package regalloc

import (
	"math"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/ir"
)

const never = math.MaxInt32

// Allocator is reused across blocks by one vCPU's translator.
type Allocator struct {
	info   *RegisterInfo
	alloc  RegSet
	callee RegSet

	c     *ir.Context
	out   []Insn
	reg   []Reg  // current register of each temp
	clean []bool // the temp's home slot holds its current value
	slot  []int16
	owner [64]ir.Temp
	free  []Reg // most recently freed last

	uses   [][]int32
	cursor []int32

	freeSlots []int16
	nslots    int
	maxSlots  int
}

// New creates an allocator for the given register file.
func New(info *RegisterInfo) *Allocator {
	return &Allocator{
		info:     info,
		alloc:    info.AllocatableSet(),
		callee:   info.CalleeSaved(),
		maxSlots: constants.NumSpillSlots,
	}
}

// Info returns the register file the allocator works with.
func (a *Allocator) Info() *RegisterInfo { return a.info }

// Allocate turns the optimized block in c into a Program.
func (a *Allocator) Allocate(c *ir.Context) (*Program, error) {
	a.reset(c)
	ops := c.Ops()
	for i := range ops {
		if err := a.step(int32(i), &ops[i]); err != nil {
			return nil, err
		}
	}
	prog := &Program{
		Insns:      make([]Insn, len(a.out)),
		NumLabels:  c.NumLabels(),
		StartPC:    c.StartPC,
		Flags:      c.Flags,
		SpillSlots: a.nslots,
		Helpers:    c.Helpers,
	}
	copy(prog.Insns, a.out)
	return prog, nil
}

func (a *Allocator) reset(c *ir.Context) {
	a.c = c
	a.out = a.out[:0]
	n := c.NumTemps()
	a.reg = grow(a.reg, n)
	a.clean = growBool(a.clean, n)
	a.slot = grow16(a.slot, n)
	for t := 0; t < n; t++ {
		a.reg[t] = NoReg
		a.clean[t] = true
		a.slot[t] = -1
	}
	for r := range a.owner {
		a.owner[r] = ir.NoTemp
	}
	a.free = a.free[:0]
	for i := len(a.info.Allocatable) - 1; i >= 0; i-- {
		a.free = append(a.free, a.info.Allocatable[i])
	}
	a.freeSlots = a.freeSlots[:0]
	a.nslots = 0

	if cap(a.uses) < n {
		a.uses = make([][]int32, n)
	}
	a.uses = a.uses[:n]
	a.cursor = grow32(a.cursor, n)
	for t := range a.uses {
		a.uses[t] = a.uses[t][:0]
		a.cursor[t] = 0
	}
	for i, op := range c.Ops() {
		for _, v := range op.Uses() {
			if v.IsTemp() {
				a.uses[v.Temp] = append(a.uses[v.Temp], int32(i))
			}
		}
	}
}

// nextUse returns the position of the first read of t at or after i.
func (a *Allocator) nextUse(t ir.Temp, i int32) int32 {
	u := a.uses[t]
	k := a.cursor[t]
	for k > 0 && u[k-1] >= i {
		k--
	}
	for int(k) < len(u) && u[k] < i {
		k++
	}
	a.cursor[t] = k
	if int(k) < len(u) {
		return u[k]
	}
	return never
}

func (a *Allocator) kind(t ir.Temp) ir.TempKind { return a.c.Kind(t) }

func (a *Allocator) emit(in Insn) {
	a.out = append(a.out, in)
}

func (a *Allocator) home(t ir.Temp) (int32, error) {
	if a.kind(t) == ir.TempGlobal {
		return a.c.TempInfo(t).EnvOffset, nil
	}
	if a.slot[t] < 0 {
		switch {
		case len(a.freeSlots) > 0:
			a.slot[t] = a.freeSlots[len(a.freeSlots)-1]
			a.freeSlots = a.freeSlots[:len(a.freeSlots)-1]
		case a.nslots < a.maxSlots:
			a.slot[t] = int16(a.nslots)
			a.nslots++
		default:
			return 0, errors.ErrBlockTooLarge
		}
	}
	return cpu.SpillOffset(int(a.slot[t])), nil
}

func (a *Allocator) takeFree(pool RegSet) Reg {
	for j := len(a.free) - 1; j >= 0; j-- {
		r := a.free[j]
		if pool.Has(r) {
			a.free = append(a.free[:j], a.free[j+1:]...)
			return r
		}
	}
	return NoReg
}

func (a *Allocator) release(r Reg) {
	t := a.owner[r]
	if t != ir.NoTemp {
		a.reg[t] = NoReg
	}
	a.owner[r] = ir.NoTemp
	a.free = append(a.free, r)
}

func (a *Allocator) assign(t ir.Temp, r Reg) {
	a.owner[r] = t
	a.reg[t] = r
}

// store writes t's register back to its home slot.
func (a *Allocator) store(t ir.Temp, pc uint64) error {
	if a.clean[t] {
		return nil
	}
	off, err := a.home(t)
	if err != nil {
		return err
	}
	a.emit(Insn{Code: ir.OpStEnv, Dst: NoReg, Args: [3]Operand{R(a.reg[t])}, NArgs: 1, Aux: int64(off), Label: ir.NoLabel, PC: pc})
	a.clean[t] = true
	return nil
}

// allocReg finds a register in pool, evicting the temp whose next use is
// furthest away when none is free.
func (a *Allocator) allocReg(i int32, pool RegSet, locked RegSet, pc uint64) (Reg, error) {
	pool &^= locked
	if r := a.takeFree(pool); r != NoReg {
		return r, nil
	}
	victim, far := NoReg, int32(-1)
	for _, r := range a.info.Allocatable {
		if !pool.Has(r) || a.owner[r] == ir.NoTemp {
			continue
		}
		if d := a.nextUse(a.owner[r], i); d > far {
			victim, far = r, d
		}
	}
	if victim == NoReg {
		return NoReg, errors.Internalf("regalloc: no register available at op %d", i)
	}
	if err := a.store(a.owner[victim], pc); err != nil {
		return NoReg, err
	}
	t := a.owner[victim]
	a.reg[t] = NoReg
	a.owner[victim] = ir.NoTemp
	return victim, nil
}

// load brings t into a register.
func (a *Allocator) load(i int32, t ir.Temp, locked RegSet, pc uint64) (Reg, error) {
	if r := a.reg[t]; r != NoReg {
		return r, nil
	}
	if a.kind(t) != ir.TempGlobal && a.slot[t] < 0 {
		return NoReg, errors.Internalf("regalloc: temp %d read before it was written", t)
	}
	r, err := a.allocReg(i, a.alloc, locked, pc)
	if err != nil {
		return NoReg, err
	}
	off, err := a.home(t)
	if err != nil {
		return NoReg, err
	}
	a.emit(Insn{Code: ir.OpLdEnv, Dst: r, Aux: int64(off), Label: ir.NoLabel, PC: pc})
	a.assign(t, r)
	a.clean[t] = true
	return r, nil
}

// syncKinds stores every dirty register-resident temp of the given kinds.
func (a *Allocator) syncKinds(globals, locals bool, pc uint64) error {
	for _, r := range a.info.Allocatable {
		t := a.owner[r]
		if t == ir.NoTemp {
			continue
		}
		switch a.kind(t) {
		case ir.TempGlobal:
			if !globals {
				continue
			}
		case ir.TempLocal:
			if !locals {
				continue
			}
		default:
			continue
		}
		if err := a.store(t, pc); err != nil {
			return err
		}
	}
	return nil
}

// dropGlobals forgets register copies of globals; they must be clean.
func (a *Allocator) dropGlobals() {
	for _, r := range a.info.Allocatable {
		if t := a.owner[r]; t != ir.NoTemp && a.kind(t) == ir.TempGlobal {
			a.release(r)
		}
	}
}

// forgetAll empties the register file at a label. Normal temps must be dead.
func (a *Allocator) forgetAll(i int32) error {
	for _, r := range a.info.Allocatable {
		t := a.owner[r]
		if t == ir.NoTemp {
			continue
		}
		if a.kind(t) == ir.TempNormal && a.nextUse(t, i) != never {
			return errors.Internalf("regalloc: normal temp %d live across label at op %d", t, i)
		}
		if a.kind(t) == ir.TempNormal {
			a.freeSlot(t)
		}
		a.release(r)
	}
	return nil
}

// killNormals frees normal temps after a branch.
func (a *Allocator) killNormals(i int32) error {
	for _, r := range a.info.Allocatable {
		t := a.owner[r]
		if t == ir.NoTemp || a.kind(t) != ir.TempNormal {
			continue
		}
		if a.nextUse(t, i+1) != never {
			return errors.Internalf("regalloc: normal temp %d live across branch at op %d", t, i)
		}
		a.freeSlot(t)
		a.release(r)
	}
	return nil
}

func (a *Allocator) freeSlot(t ir.Temp) {
	if s := a.slot[t]; s >= 0 {
		a.freeSlots = append(a.freeSlots, s)
		a.slot[t] = -1
	}
}

// liveAfter reports whether t's value is still needed after op i.
func (a *Allocator) liveAfter(t ir.Temp, i int32) bool {
	if a.nextUse(t, i+1) != never {
		return true
	}
	return a.kind(t) != ir.TempNormal && !a.clean[t]
}

func (a *Allocator) helperFlags(op *ir.Op) ir.HelperFlags {
	if h := a.c.Helpers.Lookup(ir.HelperID(op.Aux)); h != nil {
		return h.Flags
	}
	return ir.HelperReadsGlobals | ir.HelperWritesGlobals | ir.HelperMayFault
}

// evacuate moves values that must survive a call-clobber op out of
// caller-saved registers. dst is overwritten by the op and skipped.
func (a *Allocator) evacuate(i int32, dst ir.Temp, pc uint64) error {
	for _, r := range a.info.Allocatable {
		t := a.owner[r]
		if t == ir.NoTemp || t == dst || a.callee.Has(r) || !a.liveAfter(t, i) {
			continue
		}
		if to := a.takeFree(a.callee); to != NoReg {
			a.emit(Insn{Code: ir.OpMov, Dst: to, Args: [3]Operand{R(r)}, NArgs: 1, Label: ir.NoLabel, PC: pc})
			a.owner[r] = ir.NoTemp
			a.free = append(a.free, r)
			a.assign(t, to)
			continue
		}
		if err := a.store(t, pc); err != nil {
			return err
		}
	}
	return nil
}

// clobber frees every caller-saved register after a call-clobber op.
func (a *Allocator) clobber() {
	for _, r := range a.info.Allocatable {
		if !a.callee.Has(r) && a.owner[r] != ir.NoTemp {
			a.release(r)
		}
	}
}

func (a *Allocator) step(i int32, op *ir.Op) error {
	pc := op.PC
	switch op.Code {
	case ir.OpNop:
		return nil
	case ir.OpInsnStart:
		a.emit(Insn{Code: ir.OpInsnStart, Dst: NoReg, Aux: op.Aux, Label: ir.NoLabel, PC: pc, NextPC: op.NextPC})
		return nil
	case ir.OpLabel:
		if err := a.syncKinds(true, true, pc); err != nil {
			return err
		}
		if err := a.forgetAll(i); err != nil {
			return err
		}
		a.emit(Insn{Code: ir.OpLabel, Dst: NoReg, Label: op.Label, PC: pc})
		return nil
	case ir.OpBr:
		if err := a.syncKinds(true, true, pc); err != nil {
			return err
		}
		if err := a.killNormals(i); err != nil {
			return err
		}
		a.emit(Insn{Code: ir.OpBr, Dst: NoReg, Label: op.Label, PC: pc})
		return nil
	case ir.OpGotoTB, ir.OpExit:
		if err := a.syncKinds(true, false, pc); err != nil {
			return err
		}
		in := Insn{Code: op.Code, Dst: NoReg, Aux: op.Aux, Label: ir.NoLabel, PC: pc, NextPC: op.NextPC}
		if op.Code == ir.OpExit {
			in.Args[0], in.NArgs = I(op.Args[0].Imm), 1
		}
		a.emit(in)
		return nil
	}

	var hflags ir.HelperFlags
	if op.Code == ir.OpCall {
		hflags = a.helperFlags(op)
	}
	if op.Code.Has(ir.OpfMayFault|ir.OpfEnvAccess) || hflags != 0 {
		if err := a.syncKinds(true, false, pc); err != nil {
			return err
		}
	}

	// Inputs.
	var locked RegSet
	for _, v := range op.Uses() {
		if !v.IsTemp() {
			continue
		}
		r, err := a.load(i, v.Temp, locked, pc)
		if err != nil {
			return err
		}
		locked = locked.With(r)
	}

	if op.Code == ir.OpBrCond {
		if err := a.syncKinds(true, true, pc); err != nil {
			return err
		}
	}

	clobbers := op.Code.Has(ir.OpfCallClobber)
	if clobbers {
		if err := a.evacuate(i, op.Dst, pc); err != nil {
			return err
		}
	}

	in := Insn{Code: op.Code, Dst: NoReg, NArgs: op.NArgs, Cond: op.Cond, Mem: op.Mem, Label: op.Label, Aux: op.Aux, PC: pc, NextPC: op.NextPC}
	for j, v := range op.Uses() {
		if v.IsTemp() {
			in.Args[j] = R(a.reg[v.Temp])
		} else {
			in.Args[j] = I(v.Imm)
		}
	}

	// Inputs whose last use is this op give their registers back first so
	// the result can land in the most recently freed one.
	for _, v := range op.Uses() {
		if !v.IsTemp() || a.kind(v.Temp) != ir.TempNormal || v.Temp == op.Dst {
			continue
		}
		if r := a.reg[v.Temp]; r != NoReg && a.nextUse(v.Temp, i+1) == never {
			a.freeSlot(v.Temp)
			a.release(r)
		}
	}

	if clobbers {
		a.clobber()
	}
	if hflags&ir.HelperWritesGlobals != 0 {
		a.dropGlobals()
	}

	if op.Code == ir.OpBrCond {
		a.emit(in)
		return a.killNormals(i)
	}

	if op.Dst != ir.NoTemp {
		t := op.Dst
		r := a.reg[t]
		if r == NoReg {
			var err error
			if r, err = a.allocReg(i+1, a.alloc, 0, pc); err != nil {
				return err
			}
			a.assign(t, r)
		}
		a.clean[t] = false
		in.Dst = r
	}
	a.emit(in)

	if op.Code == ir.OpStEnv {
		a.dropGlobals()
	}
	if t := op.Dst; t != ir.NoTemp && a.kind(t) == ir.TempNormal && a.nextUse(t, i+1) == never {
		a.freeSlot(t)
		a.release(a.reg[t])
	}
	return nil
}

func grow(s []Reg, n int) []Reg {
	if cap(s) < n {
		return make([]Reg, n)
	}
	return s[:n]
}

func growBool(s []bool, n int) []bool {
	if cap(s) < n {
		return make([]bool, n)
	}
	return s[:n]
}

func grow16(s []int16, n int) []int16 {
	if cap(s) < n {
		return make([]int16, n)
	}
	return s[:n]
}

func grow32(s []int32, n int) []int32 {
	if cap(s) < n {
		return make([]int32, n)
	}
	return s[:n]
}
