package tci

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/cpu"
	"github.com/ascrivener/dbt/pkg/ir"
)

// Run interprets bytecode from entry until an exit instruction.
func (b *Backend) Run(a *codebuf.Arena, entry int, env *cpu.Env) (uint64, uint64) {
	code := a.Bytes()
	var r [numRegs]uint64
	pc := entry
	for {
		op, x, y, z := code[pc], code[pc+1], code[pc+2], code[pc+3]
		imm := op&immFlag != 0
		op &^= immFlag
		switch op {
		case opMovI32:
			r[x] = uint64(int64(int32(le.Uint32(code[pc+4:]))))
			pc += 8
		case opMovI64:
			r[x] = le.Uint64(code[pc+4:])
			pc += 12
		case opMov:
			r[x] = r[y]
			pc += 4
		case opAdd, opSub, opMul, opAnd, opOr, opXor, opShl, opShr, opSar:
			var rhs uint64
			if imm {
				rhs = uint64(int64(int32(le.Uint32(code[pc+4:]))))
				pc += 8
			} else {
				rhs = r[z]
				pc += 4
			}
			r[x] = alu(op, r[y], rhs)
		case opNeg:
			r[x] = -r[y]
			pc += 4
		case opNot:
			r[x] = ^r[y]
			pc += 4
		case opExt8s:
			r[x] = uint64(int64(int8(r[y])))
			pc += 4
		case opExt8u:
			r[x] = uint64(uint8(r[y]))
			pc += 4
		case opExt16s:
			r[x] = uint64(int64(int16(r[y])))
			pc += 4
		case opExt16u:
			r[x] = uint64(uint16(r[y]))
			pc += 4
		case opExt32s:
			r[x] = uint64(int64(int32(r[y])))
			pc += 4
		case opExt32u:
			r[x] = uint64(uint32(r[y]))
			pc += 4
		case opSetCond:
			cond := ir.Cond(le.Uint32(code[pc+4:]))
			r[x] = 0
			if cond.Eval(r[y], r[z]) {
				r[x] = 1
			}
			pc += 8
		case opLdEnv:
			r[x] = env.Load(int32(le.Uint32(code[pc+4:])))
			pc += 8
		case opStEnv:
			env.Store(int32(le.Uint32(code[pc+4:])), r[y])
			pc += 8
		case opLd:
			mem := ir.MemOp(le.Uint32(code[pc+4:]))
			next := pc + 12
			if v, ok := loadFast(env, r[y], mem); ok {
				r[x] = v
				pc = next
			} else {
				pc = next + int(int32(le.Uint32(code[pc+8:])))
			}
		case opSt:
			mem := ir.MemOp(le.Uint32(code[pc+4:]))
			next := pc + 12
			if storeFast(env, r[z], r[y], mem) {
				pc = next
			} else {
				pc = next + int(int32(le.Uint32(code[pc+8:])))
			}
		case opBr:
			pc += 8 + int(int32(le.Uint32(code[pc+4:])))
		case opBrCond:
			if ir.Cond(x).Eval(r[y], r[z]) {
				pc += 8 + int(int32(le.Uint32(code[pc+4:])))
			} else {
				pc += 8
			}
		case opGotoTB:
			disp := atomic.LoadUint32((*uint32)(unsafe.Pointer(&code[pc+4])))
			pc += 8 + int(int32(disp))
		case opExit:
			return le.Uint64(code[pc+4:]), le.Uint64(code[pc+12:])
		case opExitResume:
			return le.Uint64(code[pc+4:]), uint64(pc + 12)
		case opCheckExit:
			if atomic.LoadInt32(&env.ExitRequest) != 0 {
				pc += 8 + int(int32(le.Uint32(code[pc+4:])))
			} else {
				pc += 8
			}
		case opSaveCallee:
			for i, reg := range b.saved {
				env.SaveArea[i] = r[reg]
			}
			pc += 4
		case opLoadCallee:
			for i, reg := range b.saved {
				r[reg] = env.SaveArea[i]
			}
			pc += 4
		default:
			panic(fmt.Sprintf("tci: invalid opcode %#x at %#x", code[pc], pc))
		}
	}
}

func alu(op byte, a, b uint64) uint64 {
	switch op {
	case opAdd:
		return a + b
	case opSub:
		return a - b
	case opMul:
		return a * b
	case opAnd:
		return a & b
	case opOr:
		return a | b
	case opXor:
		return a ^ b
	case opShl:
		return a << (b & 63)
	case opShr:
		return a >> (b & 63)
	case opSar:
		return uint64(int64(a) >> (b & 63))
	}
	return 0
}

// hostBytes views size bytes of guest RAM at vaddr through the entry's
// addend. The backing memory is mapped outside the Go heap.
func hostBytes(e *cpu.TLBEntry, vaddr uint64, size int) []byte {
	p := unsafe.Pointer(uintptr(vaddr + e.Addend))
	return unsafe.Slice((*byte)(p), size)
}

func loadFast(env *cpu.Env, vaddr uint64, mem ir.MemOp) (uint64, bool) {
	e := env.Entry(mem.MMUIndex(), vaddr)
	if vaddr&(constants.PageMask|mem.AlignMask()) != atomic.LoadUint64(&e.AddrRead) {
		return 0, false
	}
	b := hostBytes(e, vaddr, mem.Size())
	var order binary.ByteOrder = binary.LittleEndian
	if mem.BigEndian() {
		order = binary.BigEndian
	}
	var v uint64
	switch mem.Size() {
	case 1:
		v = uint64(b[0])
	case 2:
		v = uint64(order.Uint16(b))
	case 4:
		v = uint64(order.Uint32(b))
	default:
		v = order.Uint64(b)
	}
	return mem.Extend(v), true
}

func storeFast(env *cpu.Env, vaddr, val uint64, mem ir.MemOp) bool {
	e := env.Entry(mem.MMUIndex(), vaddr)
	if vaddr&(constants.PageMask|mem.AlignMask()) != atomic.LoadUint64(&e.AddrWrite) {
		return false
	}
	b := hostBytes(e, vaddr, mem.Size())
	var order binary.ByteOrder = binary.LittleEndian
	if mem.BigEndian() {
		order = binary.BigEndian
	}
	switch mem.Size() {
	case 1:
		b[0] = byte(val)
	case 2:
		order.PutUint16(b, uint16(val))
	case 4:
		order.PutUint32(b, uint32(val))
	default:
		order.PutUint64(b, val)
	}
	return true
}
