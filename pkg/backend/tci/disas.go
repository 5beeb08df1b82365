package tci

import (
	"fmt"

	"github.com/ascrivener/dbt/pkg/backend"
	"github.com/ascrivener/dbt/pkg/ir"
)

// insnLen returns the encoded size of the instruction starting with op.
func insnLen(op byte) int {
	imm := op&immFlag != 0
	switch op &^ immFlag {
	case opMovI32, opSetCond, opLdEnv, opStEnv, opBr, opBrCond, opGotoTB, opCheckExit:
		return 8
	case opMovI64, opLd, opSt, opExitResume:
		return 12
	case opExit:
		return 20
	case opAdd, opSub, opMul, opAnd, opOr, opXor, opShl, opShr, opSar:
		if imm {
			return 8
		}
	}
	return 4
}

// Disassemble renders the bytecode in [start, end).
func (b *Backend) Disassemble(code []byte, start, end int) []string {
	var out []string
	for pc := start; pc+4 <= end; {
		op, x, y, z := code[pc], code[pc+1], code[pc+2], code[pc+3]
		n := insnLen(op)
		if pc+n > end {
			break
		}
		base := op &^ immFlag
		name := "?"
		if base < numOps {
			name = opNames[base]
		}
		target := func(at int) int { return at + 4 + int(int32(le.Uint32(code[at:]))) }
		var args string
		switch base {
		case opMovI32:
			args = fmt.Sprintf("v%d, $%d", x, int32(le.Uint32(code[pc+4:])))
		case opMovI64:
			args = fmt.Sprintf("v%d, $%#x", x, le.Uint64(code[pc+4:]))
		case opMov, opNeg, opNot, opExt8s, opExt8u, opExt16s, opExt16u, opExt32s, opExt32u:
			args = fmt.Sprintf("v%d, v%d", x, y)
		case opAdd, opSub, opMul, opAnd, opOr, opXor, opShl, opShr, opSar:
			if op&immFlag != 0 {
				args = fmt.Sprintf("v%d, v%d, $%d", x, y, int32(le.Uint32(code[pc+4:])))
			} else {
				args = fmt.Sprintf("v%d, v%d, v%d", x, y, z)
			}
		case opSetCond:
			args = fmt.Sprintf("v%d, v%d, v%d, %v", x, y, z, ir.Cond(le.Uint32(code[pc+4:])))
		case opLdEnv:
			args = fmt.Sprintf("v%d, env+%d", x, le.Uint32(code[pc+4:]))
		case opStEnv:
			args = fmt.Sprintf("v%d, env+%d", y, le.Uint32(code[pc+4:]))
		case opLd:
			args = fmt.Sprintf("v%d, [v%d], %v, slow=%#x", x, y, ir.MemOp(le.Uint32(code[pc+4:])), target(pc+8))
		case opSt:
			args = fmt.Sprintf("v%d, [v%d], %v, slow=%#x", y, z, ir.MemOp(le.Uint32(code[pc+4:])), target(pc+8))
		case opBr, opGotoTB, opCheckExit:
			args = fmt.Sprintf("%#x", target(pc+4))
		case opBrCond:
			args = fmt.Sprintf("v%d, v%d, %v, %#x", y, z, ir.Cond(x), target(pc+4))
		case opExit:
			args = backend.DecodeExit(le.Uint64(code[pc+4:]), le.Uint64(code[pc+12:])).String()
		case opExitResume:
			args = backend.DecodeExit(le.Uint64(code[pc+4:]), uint64(pc+12)).String()
		}
		out = append(out, fmt.Sprintf("%#06x: %-12s %s", pc, name, args))
		pc += n
	}
	return out
}
