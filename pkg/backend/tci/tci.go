// Package tci is the portable backend. It emits a compact register bytecode
// into the same arena native backends use and executes it with a Go loop,
// following the same block layout, jump patching and exit protocol. It runs
// on every host and is what the test suites drive.
package tci

import (
	"encoding/binary"
	"fmt"

	"github.com/ascrivener/dbt/pkg/backend"
	"github.com/ascrivener/dbt/pkg/codebuf"
	"github.com/ascrivener/dbt/pkg/regalloc"
)

// Bytecode opcodes. Every instruction starts with a four byte header
// (op, x, y, z) and is a multiple of four bytes long; branch displacements
// are the last field and relative to the end of the instruction.
const (
	opInvalid byte = iota
	opMovI32       // x = sext(imm32)
	opMovI64       // x = imm64
	opMov          // x = y
	opAdd          // x = y op z; with immFlag: x = y op sext(imm32)
	opSub
	opMul
	opAnd
	opOr
	opXor
	opShl
	opShr
	opSar
	opNeg // x = op y
	opNot
	opExt8s
	opExt8u
	opExt16s
	opExt16u
	opExt32s
	opExt32u
	opSetCond    // x = y cond z; cond word follows
	opLdEnv      // x = env[off32]
	opStEnv      // env[off32] = y
	opLd         // x = guest[y]; memop word, slow-path disp
	opSt         // guest[z] = y; memop word, slow-path disp
	opBr         // disp
	opBrCond     // if y cond(x) z: disp
	opGotoTB     // patchable disp
	opExit       // return word64, arg64
	opExitResume // return word64, offset of the next instruction
	opCheckExit  // if env.ExitRequest != 0: disp
	opSaveCallee // env.SaveArea = callee-saved registers
	opLoadCallee
	numOps

	immFlag byte = 0x80
)

var opNames = [numOps]string{
	"invalid", "movi32", "movi64", "mov", "add", "sub", "mul", "and", "or", "xor",
	"shl", "shr", "sar", "neg", "not", "ext8s", "ext8u", "ext16s", "ext16u",
	"ext32s", "ext32u", "setcond", "ld_env", "st_env", "ld", "st",
	"br", "brcond", "goto_tb", "exit_tb", "exit_resume", "check_exit",
	"save_callee", "load_callee",
}

// Register file: 0-5 are clobbered by call-clobber ops, 6-13 survive them,
// 14 and 15 are scratch for immediate legalization.
const (
	numRegs  = 16
	scratchA = 15
	scratchB = 14
)

var regInfo = func() *regalloc.RegisterInfo {
	ri := &regalloc.RegisterInfo{}
	for r := 0; r < numRegs; r++ {
		ri.Names = append(ri.Names, fmt.Sprintf("v%d", r))
	}
	for r := 0; r < 14; r++ {
		ri.Allocatable = append(ri.Allocatable, regalloc.Reg(r))
	}
	ri.CallerSaved = regalloc.SetOf(0, 1, 2, 3, 4, 5)
	return ri
}()

// Backend implements backend.Host.
type Backend struct {
	saved []regalloc.Reg
}

func init() {
	backend.Register("tci", func() backend.Host { return New() })
}

// New creates a bytecode backend.
func New() *Backend {
	return &Backend{saved: backend.SaveSlots(regInfo)}
}

func (b *Backend) Name() string { return "tci" }

func (b *Backend) Native() bool { return false }

func (b *Backend) RegisterInfo() *regalloc.RegisterInfo { return regInfo }

func (b *Backend) GlueSize() int { return 0 }

// EmitGlue has nothing to emit: Run is the prologue.
func (b *Backend) EmitGlue(w *codebuf.Writer) error { return w.Err() }

var le = binary.LittleEndian
