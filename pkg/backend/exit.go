package backend

import (
	"fmt"

	"github.com/ascrivener/dbt/pkg/ir"
)

// ExitCode is the low byte of the exit word.
type ExitCode uint8

const (
	// The first four match ir.ExitKind.
	CodeNext ExitCode = iota
	CodeChain
	CodeException
	CodeDebug
	// CodeInterrupt: the pending-exit check at block entry fired.
	CodeInterrupt
	// CodeHelper: call helper Aux with Env.HelperArgs.
	CodeHelper
	// CodeSlowLoad: TLB miss on a load of Env.HelperArgs[0].
	CodeSlowLoad
	// CodeSlowStore: TLB miss on a store of HelperArgs[1] to HelperArgs[0].
	CodeSlowStore
)

var codeNames = [...]string{"next", "chain", "exception", "debug", "interrupt", "helper", "slow_ld", "slow_st"}

func (c ExitCode) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code%d", uint8(c))
}

// Exit is a decoded exit word plus its argument. For block exits Arg is the
// arena offset of the block's entry; for helper and slow-path exits it is
// the resume offset.
type Exit struct {
	Code ExitCode
	Slot int
	Aux  uint16 // helper id or fault cause
	Mem  ir.MemOp
	Arg  uint64
}

// EncodeExit packs the exit word: code in bits 0-7, slot in 8-15, aux in
// 16-31 and the memop in 32-63.
func EncodeExit(code ExitCode, slot int, aux uint16, mem ir.MemOp) uint64 {
	return uint64(code) | uint64(slot&0xff)<<8 | uint64(aux)<<16 | uint64(mem)<<32
}

// DecodeExit unpacks an exit word.
func DecodeExit(word, arg uint64) Exit {
	return Exit{
		Code: ExitCode(word),
		Slot: int(word >> 8 & 0xff),
		Aux:  uint16(word >> 16),
		Mem:  ir.MemOp(word >> 32),
		Arg:  arg,
	}
}

// BlockExitWord is the word a block exit of kind with the given argument
// (goto_tb slot or fault cause) returns.
func BlockExitWord(kind ir.ExitKind, arg uint64) uint64 {
	switch kind {
	case ir.ExitChain:
		return EncodeExit(CodeChain, int(arg), 0, 0)
	case ir.ExitException:
		return EncodeExit(CodeException, 0, uint16(arg), 0)
	}
	return EncodeExit(ExitCode(kind), 0, 0, 0)
}

func (e Exit) String() string {
	switch e.Code {
	case CodeChain:
		return fmt.Sprintf("chain slot=%d tb=%#x", e.Slot, e.Arg)
	case CodeException:
		return fmt.Sprintf("exception cause=%d tb=%#x", e.Aux, e.Arg)
	case CodeHelper:
		return fmt.Sprintf("helper %d resume=%#x", e.Aux, e.Arg)
	case CodeSlowLoad, CodeSlowStore:
		return fmt.Sprintf("%v %v resume=%#x", e.Code, e.Mem, e.Arg)
	}
	return fmt.Sprintf("%v tb=%#x", e.Code, e.Arg)
}
