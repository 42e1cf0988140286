// Package decode implements the Instruction Decoder Adapter: given a window
// of raw code bytes and a word width, it tells the caller how long the
// leading instruction is and whether it ends a basic block.
//
// It wraps golang.org/x/arch/x86/x86asm rather than re-implementing an x86
// decoder; classification of which opcodes terminate a block is this
// package's own mapping, since x86asm only decodes, it doesn't classify.
package decode

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/mountainstorm/flow/internal/tracelog"
)

// ErrShortBuffer is returned when the decoder runs out of bytes before it
// can determine the length of the leading instruction. Callers should read
// a larger window and retry.
var ErrShortBuffer = errors.New("decode: instruction window too short")

// ErrUndecodable is returned when x86asm can't decode the leading
// instruction at all (as opposed to running out of buffer). Callers
// should treat this as a hard failure, not something to paper over by
// skipping a byte and continuing.
var ErrUndecodable = errors.New("decode: undecodable instruction")

// Instruction describes the leading instruction in a decode window.
type Instruction struct {
	Len         int
	Branch      bool
	BranchType  tracelog.BranchType
	Conditional bool
}

// Decode classifies the first instruction in code. wordWidth is 32 or 64,
// matching the target's word size.
func Decode(code []byte, wordWidth int) (Instruction, error) {
	mode, err := modeFor(wordWidth)
	if err != nil {
		return Instruction{}, err
	}

	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		if errors.Is(err, x86asm.ErrTruncated) {
			return Instruction{}, fmt.Errorf("%w: %v", ErrShortBuffer, err)
		}
		return Instruction{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	i := Instruction{Len: inst.Len}
	i.BranchType, i.Branch, i.Conditional = classify(inst)
	return i, nil
}

func modeFor(wordWidth int) (int, error) {
	switch wordWidth {
	case 32:
		return 32, nil
	case 64:
		return 64, nil
	default:
		return 0, fmt.Errorf("decode: unsupported word width %d", wordWidth)
	}
}

// classify maps an x86asm instruction to the branch taxonomy the tracer
// needs to decide where a basic block ends.
func classify(inst x86asm.Inst) (typ tracelog.BranchType, isBranch bool, conditional bool) {
	switch inst.Op {
	case x86asm.CALL, x86asm.CALLF:
		return tracelog.BranchCall, true, false

	case x86asm.RET, x86asm.RETF, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return tracelog.BranchReturn, true, false

	case x86asm.SYSCALL, x86asm.SYSENTER, x86asm.SYSEXIT, x86asm.SYSRET,
		x86asm.INT, x86asm.INT3, x86asm.INTO:
		return tracelog.BranchSyscall, true, false

	case x86asm.JMP, x86asm.JMPF:
		return tracelog.BranchOther, true, false

	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JECXZ,
		x86asm.JRCXZ, x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return tracelog.BranchOther, true, true

	default:
		return tracelog.BranchOther, false, false
	}
}
