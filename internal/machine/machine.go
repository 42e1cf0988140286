// Package machine implements the architecture backend abstraction for
// x86 and x86_64: the per-architecture details of reading the program
// counter, single-stepping, arming the one hardware breakpoint, finding
// the next basic-block boundary, and walking a function's incoming
// arguments.
//
// Each backend is a stateless singleton selected once at attach time by
// BackendFor and never switched mid-trace.
package machine

import (
	"errors"
	"fmt"

	"github.com/mountainstorm/flow/internal/decode"
	"github.com/mountainstorm/flow/internal/machkit"
	"github.com/mountainstorm/flow/internal/target"
	"github.com/mountainstorm/flow/internal/tracelog"
)

// branchReadAhead is the fixed size of the window findNextBranch scans
// looking for the instruction that ends a basic block. A block that runs
// longer than this without hitting a branch, or that hits an instruction
// x86asm can't decode, is a decode failure: there is no further window to
// fall back to.
const branchReadAhead = 4096

// ErrDecodeFailure is returned when findNextBranch can't locate the end of
// a basic block within the scan window: either it ran out of window
// without finding a branch, or it hit an undecodable instruction. Callers
// must treat this as fatal to the target, not something to skip past.
var ErrDecodeFailure = errors.New("machine: decode failure")

// BackendFor selects the ArchBackend singleton matching cpuType, or an
// error if the architecture isn't one this tracer supports.
func BackendFor(cpuType machkit.CPUType) (target.ArchBackend, error) {
	switch cpuType {
	case machkit.CPUTypeX86:
		return x86Backend{}, nil
	case machkit.CPUTypeX86_64:
		return x86_64Backend{}, nil
	case machkit.CPUTypeARM, machkit.CPUTypeARM64:
		return nil, fmt.Errorf("machine: ARM targets are not supported")
	default:
		return nil, fmt.Errorf("machine: unrecognized cpu type %#x", int32(cpuType))
	}
}

// findNextBranch is shared between both backends: it reads a fixed window
// of code starting at pc, decodes forward instruction by instruction, and
// returns the block once it hits one that ends a basic block. Exhausting
// the window, or hitting an instruction x86asm can't decode, without
// finding one is a decode failure.
func findNextBranch(th *target.Thread, pc uint64, wordWidth int) (tracelog.Block, error) {
	code, err := th.Task.ReadMemory(pc, branchReadAhead)
	if err != nil {
		return tracelog.Block{}, fmt.Errorf("machine: read code at %#x: %w", pc, err)
	}

	pos := 0
	for pos < len(code) {
		inst, err := decode.Decode(code[pos:], wordWidth)
		if err != nil {
			if errors.Is(err, decode.ErrShortBuffer) {
				// The window ran out mid-instruction; there's no further
				// window to extend into, so this is exhaustion, not a
				// recoverable short read.
				break
			}
			return tracelog.Block{}, fmt.Errorf("%w: undecodable instruction at %#x: %v", ErrDecodeFailure, pc+uint64(pos), err)
		}
		if inst.Len == 0 {
			return tracelog.Block{}, fmt.Errorf("machine: decoder made no progress at %#x", pc+uint64(pos))
		}
		if inst.Branch {
			return tracelog.Block{
				Entry:  pc,
				Branch: pc + uint64(pos),
				Type:   inst.BranchType,
			}, nil
		}
		pos += inst.Len
	}

	return tracelog.Block{}, fmt.Errorf("%w: no branch found within %d-byte window at %#x", ErrDecodeFailure, branchReadAhead, pc)
}
