package machine

import (
	"fmt"

	"github.com/mountainstorm/flow/internal/machkit"
	"github.com/mountainstorm/flow/internal/target"
	"github.com/mountainstorm/flow/internal/tracelog"
)

const traceFlagBit = 0x100 // EFLAGS/RFLAGS bit 8, the trap flag

// x86_64Backend implements target.ArchBackend for 64-bit x86 targets.
type x86_64Backend struct{}

func (x86_64Backend) WordWidth() int { return 64 }

func (x86_64Backend) PC(th *target.Thread) (uint64, error) {
	return machkit.ThreadState64FromWords(th.RegState).RIP, nil
}

// SetSingleStep toggles the trace flag in th.RegState in place: the
// change only takes effect because excport replies to the exception with
// this same buffer as the thread's new_state, not because of any
// separate thread_set_state call here.
func (x86_64Backend) SetSingleStep(th *target.Thread, enable bool) error {
	s := machkit.ThreadState64FromWords(th.RegState)
	rflags := s.RFlags
	if enable {
		rflags |= traceFlagBit
	} else {
		rflags &^= traceFlagBit
	}
	copy(th.RegState, s.WithRFlags(rflags).Words())
	return nil
}

func (x86_64Backend) GetSingleStep(th *target.Thread) (bool, error) {
	s := machkit.ThreadState64FromWords(th.RegState)
	return s.RFlags&traceFlagBit != 0, nil
}

func (x86_64Backend) SetBreakpoint(th *target.Thread, pc uint64) error {
	if err := machkit.SetDebugState64(th.Port, pc, true); err != nil {
		return fmt.Errorf("machine(x86_64): arm breakpoint at %#x: %w", pc, err)
	}
	return nil
}

func (x86_64Backend) ClearBreakpoint(th *target.Thread) error {
	if err := machkit.SetDebugState64(th.Port, 0, false); err != nil {
		return fmt.Errorf("machine(x86_64): clear breakpoint: %w", err)
	}
	return nil
}

func (b x86_64Backend) FindNextBranch(th *target.Thread) (tracelog.Block, error) {
	pc, err := b.PC(th)
	if err != nil {
		return tracelog.Block{}, err
	}
	return findNextBranch(th, pc, 64)
}

// x86_64ArgWidth is the register word size args are read at. Every
// argument this tracer decodes (the loader's (mode, infoCount, info*)
// callback) is pointer- or int-sized, so a full 8-byte register read
// followed by a caller-side mask behaves identically to a size-at-a-time
// read for those call sites, and is simpler to implement.
const x86_64ArgWidth = 8

// x86_64ArgsCursor walks the System-V AMD64 argument-passing sequence:
// rdi, rsi, rdx, rcx, r8, r9, then the stack.
type x86_64ArgsCursor struct {
	th     *target.Thread
	regs   [6]uint64
	next   int
	sp     uint64
}

func (x86_64Backend) NewArgsCursor(th *target.Thread, stackCookie bool) (target.ArgsCursor, error) {
	s := machkit.ThreadState64FromWords(th.RegState)
	sp := s.RSP + 8 // skip the return address
	if stackCookie {
		sp += 8
	}
	return &x86_64ArgsCursor{
		th:   th,
		regs: [6]uint64{s.RDI, s.RSI, s.RDX, s.RCX, s.R8, s.R9},
		sp:   sp,
	}, nil
}

func (c *x86_64ArgsCursor) Next(byteWidth int) (uint64, error) {
	if c.next < len(c.regs) {
		v := c.regs[c.next] & mask(byteWidth)
		c.next++
		return v, nil
	}
	b, err := c.th.Task.ReadMemory(c.sp, x86_64ArgWidth)
	if err != nil {
		return 0, fmt.Errorf("machine(x86_64): read stack arg at %#x: %w", c.sp, err)
	}
	c.sp += x86_64ArgWidth
	c.next++
	return leU64(b) & mask(byteWidth), nil
}

func mask(byteWidth int) uint64 {
	if byteWidth >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (uint(byteWidth) * 8)) - 1
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (uint(i) * 8)
	}
	return v
}
