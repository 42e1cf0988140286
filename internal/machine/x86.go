package machine

import (
	"fmt"

	"github.com/mountainstorm/flow/internal/machkit"
	"github.com/mountainstorm/flow/internal/target"
	"github.com/mountainstorm/flow/internal/tracelog"
)

// x86Backend implements target.ArchBackend for 32-bit x86 targets.
type x86Backend struct{}

func (x86Backend) WordWidth() int { return 32 }

func (x86Backend) PC(th *target.Thread) (uint64, error) {
	return uint64(machkit.ThreadState32FromWords(th.RegState).EIP), nil
}

// SetSingleStep toggles the trace flag in th.RegState in place: the
// change only takes effect because excport replies to the exception with
// this same buffer as the thread's new_state, not because of any
// separate thread_set_state call here.
func (x86Backend) SetSingleStep(th *target.Thread, enable bool) error {
	s := machkit.ThreadState32FromWords(th.RegState)
	eflags := s.EFlags
	if enable {
		eflags |= traceFlagBit
	} else {
		eflags &^= traceFlagBit
	}
	copy(th.RegState, s.WithEFlags(eflags).Words())
	return nil
}

func (x86Backend) GetSingleStep(th *target.Thread) (bool, error) {
	s := machkit.ThreadState32FromWords(th.RegState)
	return s.EFlags&traceFlagBit != 0, nil
}

func (x86Backend) SetBreakpoint(th *target.Thread, pc uint64) error {
	if err := machkit.SetDebugState32(th.Port, uint32(pc), true); err != nil {
		return fmt.Errorf("machine(x86): arm breakpoint at %#x: %w", pc, err)
	}
	return nil
}

func (x86Backend) ClearBreakpoint(th *target.Thread) error {
	if err := machkit.SetDebugState32(th.Port, 0, false); err != nil {
		return fmt.Errorf("machine(x86): clear breakpoint: %w", err)
	}
	return nil
}

func (b x86Backend) FindNextBranch(th *target.Thread) (tracelog.Block, error) {
	pc, err := b.PC(th)
	if err != nil {
		return tracelog.Block{}, err
	}
	return findNextBranch(th, pc, 32)
}

const x86ArgWidth = 4

// x86ArgsCursor walks the i386 cdecl stack layout: every argument lives on
// the stack, 4-byte aligned, immediately after the return address (and
// stack cookie, if present).
type x86ArgsCursor struct {
	th *target.Thread
	sp uint64
}

func (x86Backend) NewArgsCursor(th *target.Thread, stackCookie bool) (target.ArgsCursor, error) {
	s := machkit.ThreadState32FromWords(th.RegState)
	sp := uint64(s.ESP) + x86ArgWidth
	if stackCookie {
		sp += x86ArgWidth
	}
	return &x86ArgsCursor{th: th, sp: sp}, nil
}

func (c *x86ArgsCursor) Next(byteWidth int) (uint64, error) {
	b, err := c.th.Task.ReadMemory(c.sp, x86ArgWidth)
	if err != nil {
		return 0, fmt.Errorf("machine(x86): read stack arg at %#x: %w", c.sp, err)
	}
	c.sp += x86ArgWidth
	return leU64(b) & mask(byteWidth), nil
}
