// Package target represents a running, attached process: its threads, and
// the architecture-specific behavior needed to single-step and decode it.
//
// target declares the ArchBackend interface that internal/machine
// implements, rather than importing machine itself, so the dependency runs
// one way: machine depends on target and internal/decode, target depends
// only on internal/machkit and internal/tracelog. Two backends implementing
// one interface stand in for a per-architecture function table.
package target

import (
	"fmt"
	"sync"

	"github.com/mountainstorm/flow/internal/machkit"
	"github.com/mountainstorm/flow/internal/tracelog"
)

// Task is an attached target process: its Mach task port plus the
// architecture backend selected for its CPU type at attach time.
type Task struct {
	Pid     machkit.Pid
	Port    machkit.Port
	Arch    ArchBackend
	CPUType machkit.CPUType

	mu      sync.Mutex
	threads map[machkit.Port]*Thread
}

// NewTask wraps an already-attached process. arch must match cpuType; the
// driver (cmd/flow) is responsible for selecting it via
// internal/machine.BackendFor.
func NewTask(pid machkit.Pid, port machkit.Port, cpuType machkit.CPUType, arch ArchBackend) *Task {
	return &Task{
		Pid:     pid,
		Port:    port,
		Arch:    arch,
		CPUType: cpuType,
		threads: make(map[machkit.Port]*Thread),
	}
}

// Thread is one thread within a Task, tracked across exceptions so the
// tracer can tell which step phase it's in.
type Thread struct {
	Task *Task
	Port machkit.Port

	// SingleStepPhase is true when the thread is expected to stop after
	// exactly one instruction (between emitting a block and discovering
	// the next one); false when it's running free toward a breakpoint
	// armed at a known branch target.
	SingleStepPhase bool

	// RegState is the mutable register snapshot for the exception
	// currently being processed, set by the tracer from the exception's
	// state buffer before it calls into ArchBackend. Backends read and
	// edit this in place (via a decode, modify, copy-back round trip)
	// rather than committing register changes through a separate
	// thread_set_state call, since the caller replies to the exception
	// with exactly this buffer and the kernel applies it to the thread on
	// resume.
	RegState []uint32
}

// Threads returns the task's current thread list, refreshing Task.threads
// to match (threads can appear and disappear as the target spawns/joins
// them).
func (t *Task) Threads() ([]*Thread, error) {
	ports, err := machkit.ThreadList(t.Port)
	if err != nil {
		return nil, fmt.Errorf("target: list threads: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	live := make(map[machkit.Port]*Thread, len(ports))
	out := make([]*Thread, 0, len(ports))
	for _, p := range ports {
		th, ok := t.threads[p]
		if !ok {
			th = &Thread{Task: t, Port: p, SingleStepPhase: true}
		}
		live[p] = th
		out = append(out, th)
	}
	t.threads = live
	return out, nil
}

// ThreadByPort returns the tracked Thread for port, creating one in the
// single-step phase if this is the first time it's been seen (e.g. a
// freshly spawned thread delivering its first exception).
func (t *Task) ThreadByPort(port machkit.Port) *Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.threads[port]
	if !ok {
		th = &Thread{Task: t, Port: port, SingleStepPhase: true}
		t.threads[port] = th
	}
	return th
}

// ReadMemory reads length bytes from addr in the task's address space.
func (t *Task) ReadMemory(addr uint64, length int) ([]byte, error) {
	b, err := machkit.ReadMemory(t.Port, addr, length)
	if err != nil {
		return nil, fmt.Errorf("target: read memory at %#x: %w", addr, err)
	}
	return b, nil
}

// ReadCString reads a NUL-terminated string from addr, up to maxLen bytes,
// used for dyld image paths.
func (t *Task) ReadCString(addr uint64, maxLen int) (string, error) {
	const chunk = 64
	var out []byte
	for len(out) < maxLen {
		n := chunk
		if len(out)+n > maxLen {
			n = maxLen - len(out)
		}
		b, err := t.ReadMemory(addr+uint64(len(out)), n)
		if err != nil {
			return "", err
		}
		for _, c := range b {
			if c == 0 {
				return string(out), nil
			}
			out = append(out, c)
		}
	}
	return string(out), nil
}

// ArchBackend is the architecture-specific function table: one
// implementation each for x86 and x86_64, selected once at attach time
// from the target's CPU type and never switched mid-trace.
type ArchBackend interface {
	// WordWidth is 32 for x86, 64 for x86_64.
	WordWidth() int

	// PC returns the thread's current program counter.
	PC(th *Thread) (uint64, error)

	// SetSingleStep arms or disarms the trace-flag single-step mode.
	SetSingleStep(th *Thread, enable bool) error

	// GetSingleStep reports whether single-step mode is currently armed.
	GetSingleStep(th *Thread) (bool, error)

	// SetBreakpoint arms the one hardware breakpoint slot at pc.
	SetBreakpoint(th *Thread, pc uint64) error

	// ClearBreakpoint disarms the hardware breakpoint slot.
	ClearBreakpoint(th *Thread) error

	// FindNextBranch decodes forward from the thread's current PC until it
	// finds the instruction that ends the current basic block, returning
	// the block record ready for the trace log.
	FindNextBranch(th *Thread) (tracelog.Block, error)

	// NewArgsCursor returns a cursor over th's incoming function arguments,
	// as of a call just made (PC at the callee's entry point). stackCookie
	// skips an extra stack slot for ABIs that push one ahead of the return
	// address.
	NewArgsCursor(th *Thread, stackCookie bool) (ArgsCursor, error)
}

// ArgsCursor reads successive arguments from a just-entered function call,
// used to decode the loader's notification callback arguments.
type ArgsCursor interface {
	// Next reads the next argument as a little-endian value of byteWidth
	// bytes (4 or 8) into a uint64.
	Next(byteWidth int) (uint64, error)
}
