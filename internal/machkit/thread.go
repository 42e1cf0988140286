//go:build darwin

package machkit

/*
#include <mach/mach.h>
#include <mach/i386/thread_state.h>
*/
import "C"

import "unsafe"

// ThreadState32 mirrors x86_thread_state32_t's fields the tracer needs:
// the program counter, the stack pointer, and the flags register carrying
// the trace bit.
type ThreadState32 struct {
	EIP    uint32
	ESP    uint32
	EFlags uint32
	Raw    C.x86_thread_state32_t `json:"-"`
}

// ThreadState64 mirrors x86_thread_state64_t for x86_64 targets, plus the
// System-V argument registers internal/machine's args cursor walks.
type ThreadState64 struct {
	RIP    uint64
	RFlags uint64
	RSP    uint64
	RDI    uint64
	RSI    uint64
	RDX    uint64
	RCX    uint64
	R8     uint64
	R9     uint64
	Raw    C.x86_thread_state64_t `json:"-"`
}

// ThreadState32FromWords decodes a raw natural_t register dump, such as
// the old_state array delivered with a Mach exception, into a
// ThreadState32. It makes no kernel call: it's how internal/machine reads
// the snapshot that came in with the exception, and that it must mutate
// in place rather than commit via a separate thread_set_state (see
// ThreadState32.Words).
func ThreadState32FromWords(words []uint32) ThreadState32 {
	var raw C.x86_thread_state32_t
	n := int(C.x86_THREAD_STATE32_COUNT)
	dst := (*[1 << 10]uint32)(unsafe.Pointer(&raw))[:n:n]
	copy(dst, words)
	return threadState32FromRaw(raw)
}

// Words encodes s back into the natural_t register dump a Mach exception
// reply's new_state array expects; under EXCEPTION_STATE_IDENTITY the
// kernel applies this to the thread when it resumes.
func (s ThreadState32) Words() []uint32 {
	n := int(C.x86_THREAD_STATE32_COUNT)
	src := (*[1 << 10]uint32)(unsafe.Pointer(&s.Raw))[:n:n]
	out := make([]uint32, n)
	copy(out, src)
	return out
}

// WithEFlags returns a copy of s with EFlags (and the backing Raw field)
// set to eflags.
func (s ThreadState32) WithEFlags(eflags uint32) ThreadState32 {
	s.EFlags = eflags
	s.Raw.__eflags = C.uint32_t(eflags)
	return s
}

func threadState32FromRaw(raw C.x86_thread_state32_t) ThreadState32 {
	return ThreadState32{
		EIP:    uint32(raw.__eip),
		ESP:    uint32(raw.__esp),
		EFlags: uint32(raw.__eflags),
		Raw:    raw,
	}
}

// ThreadState64FromWords is the 64-bit counterpart to
// ThreadState32FromWords.
func ThreadState64FromWords(words []uint32) ThreadState64 {
	var raw C.x86_thread_state64_t
	n := int(C.x86_THREAD_STATE64_COUNT)
	dst := (*[1 << 10]uint32)(unsafe.Pointer(&raw))[:n:n]
	copy(dst, words)
	return threadState64FromRaw(raw)
}

// Words is the 64-bit counterpart to ThreadState32.Words.
func (s ThreadState64) Words() []uint32 {
	n := int(C.x86_THREAD_STATE64_COUNT)
	src := (*[1 << 10]uint32)(unsafe.Pointer(&s.Raw))[:n:n]
	out := make([]uint32, n)
	copy(out, src)
	return out
}

// WithRFlags returns a copy of s with RFlags (and the backing Raw field)
// set to rflags.
func (s ThreadState64) WithRFlags(rflags uint64) ThreadState64 {
	s.RFlags = rflags
	s.Raw.__rflags = C.uint64_t(rflags)
	return s
}

func threadState64FromRaw(raw C.x86_thread_state64_t) ThreadState64 {
	return ThreadState64{
		RIP:    uint64(raw.__rip),
		RFlags: uint64(raw.__rflags),
		RSP:    uint64(raw.__rsp),
		RDI:    uint64(raw.__rdi),
		RSI:    uint64(raw.__rsi),
		RDX:    uint64(raw.__rdx),
		RCX:    uint64(raw.__rcx),
		R8:     uint64(raw.__r8),
		R9:     uint64(raw.__r9),
		Raw:    raw,
	}
}

// DebugState32 and DebugState64 hold the single hardware breakpoint slot
// (DR0/DR7) the tracer alternates with single-stepping.
type DebugState32 struct{ Raw C.x86_debug_state32_t }
type DebugState64 struct{ Raw C.x86_debug_state64_t }

// GetDebugState64 reads the debug register state of a 64-bit thread.
func GetDebugState64(thread Port) (DebugState64, error) {
	var raw C.x86_debug_state64_t
	count := C.mach_msg_type_number_t(C.x86_DEBUG_STATE64_COUNT)
	kr := C.thread_get_state(C.thread_act_t(thread), C.x86_DEBUG_STATE64,
		C.thread_state_t(unsafe.Pointer(&raw)), &count)
	if err := machError("thread_get_state(debug64)", kr); err != nil {
		return DebugState64{}, err
	}
	return DebugState64{Raw: raw}, nil
}

// SetDebugState64 arms or disarms the DR0 breakpoint on a 64-bit thread.
func SetDebugState64(thread Port, addr uint64, enabled bool) error {
	var raw C.x86_debug_state64_t
	raw.__dr0 = C.uint64_t(addr)
	if enabled {
		raw.__dr7 |= 0x1
	}
	kr := C.thread_set_state(C.thread_act_t(thread), C.x86_DEBUG_STATE64,
		C.thread_state_t(unsafe.Pointer(&raw)), C.x86_DEBUG_STATE64_COUNT)
	return machError("thread_set_state(debug64)", kr)
}

// GetDebugState32 reads the debug register state of a 32-bit thread.
func GetDebugState32(thread Port) (DebugState32, error) {
	var raw C.x86_debug_state32_t
	count := C.mach_msg_type_number_t(C.x86_DEBUG_STATE32_COUNT)
	kr := C.thread_get_state(C.thread_act_t(thread), C.x86_DEBUG_STATE32,
		C.thread_state_t(unsafe.Pointer(&raw)), &count)
	if err := machError("thread_get_state(debug32)", kr); err != nil {
		return DebugState32{}, err
	}
	return DebugState32{Raw: raw}, nil
}

// SetDebugState32 arms or disarms the DR0 breakpoint on a 32-bit thread.
func SetDebugState32(thread Port, addr uint32, enabled bool) error {
	var raw C.x86_debug_state32_t
	raw.__dr0 = C.uint32_t(addr)
	if enabled {
		raw.__dr7 |= 0x1
	}
	kr := C.thread_set_state(C.thread_act_t(thread), C.x86_DEBUG_STATE32,
		C.thread_state_t(unsafe.Pointer(&raw)), C.x86_DEBUG_STATE32_COUNT)
	return machError("thread_set_state(debug32)", kr)
}
