//go:build darwin

// Package machkit is the thin cgo boundary between the pure-Go tracer and
// the Mach/BSD primitives the kernel only exposes through C headers:
// task and thread ports, thread register state, vm_read, the Darwin-only
// ptrace extensions, posix_spawn, and Authorization.framework.
//
// Nothing here decides tracer policy. Every function is a narrow wrapper
// around one kernel call plus its error handling. Policy (single-stepping,
// breakpoint placement, block discovery) lives above this package in
// internal/machine and internal/tracer.
package machkit

/*
#include <mach/mach.h>
#include <mach/mach_error.h>
*/
import "C"
import "fmt"

// KernReturn mirrors kern_return_t for callers that want to inspect the raw
// Mach status code rather than just an error.
type KernReturn int32

// Success reports whether kr represents KERN_SUCCESS.
func (kr KernReturn) Success() bool { return kr == 0 }

func (kr KernReturn) String() string {
	cstr := C.mach_error_string(C.mach_error_t(kr))
	if cstr == nil {
		return fmt.Sprintf("kern_return_t(%d)", int32(kr))
	}
	return C.GoString(cstr)
}

// machError turns a non-zero kern_return_t into a Go error, or nil.
func machError(op string, kr C.kern_return_t) error {
	if kr == C.KERN_SUCCESS {
		return nil
	}
	return fmt.Errorf("machkit: %s: %s", op, KernReturn(kr))
}

// Port is a Mach port name (mach_port_t), used for task ports, thread
// ports, and exception ports alike.
type Port uint32

// NullPort is the zero value, mirroring MACH_PORT_NULL.
const NullPort Port = 0
