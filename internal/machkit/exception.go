//go:build darwin

package machkit

/*
#include <mach/mach.h>
*/
import "C"

import "fmt"

// ExceptionMask selects which Mach exception types a port receives. It's a
// plain Go type (rather than the cgo exception_mask_t) so callers outside
// this package, which don't import "C" themselves, can pass one.
type ExceptionMask uint32

// EXC_MASK_SOFTWARE | EXC_MASK_BREAKPOINT is the mask this tracer
// registers for: the single-step trap and hardware breakpoint both
// arrive as EXC_BREAKPOINT, and ptrace signal delivery arrives as
// EXC_SOFTWARE.
const (
	ExceptionMaskBreakpoint ExceptionMask = C.EXC_MASK_BREAKPOINT
	ExceptionMaskBadAccess  ExceptionMask = C.EXC_MASK_BAD_ACCESS
	ExceptionMaskBadInstr   ExceptionMask = C.EXC_MASK_BAD_INSTRUCTION
	ExceptionMaskSoftware   ExceptionMask = C.EXC_MASK_SOFTWARE
	ExceptionMaskAll        ExceptionMask = C.EXC_MASK_ALL
)

// AllocatePort creates a receive right in the caller's own task, used for
// the Exception Port component.
func AllocatePort() (Port, error) {
	var port C.mach_port_t
	kr := C.mach_port_allocate(C.mach_task_self_, C.MACH_PORT_RIGHT_RECEIVE, &port)
	if err := machError("mach_port_allocate", kr); err != nil {
		return NullPort, err
	}
	return Port(port), nil
}

// InsertSendRight adds a send right to port in the caller's own task, which
// the target process needs so it can post exceptions back to us.
func InsertSendRight(port Port) error {
	kr := C.mach_port_insert_right(C.mach_task_self_, C.mach_port_t(port), C.mach_port_t(port), C.MACH_MSG_TYPE_MAKE_SEND)
	return machError("mach_port_insert_right", kr)
}

// DeallocatePort releases a send or receive right previously obtained from
// this package.
func DeallocatePort(port Port) error {
	kr := C.mach_port_deallocate(C.mach_task_self_, C.mach_port_t(port))
	return machError("mach_port_deallocate", kr)
}

// SetExceptionPorts registers port as task's handler for the exceptions in
// mask, using MACH_EXCEPTION_CODES so 64-bit code/subcode fields are
// delivered.
func SetExceptionPorts(task Port, mask ExceptionMask, port Port) error {
	kr := C.task_set_exception_ports(
		C.task_t(task),
		C.exception_mask_t(mask),
		C.mach_port_t(port),
		C.EXCEPTION_STATE_IDENTITY|C.MACH_EXCEPTION_CODES,
		C.MACHINE_THREAD_STATE,
	)
	return machError("task_set_exception_ports", kr)
}

// excTypesCount mirrors EXC_TYPES_COUNT, the fixed size of the arrays
// task_get_exception_ports fills in.
const excTypesCount = C.EXC_TYPES_COUNT

// OriginalExceptionPorts is a snapshot of a task's exception port
// registrations prior to the tracer overwriting them, so they can be
// restored on detach.
type OriginalExceptionPorts struct {
	Count    int
	Masks    [excTypesCount]ExceptionMask
	Ports    [excTypesCount]Port
	Behavior [excTypesCount]int32
	Flavor   [excTypesCount]int32
}

// GetExceptionPorts saves task's current handler registrations for the
// exception types in mask, for later restoration by RestoreExceptionPorts.
func GetExceptionPorts(task Port, mask ExceptionMask) (OriginalExceptionPorts, error) {
	var out OriginalExceptionPorts
	var cMasks [excTypesCount]C.exception_mask_t
	var cPorts [excTypesCount]C.mach_port_t
	var cBehavior [excTypesCount]C.exception_behavior_t
	var cFlavor [excTypesCount]C.thread_state_flavor_t
	count := C.mach_msg_type_number_t(excTypesCount)

	kr := C.task_get_exception_ports(
		C.task_t(task),
		C.exception_mask_t(mask),
		&cMasks[0],
		&count,
		&cPorts[0],
		&cBehavior[0],
		&cFlavor[0],
	)
	if err := machError("task_get_exception_ports", kr); err != nil {
		return OriginalExceptionPorts{}, err
	}

	out.Count = int(count)
	for i := 0; i < out.Count; i++ {
		out.Masks[i] = ExceptionMask(cMasks[i])
		out.Ports[i] = Port(cPorts[i])
		out.Behavior[i] = int32(cBehavior[i])
		out.Flavor[i] = int32(cFlavor[i])
	}
	return out, nil
}

// RestoreExceptionPorts re-registers each saved handler on task. The
// original iterated `i > count`, which (since i starts at 0 and count is
// never negative) skipped the loop body entirely and silently left the
// tracer's own port registered forever; this iterates `i < count` so
// detach actually restores the previous handlers.
func RestoreExceptionPorts(task Port, orig OriginalExceptionPorts) error {
	for i := 0; i < orig.Count; i++ {
		kr := C.task_set_exception_ports(
			C.task_t(task),
			C.exception_mask_t(orig.Masks[i]),
			C.mach_port_t(orig.Ports[i]),
			C.exception_behavior_t(orig.Behavior[i]),
			C.thread_state_flavor_t(orig.Flavor[i]),
		)
		if err := machError("task_set_exception_ports(restore)", kr); err != nil {
			return fmt.Errorf("machkit: restore exception port %d: %w", i, err)
		}
	}
	return nil
}

// Exception message bodies (catch_mach_exception_raise_state_identity's
// wire format) are decoded by ReceiveException/ReplyException in
// excmsg.go, which know the field layout; this file only sets up the port
// those messages arrive on.
