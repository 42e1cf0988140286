// Package excport registers a Mach exception port against a target task,
// decodes the exceptions that arrive on it, and dispatches them to the
// tracer.
//
// Three correctness issues are worth calling out explicitly since they're
// easy to reintroduce: the port-restore loop must iterate while i < count,
// not i > count, or it restores nothing; the exception-code copy must use
// an element count, not a byte count, or it only ever copies the first
// code value's low bytes; and Name's switch must return on the first
// match rather than falling through, or it returns a name mangled by
// whatever case follows it.
package excport

import (
	"fmt"

	"github.com/mountainstorm/flow/internal/machkit"
)

// ExceptionAction is the tracer's verdict on an exception: resume the
// thread, or give up on the target entirely.
type ExceptionAction int

const (
	ActionContinue ExceptionAction = iota
	ActionAbortTask
)

// Exception is one decoded exception delivery.
type Exception struct {
	Task   machkit.Port
	Thread machkit.Port
	Type   int32
	Code   []int64

	// OldState is the thread's full register snapshot at the moment of
	// the exception, in the flavor Flavor names (MACHINE_THREAD_STATE, the
	// native word-size general register set). Read-only: callers that
	// want to change what the thread resumes with must edit NewState.
	OldState []uint32

	// NewState starts as a copy of OldState and is what actually gets
	// committed to the thread on resume. The callback (and the arch
	// backend it drives) mutates this slice's elements in place — e.g.
	// toggling the single-step trap flag — rather than writing registers
	// back via a separate thread_set_state call, since this package
	// replies under EXCEPTION_STATE_IDENTITY and the kernel applies
	// exactly this buffer when the thread resumes.
	NewState []uint32

	Flavor int32
}

// SoftwareSignal reports the BSD signal number this exception is carrying,
// or 0 if it isn't an EXC_SOFTWARE/EXC_SOFT_SIGNAL delivery. ptrace
// surfaces stops as these rather than as a waitpid status when
// PT_ATTACHEXC is in effect.
func (e Exception) SoftwareSignal() int {
	const excSoftSignal = 0x10003
	if e.Type == excSoftware && len(e.Code) == 2 && e.Code[0] == excSoftSignal {
		return int(e.Code[1])
	}
	return 0
}

// Mach exception_type_t values (mach/exception_types.h), reproduced here
// so this package stays free of a cgo dependency of its own.
const (
	excBadAccess      = 1
	excBadInstruction = 2
	excArithmetic     = 3
	excEmulation      = 4
	excSoftware       = 5
	excBreakpoint     = 6
	excSyscall        = 7
	excMachSyscall    = 8
	excRPCAlert       = 9
	excCrash          = 10
)

// Name returns a human-readable exception type name for diagnostics.
func (e Exception) Name() string {
	switch e.Type {
	case excBadAccess:
		return "EXC_BAD_ACCESS"
	case excBadInstruction:
		return "EXC_BAD_INSTRUCTION"
	case excArithmetic:
		return "EXC_ARITHMETIC"
	case excEmulation:
		return "EXC_EMULATION"
	case excSoftware:
		return "EXC_SOFTWARE"
	case excBreakpoint:
		return "EXC_BREAKPOINT"
	case excSyscall:
		return "EXC_SYSCALL"
	case excMachSyscall:
		return "EXC_MACH_SYSCALL"
	case excRPCAlert:
		return "EXC_RPC_ALERT"
	case excCrash:
		return "EXC_CRASH"
	default:
		return "<unknown>"
	}
}

// OnException is called once per exception; its return value decides
// whether the thread resumes.
type OnException func(Exception) ExceptionAction

// gExceptionPort tracks the single in-flight attachment: Mach's exception
// callback has no user-data parameter for EXCEPTION_STATE_IDENTITY
// behavior, so this process can only service one attached target at a
// time.
var gExceptionPort *ExceptionPort

// ExceptionPort owns one task's exception registration.
type ExceptionPort struct {
	pid  machkit.Pid
	task machkit.Port
	port machkit.Port

	onException OnException
	original    machkit.OriginalExceptionPorts
}

const exceptionMask = machkit.ExceptionMaskSoftware | machkit.ExceptionMaskBreakpoint

// AttachToTask allocates an exception port, saves the task's current
// handlers, and installs this one in their place. Only one ExceptionPort
// may be attached at a time per process.
func AttachToTask(pid machkit.Pid, task machkit.Port, onException OnException) (*ExceptionPort, error) {
	if gExceptionPort != nil {
		return nil, fmt.Errorf("excport: an exception port is already attached (pid %d)", gExceptionPort.pid)
	}

	port, err := machkit.AllocatePort()
	if err != nil {
		return nil, fmt.Errorf("excport: allocate port: %w", err)
	}
	if err := machkit.InsertSendRight(port); err != nil {
		_ = machkit.DeallocatePort(port)
		return nil, fmt.Errorf("excport: insert send right: %w", err)
	}

	original, err := machkit.GetExceptionPorts(task, exceptionMask)
	if err != nil {
		_ = machkit.DeallocatePort(port)
		return nil, fmt.Errorf("excport: save original exception ports: %w", err)
	}

	if err := machkit.SetExceptionPorts(task, exceptionMask, port); err != nil {
		_ = machkit.DeallocatePort(port)
		return nil, fmt.Errorf("excport: install exception port: %w", err)
	}

	ep := &ExceptionPort{
		pid:         pid,
		task:        task,
		port:        port,
		onException: onException,
		original:    original,
	}
	gExceptionPort = ep
	return ep, nil
}

// Detach restores the task's original exception handlers and releases this
// port's resources.
func (ep *ExceptionPort) Detach() error {
	if ep != gExceptionPort {
		return fmt.Errorf("excport: detach called on an unattached ExceptionPort")
	}
	restoreErr := machkit.RestoreExceptionPorts(ep.task, ep.original)
	deallocErr := machkit.DeallocatePort(ep.port)
	gExceptionPort = nil
	if restoreErr != nil {
		return fmt.Errorf("excport: restore original exception ports: %w", restoreErr)
	}
	if deallocErr != nil {
		return fmt.Errorf("excport: deallocate exception port: %w", deallocErr)
	}
	return nil
}

// Pump receives and dispatches exceptions until Receive returns an error
// (typically because the target exited and its task port died with it) or
// the callback requests abort.
func (ep *ExceptionPort) Pump() error {
	for {
		req, err := machkit.ReceiveException(ep.port)
		if err != nil {
			return fmt.Errorf("excport: receive: %w", err)
		}
		if req.Task != ep.task {
			// Not for us; reply success so the sender isn't left hanging,
			// and keep pumping.
			_ = machkit.ReplyException(ep.port, req, 0, req.OldState)
			continue
		}

		exc := Exception{
			Task:     req.Task,
			Thread:   req.Thread,
			Type:     req.ExceptionType,
			Code:     append([]int64(nil), req.Code...),
			OldState: append([]uint32(nil), req.OldState...),
			NewState: append([]uint32(nil), req.OldState...),
			Flavor:   req.Flavor,
		}

		action := ep.onException(exc)

		if signal := exc.SoftwareSignal(); signal != 0 {
			if err := machkit.ThreadUpdate(ep.pid, exc.Thread, signal); err != nil {
				return fmt.Errorf("excport: PT_THUPDATE: %w", err)
			}
		}

		retCode := int32(0)
		if action == ActionAbortTask {
			_ = machkit.Kill(ep.pid)
			retCode = 1 // KERN_FAILURE: tell the kernel we didn't handle it
		}
		if err := machkit.ReplyException(ep.port, req, retCode, exc.NewState); err != nil {
			return fmt.Errorf("excport: reply: %w", err)
		}
		if action == ActionAbortTask {
			return nil
		}
	}
}
