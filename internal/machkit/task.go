//go:build darwin

package machkit

/*
#include <mach/mach.h>
#include <sys/types.h>
#include <sys/ptrace.h>
#include <sys/wait.h>
#include <unistd.h>
#include <errno.h>
#include <string.h>

#ifndef PT_ATTACHEXC
#define PT_ATTACHEXC 14
#endif
#ifndef PT_THUPDATE
#define PT_THUPDATE 13
#endif

static int flow_ptrace(int request, pid_t pid, caddr_t addr, int data, int *errnum) {
	int r = ptrace(request, pid, addr, data);
	*errnum = errno;
	return r;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Pid is a process ID, kept as its own type so call sites read clearly
// against Port.
type Pid int32

// AttachExc starts tracing pid via PT_ATTACHEXC: the Darwin ptrace
// extension that routes the target's stops through Mach exceptions instead
// of SIGSTOP, which is what lets internal/excport see them.
func AttachExc(pid Pid) error {
	return ptrace(C.PT_ATTACHEXC, pid, 0, 0)
}

// Detach stops tracing pid, letting it run free.
func Detach(pid Pid) error {
	return ptrace(C.PT_DETACH, pid, 0, 0)
}

// Kill sends the target a forced termination via ptrace, used when cleanup
// can't rely on the target responding to a signal.
func Kill(pid Pid) error {
	return ptrace(C.PT_KILL, pid, 0, 0)
}

// ThreadUpdate issues PT_THUPDATE, telling the kernel which thread a
// pending signal should be delivered to before the target is resumed.
func ThreadUpdate(pid Pid, thread Port, signal int) error {
	return ptrace(C.PT_THUPDATE, pid, C.caddr_t(unsafe.Pointer(uintptr(thread))), C.int(signal))
}

func ptrace(request C.int, pid Pid, addr C.caddr_t, data C.int) error {
	var errnum C.int
	r := C.flow_ptrace(request, C.pid_t(pid), addr, data, &errnum)
	if r != 0 {
		return fmt.Errorf("machkit: ptrace(%d, %d): %s", int(request), pid, C.GoString(C.strerror(errnum)))
	}
	return nil
}

// TaskForPid resolves the Mach task port for an already-attached pid. The
// caller must hold (or have acquired via AcquireTaskportRight) the
// privilege to do this for processes it doesn't own.
func TaskForPid(pid Pid) (Port, error) {
	var task C.task_t
	kr := C.task_for_pid(C.mach_task_self_, C.pid_t(pid), &task)
	if err := machError("task_for_pid", kr); err != nil {
		return NullPort, err
	}
	return Port(task), nil
}

// SuspendTask suspends every thread in task, matching task_suspend's
// semantics of a nestable suspend count.
func SuspendTask(task Port) error {
	kr := C.task_suspend(C.task_t(task))
	return machError("task_suspend", kr)
}

// ResumeTask reverses one SuspendTask call. posix_spawn's
// POSIX_SPAWN_START_SUSPENDED flag (see spawn.go) leaves a freshly spawned
// task suspended before its first instruction; the driver calls this once
// the exception port is installed so the target doesn't run unobserved.
func ResumeTask(task Port) error {
	kr := C.task_resume(C.task_t(task))
	return machError("task_resume", kr)
}

// ThreadList returns the set of thread ports currently in task.
func ThreadList(task Port) ([]Port, error) {
	var list C.thread_act_array_t
	var count C.mach_msg_type_number_t
	kr := C.task_threads(C.task_t(task), &list, &count)
	if err := machError("task_threads", kr); err != nil {
		return nil, err
	}
	defer C.vm_deallocate(C.mach_task_self_, C.vm_address_t(uintptr(unsafe.Pointer(list))), C.vm_size_t(uintptr(count)*unsafe.Sizeof(C.thread_act_t(0))))

	out := make([]Port, int(count))
	slice := unsafe.Slice(list, int(count))
	for i, t := range slice {
		out[i] = Port(t)
	}
	return out, nil
}
