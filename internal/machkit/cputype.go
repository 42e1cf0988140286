//go:build darwin

package machkit

/*
#include <sys/sysctl.h>
#include <mach/machine.h>
#include <string.h>

static int flow_proc_cputype(pid_t pid, cpu_type_t *out) {
	int mib[CTL_MAXNAME];
	size_t miblen = CTL_MAXNAME;
	if (sysctlnametomib("sysctl.proc_cputype", mib, &miblen) != 0) {
		return -1;
	}
	mib[miblen] = pid;
	miblen++;
	size_t len = sizeof(*out);
	return sysctl(mib, (u_int) miblen, out, &len, NULL, 0);
}
*/
import "C"

import "fmt"

// CPUType is a Mach cpu_type_t (e.g. CPU_TYPE_X86, CPU_TYPE_X86_64).
type CPUType int32

const (
	CPUTypeX86    CPUType = C.CPU_TYPE_I386
	CPUTypeX86_64 CPUType = C.CPU_TYPE_X86_64
	CPUTypeARM    CPUType = C.CPU_TYPE_ARM
	CPUTypeARM64  CPUType = C.CPU_TYPE_ARM64
)

// WordWidth returns 32 for x86 and ARM, 64 for x86_64 and ARM64, and 0 for
// anything else. It reports width only: ARM targets are still rejected by
// machine.BackendFor.
func (c CPUType) WordWidth() int {
	switch c {
	case CPUTypeX86, CPUTypeARM:
		return 32
	case CPUTypeX86_64, CPUTypeARM64:
		return 64
	default:
		return 0
	}
}

// ProcessCPUType asks the kernel which architecture slice of a (possibly
// fat) binary pid is actually running, via the "sysctl.proc_cputype" MIB.
// task_info's CPU type field reports the host's preferred type, not
// necessarily the one the loader picked, so this is the authoritative
// source for selecting the architecture backend at attach time.
func ProcessCPUType(pid Pid) (CPUType, error) {
	var cpuType C.cpu_type_t
	if rc := C.flow_proc_cputype(C.pid_t(pid), &cpuType); rc != 0 {
		return 0, fmt.Errorf("machkit: sysctl proc_cputype(%d) failed", pid)
	}
	return CPUType(cpuType), nil
}
