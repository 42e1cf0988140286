// Package launch provides the two ways to get a traceable target: a
// posix_spawn with a suspended start, or an existing-pid attach path, plus
// the taskport privilege acquisition both depend on.
package launch

import (
	"fmt"

	"github.com/mountainstorm/flow/internal/machkit"
)

// CPUPreference selects which slice of a fat binary to run; zero means
// "let the kernel pick", matching CPU_TYPE_ANY default.
type CPUPreference = machkit.CPUType

// PosixSpawnSuspended starts path with args, stopped before its first
// instruction, so the caller can attach its exception port before the
// target executes anything. ASLR is always disabled here, since block
// addresses in the trace log are only useful if they're reproducible
// across runs.
func PosixSpawnSuspended(path string, args []string, cpuPref CPUPreference) (machkit.Pid, error) {
	pid, err := machkit.SpawnSuspended(path, args, true, cpuPref)
	if err != nil {
		return 0, fmt.Errorf("launch: spawn %q suspended: %w", path, err)
	}
	return pid, nil
}

// AttachExisting rejects a non-positive pid and otherwise returns it
// unchanged; it does not check that the process exists. It exists mainly
// as the attach-path counterpart to
// PosixSpawnSuspended so callers go through one package regardless of
// launch style.
func AttachExisting(pid int) (machkit.Pid, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("launch: invalid pid %d", pid)
	}
	return machkit.Pid(pid), nil
}

// AcquireTaskportRight requests the privilege task_for_pid needs against a
// process this tool doesn't own. See machkit.AcquireTaskportRight for the
// Authorization.framework mechanics.
func AcquireTaskportRight() error {
	if err := machkit.AcquireTaskportRight(); err != nil {
		return fmt.Errorf("launch: acquire taskport right: %w", err)
	}
	return nil
}

// ParseCPUType maps the -c flag's accepted values to a CPUPreference.
func ParseCPUType(s string) CPUPreference {
	switch s {
	case "i386":
		return machkit.CPUTypeX86
	case "x86_64":
		return machkit.CPUTypeX86_64
	default:
		return 0
	}
}
