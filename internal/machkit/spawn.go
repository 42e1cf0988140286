//go:build darwin

package machkit

/*
#include <spawn.h>
#include <stdlib.h>
#include <string.h>
#include <mach/machine.h>

#ifndef _POSIX_SPAWN_DISABLE_ASLR
#define _POSIX_SPAWN_DISABLE_ASLR 0x0100
#endif

static int flow_spawn_suspended(pid_t *pid, const char *path, char *const argv[], char *const envp[],
	cpu_type_t cpu_pref, int disable_aslr) {
	posix_spawnattr_t attr;
	int rc = posix_spawnattr_init(&attr);
	if (rc != 0) {
		return rc;
	}
	short flags = POSIX_SPAWN_START_SUSPENDED;
	if (disable_aslr) {
		flags |= _POSIX_SPAWN_DISABLE_ASLR;
	}
	rc = posix_spawnattr_setflags(&attr, flags);
	if (rc != 0) {
		posix_spawnattr_destroy(&attr);
		return rc;
	}
	if (cpu_pref != 0) {
		cpu_type_t prefs[1] = { cpu_pref };
		size_t ocount = 0;
		posix_spawnattr_setbinpref_np(&attr, 1, prefs, &ocount);
	}
	rc = posix_spawn(pid, path, NULL, &attr, argv, envp);
	posix_spawnattr_destroy(&attr);
	return rc;
}
*/
import "C"

import (
	"fmt"
	"os"
	"unsafe"
)

// SpawnSuspended launches path with args, suspended before its first
// instruction executes (POSIX_SPAWN_START_SUSPENDED), optionally disabling
// ASLR and preferring a specific architecture slice of a fat binary.
func SpawnSuspended(path string, args []string, disableASLR bool, cpuPref CPUType) (Pid, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	argv := make([]*C.char, len(args)+2)
	argv[0] = cPath
	for i, a := range args {
		cArg := C.CString(a)
		defer C.free(unsafe.Pointer(cArg))
		argv[i+1] = cArg
	}
	argv[len(args)+1] = nil

	envp := cEnviron()
	defer freeCEnviron(envp)

	var pid C.pid_t
	disable := C.int(0)
	if disableASLR {
		disable = 1
	}
	rc := C.flow_spawn_suspended(&pid, cPath, &argv[0], &envp[0], C.cpu_type_t(cpuPref), disable)
	if rc != 0 {
		return 0, fmt.Errorf("machkit: posix_spawn %q: errno %d", path, rc)
	}
	return Pid(pid), nil
}

func cEnviron() []*C.char {
	env := os.Environ()
	out := make([]*C.char, len(env)+1)
	for i, e := range env {
		out[i] = C.CString(e)
	}
	out[len(env)] = nil
	return out
}

func freeCEnviron(env []*C.char) {
	for _, e := range env {
		if e != nil {
			C.free(unsafe.Pointer(e))
		}
	}
}
