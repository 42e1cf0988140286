//go:build darwin

package machkit

/*
#cgo LDFLAGS: -framework Security
#include <Security/Security.h>
#include <Security/AuthorizationTags.h>
#include <string.h>

static OSStatus flow_acquire_taskport_right(void) {
	AuthorizationItem item = { "system.privilege.taskport", 0, NULL, 0 };
	AuthorizationRights rights = { 1, &item };
	AuthorizationRef authRef;
	OSStatus status = AuthorizationCreate(NULL, kAuthorizationEmptyEnvironment, kAuthorizationFlagDefaults, &authRef);
	if (status != errAuthorizationSuccess) {
		return status;
	}
	status = AuthorizationCopyRights(authRef, &rights, kAuthorizationEmptyEnvironment,
		kAuthorizationFlagDefaults | kAuthorizationFlagInteractionAllowed | kAuthorizationFlagExtendRights | kAuthorizationFlagPreAuthorize,
		NULL);
	AuthorizationFree(authRef, kAuthorizationFlagDefaults);
	return status;
}
*/
import "C"

import "fmt"

// AcquireTaskportRight requests the "system.privilege.taskport" right,
// which macOS requires before task_for_pid will succeed against a process
// the caller doesn't own.
//
// This may prompt the user for credentials interactively; callers running
// headless (e.g. CI) should instead run the tracer as root, in which case
// this call is a cheap no-op success.
func AcquireTaskportRight() error {
	status := C.flow_acquire_taskport_right()
	if status != C.errAuthorizationSuccess {
		return fmt.Errorf("machkit: AuthorizationCopyRights(system.privilege.taskport): status %d", int(status))
	}
	return nil
}
