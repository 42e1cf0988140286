//go:build darwin

package machkit

/*
#include <mach/mach.h>
#include <mach/ndr.h>
#include <mach/exception_types.h>
#include <mach/i386/thread_state.h>
#include <string.h>

// These mirror the wire format MIG generates from mach_exc.defs for the
// mach_exception_raise_state_identity request/reply pair. Hand-rolling
// them lets this package read and answer exception messages directly with
// mach_msg, without depending on a MIG-generated mach_exc_server.
typedef struct {
	mach_msg_header_t       Head;
	mach_msg_body_t         msgh_body;
	mach_msg_port_descriptor_t thread;
	mach_msg_port_descriptor_t task;
	NDR_record_t            NDR;
	exception_type_t        exception;
	mach_msg_type_number_t  codeCnt;
	int64_t                 code[2];
	int                     flavor;
	mach_msg_type_number_t  old_stateCnt;
	natural_t               old_state[144]; // big enough for x86_THREAD_STATE64_COUNT
} flow_exc_request_t;

typedef struct {
	mach_msg_header_t      Head;
	NDR_record_t           NDR;
	kern_return_t          RetCode;
	int                    flavor;
	mach_msg_type_number_t new_stateCnt;
	natural_t              new_state[144];
} flow_exc_reply_t;

// flow_build_reply fills in a reply from the caller-supplied newState
// buffer rather than echoing req->old_state: the caller (ReplyException)
// is responsible for handing back the thread's register state as the
// tracer left it, including any in-place edits (e.g. the single-step
// trap flag), since EXCEPTION_STATE_IDENTITY makes this reply's
// new_state what the kernel actually applies to the thread on resume.
static void flow_build_reply(flow_exc_reply_t *reply, const flow_exc_request_t *req, kern_return_t retCode,
	const natural_t *newState, mach_msg_type_number_t newStateCnt) {
	memset(reply, 0, sizeof(*reply));
	reply->Head.msgh_bits = MACH_MSGH_BITS(MACH_MSGH_BITS_REMOTE(req->Head.msgh_bits), 0);
	reply->Head.msgh_remote_port = req->Head.msgh_remote_port;
	reply->Head.msgh_local_port = MACH_PORT_NULL;
	reply->Head.msgh_id = req->Head.msgh_id + 100;
	reply->NDR = req->NDR;
	reply->RetCode = retCode;
	reply->flavor = req->flavor;
	reply->new_stateCnt = newStateCnt;
	memcpy(reply->new_state, newState, newStateCnt * sizeof(natural_t));
	reply->Head.msgh_size = (mach_msg_size_t) (sizeof(mach_msg_header_t) + sizeof(NDR_record_t) +
		sizeof(kern_return_t) + sizeof(int) + sizeof(mach_msg_type_number_t) +
		newStateCnt * sizeof(natural_t));
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// ExceptionRequest is the decoded form of a mach_exception_raise_state_identity
// request: which thread/task raised which exception, with what codes, and
// the thread's full register snapshot at the time.
type ExceptionRequest struct {
	Thread       Port
	Task         Port
	ExceptionType int32
	Code         []int64
	Flavor       int32
	OldState     []uint32

	raw C.flow_exc_request_t
}

// ReceiveException blocks for the next exception message on port and
// decodes it.
func ReceiveException(port Port) (ExceptionRequest, error) {
	var req C.flow_exc_request_t
	kr := C.mach_msg(
		&req.Head,
		C.MACH_RCV_MSG|C.MACH_RCV_LARGE,
		0,
		C.mach_msg_size_t(unsafe.Sizeof(req)),
		C.mach_port_t(port),
		C.MACH_MSG_TIMEOUT_NONE,
		C.MACH_PORT_NULL,
	)
	if err := machError("mach_msg(receive exception)", kr); err != nil {
		return ExceptionRequest{}, err
	}

	out := ExceptionRequest{
		Thread:        Port(req.thread.name),
		Task:          Port(req.task.name),
		ExceptionType: int32(req.exception),
		Flavor:        int32(req.flavor),
		raw:           req,
	}
	codeCnt := int(req.codeCnt)
	if codeCnt > len(req.code) {
		codeCnt = len(req.code)
	}
	for i := 0; i < codeCnt; i++ {
		out.Code = append(out.Code, int64(req.code[i]))
	}
	stateCnt := int(req.old_stateCnt)
	if stateCnt > len(req.old_state) {
		stateCnt = len(req.old_state)
	}
	for i := 0; i < stateCnt; i++ {
		out.OldState = append(out.OldState, uint32(req.old_state[i]))
	}
	return out, nil
}

// ReplyException answers a previously-received exception request. newState
// is the register dump to commit to the thread on resume — the tracer's
// in-place edits to the snapshot it was given (e.g. arming the
// single-step trap flag) land only if they're threaded back through here,
// since EXCEPTION_STATE_IDENTITY has the kernel apply this reply's
// new_state rather than whatever's still live in the thread. Pass a
// failure retCode to tell the kernel the exception wasn't handled, which
// is how this package forces the target's termination after a ptrace
// PT_KILL.
func ReplyException(port Port, req ExceptionRequest, retCode int32, newState []uint32) error {
	var reply C.flow_exc_reply_t
	cState := make([]C.natural_t, len(newState))
	for i, v := range newState {
		cState[i] = C.natural_t(v)
	}
	var statePtr *C.natural_t
	if len(cState) > 0 {
		statePtr = &cState[0]
	}
	C.flow_build_reply(&reply, &req.raw, C.kern_return_t(retCode), statePtr, C.mach_msg_type_number_t(len(newState)))
	kr := C.mach_msg(
		&reply.Head,
		C.MACH_SEND_MSG,
		reply.Head.msgh_size,
		0,
		C.MACH_PORT_NULL,
		C.MACH_MSG_TIMEOUT_NONE,
		C.MACH_PORT_NULL,
	)
	if err := machError("mach_msg(reply exception)", kr); err != nil {
		return fmt.Errorf("machkit: reply to exception on port %d: %w", port, err)
	}
	return nil
}
