package rx

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Rx protocol abort codes.
const (
	AbortCallDead        int32 = -1 // call is dead
	AbortInvalidOp       int32 = -2 // invalid operation
	AbortCallTimeout     int32 = -3 // call timed out
	AbortEOF             int32 = -4 // premature end of data
	AbortProtocolError   int32 = -5 // protocol error
	AbortUserAbort       int32 = -6 // aborted by the user
	AbortClientMarshal   int32 = -450
	AbortClientUnmarshal int32 = -451
	AbortServerMarshal   int32 = -452
	AbortServerUnmarshal int32 = -453
	AbortDecode          int32 = -454
	AbortOpcode          int32 = -455 // opcode not implemented by the service
)

var (
	// ErrWouldBlock is returned by a non-blocking Receive with nothing queued.
	ErrWouldBlock = fmt.Errorf("rx: receive would block: %w", unix.EAGAIN)

	// ErrNoCallID is returned when a message arrives without a user call ID.
	ErrNoCallID = errors.New("rx: message carried no call ID")

	// ErrUnknownCall is returned when a message names a call that is not
	// registered on the connection (terminated or never issued).
	ErrUnknownCall = errors.New("rx: message for unknown call")

	// ErrUnknownOpcode is returned by a Service that does not implement an
	// opcode. The call is aborted with AbortOpcode.
	ErrUnknownOpcode = errors.New("rx: unknown opcode")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("rx: connection closed")

	// ErrTerminated is returned when a terminated call is used.
	ErrTerminated = errors.New("rx: call terminated")
)

// StateError reports an operation attempted in a call state that does not
// permit it.
type StateError struct {
	Op    string
	State CallState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("rx: %s in call state %s", e.Op, e.State)
}

// CallError describes how a call failed. It unwraps to the unix.Errno so
// errors.Is(err, unix.ECONNABORTED) works.
type CallError struct {
	State     CallState
	Errno     unix.Errno
	AbortCode int32
}

func (e *CallError) Error() string {
	if e.State == StateRemotelyAborted || e.State == StateLocallyAborted {
		return fmt.Sprintf("rx call %s (abort code %d): %v", e.State, e.AbortCode, e.Errno)
	}
	return fmt.Sprintf("rx call %s: %v", e.State, e.Errno)
}

func (e *CallError) Unwrap() error {
	return e.Errno
}

// AbortError lets an Operations decoder or a Service choose the abort code
// sent to the peer when it fails a call.
type AbortError struct {
	Code int32
	Err  error
}

// NewAbortError wraps err with an abort code.
func NewAbortError(code int32, err error) *AbortError {
	return &AbortError{Code: code, Err: err}
}

func (e *AbortError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rx: abort %d", e.Code)
	}
	return fmt.Sprintf("rx: abort %d: %v", e.Code, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}
