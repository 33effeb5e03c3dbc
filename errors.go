package gablib

import (
	"context"
	"errors"
	"fmt"
)

// Error represents a gablib failure.
//
// Only conditions that abort an operation are reported as errors. An HTTP
// status outside the expected set is data, not an error: it comes back as a
// [Response] with OK set to false.
type Error struct {
	Code    string
	Message string
	Status  int
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gablib: %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("gablib: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, ErrProtocol) matches any protocol failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Error codes.
const (
	CodeConfig          = "CONFIG"
	CodeBadRequest      = "BAD_REQUEST"
	CodeTransport       = "TRANSPORT"
	CodeTimeout         = "TIMEOUT"
	CodeDecode          = "DECODE"
	CodeProtocol        = "PROTOCOL"
	CodeLoginFailed     = "LOGIN_FAILED"
	CodeNotLoggedIn     = "NOT_LOGGED_IN"
	CodeSessionMismatch = "SESSION_MISMATCH"
	CodePersist         = "PERSIST"
	CodeStream          = "STREAM_ERROR"
)

// Sentinel errors.
var (
	ErrConfig          = &Error{Code: CodeConfig, Message: "invalid configuration"}
	ErrBadRequest      = &Error{Code: CodeBadRequest, Message: "invalid request"}
	ErrTransport       = &Error{Code: CodeTransport, Message: "network request failed"}
	ErrTimeout         = &Error{Code: CodeTimeout, Message: "request timed out"}
	ErrDecode          = &Error{Code: CodeDecode, Message: "could not decode response body"}
	ErrProtocol        = &Error{Code: CodeProtocol, Message: "unexpected page structure"}
	ErrLoginFailed     = &Error{Code: CodeLoginFailed, Message: "login failed"}
	ErrNotLoggedIn     = &Error{Code: CodeNotLoggedIn, Message: "session is not logged in"}
	ErrSessionMismatch = &Error{Code: CodeSessionMismatch, Message: "session file belongs to other credentials"}
	ErrPersist         = &Error{Code: CodePersist, Message: "session persistence failed"}
	ErrStream          = &Error{Code: CodeStream, Message: "stream failed"}
)

func newError(code, message string, status int, cause error) *Error {
	return &Error{Code: code, Message: message, Status: status, Cause: cause}
}

// handleError classifies a failed round trip. Deadline expiry becomes
// TIMEOUT; everything else, cancellation included, is TRANSPORT.
func handleError(err error, message string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeTimeout, message, 0, err)
	}
	return newError(CodeTransport, message, 0, err)
}
