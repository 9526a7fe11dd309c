// ABOUTME: Error taxonomy for discovery and announce flows
// ABOUTME: Coded errors with wrapped causes plus sentinel values for errors.Is
package discovery

import (
	"errors"
	"fmt"
)

const (
	// CodeInvalidDescriptor means the caller supplied a descriptor with missing or malformed fields.
	CodeInvalidDescriptor = "invalid_descriptor"
	// CodeDaemonUnavailable means the multicast transport could not be opened.
	CodeDaemonUnavailable = "daemon_unavailable"
	// CodeRegistrationFailed means the daemon rejected a registration.
	CodeRegistrationFailed = "registration_failed"
	// CodeUnregistrationFailed means the daemon reported a failed unregister.
	CodeUnregistrationFailed = "unregistration_failed"
)

var (
	// ErrEventStreamClosed marks the normal end of a browse stream.
	ErrEventStreamClosed = errors.New("event stream closed")
	// ErrPublisherClosed is returned by AwaitNext once the publisher is closed and drained.
	ErrPublisherClosed = errors.New("snapshot publisher closed")
	// ErrSessionState is returned when an operation is not valid in the current lifecycle state.
	ErrSessionState = errors.New("invalid session state")
	// ErrInvalidServiceType is returned for service types that are not protocol-qualified.
	ErrInvalidServiceType = errors.New("invalid service type")
	// ErrNoAddress is returned when a record is built without any address.
	ErrNoAddress = errors.New("no address")
)

// Error is a coded discovery error. Inner is the underlying cause, if any.
type Error struct {
	Code    string
	Message string
	Inner   error
}

// NewError creates a coded error.
func NewError(code, message string, inner error) *Error {
	return &Error{Code: code, Message: message, Inner: inner}
}

func (e *Error) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s %s: %v", e.Code, e.Message, e.Inner)
	}
	return fmt.Sprintf("%s %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// InvalidDescriptor wraps a descriptor validation failure.
func InvalidDescriptor(message string, inner error) *Error {
	return NewError(CodeInvalidDescriptor, message, inner)
}

// DaemonUnavailable wraps a transport setup failure.
func DaemonUnavailable(message string, inner error) *Error {
	return NewError(CodeDaemonUnavailable, message, inner)
}

// RegistrationFailed wraps a rejected registration.
func RegistrationFailed(message string, inner error) *Error {
	return NewError(CodeRegistrationFailed, message, inner)
}

// UnregistrationFailed wraps a failed unregister outcome.
func UnregistrationFailed(message string, inner error) *Error {
	return NewError(CodeUnregistrationFailed, message, inner)
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsInvalidDescriptor(err error) bool {
	return ErrorCode(err) == CodeInvalidDescriptor
}

func IsDaemonUnavailable(err error) bool {
	return ErrorCode(err) == CodeDaemonUnavailable
}

func IsRegistrationFailed(err error) bool {
	return ErrorCode(err) == CodeRegistrationFailed
}

func IsUnregistrationFailed(err error) bool {
	return ErrorCode(err) == CodeUnregistrationFailed
}
