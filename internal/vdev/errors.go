package vdev

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrorCode identifies the failure kind of a lifecycle or dispatch operation.
type ErrorCode string

// ErrorCode constants.
const (
	CodeAlreadyExists      ErrorCode = "ALREADY_EXISTS"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeBusy               ErrorCode = "BUSY"
	CodeOutOfResources     ErrorCode = "OUT_OF_RESOURCES"
	CodeRegistrationFailed ErrorCode = "REGISTRATION_FAILED"
	CodePublishFailed      ErrorCode = "PUBLISH_FAILED"
	CodeInvalidState       ErrorCode = "INVALID_STATE"
	CodeUnsupported        ErrorCode = "UNSUPPORTED"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrAlreadyExists      = &Error{Code: CodeAlreadyExists}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrBusy               = &Error{Code: CodeBusy}
	ErrOutOfResources     = &Error{Code: CodeOutOfResources}
	ErrRegistrationFailed = &Error{Code: CodeRegistrationFailed}
	ErrPublishFailed      = &Error{Code: CodePublishFailed}
	ErrInvalidState       = &Error{Code: CodeInvalidState}
	ErrUnsupported        = &Error{Code: CodeUnsupported}
)

// Error is returned by every operation in this package.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func newError(code ErrorCode, op, message string, cause error) *Error {
	return &Error{Code: code, Op: op, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HasCode checks if the error matches a specific code.
func (e *Error) HasCode(code ErrorCode) bool {
	return e.Code == code
}

// CodeOf extracts the code of err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Status maps err to the host status convention: zero on success, a
// negative errno otherwise. Backend errors that carry a unix.Errno keep it.
func Status(err error) int {
	if err == nil {
		return 0
	}
	switch CodeOf(err) {
	case CodeAlreadyExists:
		return -int(unix.EEXIST)
	case CodeNotFound:
		return -int(unix.ENOENT)
	case CodeBusy:
		return -int(unix.EBUSY)
	case CodeOutOfResources:
		return -int(unix.ENOMEM)
	case CodeRegistrationFailed:
		return -int(unix.ENODEV)
	case CodePublishFailed:
		return -int(unix.ENFILE)
	case CodeInvalidState:
		return -int(unix.EINVAL)
	case CodeUnsupported:
		return -int(unix.ENOTTY)
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -int(unix.EIO)
}
