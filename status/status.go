// Package status defines the error codes carried in RPC responses.
//
// A handler error crosses the wire as a (Code, Message) pair inside the
// response RPCMessage. The client side turns it back into an *Error so callers
// can branch on the code with status.CodeOf.
package status

import (
	"context"
	"errors"
	"fmt"
)

// Code is the outcome of an RPC.
type Code uint16

const (
	OK                Code = 0
	Canceled          Code = 1
	Unknown           Code = 2
	InvalidArgument   Code = 3
	DeadlineExceeded  Code = 4
	NotFound          Code = 5
	PermissionDenied  Code = 7
	ResourceExhausted Code = 8
	Unimplemented     Code = 12
	Internal          Code = 13
	Unavailable       Code = 14
	Unauthenticated   Code = 16
)

var codeNames = map[Code]string{
	OK:                "ok",
	Canceled:          "canceled",
	Unknown:           "unknown",
	InvalidArgument:   "invalid-argument",
	DeadlineExceeded:  "deadline-exceeded",
	NotFound:          "not-found",
	PermissionDenied:  "permission-denied",
	ResourceExhausted: "resource-exhausted",
	Unimplemented:     "unimplemented",
	Internal:          "internal",
	Unavailable:       "unavailable",
	Unauthenticated:   "unauthenticated",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// Error is an RPC failure with a code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.Code, e.Message)
}

// New returns an *Error, or nil for OK.
func New(code Code, msg string) error {
	if code == OK {
		return nil
	}
	return &Error{Code: code, Message: msg}
}

// Errorf is New with formatting.
func Errorf(code Code, format string, args ...any) error {
	return New(code, fmt.Sprintf(format, args...))
}

// CodeOf extracts the code of err. Context errors map to Canceled and
// DeadlineExceeded; anything else without a code is Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return Canceled
	}
	return Unknown
}

// FromContext converts a finished context into a status error.
func FromContext(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return New(DeadlineExceeded, "deadline exceeded")
	default:
		return New(Canceled, "call canceled")
	}
}

// Convert returns err as an *Error, keeping an existing code.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Code: CodeOf(err), Message: err.Error()}
}
