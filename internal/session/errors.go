package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/parlance/internal/transport"
	"github.com/MrWong99/parlance/pkg/events"
)

// Code classifies a session error.
type Code string

const (
	CodeConfigInvalid          Code = "ConfigInvalid"
	CodeAuthFailed             Code = "AuthFailed"
	CodeNetworkUnavailable     Code = "NetworkUnavailable"
	CodeConnectionFailed       Code = "ConnectionFailed"
	CodeInvalidStateTransition Code = "InvalidStateTransition"
	CodeSessionClosed          Code = "SessionClosed"
	CodeServiceError           Code = "ServiceError"
)

// Error is the error type returned by the [Engine]. Two Errors match with
// errors.Is when their codes are equal, so callers compare against the
// sentinels below.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("session: %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("session: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrConfigInvalid          = &Error{Code: CodeConfigInvalid, Message: "invalid configuration"}
	ErrAuthFailed             = &Error{Code: CodeAuthFailed, Message: "credentials rejected"}
	ErrNetworkUnavailable     = &Error{Code: CodeNetworkUnavailable, Message: "service unreachable"}
	ErrConnectionFailed       = &Error{Code: CodeConnectionFailed, Message: "connection failed"}
	ErrInvalidStateTransition = &Error{Code: CodeInvalidStateTransition, Message: "invalid state transition"}
	ErrSessionClosed          = &Error{Code: CodeSessionClosed, Message: "session closed"}
	ErrServiceError           = &Error{Code: CodeServiceError, Message: "service error"}
)

func newError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when
// there is none.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// classify maps a transport failure to a session error code.
func classify(err error) Code {
	switch {
	case errors.Is(err, transport.ErrAuthFailed):
		return CodeAuthFailed
	case errors.Is(err, transport.ErrNetworkUnavailable):
		return CodeNetworkUnavailable
	default:
		return CodeConnectionFailed
	}
}

// cancelReason maps an error code to the reason carried by the Canceled event.
func cancelReason(code Code) events.CancelReason {
	switch code {
	case CodeAuthFailed:
		return events.CancelAuthFailed
	case CodeServiceError:
		return events.CancelServiceError
	default:
		return events.CancelConnectionFailed
	}
}
