package errors

import (
	stderrors "errors"
	"fmt"
)

type Kind string

const (
	// KindPrecondition marks programming errors: a required invariant did
	// not hold at the call site. These fail loudly, never degrade.
	KindPrecondition Kind = "PRECONDITION"
	// KindAborted marks user aborts; not failures, never notified as such.
	KindAborted Kind = "ABORTED"
	// KindExternal marks rejected external-service calls, caught at the
	// workflow boundary and surfaced to the user.
	KindExternal Kind = "EXTERNAL"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Preconditionf(format string, args ...any) *Error {
	return &Error{
		Kind:    KindPrecondition,
		Message: fmt.Sprintf(format, args...),
	}
}

func Aborted(message string) *Error {
	return &Error{
		Kind:    KindAborted,
		Message: message,
	}
}

func External(message string, err error) *Error {
	return &Error{
		Kind:    KindExternal,
		Message: message,
		Err:     err,
	}
}

func kindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsPrecondition(err error) bool { return kindOf(err) == KindPrecondition }
func IsAborted(err error) bool      { return kindOf(err) == KindAborted }
func IsExternal(err error) bool     { return kindOf(err) == KindExternal }
