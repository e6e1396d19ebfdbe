package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and presentation decisions.
type Kind int

const (
	// Transient means the backend could not be reached. Retrying is safe.
	Transient Kind = iota
	// Validation means the input was rejected and must not be retried as is.
	Validation
	// Authorization means the caller may not perform the action.
	Authorization
	// NotFound means the referenced data does not exist (any more).
	NotFound
	// Programmer means the API was misused, e.g. called without a session.
	Programmer
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case Authorization:
		return "authorization"
	case NotFound:
		return "not-found"
	case Programmer:
		return "programmer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Code is a stable machine-readable failure reason.
type Code string

const (
	CodeNetwork            Code = "network"
	CodeEmptyMessage       Code = "empty-message"
	CodeDuplicate          Code = "duplicate"
	CodeSelfRequest        Code = "self-request"
	CodeInvalidCode        Code = "invalid-code"
	CodeNotFoundOrDenied   Code = "not-found-or-unauthorized"
	CodeNotFound           Code = "not-found"
	CodeInvalidCredentials Code = "invalid-credentials"
	CodeInvalidInput       Code = "invalid-input"
	CodeNoSession          Code = "no-session"
)

// Error is the failure outcome returned by every workflow operation.
// Message is short and human readable.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so sentinel values such as
// ErrNoSession work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Kind == e.Kind
}

// ErrNoSession is returned when a workflow is used before a session exists.
var ErrNoSession = &Error{Kind: Programmer, Code: CodeNoSession, Message: "no active session"}

// New builds an Error without a cause.
func New(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Network wraps a backend error as a retryable transient failure.
func Network(msg string, err error) *Error {
	return &Error{Kind: Transient, Code: CodeNetwork, Message: msg, Err: err}
}

// Wrap returns err unchanged if it already is a failure, otherwise it
// classifies it as transient with the given message.
func Wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return Network(msg, err)
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// HasCode reports whether err carries the given failure code.
func HasCode(err error, code Code) bool {
	fe, ok := As(err)
	return ok && fe.Code == code
}

// KindOf returns the failure kind of err. Errors that are not failures are
// treated as transient.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return Transient
}

// Retryable reports whether the caller may safely retry the operation.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == Transient
}

// UserMessage returns the short human readable text for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if fe, ok := As(err); ok {
		return fe.Message
	}
	return "something went wrong, please try again"
}
