// Package apperr defines the error taxonomy shared by the authorization,
// membership, workflow, notification and digest layers. Transport code maps
// a Kind to a status code; nothing below the handlers knows about HTTP.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindAccessDenied: the caller lacks the role or ownership for the action.
	KindAccessDenied Kind = iota + 1
	// KindNotFound: a resource id does not resolve.
	KindNotFound
	// KindValidation: the request breaks an invariant or the workflow.
	KindValidation
	// KindDependency: mail or file collaborator failure.
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindAccessDenied:
		return "access_denied"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindDependency:
		return "dependency_failure"
	}
	return "unknown"
}

// Reason is a stable, machine-readable code carried alongside the message.
type Reason string

type Error struct {
	Kind    Kind
	Reason  Reason
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

func New(kind Kind, reason Reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: msg}
}

func AccessDenied(reason Reason, msg string) *Error {
	return New(KindAccessDenied, reason, msg)
}

func NotFound(reason Reason, msg string) *Error {
	return New(KindNotFound, reason, msg)
}

func Validation(reason Reason, msg string) *Error {
	return New(KindValidation, reason, msg)
}

// Dependency wraps a collaborator failure.
func Dependency(reason Reason, msg string, err error) *Error {
	return &Error{Kind: KindDependency, Reason: reason, Message: msg, Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

func HasReason(err error, reason Reason) bool {
	e, ok := As(err)
	return ok && e.Reason == reason
}
