// This file contains the structured Error type used throughout the relay,
// wrap helpers for annotating causes, and a MultiError for aggregating
// failures from fan-out paths.
package relay

import (
	"errors"
	"fmt"
	"strings"
)

const (
	statusBadRequest     = 400
	statusUnauthorized   = 401
	statusNotFound       = 404
	statusConflict       = 409
	statusInternal       = 500
	statusUnavailable    = 503
	statusGatewayTimeout = 504
)

// Error is the relay's structured error. Scope names the component or event
// type the failure belongs to; Temporary marks failures that may succeed on
// retry.
type Error struct {
	Scope     string
	Message   string
	Code      int
	Temporary bool
	cause     error
}

func (e *Error) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s: %s (code: %d)", e.Scope, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Scope:     e.Scope,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			cause:     e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    statusInternal,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func badRequest(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: statusBadRequest}
}

func notFound(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: statusNotFound}
}

func conflict(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: statusConflict}
}

func unauthorized(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: statusUnauthorized}
}

func internal(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: statusInternal}
}

func unavailable(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: statusUnavailable, Temporary: true}
}

func timeoutErr(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: statusGatewayTimeout, Temporary: true}
}

// MultiError aggregates several errors from one logical operation.
type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func combine(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}
