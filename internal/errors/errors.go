// Package errors defines the error taxonomy of the search provider.
//
// Every error that crosses a component boundary carries a Kind so the request
// boundary can decide how to report it: validation and compile failures go back
// to the caller, store failures skip one evaluation cycle, fatal failures stop
// the process.
package errors

import (
	"errors"
	"fmt"
)

// Kind categorises an error for reporting and recovery.
type Kind int

const (
	KindUnknown    Kind = iota
	KindValidation      // malformed registration request, reported to the caller
	KindCompile         // query DSL could not be translated, subscription rejected
	KindStore           // transient query or connection failure, cycle skipped
	KindFatal           // process must exit and be restarted by its supervisor
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCompile:
		return "compile"
	case KindStore:
		return "store"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	ErrMissingTable       = errors.New(`missing parameter "table"`)
	ErrMissingQuery       = errors.New(`missing parameter "query"`)
	ErrMissingNativeQuery = errors.New(`must provide your query in a "{ $query, $orderby, $... }" format`)
	ErrUnknownOperator    = errors.New("unknown operator")
	ErrInvalidCondition   = errors.New("invalid condition")
	ErrHeartbeat          = errors.New("heartbeat check failed")
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Validation wraps err as a validation error.
func Validation(op string, err error) *Error {
	return New(KindValidation, op, "", err)
}

// Compile wraps err as a compile error.
func Compile(op string, err error) *Error {
	return New(KindCompile, op, "", err)
}

// Store wraps err as a store error.
func Store(op string, err error) *Error {
	return New(KindStore, op, "", err)
}

// Fatal wraps err as a fatal error.
func Fatal(op string, err error) *Error {
	return New(KindFatal, op, "", err)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
