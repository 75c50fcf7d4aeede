// Package errors provides the structured error taxonomy for xattrfs
// operations, with error codes, categories, and cause chaining.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies a class of attribute-store failure.
type Code string

const (
	// CodeUnsupported indicates attributes are administratively disabled or
	// the object's on-disk format predates generation numbers.
	CodeUnsupported Code = "UNSUPPORTED"

	// CodeNoAttribute indicates the named attribute does not exist. This is
	// the expected, non-exceptional result of an absence check.
	CodeNoAttribute Code = "NO_ATTRIBUTE"

	// CodeExists indicates a create-only operation found an existing value.
	CodeExists Code = "ALREADY_EXISTS"

	// CodeRange indicates a caller-supplied buffer is too small.
	CodeRange Code = "RANGE"

	// CodeIO covers I/O failures, including checksum and magic mismatches,
	// which are treated as on-disk corruption rather than transient faults.
	CodeIO Code = "IO"

	// CodeExhausted indicates an allocation or resource limit failure.
	CodeExhausted Code = "RESOURCE_EXHAUSTED"

	// CodeInvalid indicates a malformed argument.
	CodeInvalid Code = "INVALID_ARGUMENT"

	// CodeBusy indicates a handler registry conflict.
	CodeBusy Code = "BUSY"
)

// Category groups codes for metrics and logging.
type Category string

const (
	CategoryCapability Category = "capability"
	CategoryStorage    Category = "storage"
	CategoryCaller     Category = "caller"
	CategoryRegistry   Category = "registry"
)

func categoryOf(code Code) Category {
	switch code {
	case CodeUnsupported:
		return CategoryCapability
	case CodeRange, CodeInvalid:
		return CategoryCaller
	case CodeBusy:
		return CategoryRegistry
	}
	return CategoryStorage
}

// Error is a structured attribute-store error.
type Error struct {
	Code     Code
	Category Category
	Op       string // operation, e.g. "setxattr"
	Name     string // attribute name, when one is involved
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg = e.Message
	}
	switch {
	case e.Op != "" && e.Name != "":
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.Name, msg)
	case e.Op != "":
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code, so sentinel
// comparisons via errors.Is work across wrapping and annotation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for the taxonomy. Compare with errors.Is; construct richer
// instances with New or Wrap.
var (
	ErrUnsupported = &Error{Code: CodeUnsupported, Category: CategoryCapability}
	ErrNoAttribute = &Error{Code: CodeNoAttribute, Category: CategoryStorage}
	ErrExists      = &Error{Code: CodeExists, Category: CategoryStorage}
	ErrRange       = &Error{Code: CodeRange, Category: CategoryCaller}
	ErrIO          = &Error{Code: CodeIO, Category: CategoryStorage}
	ErrExhausted   = &Error{Code: CodeExhausted, Category: CategoryStorage}
	ErrInvalid     = &Error{Code: CodeInvalid, Category: CategoryCaller}
	ErrBusy        = &Error{Code: CodeBusy, Category: CategoryRegistry}
)

// New creates an Error with the given code, operation and message.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Category: categoryOf(code), Op: op, Message: message}
}

// Wrap creates an Error with the given code wrapping a cause.
func Wrap(code Code, op string, cause error) *Error {
	return &Error{Code: code, Category: categoryOf(code), Op: op, Cause: cause}
}

// WithName returns a copy of e annotated with the attribute name.
func (e *Error) WithName(name string) *Error {
	c := *e
	c.Name = name
	return &c
}

// CodeOf extracts the Code from err, or the empty string if err carries no
// attribute-store code.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is re-exports errors.Is so callers need only one errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As re-exports errors.As.
func As(err error, target any) bool { return stderrors.As(err, target) }
