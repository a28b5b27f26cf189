package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers and the CLI can distinguish
// "the target is broken" from "we could not test the target".
type ErrorKind string

const (
	// KindNameConflict: a database with that name already exists.
	KindNameConflict ErrorKind = "NAME_CONFLICT"

	// KindNotFound: the named database, fixture or backup does not exist.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindActiveConnections: the database has live sessions and force was
	// not set. Always detected before any destructive action.
	KindActiveConnections ErrorKind = "ACTIVE_CONNECTIONS"

	// KindSchemaMismatch: a fixture's schema diverges from its seed target.
	KindSchemaMismatch ErrorKind = "SCHEMA_MISMATCH"

	// KindInfrastructure: provisioning or teardown of a database or
	// environment failed. Retryable; never a target defect.
	KindInfrastructure ErrorKind = "INFRASTRUCTURE"

	// KindTimeout: an operation exceeded its deadline. Distinct from a
	// logical failure.
	KindTimeout ErrorKind = "TIMEOUT"

	// KindValidation: the target genuinely violates a checked rule.
	KindValidation ErrorKind = "VALIDATION_FAILED"
)

// Error is a classified failure from a pipeline component.
type Error struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "db.clone"
	Name string // resource the operation targeted
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Name != "" {
		msg = fmt.Sprintf("%s: %s (%s)", e.Op, e.Kind, e.Name)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is against a bare &Error{Kind: ...} target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func NewError(kind ErrorKind, op, name string, err error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: err}
}

func NameConflict(op, name string) *Error {
	return &Error{Kind: KindNameConflict, Op: op, Name: name}
}

func NotFound(op, name string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Name: name}
}

func ActiveConnections(op, name string) *Error {
	return &Error{Kind: KindActiveConnections, Op: op, Name: name}
}

func SchemaMismatch(op, name string, err error) *Error {
	return &Error{Kind: KindSchemaMismatch, Op: op, Name: name, Err: err}
}

func Infrastructure(op string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Op: op, Err: err}
}

func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// KindOf extracts the classification of err, or "" if unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure is worth retrying: infrastructure
// flakiness and timeouts are, logical and precondition failures are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindInfrastructure, KindTimeout:
		return true
	}
	return false
}
