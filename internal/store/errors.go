package store

import (
	"errors"
	"fmt"
)

// Kind classifies a store error for callers that map errors to
// user-visible results (HTTP statuses, chat replies).
type Kind string

const (
	// KindNotFound means the entity id is unknown.
	KindNotFound Kind = "not_found"
	// KindConflict means a guard blocked the mutation (active-session
	// protected delete, project in use, illegal task transition).
	KindConflict Kind = "conflict"
	// KindInvalidOwner means the entity belongs to a different chat.
	KindInvalidOwner Kind = "invalid_owner"
	// KindUnknown means a storage/IO failure.
	KindUnknown Kind = "unknown"
)

// Error is a structured store error with a machine-readable kind.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// NotFoundf builds a KindNotFound error.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a KindConflict error.
func Conflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// InvalidOwnerf builds a KindInvalidOwner error.
func InvalidOwnerf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidOwner, Message: fmt.Sprintf(format, args...)}
}

// Unknownf wraps a storage failure.
func Unknownf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnknown, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is a KindNotFound store error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a KindConflict store error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
