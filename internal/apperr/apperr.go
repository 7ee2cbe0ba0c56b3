// Package apperr defines the error kind taxonomy shared across the daemon.
//
// Kinds mirror the error surface of a restart-capable process supervisor:
// callers that need to distinguish "app not found" from "spawn failed" use
// errors.Is against the sentinel Kind values rather than string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a supervisor error.
type Kind string

const (
	KindIO               Kind = "io"
	KindSpawnFailed      Kind = "spawn_failed"
	KindProcessNotFound  Kind = "process_not_found"
	KindConfig           Kind = "config"
	KindInvalidAppName   Kind = "invalid_app_name"
	KindAppAlreadyExists Kind = "app_already_exists"
	KindSupervisor       Kind = "supervisor"
	KindTimeout          Kind = "timeout"
	KindSignal           Kind = "signal"
	KindPlatform         Kind = "platform"
)

// Error is a Kind-tagged error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error target of the same Kind, so errors.Is(err,
// apperr.Sentinel(kind)) tests an error's kind; see Sentinel.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel returns a zero-message Error usable as an errors.Is target for
// the given kind, e.g. errors.Is(err, apperr.Sentinel(apperr.KindProcessNotFound)).
func Sentinel(kind Kind) error { return &Error{Kind: kind} }

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
