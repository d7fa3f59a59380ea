package collection

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a missing window.
var ErrNotFound = errors.New("collection: not found")

// AlreadyActiveError rejects a start while another window is not idle.
type AlreadyActiveError struct {
	WindowID string
	State    State
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("collection: window %s is already %s", e.WindowID, e.State)
}

// NotActiveError rejects an operation that needs an active window.
type NotActiveError struct {
	State State
}

func (e *NotActiveError) Error() string {
	if e.State == "" {
		return "collection: no active window"
	}
	return fmt.Sprintf("collection: no active window (state %s)", e.State)
}

// ValidationError rejects a request before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("collection: invalid %s: %s", e.Field, e.Reason)
}
