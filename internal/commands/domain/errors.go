package commands

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown command or broadcast ids.
	ErrNotFound = errors.New("commands: not found")
	// ErrUnknownDevice is returned when dispatching to a device the registry does not know.
	ErrUnknownDevice = errors.New("commands: unknown device")
	// ErrStopped is returned once the dispatcher loop has exited.
	ErrStopped = errors.New("commands: dispatcher stopped")
)

// ValidationError rejects a request before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "commands: invalid request: " + e.Reason
	}
	return fmt.Sprintf("commands: invalid %s: %s", e.Field, e.Reason)
}

// DeliveryFailure records a command that exhausted its attempts without an ack.
type DeliveryFailure struct {
	CommandID string
	DeviceID  string
	Type      Type
	Attempts  int
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("commands: %s to %s not acknowledged after %d attempts (id=%s)", e.Type, e.DeviceID, e.Attempts, e.CommandID)
}
