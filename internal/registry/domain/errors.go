package registry

import "errors"

var (
	// ErrNotFound is returned when a device is not registered.
	ErrNotFound = errors.New("registry: device not found")
	// ErrUnchanged is returned by a mutation that decided not to change the record.
	ErrUnchanged = errors.New("registry: unchanged")
	// ErrInvalidID is returned for empty or reserved device ids.
	ErrInvalidID = errors.New("registry: invalid device id")
)
