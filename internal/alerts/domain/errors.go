package alerts

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a missing alert.
var ErrNotFound = errors.New("alerts: not found")

// DeviceEvaluationFault isolates a failure evaluating one device during a
// sweep.
type DeviceEvaluationFault struct {
	DeviceID string
	Cause    error
}

func (e *DeviceEvaluationFault) Error() string {
	return fmt.Sprintf("alerts: evaluate device %s: %v", e.DeviceID, e.Cause)
}

func (e *DeviceEvaluationFault) Unwrap() error {
	return e.Cause
}
