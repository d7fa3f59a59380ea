package telemetry

import (
	"fmt"
	"time"
)

// ValidationError reports a malformed sample. Nothing is applied.
type ValidationError struct {
	DeviceID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("telemetry: invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("telemetry: device %s: invalid %s: %s", e.DeviceID, e.Field, e.Reason)
}

// StaleSampleError reports a sample older than the device's last contact by
// more than the accepted skew. Nothing is applied.
type StaleSampleError struct {
	DeviceID  string
	Timestamp time.Time
	LastSeen  time.Time
}

func (e *StaleSampleError) Error() string {
	return fmt.Sprintf("telemetry: device %s: stale sample at %s (last seen %s)",
		e.DeviceID, e.Timestamp.Format(time.RFC3339), e.LastSeen.Format(time.RFC3339))
}
