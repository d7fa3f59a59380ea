package events

import (
	"time"

	registry "cleanroute-fleet/internal/registry/domain"
)

// DeviceChanged is emitted after every committed device mutation.
type DeviceChanged struct {
	EventID    string          `json:"event_id"`
	DeviceID   string          `json:"device_id"`
	Reason     string          `json:"reason"`
	Device     registry.Device `json:"device"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Change reasons.
const (
	ReasonTelemetry    = "telemetry"
	ReasonRegistration = "registration"
	ReasonMode         = "mode"
	ReasonArchive      = "archive"
)
