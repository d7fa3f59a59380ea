package events

import (
	"time"

	telemetry "cleanroute-fleet/internal/telemetry/domain"
)

// TelemetryIngested is emitted after a sample advanced a device's state.
type TelemetryIngested struct {
	EventID    string           `json:"event_id"`
	DeviceID   string           `json:"device_id"`
	Sample     telemetry.Sample `json:"sample"`
	Version    int64            `json:"version"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// DeviceRegistered is emitted for registration reports.
type DeviceRegistered struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	Firmware   string    `json:"firmware,omitempty"`
	OwnerID    string    `json:"owner_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
