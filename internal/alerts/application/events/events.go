package events

import (
	"time"

	alerts "cleanroute-fleet/internal/alerts/domain"
)

// AlertChanged is emitted for every alert lifecycle step.
type AlertChanged struct {
	EventID    string            `json:"event_id"`
	DeviceID   string            `json:"device_id"`
	Change     alerts.ChangeType `json:"change"`
	Alert      alerts.Alert      `json:"alert"`
	OccurredAt time.Time         `json:"occurred_at"`
}
