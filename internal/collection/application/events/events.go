package events

import (
	"time"

	collection "cleanroute-fleet/internal/collection/domain"
)

// WindowChanged carries the window snapshot after every transition.
type WindowChanged struct {
	EventID    string            `json:"event_id"`
	WindowID   string            `json:"window_id"`
	State      collection.State  `json:"state"`
	Window     collection.Window `json:"window"`
	OccurredAt time.Time         `json:"occurred_at"`
}
