package events

import (
	"time"

	commands "cleanroute-fleet/internal/commands/domain"
)

// Change names a command transition.
type Change string

const (
	ChangeCreated      Change = "created"
	ChangeRetried      Change = "retried"
	ChangeAcknowledged Change = "acknowledged"
	ChangeFailed       Change = "failed"
	ChangeCancelled    Change = "cancelled"
)

// CommandChanged carries the command snapshot after every transition.
type CommandChanged struct {
	EventID    string           `json:"event_id"`
	CommandID  string           `json:"command_id"`
	DeviceID   string           `json:"device_id"`
	Change     Change           `json:"change"`
	Command    commands.Command `json:"command"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// CommandFailed is the operational signal for an exhausted command.
type CommandFailed struct {
	EventID    string                    `json:"event_id"`
	CommandID  string                    `json:"command_id"`
	DeviceID   string                    `json:"device_id"`
	Failure    *commands.DeliveryFailure `json:"failure"`
	OccurredAt time.Time                 `json:"occurred_at"`
}

// BroadcastSettled is emitted once every child of a broadcast is terminal.
type BroadcastSettled struct {
	EventID      string        `json:"event_id"`
	BroadcastID  string        `json:"broadcast_id"`
	Type         commands.Type `json:"type"`
	Acknowledged int           `json:"acknowledged"`
	Failed       int           `json:"failed"`
	Cancelled    int           `json:"cancelled"`
	OccurredAt   time.Time     `json:"occurred_at"`
}
