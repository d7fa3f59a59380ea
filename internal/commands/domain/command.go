package commands

import (
	"encoding/json"
	"time"
)

// Type is the command verb understood by bin firmware.
type Type string

const (
	TypeWakeUp       Type = "wake_up"
	TypeSleep        Type = "sleep"
	TypeResetEmptied Type = "reset_emptied"
	TypeGetStatus    Type = "get_status"
	TypeUpdateConfig Type = "update_config"
)

// ParseType validates a command type string.
func ParseType(value string) (Type, bool) {
	switch t := Type(value); t {
	case TypeWakeUp, TypeSleep, TypeResetEmptied, TypeGetStatus, TypeUpdateConfig:
		return t, true
	default:
		return "", false
	}
}

// Status is the delivery state of a command.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusFailed || s == StatusCancelled
}

// BroadcastTarget addresses every registered device.
const BroadcastTarget = "broadcast"

// Command is one acknowledgment-tracked control message for one device.
// Broadcast children carry the id of the broadcast that created them.
type Command struct {
	ID             string          `json:"id"`
	DeviceID       string          `json:"device_id"`
	BroadcastID    string          `json:"broadcast_id,omitempty"`
	Type           Type            `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	AckTimeout     time.Duration   `json:"ack_timeout"`
	CreatedAt      time.Time       `json:"created_at"`
	SentAt         time.Time       `json:"sent_at"`
	AckedAt        *time.Time      `json:"acked_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Result         AckStatus       `json:"result,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	Error          string          `json:"error,omitempty"`
	SupersededBy   string          `json:"superseded_by,omitempty"`
}

// Clone returns a deep copy.
func (c Command) Clone() Command {
	out := c
	if c.Payload != nil {
		out.Payload = append(json.RawMessage(nil), c.Payload...)
	}
	if c.AckedAt != nil {
		t := *c.AckedAt
		out.AckedAt = &t
	}
	if c.FinishedAt != nil {
		t := *c.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// AckStatus is the device-reported outcome of a command.
type AckStatus string

const (
	AckOK    AckStatus = "ok"
	AckError AckStatus = "error"
)

// Ack is a device acknowledgment. CommandID may be a command id or, for the
// first broadcast publish, the broadcast id together with DeviceID.
type Ack struct {
	CommandID string    `json:"command_id"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Detail    string    `json:"detail,omitempty"`
}

// Message is the wire form published to a device or broadcast topic.
type Message struct {
	CommandID string          `json:"command_id"`
	Command   Type            `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
	Params    json.RawMessage `json:"params"`
}
