package collection

import "time"

// State is the lifecycle state of a collection window.
type State string

const (
	StateIdle    State = "idle"
	StateActive  State = "active"
	StateClosing State = "closing"
)

// CloseReason records why a closing window went idle.
type CloseReason string

const (
	CloseAllSettled   CloseReason = "all_settled"
	CloseGraceElapsed CloseReason = "grace_elapsed"
)

// EndTrigger records what moved a window to closing.
type EndTrigger string

const (
	EndByOperator EndTrigger = "operator"
	EndByDuration EndTrigger = "duration"
)

// MaxHours bounds the requested window duration.
const MaxHours = 72

// Window is the fleet-wide collection day. At most one window is active or
// closing at any time.
type Window struct {
	ID                string          `json:"id"`
	State             State           `json:"state"`
	StartedAt         time.Time       `json:"started_at"`
	Duration          time.Duration   `json:"duration"`
	Hours             int             `json:"hours"`
	EndRequestedAt    *time.Time      `json:"end_requested_at,omitempty"`
	EndTrigger        EndTrigger      `json:"end_trigger,omitempty"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	CloseReason       CloseReason     `json:"close_reason,omitempty"`
	WakeBroadcastID   string          `json:"wake_broadcast_id,omitempty"`
	SleepBroadcastID  string          `json:"sleep_broadcast_id,omitempty"`
	ReminderAlertIDs  []string        `json:"reminder_alert_ids,omitempty"`
	OfflineReminded   map[string]bool `json:"offline_reminded,omitempty"`
	RemindersResolved int             `json:"reminders_resolved,omitempty"`
}

// EndsAt is when an active window ends on its own.
func (w Window) EndsAt() time.Time {
	return w.StartedAt.Add(w.Duration)
}

// Clone returns a deep copy.
func (w Window) Clone() Window {
	out := w
	if w.EndRequestedAt != nil {
		t := *w.EndRequestedAt
		out.EndRequestedAt = &t
	}
	if w.ClosedAt != nil {
		t := *w.ClosedAt
		out.ClosedAt = &t
	}
	if w.ReminderAlertIDs != nil {
		out.ReminderAlertIDs = append([]string(nil), w.ReminderAlertIDs...)
	}
	if w.OfflineReminded != nil {
		out.OfflineReminded = make(map[string]bool, len(w.OfflineReminded))
		for k, v := range w.OfflineReminded {
			out.OfflineReminded[k] = v
		}
	}
	return out
}
