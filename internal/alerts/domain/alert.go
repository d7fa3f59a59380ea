package alerts

import "time"

// Kind identifies the condition an alert tracks.
type Kind string

const (
	KindBatteryLow         Kind = "battery_low"
	KindDeviceOffline      Kind = "device_offline"
	KindOverflowRisk       Kind = "overflow_risk"
	KindCollectionReminder Kind = "collection_reminder"
)

// ParseKind validates a kind string.
func ParseKind(value string) (Kind, bool) {
	switch Kind(value) {
	case KindBatteryLow, KindDeviceOffline, KindOverflowRisk, KindCollectionReminder:
		return Kind(value), true
	}
	return "", false
}

// Severity is ordered: info < warning < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for escalation.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Who resolved an alert.
const (
	ResolvedByEvaluator  = "evaluator"
	ResolvedByOperator   = "operator"
	ResolvedByIngest     = "ingest"
	ResolvedByCollection = "collection"
)

// Alert is a derived operational signal for one device.
type Alert struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id"`
	Kind       Kind       `json:"kind"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	WindowID   string     `json:"window_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
}

// Open reports whether the alert is unresolved.
func (a Alert) Open() bool {
	return a.ResolvedAt == nil
}

// Clone returns a deep copy.
func (a Alert) Clone() Alert {
	out := a
	if a.ResolvedAt != nil {
		at := *a.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}

// ChangeType describes an alert lifecycle step.
type ChangeType string

const (
	ChangeOpened    ChangeType = "opened"
	ChangeEscalated ChangeType = "escalated"
	ChangeRefreshed ChangeType = "refreshed"
	ChangeResolved  ChangeType = "resolved"
)

// Change is one lifecycle step produced by evaluation or an operator.
type Change struct {
	Type  ChangeType `json:"type"`
	Alert Alert      `json:"alert"`
}
