package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// WakeParams is the wake_up payload.
type WakeParams struct {
	CollectionHours          int `json:"collection_hours,omitempty"`
	TelemetryIntervalMinutes int `json:"telemetry_interval_minutes,omitempty"`
}

// ConfigParams is the update_config payload. At least one field is required.
type ConfigParams struct {
	TelemetryIntervalMinutes *int     `json:"telemetry_interval_minutes,omitempty"`
	BatteryThresholdV        *float64 `json:"battery_threshold_v,omitempty"`
}

// NormalizePayload validates the payload for t and returns its canonical
// JSON object form. An empty payload becomes the type's default.
func NormalizePayload(t Type, payload json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = defaultPayload(t)
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, &ValidationError{Field: "payload", Reason: "must be a JSON object"}
	}

	switch t {
	case TypeWakeUp:
		var p WakeParams
		if err := strictDecode(trimmed, &p); err != nil {
			return nil, err
		}
		if p.CollectionHours < 0 || p.CollectionHours > 72 {
			return nil, &ValidationError{Field: "collection_hours", Reason: "must be within 1..72"}
		}
		if p.TelemetryIntervalMinutes < 0 || p.TelemetryIntervalMinutes > 1440 {
			return nil, &ValidationError{Field: "telemetry_interval_minutes", Reason: "must be within 1..1440"}
		}
		return json.Marshal(p)
	case TypeUpdateConfig:
		var p ConfigParams
		if err := strictDecode(trimmed, &p); err != nil {
			return nil, err
		}
		if p.TelemetryIntervalMinutes == nil && p.BatteryThresholdV == nil {
			return nil, &ValidationError{Field: "payload", Reason: "update_config needs telemetry_interval_minutes or battery_threshold_v"}
		}
		if v := p.TelemetryIntervalMinutes; v != nil && (*v < 1 || *v > 1440) {
			return nil, &ValidationError{Field: "telemetry_interval_minutes", Reason: "must be within 1..1440"}
		}
		if v := p.BatteryThresholdV; v != nil && (*v < 2.5 || *v > 4.5) {
			return nil, &ValidationError{Field: "battery_threshold_v", Reason: "must be within 2.5..4.5"}
		}
		return json.Marshal(p)
	default:
		return append(json.RawMessage(nil), trimmed...), nil
	}
}

func defaultPayload(t Type) []byte {
	if t == TypeResetEmptied {
		return []byte(`{"emptied":false}`)
	}
	return []byte(`{}`)
}

func strictDecode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ValidationError{Field: "payload", Reason: fmt.Sprintf("decode: %v", err)}
	}
	return nil
}
