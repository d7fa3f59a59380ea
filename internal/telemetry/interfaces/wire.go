package interfaces

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	registryapp "cleanroute-fleet/internal/registry/application"
	registry "cleanroute-fleet/internal/registry/domain"
	telemetry "cleanroute-fleet/internal/telemetry/domain"
)

// SamplePayload is the JSON a bin publishes on its telemetry topic.
type SamplePayload struct {
	BinID   string          `json:"bin_id"`
	TS      json.RawMessage `json:"ts"`
	FillPct *float64        `json:"fill_pct"`
	BattV   *float64        `json:"batt_v"`
	TempC   *float64        `json:"temp_c"`
	Emptied json.RawMessage `json:"emptied"`
	Lat     *float64        `json:"lat"`
	Lon     *float64        `json:"lon"`
}

// RegistrationPayload is the JSON a bin publishes on its register topic.
type RegistrationPayload struct {
	BinID     string          `json:"bin_id"`
	Firmware  string          `json:"firmware"`
	UserID    string          `json:"user_id"`
	UserName  string          `json:"user_name"`
	UserPhone string          `json:"user_phone"`
	WifiSSID  string          `json:"wifi_ssid"`
	Lat       *float64        `json:"lat"`
	Lon       *float64        `json:"lon"`
	TS        json.RawMessage `json:"ts"`
}

// DecodeSample parses a telemetry payload. fallbackID is used when the
// payload carries no bin_id.
func DecodeSample(data []byte, fallbackID string) (telemetry.Sample, error) {
	var p SamplePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return telemetry.Sample{}, &telemetry.ValidationError{DeviceID: fallbackID, Field: "payload", Reason: "invalid json"}
	}
	return p.ToSample(fallbackID)
}

// ToSample converts the payload into a sample.
func (p SamplePayload) ToSample(fallbackID string) (telemetry.Sample, error) {
	id := strings.TrimSpace(p.BinID)
	if id == "" {
		id = fallbackID
	}
	if p.FillPct == nil {
		return telemetry.Sample{}, &telemetry.ValidationError{DeviceID: id, Field: "fill_pct", Reason: "required"}
	}
	ts, err := ParseTimestamp(p.TS)
	if err != nil {
		return telemetry.Sample{}, &telemetry.ValidationError{DeviceID: id, Field: "ts", Reason: err.Error()}
	}
	emptied, err := parseFlag(p.Emptied)
	if err != nil {
		return telemetry.Sample{}, &telemetry.ValidationError{DeviceID: id, Field: "emptied", Reason: err.Error()}
	}
	return telemetry.Sample{
		DeviceID:     id,
		Timestamp:    ts,
		FillPct:      *p.FillPct,
		BatteryV:     p.BattV,
		TemperatureC: p.TempC,
		Lat:          p.Lat,
		Lon:          p.Lon,
		Emptied:      emptied,
	}, nil
}

// DecodeRegistration parses a registration payload.
func DecodeRegistration(data []byte, fallbackID string) (registryapp.Registration, error) {
	var p RegistrationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return registryapp.Registration{}, &telemetry.ValidationError{DeviceID: fallbackID, Field: "payload", Reason: "invalid json"}
	}
	id := strings.TrimSpace(p.BinID)
	if id == "" {
		id = fallbackID
	}
	reg := registryapp.Registration{DeviceID: id, Firmware: strings.TrimSpace(p.Firmware)}
	if p.UserID != "" {
		reg.Owner = &registry.Owner{UserID: p.UserID, Name: p.UserName, Phone: p.UserPhone, WifiSSID: p.WifiSSID}
	}
	if (p.Lat == nil) != (p.Lon == nil) {
		return registryapp.Registration{}, &telemetry.ValidationError{DeviceID: id, Field: "lat/lon", Reason: "must be sent together"}
	}
	if p.Lat != nil {
		reg.Position = &registry.Position{Lat: *p.Lat, Lon: *p.Lon}
	}
	if len(p.TS) > 0 {
		ts, err := ParseTimestamp(p.TS)
		if err != nil {
			return registryapp.Registration{}, &telemetry.ValidationError{DeviceID: id, Field: "ts", Reason: err.Error()}
		}
		reg.At = ts
	}
	return reg, nil
}

type wireError string

func (e wireError) Error() string { return string(e) }

// ParseTimestamp accepts RFC 3339 strings or unix seconds/milliseconds, as a
// number or a numeric string.
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, wireError("required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, wireError("malformed")
		}
		s = strings.TrimSpace(s)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), nil
		}
		// naive ISO timestamps from device firmware are UTC
		if ts, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
			return ts.UTC(), nil
		}
		raw = []byte(s)
	}
	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || n <= 0 {
		return time.Time{}, wireError("unrecognized format")
	}
	if n > 1_000_000_000_000 {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	return time.Unix(int64(n), 0).UTC(), nil
}

func parseFlag(raw json.RawMessage) (bool, error) {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "", "null", "0", "false", `"0"`, `"false"`:
		return false, nil
	case "1", "true", `"1"`, `"true"`:
		return true, nil
	}
	return false, wireError("must be 0, 1 or a boolean")
}
