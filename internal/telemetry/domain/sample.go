package telemetry

import (
	"math"
	"strings"
	"time"
)

// Sample is one immutable telemetry report from a bin.
type Sample struct {
	DeviceID     string    `json:"device_id"`
	Timestamp    time.Time `json:"ts"`
	FillPct      float64   `json:"fill_pct"`
	BatteryV     *float64  `json:"batt_v,omitempty"`
	TemperatureC *float64  `json:"temp_c,omitempty"`
	Lat          *float64  `json:"lat,omitempty"`
	Lon          *float64  `json:"lon,omitempty"`
	Emptied      bool      `json:"emptied"`
}

// ReservedDeviceID is the fleet-wide topic segment; no bin may report under it.
const ReservedDeviceID = "broadcast"

// Plausibility bounds for sensor values.
const (
	MaxBatteryV     = 10.0
	MinTemperatureC = -60.0
	MaxTemperatureC = 120.0
)

// Validate checks the sample against now; future bounds the accepted clock drift.
func (s Sample) Validate(now time.Time, future time.Duration) error {
	if strings.TrimSpace(s.DeviceID) == "" {
		return &ValidationError{Field: "device_id", Reason: "required"}
	}
	if strings.EqualFold(strings.TrimSpace(s.DeviceID), ReservedDeviceID) {
		return &ValidationError{DeviceID: s.DeviceID, Field: "device_id", Reason: "reserved"}
	}
	if s.Timestamp.IsZero() {
		return &ValidationError{DeviceID: s.DeviceID, Field: "ts", Reason: "required"}
	}
	if !now.IsZero() && s.Timestamp.After(now.Add(future)) {
		return &ValidationError{DeviceID: s.DeviceID, Field: "ts", Reason: "in the future"}
	}
	if !finite(s.FillPct) || s.FillPct < 0 || s.FillPct > 100 {
		return &ValidationError{DeviceID: s.DeviceID, Field: "fill_pct", Reason: "must be within [0,100]"}
	}
	if s.BatteryV != nil && (!finite(*s.BatteryV) || *s.BatteryV <= 0 || *s.BatteryV > MaxBatteryV) {
		return &ValidationError{DeviceID: s.DeviceID, Field: "batt_v", Reason: "out of range"}
	}
	if s.TemperatureC != nil && (!finite(*s.TemperatureC) || *s.TemperatureC < MinTemperatureC || *s.TemperatureC > MaxTemperatureC) {
		return &ValidationError{DeviceID: s.DeviceID, Field: "temp_c", Reason: "out of range"}
	}
	if (s.Lat == nil) != (s.Lon == nil) {
		return &ValidationError{DeviceID: s.DeviceID, Field: "lat/lon", Reason: "must be sent together"}
	}
	if s.Lat != nil && (!finite(*s.Lat) || *s.Lat < -90 || *s.Lat > 90) {
		return &ValidationError{DeviceID: s.DeviceID, Field: "lat", Reason: "out of range"}
	}
	if s.Lon != nil && (!finite(*s.Lon) || *s.Lon < -180 || *s.Lon > 180) {
		return &ValidationError{DeviceID: s.DeviceID, Field: "lon", Reason: "out of range"}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
