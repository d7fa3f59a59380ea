package registry

import (
	"strings"
	"time"
)

// Mode is the last acknowledged power mode of a device.
type Mode string

const (
	ModeUnknown Mode = "unknown"
	ModeAwake   Mode = "awake"
	ModeAsleep  Mode = "asleep"
)

// ParseMode validates a mode string.
func ParseMode(value string) (Mode, bool) {
	switch Mode(value) {
	case ModeUnknown, ModeAwake, ModeAsleep:
		return Mode(value), true
	case "":
		return ModeUnknown, true
	default:
		return "", false
	}
}

// ReservedID is the topic segment that addresses the whole fleet. No device
// may use it.
const ReservedID = "broadcast"

// ValidID reports whether id can name a device.
func ValidID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && !strings.EqualFold(id, ReservedID)
}

// Position is a WGS84 coordinate.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Owner identifies the household responsible for a bin.
type Owner struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	WifiSSID string `json:"wifi_ssid,omitempty"`
}

// Device is the derived latest state of one bin. Values handed out by the
// registry are snapshots; mutate only through the registry.
type Device struct {
	ID               string     `json:"id"`
	Position         *Position  `json:"position,omitempty"`
	LastSeen         time.Time  `json:"last_seen"`
	LastAckAt        time.Time  `json:"last_ack_at"`
	Mode             Mode       `json:"mode"`
	Firmware         string     `json:"firmware,omitempty"`
	LastEmptiedAt    time.Time  `json:"last_emptied_at"`
	LastFillPct      float64    `json:"last_fill_pct"`
	LastBatteryV     *float64   `json:"last_battery_v,omitempty"`
	LastTemperatureC *float64   `json:"last_temperature_c,omitempty"`
	FillSinceEmptied float64    `json:"fill_since_emptied"`
	Owner            *Owner     `json:"owner,omitempty"`
	Archived         bool       `json:"archived"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Clone returns a deep copy.
func (d Device) Clone() Device {
	out := d
	if d.Position != nil {
		p := *d.Position
		out.Position = &p
	}
	if d.LastBatteryV != nil {
		v := *d.LastBatteryV
		out.LastBatteryV = &v
	}
	if d.LastTemperatureC != nil {
		v := *d.LastTemperatureC
		out.LastTemperatureC = &v
	}
	if d.Owner != nil {
		o := *d.Owner
		out.Owner = &o
	}
	if d.ArchivedAt != nil {
		t := *d.ArchivedAt
		out.ArchivedAt = &t
	}
	return out
}

// HasOwner reports whether a registration linked the bin to a household.
func (d Device) HasOwner() bool {
	return d.Owner != nil && d.Owner.UserID != ""
}

// LastContact is the latest of LastSeen and LastAckAt. A mode ack proves
// the device is reachable even when it has not reported telemetry since.
func (d Device) LastContact() time.Time {
	if d.LastAckAt.After(d.LastSeen) {
		return d.LastAckAt
	}
	return d.LastSeen
}

// NeverSeen reports whether the device has never reported telemetry nor
// acknowledged a mode change.
func (d Device) NeverSeen() bool {
	return d.LastContact().IsZero()
}
