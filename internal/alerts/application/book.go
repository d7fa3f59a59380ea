package application

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	alerts "cleanroute-fleet/internal/alerts/domain"
)

const resolvedHistoryPerDevice = 50

// deviceAlerts holds one device's alerts. Its mutex serializes every
// evaluation of that device, so the open map can hold at most one alert per
// kind.
type deviceAlerts struct {
	mu       sync.Mutex
	open     map[alerts.Kind]*alerts.Alert
	resolved []alerts.Alert
}

// book indexes alerts per device. The outer lock only guards membership.
type book struct {
	mu      sync.RWMutex
	devices map[string]*deviceAlerts
	owner   map[string]string
}

func newBook() *book {
	return &book{
		devices: make(map[string]*deviceAlerts),
		owner:   make(map[string]string),
	}
}

func (b *book) device(id string) *deviceAlerts {
	b.mu.RLock()
	d := b.devices[id]
	b.mu.RUnlock()
	if d != nil {
		return d
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if d = b.devices[id]; d == nil {
		d = &deviceAlerts{open: make(map[alerts.Kind]*alerts.Alert)}
		b.devices[id] = d
	}
	return d
}

func (b *book) index(alertID, deviceID string) {
	b.mu.Lock()
	b.owner[alertID] = deviceID
	b.mu.Unlock()
}

func (b *book) ownerOf(alertID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.owner[alertID]
	return id, ok
}

// raise opens an alert or absorbs the trigger into the open one, escalating
// severity upward only. Caller holds d.mu.
func (b *book) raise(d *deviceAlerts, deviceID string, kind alerts.Kind, severity alerts.Severity, message, windowID string, now time.Time) (alerts.Change, bool) {
	if cur, ok := d.open[kind]; ok {
		if severity.Rank() <= cur.Severity.Rank() {
			return alerts.Change{}, false
		}
		cur.Severity = severity
		cur.Message = message
		cur.UpdatedAt = now
		return alerts.Change{Type: alerts.ChangeEscalated, Alert: cur.Clone()}, true
	}
	alert := &alerts.Alert{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		WindowID:  windowID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.open[kind] = alert
	b.index(alert.ID, deviceID)
	return alerts.Change{Type: alerts.ChangeOpened, Alert: alert.Clone()}, true
}

// refresh rewrites the message of an open alert. Caller holds d.mu.
func (b *book) refresh(d *deviceAlerts, kind alerts.Kind, message string, now time.Time) (alerts.Change, bool) {
	cur, ok := d.open[kind]
	if !ok || cur.Message == message {
		return alerts.Change{}, false
	}
	cur.Message = message
	cur.UpdatedAt = now
	return alerts.Change{Type: alerts.ChangeRefreshed, Alert: cur.Clone()}, true
}

// resolve closes the open alert of kind. Caller holds d.mu.
func (b *book) resolve(d *deviceAlerts, kind alerts.Kind, by string, now time.Time) (alerts.Change, bool) {
	cur, ok := d.open[kind]
	if !ok {
		return alerts.Change{}, false
	}
	delete(d.open, kind)
	at := now
	cur.ResolvedAt = &at
	cur.ResolvedBy = by
	cur.UpdatedAt = now
	d.resolved = append(d.resolved, cur.Clone())
	if over := len(d.resolved) - resolvedHistoryPerDevice; over > 0 {
		d.resolved = append([]alerts.Alert(nil), d.resolved[over:]...)
	}
	return alerts.Change{Type: alerts.ChangeResolved, Alert: cur.Clone()}, true
}

// find returns the alert with id in d. Caller holds d.mu.
func (d *deviceAlerts) find(id string) (alerts.Alert, bool) {
	for _, a := range d.open {
		if a.ID == id {
			return a.Clone(), true
		}
	}
	for i := len(d.resolved) - 1; i >= 0; i-- {
		if d.resolved[i].ID == id {
			return d.resolved[i].Clone(), true
		}
	}
	return alerts.Alert{}, false
}

func (d *deviceAlerts) snapshot(includeResolved bool) []alerts.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]alerts.Alert, 0, len(d.open))
	for _, a := range d.open {
		out = append(out, a.Clone())
	}
	if includeResolved {
		for _, a := range d.resolved {
			out = append(out, a.Clone())
		}
	}
	return out
}

func (b *book) all() []*deviceAlerts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*deviceAlerts, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	return out
}

// ListFilter narrows alert listings.
type ListFilter struct {
	DeviceID        string
	Kind            alerts.Kind
	IncludeResolved bool
	Limit           int
}

func (b *book) list(filter ListFilter) []alerts.Alert {
	var devices []*deviceAlerts
	if filter.DeviceID != "" {
		b.mu.RLock()
		d := b.devices[filter.DeviceID]
		b.mu.RUnlock()
		if d != nil {
			devices = []*deviceAlerts{d}
		}
	} else {
		devices = b.all()
	}

	var out []alerts.Alert
	for _, d := range devices {
		for _, a := range d.snapshot(filter.IncludeResolved) {
			if filter.Kind != "" && a.Kind != filter.Kind {
				continue
			}
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}
