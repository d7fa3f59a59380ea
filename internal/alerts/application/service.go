package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	alertevents "cleanroute-fleet/internal/alerts/application/events"
	alerts "cleanroute-fleet/internal/alerts/domain"
	"cleanroute-fleet/internal/clock"
	"cleanroute-fleet/internal/config"
	"cleanroute-fleet/internal/eventing"
	"cleanroute-fleet/internal/observability/metrics"
	registryapp "cleanroute-fleet/internal/registry/application"
	registry "cleanroute-fleet/internal/registry/domain"
)

// DeviceReader is the read side of the device registry.
type DeviceReader interface {
	Get(id string) (registry.Device, bool)
	List(filter registryapp.ListFilter) []registry.Device
}

// SweepResult summarizes one pass over the fleet.
type SweepResult struct {
	Evaluated int
	Changes   []alerts.Change
	Faults    []*alerts.DeviceEvaluationFault
}

// Service evaluates device health into alerts and serves alert queries.
type Service struct {
	devices   DeviceReader
	book      *book
	battery   config.BatteryPolicy
	overflow  config.OverflowPolicy
	evaluator config.EvaluatorPolicy
	publisher eventing.Publisher
	clock     clock.Clock
	logger    *log.Logger
}

// ServiceOption customizes the alert service.
type ServiceOption func(*Service)

// WithPublisher assigns the event publisher for AlertChanged.
func WithPublisher(publisher eventing.Publisher) ServiceOption {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithClock assigns a clock.
func WithClock(c clock.Clock) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService constructs an alert service.
func NewService(devices DeviceReader, policy config.Policy, opts ...ServiceOption) (*Service, error) {
	if devices == nil {
		return nil, errors.New("alerts: nil device reader")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		devices:   devices,
		book:      newBook(),
		battery:   policy.Battery,
		overflow:  policy.Overflow,
		evaluator: policy.Evaluator,
		clock:     clock.System(),
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EvaluateDevice runs the reactive per-device pass.
func (s *Service) EvaluateDevice(ctx context.Context, deviceID string) error {
	_, err := s.Evaluate(ctx, deviceID)
	return err
}

// Evaluate checks one device and returns the alerts it opened, escalated or
// resolved. Evaluating unchanged state twice yields no changes.
func (s *Service) Evaluate(ctx context.Context, deviceID string) ([]alerts.Change, error) {
	changes, err := s.evaluate(deviceID)
	s.emit(ctx, changes)
	return changes, err
}

func (s *Service) evaluate(deviceID string) (changes []alerts.Change, err error) {
	defer func() {
		if r := recover(); r != nil {
			changes = nil
			err = &alerts.DeviceEvaluationFault{DeviceID: deviceID, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	if _, ok := s.devices.Get(deviceID); !ok {
		return nil, fmt.Errorf("alerts: device %s: %w", deviceID, registry.ErrNotFound)
	}
	d := s.book.device(deviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	// re-read under the device lock so concurrent passes see the newest state
	device, ok := s.devices.Get(deviceID)
	if !ok || device.Archived {
		return nil, nil
	}
	return s.evaluateLocked(d, device, s.clock.Now().UTC()), nil
}

// Sweep evaluates every active device. A failing device is recorded as a
// fault and the sweep moves on.
func (s *Service) Sweep(ctx context.Context) SweepResult {
	start := s.clock.Now()
	var result SweepResult
	for _, device := range s.devices.List(registryapp.ListFilter{}) {
		if ctx.Err() != nil {
			break
		}
		result.Evaluated++
		changes, err := s.Evaluate(ctx, device.ID)
		if err != nil {
			var fault *alerts.DeviceEvaluationFault
			if !errors.As(err, &fault) {
				fault = &alerts.DeviceEvaluationFault{DeviceID: device.ID, Cause: err}
			}
			result.Faults = append(result.Faults, fault)
			metrics.IncEvaluationFault()
			s.logger.Printf("alerts sweep: %v", fault)
			continue
		}
		result.Changes = append(result.Changes, changes...)
	}
	metrics.ObserveSweep(s.clock.Now().Sub(start))
	return result
}

// Run sweeps on the configured interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	interval := s.evaluator.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := s.Sweep(ctx)
			if len(result.Changes) > 0 || len(result.Faults) > 0 {
				s.logger.Printf("alerts sweep: evaluated=%d changes=%d faults=%d",
					result.Evaluated, len(result.Changes), len(result.Faults))
			}
		}
	}
}

// ResolveOverflow closes an open overflow alert after the bin was emptied.
func (s *Service) ResolveOverflow(ctx context.Context, deviceID string, _ time.Time) error {
	d := s.book.device(deviceID)
	d.mu.Lock()
	change, ok := s.book.resolve(d, alerts.KindOverflowRisk, alerts.ResolvedByIngest, s.clock.Now().UTC())
	d.mu.Unlock()
	if ok {
		s.emit(ctx, []alerts.Change{change})
	}
	return nil
}

// ResolveAlert resolves an alert on operator request. Resolving an already
// resolved alert returns it unchanged.
func (s *Service) ResolveAlert(ctx context.Context, id string) (alerts.Alert, error) {
	deviceID, ok := s.book.ownerOf(id)
	if !ok {
		return alerts.Alert{}, alerts.ErrNotFound
	}
	d := s.book.device(deviceID)
	d.mu.Lock()
	alert, found := d.find(id)
	if !found {
		d.mu.Unlock()
		return alerts.Alert{}, alerts.ErrNotFound
	}
	if !alert.Open() {
		d.mu.Unlock()
		return alert, nil
	}
	change, _ := s.book.resolve(d, alert.Kind, alerts.ResolvedByOperator, s.clock.Now().UTC())
	d.mu.Unlock()
	s.emit(ctx, []alerts.Change{change})
	return change.Alert, nil
}

// Get returns an alert by id.
func (s *Service) Get(id string) (alerts.Alert, error) {
	deviceID, ok := s.book.ownerOf(id)
	if !ok {
		return alerts.Alert{}, alerts.ErrNotFound
	}
	d := s.book.device(deviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	alert, found := d.find(id)
	if !found {
		return alerts.Alert{}, alerts.ErrNotFound
	}
	return alert, nil
}

// ListAlerts returns alerts newest first.
func (s *Service) ListAlerts(filter ListFilter) []alerts.Alert {
	return s.book.list(filter)
}

// HasOpen reports whether the device has an open alert of kind.
func (s *Service) HasOpen(deviceID string, kind alerts.Kind) bool {
	d := s.book.device(deviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.open[kind]
	return ok
}

// RaiseReminder opens a collection reminder for the device within windowID,
// or refreshes the message of the one already open for that window. A
// leftover reminder from another window is resolved first.
func (s *Service) RaiseReminder(ctx context.Context, deviceID, windowID, message string) (alerts.Alert, error) {
	if _, ok := s.devices.Get(deviceID); !ok {
		return alerts.Alert{}, fmt.Errorf("alerts: device %s: %w", deviceID, registry.ErrNotFound)
	}
	now := s.clock.Now().UTC()
	d := s.book.device(deviceID)
	var changes []alerts.Change

	d.mu.Lock()
	if cur, ok := d.open[alerts.KindCollectionReminder]; ok && cur.WindowID != windowID {
		if change, ok := s.book.resolve(d, alerts.KindCollectionReminder, alerts.ResolvedByCollection, now); ok {
			changes = append(changes, change)
		}
	}
	if _, ok := d.open[alerts.KindCollectionReminder]; ok {
		if change, ok := s.book.refresh(d, alerts.KindCollectionReminder, message, now); ok {
			changes = append(changes, change)
		}
	} else if change, ok := s.book.raise(d, deviceID, alerts.KindCollectionReminder, alerts.SeverityInfo, message, windowID, now); ok {
		changes = append(changes, change)
	}
	alert := d.open[alerts.KindCollectionReminder].Clone()
	d.mu.Unlock()

	s.emit(ctx, changes)
	return alert, nil
}

// ResolveWindowReminders resolves every open reminder created for windowID.
func (s *Service) ResolveWindowReminders(ctx context.Context, windowID string) int {
	now := s.clock.Now().UTC()
	var changes []alerts.Change
	for _, d := range s.book.all() {
		d.mu.Lock()
		if cur, ok := d.open[alerts.KindCollectionReminder]; ok && cur.WindowID == windowID {
			if change, ok := s.book.resolve(d, alerts.KindCollectionReminder, alerts.ResolvedByCollection, now); ok {
				changes = append(changes, change)
			}
		}
		d.mu.Unlock()
	}
	s.emit(ctx, changes)
	return len(changes)
}

// Load seeds the book from persisted alerts. An open alert is skipped when
// one of the same kind is already open for the device.
func (s *Service) Load(list []alerts.Alert) int {
	loaded := 0
	for _, a := range list {
		if a.ID == "" || a.DeviceID == "" {
			continue
		}
		d := s.book.device(a.DeviceID)
		d.mu.Lock()
		if a.Open() {
			if _, exists := d.open[a.Kind]; !exists {
				alert := a.Clone()
				d.open[a.Kind] = &alert
				s.book.index(a.ID, a.DeviceID)
				loaded++
			}
		} else if len(d.resolved) < resolvedHistoryPerDevice {
			d.resolved = append(d.resolved, a.Clone())
			s.book.index(a.ID, a.DeviceID)
			loaded++
		}
		d.mu.Unlock()
	}
	return loaded
}

func (s *Service) evaluateLocked(d *deviceAlerts, device registry.Device, now time.Time) []alerts.Change {
	var changes []alerts.Change
	add := func(change alerts.Change, ok bool) {
		if ok {
			changes = append(changes, change)
		}
	}

	if device.LastBatteryV != nil {
		v := *device.LastBatteryV
		switch {
		case v < s.battery.CriticalBelowV:
			add(s.book.raise(d, device.ID, alerts.KindBatteryLow, alerts.SeverityCritical,
				fmt.Sprintf("Battery at %.2f V, below critical %.2f V", v, s.battery.CriticalBelowV), "", now))
		case v < s.battery.WarningBelowV:
			add(s.book.raise(d, device.ID, alerts.KindBatteryLow, alerts.SeverityWarning,
				fmt.Sprintf("Battery at %.2f V, below %.2f V", v, s.battery.WarningBelowV), "", now))
		default:
			add(s.book.resolve(d, alerts.KindBatteryLow, alerts.ResolvedByEvaluator, now))
		}
	}

	if !device.NeverSeen() {
		silent := now.Sub(device.LastContact())
		if device.Mode == registry.ModeAwake && silent > s.evaluator.OfflineAfter {
			add(s.book.raise(d, device.ID, alerts.KindDeviceOffline, alerts.SeverityWarning,
				fmt.Sprintf("No contact for %s while awake", silent.Truncate(time.Minute)), "", now))
		} else {
			add(s.book.resolve(d, alerts.KindDeviceOffline, alerts.ResolvedByEvaluator, now))
		}

		fill := device.LastFillPct
		switch {
		case fill > s.overflow.CriticalAbovePct:
			add(s.book.raise(d, device.ID, alerts.KindOverflowRisk, alerts.SeverityCritical,
				fmt.Sprintf("Fill at %.0f%%, above critical %.0f%%", fill, s.overflow.CriticalAbovePct), "", now))
		case fill > s.overflow.WarningAbovePct:
			add(s.book.raise(d, device.ID, alerts.KindOverflowRisk, alerts.SeverityWarning,
				fmt.Sprintf("Fill at %.0f%%, above %.0f%%", fill, s.overflow.WarningAbovePct), "", now))
		case fill < s.overflow.ResolveBelowPct:
			add(s.book.resolve(d, alerts.KindOverflowRisk, alerts.ResolvedByEvaluator, now))
		}
	}
	return changes
}

func (s *Service) emit(ctx context.Context, changes []alerts.Change) {
	for _, change := range changes {
		a := change.Alert
		metrics.IncAlertEvent(string(a.Kind), string(change.Type))
		s.logger.Printf("alerts: %s: id=%s device=%s kind=%s severity=%s", change.Type, a.ID, a.DeviceID, a.Kind, a.Severity)
		if s.publisher == nil {
			continue
		}
		evt := alertevents.AlertChanged{
			EventID:    eventing.NewEventID(),
			DeviceID:   a.DeviceID,
			Change:     change.Type,
			Alert:      a,
			OccurredAt: a.UpdatedAt,
		}
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.Printf("alerts: publish: id=%s err=%v", a.ID, err)
		}
	}
}
