package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	alerts "cleanroute-fleet/internal/alerts/domain"
	"cleanroute-fleet/internal/clock"
	collectionevents "cleanroute-fleet/internal/collection/application/events"
	collection "cleanroute-fleet/internal/collection/domain"
	commandapp "cleanroute-fleet/internal/commands/application"
	commandevents "cleanroute-fleet/internal/commands/application/events"
	commands "cleanroute-fleet/internal/commands/domain"
	"cleanroute-fleet/internal/config"
	"cleanroute-fleet/internal/eventing"
	"cleanroute-fleet/internal/observability/metrics"
	registryapp "cleanroute-fleet/internal/registry/application"
	registry "cleanroute-fleet/internal/registry/domain"
)

const (
	timerActionTimeout = 30 * time.Second
	historySize        = 20

	startReminder   = "Collection day today! Please ensure your bin device is turned on. User: %s"
	offlineReminder = "Your bin has not reported since collection started. Please check that it is turned on. User: %s"
)

// DeviceLister is the registry surface the orchestrator reads.
type DeviceLister interface {
	List(filter registryapp.ListFilter) []registry.Device
}

// Dispatcher issues fleet broadcasts.
type Dispatcher interface {
	Dispatch(ctx context.Context, req commandapp.Request) (commandapp.Receipt, error)
	BroadcastStatus(id string) (commandapp.BroadcastStatus, error)
}

// Reminders manages collection reminder alerts.
type Reminders interface {
	RaiseReminder(ctx context.Context, deviceID, windowID, message string) (alerts.Alert, error)
	ResolveWindowReminders(ctx context.Context, windowID string) int
	HasOpen(deviceID string, kind alerts.Kind) bool
	EvaluateDevice(ctx context.Context, deviceID string) error
}

// StartResult summarizes a started window.
type StartResult struct {
	Window        collection.Window `json:"window"`
	DevicesWoken  int               `json:"devices_woken"`
	UsersReminded int               `json:"users_reminded"`
}

// RemindResult lists the devices reminded by one RemindOffline call.
type RemindResult struct {
	WindowID string   `json:"window_id"`
	Devices  []string `json:"devices"`
	Created  int      `json:"created"`
}

// Orchestrator drives the fleet through one collection window at a time.
// The window is a guarded singleton; every transition takes mu.
type Orchestrator struct {
	devices    DeviceLister
	dispatcher Dispatcher
	reminders  Reminders
	policy     config.CollectionPolicy
	clock      clock.Clock
	logger     *log.Logger
	publisher  eventing.Publisher

	mu         sync.Mutex
	current    *collection.Window
	history    []collection.Window
	endTimer   clock.Timer
	graceTimer clock.Timer
	outbox     []collectionevents.WindowChanged
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithPublisher assigns the event publisher for WindowChanged.
func WithPublisher(publisher eventing.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

// WithClock assigns a clock.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator constructs an orchestrator in the idle state.
func NewOrchestrator(devices DeviceLister, dispatcher Dispatcher, reminders Reminders, policy config.CollectionPolicy, opts ...Option) (*Orchestrator, error) {
	if devices == nil {
		return nil, errors.New("collection: nil device lister")
	}
	if dispatcher == nil {
		return nil, errors.New("collection: nil dispatcher")
	}
	if reminders == nil {
		return nil, errors.New("collection: nil reminders")
	}
	if policy.GracePeriod <= 0 {
		return nil, errors.New("collection: grace period must be positive")
	}
	o := &Orchestrator{
		devices:    devices,
		dispatcher: dispatcher,
		reminders:  reminders,
		policy:     policy,
		clock:      clock.System(),
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start opens a window of the given hours, wakes the fleet and reminds every
// device owner. Zero hours means the policy default.
func (o *Orchestrator) Start(ctx context.Context, hours int) (StartResult, error) {
	if hours == 0 {
		hours = o.policy.DefaultHours
	}
	if hours < 1 || hours > collection.MaxHours {
		return StartResult{}, &collection.ValidationError{Field: "hours", Reason: fmt.Sprintf("must be within 1..%d", collection.MaxHours)}
	}

	o.mu.Lock()
	defer o.flush(ctx)
	defer o.mu.Unlock()

	if w := o.current; w != nil && w.State != collection.StateIdle {
		return StartResult{}, &collection.AlreadyActiveError{WindowID: w.ID, State: w.State}
	}

	now := o.clock.Now().UTC()
	w := &collection.Window{
		ID:              uuid.NewString(),
		State:           collection.StateActive,
		StartedAt:       now,
		Hours:           hours,
		Duration:        time.Duration(hours) * time.Hour,
		OfflineReminded: make(map[string]bool),
	}

	payload, _ := json.Marshal(commands.WakeParams{
		CollectionHours:          hours,
		TelemetryIntervalMinutes: o.policy.TelemetryIntervalMinutes,
	})
	receipt, err := o.dispatcher.Dispatch(ctx, commandapp.Request{
		DeviceID:       commands.BroadcastTarget,
		Type:           commands.TypeWakeUp,
		Payload:        payload,
		IdempotencyKey: "collection:" + w.ID + ":wake",
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("collection: wake broadcast: %w", err)
	}
	w.WakeBroadcastID = receipt.BroadcastID
	o.current = w

	reminded := 0
	for _, device := range o.devices.List(registryapp.ListFilter{OwnedOnly: true}) {
		alert, err := o.reminders.RaiseReminder(ctx, device.ID, w.ID, fmt.Sprintf(startReminder, ownerLabel(device)))
		if err != nil {
			o.logger.Printf("collection: reminder: window=%s device=%s err=%v", w.ID, device.ID, err)
			continue
		}
		o.trackReminder(w, alert.ID)
		reminded++
	}

	windowID := w.ID
	o.endTimer = o.clock.AfterFunc(w.Duration, func() { o.expire(windowID) })
	o.transition(w, now)
	o.logger.Printf("collection: started: window=%s hours=%d devices=%d reminded=%d", w.ID, hours, len(receipt.Children), reminded)
	return StartResult{Window: w.Clone(), DevicesWoken: len(receipt.Children), UsersReminded: reminded}, nil
}

// RemindOffline reminds the owners of devices that are offline or have not
// reported since the window started. It is idempotent per device per window.
func (o *Orchestrator) RemindOffline(ctx context.Context) (RemindResult, error) {
	o.mu.Lock()
	defer o.flush(ctx)
	defer o.mu.Unlock()

	w := o.current
	if w == nil || w.State != collection.StateActive {
		return RemindResult{}, &collection.NotActiveError{State: o.stateLocked()}
	}

	result := RemindResult{WindowID: w.ID, Devices: []string{}}
	for _, device := range o.devices.List(registryapp.ListFilter{}) {
		// A wake ack since the last sweep may already have cleared the
		// offline condition.
		if err := o.reminders.EvaluateDevice(ctx, device.ID); err != nil {
			o.logger.Printf("collection: offline reminder: evaluate device=%s err=%v", device.ID, err)
		}
		offline := o.reminders.HasOpen(device.ID, alerts.KindDeviceOffline)
		if !offline && !device.LastContact().Before(w.StartedAt) {
			continue
		}
		alert, err := o.reminders.RaiseReminder(ctx, device.ID, w.ID, fmt.Sprintf(offlineReminder, ownerLabel(device)))
		if err != nil {
			o.logger.Printf("collection: offline reminder: window=%s device=%s err=%v", w.ID, device.ID, err)
			continue
		}
		if !w.OfflineReminded[device.ID] {
			w.OfflineReminded[device.ID] = true
			result.Created++
		}
		o.trackReminder(w, alert.ID)
		result.Devices = append(result.Devices, device.ID)
	}
	if result.Created > 0 {
		o.transition(w, o.clock.Now().UTC())
	}
	return result, nil
}

// End moves the active window to closing and puts the fleet to sleep. The
// window goes idle once every sleep command is terminal or the grace period
// elapses.
func (o *Orchestrator) End(ctx context.Context) (collection.Window, error) {
	o.mu.Lock()
	defer o.flush(ctx)
	defer o.mu.Unlock()
	return o.endLocked(ctx, collection.EndByOperator)
}

// Current returns the window that is active or closing.
func (o *Orchestrator) Current() (collection.Window, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.State == collection.StateIdle {
		return collection.Window{}, false
	}
	return o.current.Clone(), true
}

// State returns the lifecycle state of the fleet.
func (o *Orchestrator) State() collection.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

// History returns archived windows, newest first.
func (o *Orchestrator) History() []collection.Window {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]collection.Window, 0, len(o.history))
	for i := len(o.history) - 1; i >= 0; i-- {
		out = append(out, o.history[i].Clone())
	}
	return out
}

// HandleBroadcastSettled closes a closing window once its sleep broadcast
// has settled. It implements eventing.EventHandler.
func (o *Orchestrator) HandleBroadcastSettled(ctx context.Context, event any) error {
	evt, ok := event.(commandevents.BroadcastSettled)
	if !ok {
		return eventing.ErrInvalidEventType
	}
	o.mu.Lock()
	defer o.flush(ctx)
	defer o.mu.Unlock()

	w := o.current
	if w == nil {
		return nil
	}
	switch evt.BroadcastID {
	case w.WakeBroadcastID:
		o.logger.Printf("collection: wake settled: window=%s acknowledged=%d failed=%d", w.ID, evt.Acknowledged, evt.Failed)
	case w.SleepBroadcastID:
		if w.State == collection.StateClosing {
			o.closeLocked(ctx, w, collection.CloseAllSettled)
		}
	}
	return nil
}

// Load restores a persisted window and re-arms its timers. Idle windows go
// to history. It must be called before the orchestrator is used.
func (o *Orchestrator) Load(list []collection.Window) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	loaded := 0
	now := o.clock.Now().UTC()
	for _, stored := range list {
		w := stored.Clone()
		if w.ID == "" {
			continue
		}
		if w.State == collection.StateIdle {
			o.archive(w)
			loaded++
			continue
		}
		if o.current != nil && o.current.State != collection.StateIdle {
			o.logger.Printf("collection: load: skipping second open window %s", w.ID)
			continue
		}
		if w.OfflineReminded == nil {
			w.OfflineReminded = make(map[string]bool)
		}
		o.current = &w
		windowID := w.ID
		switch w.State {
		case collection.StateActive:
			o.endTimer = o.clock.AfterFunc(nonNegative(w.EndsAt().Sub(now)), func() { o.expire(windowID) })
		case collection.StateClosing:
			deadline := now
			if w.EndRequestedAt != nil {
				deadline = w.EndRequestedAt.Add(o.policy.GracePeriod)
			}
			o.graceTimer = o.clock.AfterFunc(nonNegative(deadline.Sub(now)), func() { o.graceElapsed(windowID) })
		}
		loaded++
	}
	return loaded
}

// Stop cancels pending timers.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	stopTimer(&o.endTimer)
	stopTimer(&o.graceTimer)
}

func (o *Orchestrator) endLocked(ctx context.Context, trigger collection.EndTrigger) (collection.Window, error) {
	w := o.current
	if w == nil || w.State != collection.StateActive {
		return collection.Window{}, &collection.NotActiveError{State: o.stateLocked()}
	}
	stopTimer(&o.endTimer)

	now := o.clock.Now().UTC()
	w.State = collection.StateClosing
	w.EndRequestedAt = &now
	w.EndTrigger = trigger
	windowID := w.ID
	o.graceTimer = o.clock.AfterFunc(o.policy.GracePeriod, func() { o.graceElapsed(windowID) })
	o.transition(w, now)

	receipt, err := o.dispatcher.Dispatch(ctx, commandapp.Request{
		DeviceID:       commands.BroadcastTarget,
		Type:           commands.TypeSleep,
		IdempotencyKey: "collection:" + w.ID + ":sleep",
	})
	if err != nil {
		// the grace timer still closes the window
		o.logger.Printf("collection: sleep broadcast: window=%s err=%v", w.ID, err)
		return w.Clone(), fmt.Errorf("collection: sleep broadcast: %w", err)
	}
	w.SleepBroadcastID = receipt.BroadcastID
	o.logger.Printf("collection: closing: window=%s trigger=%s devices=%d", w.ID, trigger, len(receipt.Children))

	if status, err := o.dispatcher.BroadcastStatus(receipt.BroadcastID); err == nil && status.Settled {
		o.closeLocked(ctx, w, collection.CloseAllSettled)
	}
	return w.Clone(), nil
}

func (o *Orchestrator) closeLocked(ctx context.Context, w *collection.Window, reason collection.CloseReason) {
	stopTimer(&o.graceTimer)
	stopTimer(&o.endTimer)
	now := o.clock.Now().UTC()
	w.State = collection.StateIdle
	w.ClosedAt = &now
	w.CloseReason = reason
	w.RemindersResolved = o.reminders.ResolveWindowReminders(ctx, w.ID)
	o.transition(w, now)
	o.archive(w.Clone())
	o.logger.Printf("collection: closed: window=%s reason=%s reminders_resolved=%d", w.ID, reason, w.RemindersResolved)
}

func (o *Orchestrator) expire(windowID string) {
	ctx, cancel := context.WithTimeout(context.Background(), timerActionTimeout)
	defer cancel()
	o.mu.Lock()
	defer o.flush(ctx)
	defer o.mu.Unlock()
	if o.current == nil || o.current.ID != windowID || o.current.State != collection.StateActive {
		return
	}
	if _, err := o.endLocked(ctx, collection.EndByDuration); err != nil {
		o.logger.Printf("collection: duration end: window=%s err=%v", windowID, err)
	}
}

func (o *Orchestrator) graceElapsed(windowID string) {
	ctx, cancel := context.WithTimeout(context.Background(), timerActionTimeout)
	defer cancel()
	o.mu.Lock()
	defer o.flush(ctx)
	defer o.mu.Unlock()
	w := o.current
	if w == nil || w.ID != windowID || w.State != collection.StateClosing {
		return
	}
	o.closeLocked(ctx, w, collection.CloseGraceElapsed)
}

func (o *Orchestrator) trackReminder(w *collection.Window, alertID string) {
	if alertID == "" {
		return
	}
	for _, id := range w.ReminderAlertIDs {
		if id == alertID {
			return
		}
	}
	w.ReminderAlertIDs = append(w.ReminderAlertIDs, alertID)
}

func (o *Orchestrator) archive(w collection.Window) {
	o.history = append(o.history, w)
	if len(o.history) > historySize {
		o.history = o.history[len(o.history)-historySize:]
	}
}

func (o *Orchestrator) stateLocked() collection.State {
	if o.current == nil {
		return collection.StateIdle
	}
	return o.current.State
}

// transition queues a WindowChanged; flush publishes it after mu is released.
func (o *Orchestrator) transition(w *collection.Window, at time.Time) {
	metrics.IncCollectionTransition(string(w.State))
	o.outbox = append(o.outbox, collectionevents.WindowChanged{
		EventID:    eventing.NewEventID(),
		WindowID:   w.ID,
		State:      w.State,
		Window:     w.Clone(),
		OccurredAt: at,
	})
}

func (o *Orchestrator) flush(ctx context.Context) {
	o.mu.Lock()
	pending := o.outbox
	o.outbox = nil
	o.mu.Unlock()
	if o.publisher == nil {
		return
	}
	for _, evt := range pending {
		if err := o.publisher.Publish(ctx, evt); err != nil {
			o.logger.Printf("collection: publish: window=%s state=%s err=%v", evt.WindowID, evt.State, err)
		}
	}
}

func ownerLabel(device registry.Device) string {
	if device.Owner == nil {
		return device.ID
	}
	if device.Owner.Name != "" {
		return device.Owner.Name
	}
	return device.Owner.UserID
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
