package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	alertapp "cleanroute-fleet/internal/alerts/application"
	alerts "cleanroute-fleet/internal/alerts/domain"
	"cleanroute-fleet/internal/clock"
	collectionevents "cleanroute-fleet/internal/collection/application/events"
	collection "cleanroute-fleet/internal/collection/domain"
	commandapp "cleanroute-fleet/internal/commands/application"
	commandevents "cleanroute-fleet/internal/commands/application/events"
	commands "cleanroute-fleet/internal/commands/domain"
	"cleanroute-fleet/internal/config"
	registryapp "cleanroute-fleet/internal/registry/application"
	registryevents "cleanroute-fleet/internal/registry/application/events"
	registry "cleanroute-fleet/internal/registry/domain"
)

var t0 = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

type stubDispatcher struct {
	mu       sync.Mutex
	requests []commandapp.Request
	settled  bool
	err      error
}

func (s *stubDispatcher) Dispatch(_ context.Context, req commandapp.Request) (commandapp.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return commandapp.Receipt{}, s.err
	}
	s.requests = append(s.requests, req)
	return commandapp.Receipt{
		BroadcastID: fmt.Sprintf("bc-%d", len(s.requests)),
		Children:    map[string]string{"bin-1": "c-1", "bin-2": "c-2"},
	}, nil
}

func (s *stubDispatcher) BroadcastStatus(id string) (commandapp.BroadcastStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return commandapp.BroadcastStatus{ID: id, Settled: s.settled}, nil
}

func (s *stubDispatcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubDispatcher) last() commandapp.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type windowRecorder struct {
	mu     sync.Mutex
	states []collection.State
}

func (r *windowRecorder) Publish(_ context.Context, event any) error {
	if evt, ok := event.(collectionevents.WindowChanged); ok {
		r.mu.Lock()
		r.states = append(r.states, evt.State)
		r.mu.Unlock()
	}
	return nil
}

type fixture struct {
	o      *Orchestrator
	reg    *registryapp.Registry
	alerts *alertapp.Service
	disp   *stubDispatcher
	clk    *clock.Fake
	pub    *windowRecorder
}

func policy() config.CollectionPolicy {
	return config.CollectionPolicy{DefaultHours: 12, GracePeriod: 10 * time.Minute, TelemetryIntervalMinutes: 60}
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	reg := registryapp.NewRegistry(registryapp.WithClock(clk))
	quiet := log.New(io.Discard, "", 0)
	svc, err := alertapp.NewService(reg, config.DefaultPolicy(), alertapp.WithClock(clk), alertapp.WithLogger(quiet))
	if err != nil {
		t.Fatalf("new alert service: %v", err)
	}
	f := fixture{reg: reg, alerts: svc, disp: &stubDispatcher{}, clk: clk, pub: &windowRecorder{}}
	f.o, err = NewOrchestrator(reg, f.disp, svc, policy(), WithClock(clk), WithLogger(quiet), WithPublisher(f.pub))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	f.seed(t, "bin-1", &registry.Owner{UserID: "u-1", Name: "Ana"}, t0.Add(-time.Hour))
	f.seed(t, "bin-2", &registry.Owner{UserID: "u-2"}, t0.Add(-time.Hour))
	f.seed(t, "bin-3", nil, t0.Add(-time.Hour))
	return f
}

func (f fixture) seed(t *testing.T, id string, owner *registry.Owner, lastSeen time.Time) {
	t.Helper()
	_, _, err := f.reg.Update(context.Background(), id, registryevents.ReasonRegistration, func(d *registry.Device, _ bool) error {
		d.Owner = owner
		d.LastSeen = lastSeen
		return nil
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func (f fixture) openReminders(id string) []alerts.Alert {
	var out []alerts.Alert
	for _, a := range f.alerts.ListAlerts(alertapp.ListFilter{DeviceID: id, Kind: alerts.KindCollectionReminder}) {
		if a.Open() {
			out = append(out, a)
		}
	}
	return out
}

func TestStart_WakesFleetAndRemindsOwners(t *testing.T) {
	f := newFixture(t)
	res, err := f.o.Start(context.Background(), 12)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Window.State != collection.StateActive || res.Window.Duration != 12*time.Hour {
		t.Fatalf("unexpected window %+v", res.Window)
	}
	if res.UsersReminded != 2 || len(res.Window.ReminderAlertIDs) != 2 {
		t.Fatalf("expected two owner reminders, got %+v", res)
	}

	req := f.disp.last()
	if req.DeviceID != commands.BroadcastTarget || req.Type != commands.TypeWakeUp {
		t.Fatalf("expected wake broadcast, got %+v", req)
	}
	var params commands.WakeParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if params.CollectionHours != 12 || params.TelemetryIntervalMinutes != 60 {
		t.Fatalf("unexpected wake params %+v", params)
	}

	got := f.openReminders("bin-1")
	if len(got) != 1 || got[0].Severity != alerts.SeverityInfo || !strings.Contains(got[0].Message, "User: Ana") {
		t.Fatalf("unexpected reminder %+v", got)
	}
	if len(f.openReminders("bin-3")) != 0 {
		t.Fatal("device without owner must not get a start reminder")
	}
}

func TestStart_RejectsSecondWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.o.Start(ctx, 12); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := f.o.Start(ctx, 6)
	var active *collection.AlreadyActiveError
	if !errors.As(err, &active) || active.State != collection.StateActive {
		t.Fatalf("expected AlreadyActiveError, got %v", err)
	}
	if f.disp.count() != 1 {
		t.Fatalf("rejected start issued commands: %d", f.disp.count())
	}

	if _, err := f.o.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := f.o.Start(ctx, 6); !errors.As(err, &active) || active.State != collection.StateClosing {
		t.Fatalf("expected AlreadyActiveError while closing, got %v", err)
	}
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t)
	for _, hours := range []int{-1, collection.MaxHours + 1} {
		_, err := f.o.Start(context.Background(), hours)
		var verr *collection.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("hours=%d: expected ValidationError, got %v", hours, err)
		}
	}
	if f.disp.count() != 0 || f.o.State() != collection.StateIdle {
		t.Fatal("invalid start changed state")
	}
}

func TestStart_DispatchFailureLeavesIdle(t *testing.T) {
	f := newFixture(t)
	f.disp.err = commands.ErrStopped
	if _, err := f.o.Start(context.Background(), 12); !errors.Is(err, commands.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, ok := f.o.Current(); ok {
		t.Fatal("window opened without a wake broadcast")
	}
}

func TestRemindOffline_OncePerDevicePerWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.o.RemindOffline(ctx); !errors.As(err, new(*collection.NotActiveError)) {
		t.Fatalf("expected NotActiveError, got %v", err)
	}
	if _, err := f.o.Start(ctx, 12); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.clk.Advance(30 * time.Minute)
	// bin-1 reported after the window opened
	f.seed(t, "bin-1", &registry.Owner{UserID: "u-1", Name: "Ana"}, f.clk.Now())

	res, err := f.o.RemindOffline(ctx)
	if err != nil {
		t.Fatalf("remind: %v", err)
	}
	if res.Created != 2 || len(res.Devices) != 2 {
		t.Fatalf("expected bin-2 and bin-3, got %+v", res)
	}
	again, _ := f.o.RemindOffline(ctx)
	if again.Created != 0 {
		t.Fatalf("second pass created reminders: %+v", again)
	}
	for _, id := range []string{"bin-2", "bin-3"} {
		if n := len(f.openReminders(id)); n != 1 {
			t.Fatalf("%s: expected one open reminder, got %d", id, n)
		}
	}
	if got := f.openReminders("bin-2"); !strings.Contains(got[0].Message, "not reported") {
		t.Fatalf("reminder not refreshed: %q", got[0].Message)
	}
	cur, _ := f.o.Current()
	if !cur.OfflineReminded["bin-3"] || cur.OfflineReminded["bin-1"] {
		t.Fatalf("unexpected offline set %+v", cur.OfflineReminded)
	}
}

func TestRemindOffline_WakeAckIsAResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"bin-1", "bin-2"} {
		if _, err := f.reg.SetMode(ctx, id, registry.ModeAwake); err != nil {
			t.Fatalf("set mode %s: %v", id, err)
		}
	}
	// bin-2 was awake and silent before the window, so the sweep flags it
	f.clk.Advance(3 * time.Hour)
	f.alerts.Sweep(ctx)
	if !f.alerts.HasOpen("bin-2", alerts.KindDeviceOffline) {
		t.Fatal("expected bin-2 offline before the window")
	}

	if _, err := f.o.Start(ctx, 12); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.clk.Advance(time.Minute)
	// both bins acknowledge the wake broadcast; no telemetry yet
	for _, id := range []string{"bin-1", "bin-2"} {
		if _, err := f.reg.SetMode(ctx, id, registry.ModeAwake); err != nil {
			t.Fatalf("ack %s: %v", id, err)
		}
	}
	f.clk.Advance(time.Minute)

	res, err := f.o.RemindOffline(ctx)
	if err != nil {
		t.Fatalf("remind: %v", err)
	}
	if res.Created != 1 || len(res.Devices) != 1 || res.Devices[0] != "bin-3" {
		t.Fatalf("expected only bin-3 reminded, got %+v", res)
	}
	if f.alerts.HasOpen("bin-2", alerts.KindDeviceOffline) {
		t.Fatal("offline alert should resolve once the wake ack is seen")
	}
}

func TestEnd_ClosesWhenSleepSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.o.End(ctx); !errors.As(err, new(*collection.NotActiveError)) {
		t.Fatalf("expected NotActiveError, got %v", err)
	}
	if _, err := f.o.Start(ctx, 12); err != nil {
		t.Fatalf("start: %v", err)
	}
	w, err := f.o.End(ctx)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if w.State != collection.StateClosing || w.EndTrigger != collection.EndByOperator || w.SleepBroadcastID == "" {
		t.Fatalf("unexpected closing window %+v", w)
	}
	if f.disp.last().Type != commands.TypeSleep {
		t.Fatalf("expected sleep broadcast, got %+v", f.disp.last())
	}
	if _, err := f.o.End(ctx); !errors.As(err, new(*collection.NotActiveError)) {
		t.Fatalf("expected NotActiveError while closing, got %v", err)
	}

	// unrelated broadcasts are ignored
	_ = f.o.HandleBroadcastSettled(ctx, commandevents.BroadcastSettled{BroadcastID: "other"})
	if f.o.State() != collection.StateClosing {
		t.Fatal("unrelated broadcast closed the window")
	}
	if err := f.o.HandleBroadcastSettled(ctx, commandevents.BroadcastSettled{BroadcastID: w.SleepBroadcastID, Acknowledged: 2}); err != nil {
		t.Fatalf("settled: %v", err)
	}
	if f.o.State() != collection.StateIdle {
		t.Fatalf("expected idle, got %s", f.o.State())
	}
	history := f.o.History()
	if len(history) != 1 || history[0].CloseReason != collection.CloseAllSettled || history[0].RemindersResolved != 2 {
		t.Fatalf("unexpected history %+v", history)
	}
	if len(f.openReminders("bin-1")) != 0 {
		t.Fatal("reminders left open after close")
	}

	// grace timer was cancelled
	f.clk.Advance(time.Hour)
	if len(f.o.History()) != 1 {
		t.Fatal("grace timer fired after close")
	}
	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	want := []collection.State{collection.StateActive, collection.StateClosing, collection.StateIdle}
	if fmt.Sprint(f.pub.states) != fmt.Sprint(want) {
		t.Fatalf("expected transitions %v, got %v", want, f.pub.states)
	}
}

func TestEnd_GracePeriodBoundsClosing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.o.Start(ctx, 12); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.o.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	f.clk.Advance(9 * time.Minute)
	if f.o.State() != collection.StateClosing {
		t.Fatal("closed before the grace period")
	}
	f.clk.Advance(time.Minute)
	if f.o.State() != collection.StateIdle {
		t.Fatal("grace period did not close the window")
	}
	if h := f.o.History(); h[0].CloseReason != collection.CloseGraceElapsed {
		t.Fatalf("unexpected close reason %s", h[0].CloseReason)
	}
	if _, err := f.o.Start(ctx, 6); err != nil {
		t.Fatalf("start after close: %v", err)
	}
}

func TestEnd_AlreadySettledClosesImmediately(t *testing.T) {
	f := newFixture(t)
	f.disp.settled = true
	ctx := context.Background()
	if _, err := f.o.Start(ctx, 12); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.o.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if f.o.State() != collection.StateIdle {
		t.Fatalf("expected idle, got %s", f.o.State())
	}
}

func TestDurationExpiryEndsWindow(t *testing.T) {
	f := newFixture(t)
	if _, err := f.o.Start(context.Background(), 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.clk.Advance(2 * time.Hour)
	w, ok := f.o.Current()
	if !ok || w.State != collection.StateClosing || w.EndTrigger != collection.EndByDuration {
		t.Fatalf("expected closing by duration, got %+v", w)
	}
	if f.disp.last().Type != commands.TypeSleep {
		t.Fatal("duration expiry did not broadcast sleep")
	}
}

func TestLoad_RearmsClosingWindow(t *testing.T) {
	f := newFixture(t)
	requested := t0.Add(-5 * time.Minute)
	n := f.o.Load([]collection.Window{
		{ID: "w-old", State: collection.StateIdle, StartedAt: t0.Add(-48 * time.Hour)},
		{ID: "w-1", State: collection.StateClosing, StartedAt: t0.Add(-13 * time.Hour), Duration: 12 * time.Hour, EndRequestedAt: &requested, SleepBroadcastID: "bc-9"},
	})
	if n != 2 {
		t.Fatalf("expected 2 loaded, got %d", n)
	}
	if _, err := f.o.Start(context.Background(), 1); !errors.As(err, new(*collection.AlreadyActiveError)) {
		t.Fatalf("expected AlreadyActiveError after load, got %v", err)
	}
	f.clk.Advance(5 * time.Minute)
	if f.o.State() != collection.StateIdle {
		t.Fatal("restored grace timer did not fire")
	}
}
