package application

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"cleanroute-fleet/internal/clock"
	commandsevents "cleanroute-fleet/internal/commands/application/events"
	commands "cleanroute-fleet/internal/commands/domain"
	"cleanroute-fleet/internal/config"
	registryapp "cleanroute-fleet/internal/registry/application"
	registryevents "cleanroute-fleet/internal/registry/application/events"
	registry "cleanroute-fleet/internal/registry/domain"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type sentMessage struct {
	target string
	msg    commands.Message
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *recordingSender) Send(_ context.Context, target string, msg commands.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{target: target, msg: msg})
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSender) forCommand(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.msg.CommandID == id {
			n++
		}
	}
	return n
}

func (s *recordingSender) last() sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *recordingPublisher) Publish(_ context.Context, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) settled() []commandsevents.BroadcastSettled {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []commandsevents.BroadcastSettled
	for _, e := range p.events {
		if s, ok := e.(commandsevents.BroadcastSettled); ok {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	d      *Dispatcher
	reg    *registryapp.Registry
	clk    *clock.Fake
	sender *recordingSender
	pub    *recordingPublisher
	cancel context.CancelFunc
}

func testPolicy() config.CommandPolicy {
	return config.CommandPolicy{MaxAttempts: 3, AckTimeout: 30 * time.Second, Retention: time.Hour, QueueSize: 64}
}

func newHarness(t *testing.T, devices ...string) harness {
	t.Helper()
	h := harness{clk: clock.NewFake(t0), sender: &recordingSender{}, pub: &recordingPublisher{}}
	h.reg = registryapp.NewRegistry(registryapp.WithClock(h.clk))
	for _, id := range devices {
		_, _, err := h.reg.Update(context.Background(), id, registryevents.ReasonRegistration, func(d *registry.Device, _ bool) error {
			d.Firmware = "1.0.0"
			return nil
		})
		if err != nil {
			t.Fatalf("seed device: %v", err)
		}
	}
	d, err := NewDispatcher(h.reg, h.sender, testPolicy(),
		WithClock(h.clk), WithPublisher(h.pub), WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	h.d = d
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.d.Run(ctx)
	t.Cleanup(cancel)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitDrained blocks until fired retry timers and queued publishes are handled.
func waitDrained(t *testing.T, d *Dispatcher) {
	t.Helper()
	waitFor(t, "delivery queue to drain", d.drained)
}

func mustGet(t *testing.T, d *Dispatcher, id string) commands.Command {
	t.Helper()
	cmd, err := d.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return cmd
}

func TestDispatch_AckAppliesModeOnce(t *testing.T) {
	h := newHarness(t, "bin-1")
	h.start(t)
	ctx := context.Background()

	receipt, err := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: commands.TypeWakeUp, Payload: json.RawMessage(`{"collection_hours":12}`)})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "first publish", func() bool { return h.sender.count() == 1 })
	sent := h.sender.last()
	if sent.target != "bin-1" || sent.msg.CommandID != receipt.CommandID || sent.msg.Command != commands.TypeWakeUp {
		t.Fatalf("unexpected publish %+v", sent)
	}

	outcome, err := h.d.Acknowledge(ctx, commands.Ack{CommandID: receipt.CommandID, DeviceID: "bin-1", Status: commands.AckOK})
	if err != nil || outcome != AckApplied {
		t.Fatalf("ack: %v %v", outcome, err)
	}
	cmd := mustGet(t, h.d, receipt.CommandID)
	if cmd.Status != commands.StatusAcknowledged || cmd.AckedAt == nil {
		t.Fatalf("expected acknowledged, got %+v", cmd)
	}
	if device, _ := h.reg.Get("bin-1"); device.Mode != registry.ModeAwake {
		t.Fatalf("expected awake, got %s", device.Mode)
	}

	again, _ := h.d.Acknowledge(ctx, commands.Ack{CommandID: receipt.CommandID, Status: commands.AckOK})
	if again != AckDuplicate {
		t.Fatalf("expected duplicate, got %s", again)
	}
	h.clk.Advance(time.Hour)
	if h.sender.count() != 1 {
		t.Fatalf("acknowledged command must not retry, got %d publishes", h.sender.count())
	}
}

func TestDispatch_ErrorAckSkipsSideEffect(t *testing.T) {
	h := newHarness(t, "bin-1")
	h.start(t)
	ctx := context.Background()

	receipt, _ := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: commands.TypeSleep})
	outcome, _ := h.d.Acknowledge(ctx, commands.Ack{CommandID: receipt.CommandID, Status: commands.AckError, Detail: "busy"})
	if outcome != AckApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	cmd := mustGet(t, h.d, receipt.CommandID)
	if cmd.Status != commands.StatusAcknowledged || cmd.Result != commands.AckError || cmd.Detail != "busy" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if device, _ := h.reg.Get("bin-1"); device.Mode != registry.ModeUnknown {
		t.Fatalf("error ack must not change mode, got %s", device.Mode)
	}
}

func TestDispatch_RetriesUntilMaxAttemptsThenFails(t *testing.T) {
	h := newHarness(t, "bin-1")
	h.start(t)
	ctx := context.Background()

	receipt, err := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: commands.TypeWakeUp, Options: Options{MaxAttempts: 3, AckTimeout: 10 * time.Second}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "attempt 1", func() bool { return h.sender.count() == 1 })
	h.clk.Advance(10 * time.Second)
	waitFor(t, "attempt 2", func() bool { return h.sender.count() == 2 })
	h.clk.Advance(10 * time.Second)
	waitFor(t, "attempt 3", func() bool { return h.sender.count() == 3 })
	h.clk.Advance(10 * time.Second)
	waitFor(t, "failure", func() bool { return mustGet(t, h.d, receipt.CommandID).Status == commands.StatusFailed })

	h.clk.Advance(time.Minute)
	waitDrained(t, h.d)
	if h.sender.count() != 3 {
		t.Fatalf("expected exactly 3 publishes, got %d", h.sender.count())
	}
	cmd := mustGet(t, h.d, receipt.CommandID)
	if cmd.Attempts != 3 || cmd.Error == "" {
		t.Fatalf("unexpected failed command %+v", cmd)
	}

	outcome, _ := h.d.Acknowledge(ctx, commands.Ack{CommandID: receipt.CommandID, Status: commands.AckOK})
	if outcome != AckLate {
		t.Fatalf("expected late ack, got %s", outcome)
	}
	if device, _ := h.reg.Get("bin-1"); device.Mode != registry.ModeUnknown {
		t.Fatalf("late ack must not change mode, got %s", device.Mode)
	}
}

func TestDispatch_SupersessionLeavesOneOutcome(t *testing.T) {
	h := newHarness(t, "bin-1")
	h.start(t)
	ctx := context.Background()

	first, _ := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: commands.TypeSleep})
	second, err := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: commands.TypeSleep})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(second.Superseded) != 1 || second.Superseded[0] != first.CommandID {
		t.Fatalf("expected first to be superseded, got %+v", second)
	}
	old := mustGet(t, h.d, first.CommandID)
	if old.Status != commands.StatusCancelled || old.SupersededBy != second.CommandID {
		t.Fatalf("unexpected old command %+v", old)
	}

	// a retry timer that fired before supersession took effect is dropped
	_ = h.d.do(ctx, func() { h.d.expire(expiry{commandID: first.CommandID, attempt: 1}) })

	if outcome, _ := h.d.Acknowledge(ctx, commands.Ack{CommandID: first.CommandID, Status: commands.AckOK}); outcome != AckLate {
		t.Fatalf("ack for cancelled command should be late, got %s", outcome)
	}
	if device, _ := h.reg.Get("bin-1"); device.Mode != registry.ModeUnknown {
		t.Fatalf("cancelled command must not change mode")
	}
	if outcome, _ := h.d.Acknowledge(ctx, commands.Ack{CommandID: second.CommandID, Status: commands.AckOK}); outcome != AckApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}

	h.clk.Advance(5 * time.Minute)
	waitDrained(t, h.d)
	if n := h.sender.forCommand(first.CommandID); n > 1 {
		t.Fatalf("superseded command republished %d times", n)
	}
	list, _ := h.d.List("bin-1")
	acked, cancelled := 0, 0
	for _, cmd := range list {
		switch cmd.Status {
		case commands.StatusAcknowledged:
			acked++
		case commands.StatusCancelled:
			cancelled++
		}
	}
	if acked != 1 || cancelled != 1 {
		t.Fatalf("expected one acknowledged and one cancelled, got %d/%d", acked, cancelled)
	}
}

func TestDispatch_IdempotencyKeyJoinsPending(t *testing.T) {
	h := newHarness(t, "bin-1")
	h.start(t)
	ctx := context.Background()

	first, _ := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: commands.TypeGetStatus, IdempotencyKey: "op-42"})
	second, _ := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: commands.TypeGetStatus, IdempotencyKey: "op-42"})
	if !second.Joined || second.CommandID != first.CommandID {
		t.Fatalf("expected join, got %+v", second)
	}
	if cmd := mustGet(t, h.d, first.CommandID); cmd.Status != commands.StatusPending {
		t.Fatalf("joined command must stay pending, got %s", cmd.Status)
	}
}

func TestBroadcast_FansOutWithIndependentChildren(t *testing.T) {
	h := newHarness(t, "bin-1", "bin-2", "bin-3", "bin-old")
	if _, err := h.reg.Archive(context.Background(), "bin-old"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	h.start(t)
	ctx := context.Background()

	receipt, err := h.d.Dispatch(ctx, Request{DeviceID: commands.BroadcastTarget, Type: commands.TypeWakeUp, Options: Options{MaxAttempts: 2, AckTimeout: time.Minute}})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(receipt.Children) != 3 || receipt.Children["bin-old"] != "" {
		t.Fatalf("expected 3 non-archived children, got %+v", receipt.Children)
	}
	waitFor(t, "broadcast publish", func() bool { return h.sender.count() == 1 })
	if sent := h.sender.last(); sent.target != commands.BroadcastTarget || sent.msg.CommandID != receipt.BroadcastID {
		t.Fatalf("unexpected broadcast publish %+v", sent)
	}

	if outcome, _ := h.d.Acknowledge(ctx, commands.Ack{CommandID: receipt.BroadcastID, DeviceID: "bin-1", Status: commands.AckOK}); outcome != AckApplied {
		t.Fatalf("broadcast-id ack: %s", outcome)
	}
	if outcome, _ := h.d.Acknowledge(ctx, commands.Ack{CommandID: receipt.Children["bin-2"], DeviceID: "bin-2", Status: commands.AckOK}); outcome != AckApplied {
		t.Fatalf("child-id ack: %s", outcome)
	}
	if outcome, _ := h.d.Acknowledge(ctx, commands.Ack{CommandID: receipt.Children["bin-2"], DeviceID: "bin-3"}); outcome != AckUnknown {
		t.Fatalf("ack from the wrong device must be rejected, got %s", outcome)
	}

	h.clk.Advance(time.Minute)
	waitFor(t, "retry to bin-3", func() bool { return h.sender.count() == 2 })
	if sent := h.sender.last(); sent.target != "bin-3" || sent.msg.CommandID != receipt.Children["bin-3"] {
		t.Fatalf("retry must go to the device topic with the child id, got %+v", sent)
	}
	h.clk.Advance(time.Minute)
	waitFor(t, "settled", func() bool { return len(h.pub.settled()) == 1 })

	status, err := h.d.BroadcastStatus(receipt.BroadcastID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Total != 3 || status.Acknowledged != 2 || status.Failed != 1 || !status.Settled {
		t.Fatalf("unexpected status %+v", status)
	}
	if s := h.pub.settled()[0]; s.BroadcastID != receipt.BroadcastID || s.Failed != 1 {
		t.Fatalf("unexpected settled event %+v", s)
	}
}

func TestBroadcast_EmptyFleetSettlesImmediately(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	receipt, err := h.d.Dispatch(context.Background(), Request{DeviceID: commands.BroadcastTarget, Type: commands.TypeSleep})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	waitFor(t, "settled", func() bool { return len(h.pub.settled()) == 1 })
	if h.sender.count() != 0 {
		t.Fatal("nothing should be published to an empty fleet")
	}
	if status, _ := h.d.BroadcastStatus(receipt.BroadcastID); !status.Settled || status.Total != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestDispatch_Validation(t *testing.T) {
	h := newHarness(t, "bin-1")
	h.start(t)
	ctx := context.Background()

	var verr *commands.ValidationError
	if _, err := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: "explode"}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for type, got %v", err)
	}
	if _, err := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: commands.TypeUpdateConfig}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for empty config, got %v", err)
	}
	if _, err := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: commands.TypeSleep, Options: Options{MaxAttempts: 50}}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for attempts, got %v", err)
	}
	for _, timeout := range []time.Duration{time.Nanosecond, 999 * time.Millisecond, -time.Second} {
		if _, err := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: commands.TypeSleep, Options: Options{AckTimeout: timeout}}); !errors.As(err, &verr) || verr.Field != "ack_timeout" {
			t.Fatalf("expected ack_timeout validation error for %s, got %v", timeout, err)
		}
	}
	if _, err := h.d.Dispatch(ctx, Request{DeviceID: "ghost", Type: commands.TypeSleep}); !errors.Is(err, commands.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	if _, err := h.d.Acknowledge(ctx, commands.Ack{CommandID: "x", Status: "maybe"}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for ack status, got %v", err)
	}
	if outcome, _ := h.d.Acknowledge(ctx, commands.Ack{CommandID: "nope"}); outcome != AckUnknown {
		t.Fatalf("expected unknown, got %s", outcome)
	}
	waitDrained(t, h.d)
	if h.sender.count() != 0 {
		t.Fatal("rejected requests must not publish")
	}
}

func TestPrune_DropsExpiredTerminalCommands(t *testing.T) {
	h := newHarness(t, "bin-1")
	h.start(t)
	ctx := context.Background()

	receipt, _ := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: commands.TypeGetStatus})
	_, _ = h.d.Acknowledge(ctx, commands.Ack{CommandID: receipt.CommandID})
	pending, _ := h.d.Dispatch(ctx, Request{DeviceID: "bin-1", Type: commands.TypeSleep})

	var pruned int
	_ = h.d.do(ctx, func() { pruned = h.d.prune(t0.Add(2 * time.Hour)) })
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}
	if _, err := h.d.Get(receipt.CommandID); !errors.Is(err, commands.ErrNotFound) {
		t.Fatalf("expected pruned command gone, got %v", err)
	}
	if _, err := h.d.Get(pending.CommandID); err != nil {
		t.Fatalf("pending command must survive prune: %v", err)
	}
}

func TestLoad_RearmsPendingCommands(t *testing.T) {
	h := newHarness(t, "bin-1")
	stored := commands.Command{
		ID: "cmd-1", DeviceID: "bin-1", Type: commands.TypeSleep, Status: commands.StatusPending,
		Attempts: 2, MaxAttempts: 3, AckTimeout: 30 * time.Second, CreatedAt: t0, SentAt: t0,
	}
	if n, err := h.d.Load([]commands.Command{stored}); err != nil || n != 1 {
		t.Fatalf("load: %d %v", n, err)
	}
	h.start(t)

	h.clk.Advance(30 * time.Second)
	waitFor(t, "final attempt", func() bool { return h.sender.forCommand("cmd-1") == 1 })
	h.clk.Advance(30 * time.Second)
	waitFor(t, "failure", func() bool { return mustGet(t, h.d, "cmd-1").Status == commands.StatusFailed })

	if _, err := h.d.Load(nil); err == nil {
		t.Fatal("load after run must fail")
	}
}

func TestDispatch_StoppedDispatcher(t *testing.T) {
	h := newHarness(t, "bin-1")
	h.start(t)
	h.cancel()
	waitFor(t, "stop", func() bool {
		select {
		case <-h.d.stopped:
			return true
		default:
			return false
		}
	})
	if _, err := h.d.Dispatch(context.Background(), Request{DeviceID: "bin-1", Type: commands.TypeSleep}); !errors.Is(err, commands.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, err := h.d.Acknowledge(context.Background(), commands.Ack{CommandID: "x"}); !errors.Is(err, commands.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
