package notify

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	alertevents "cleanroute-fleet/internal/alerts/application/events"
	alerts "cleanroute-fleet/internal/alerts/domain"
	"cleanroute-fleet/internal/clock"
)

var opened = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func batteryEvent(change alerts.ChangeType, severity alerts.Severity) alertevents.AlertChanged {
	return alertevents.AlertChanged{
		EventID:  "evt-1",
		DeviceID: "bin-7",
		Change:   change,
		Alert: alerts.Alert{
			ID:        "alert-1",
			DeviceID:  "bin-7",
			Kind:      alerts.KindBatteryLow,
			Severity:  severity,
			Message:   "Battery at 3.40 V, below critical 3.50 V",
			CreatedAt: opened,
			UpdatedAt: opened,
		},
		OccurredAt: opened,
	}
}

func TestWebhookChannelPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	notifier, err := NewChannelNotifier(channel, nil, WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	notifier.Notify(context.Background(), batteryEvent(alerts.ChangeOpened, alerts.SeverityCritical))

	select {
	case payload := <-payloadCh:
		if payload.MsgType != "text" {
			t.Fatalf("unexpected msgtype %q", payload.MsgType)
		}
		for _, want := range []string{"[Bin Alert Opened]", "Device: bin-7", "Severity: critical", "battery swap"} {
			if !strings.Contains(payload.Text.Content, want) {
				t.Fatalf("content missing %q:\n%s", want, payload.Text.Content)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}
}

func TestWebhookChannelNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	channel, _ := NewWebhookChannel(server.URL)
	if err := channel.Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on 502")
	}
	if _, err := NewWebhookChannel(""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

type recordingChannel struct {
	mu       sync.Mutex
	contents []string
}

func (r *recordingChannel) Send(_ context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contents = append(r.contents, content)
	return nil
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contents)
}

func TestChannelNotifierCooldownSuppressesRepeats(t *testing.T) {
	fake := clock.NewFake(opened)
	channel := &recordingChannel{}
	notifier, err := NewChannelNotifier(channel, nil, WithClock(fake), WithCooldown(10*time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	ctx := context.Background()
	event := batteryEvent(alerts.ChangeOpened, alerts.SeverityCritical)

	notifier.Notify(ctx, event)
	notifier.Notify(ctx, event)
	if channel.count() != 1 {
		t.Fatalf("expected repeat to be suppressed, got %d sends", channel.count())
	}

	resolvedAt := opened.Add(time.Minute)
	resolved := event
	resolved.Change = alerts.ChangeResolved
	resolved.Alert.ResolvedAt = &resolvedAt
	resolved.Alert.ResolvedBy = alerts.ResolvedByEvaluator
	notifier.Notify(ctx, resolved)
	if channel.count() != 2 {
		t.Fatalf("different content must pass the cooldown, got %d sends", channel.count())
	}
	if !strings.Contains(channel.contents[1], "Resolved: 2026-03-02T08:01:00Z") {
		t.Fatalf("resolution missing from content:\n%s", channel.contents[1])
	}

	fake.Advance(11 * time.Minute)
	notifier.Notify(ctx, resolved)
	if channel.count() != 3 {
		t.Fatalf("expected send after cooldown, got %d", channel.count())
	}
}

func TestChannelNotifierMinSeverity(t *testing.T) {
	channel := &recordingChannel{}
	notifier, _ := NewChannelNotifier(channel, nil, WithMinSeverity(alerts.SeverityWarning))
	notifier.Notify(context.Background(), batteryEvent(alerts.ChangeOpened, alerts.SeverityInfo))
	if channel.count() != 0 {
		t.Fatal("info change should be dropped")
	}
}

type countingNotifier struct{ n int }

func (c *countingNotifier) Notify(context.Context, alertevents.AlertChanged) { c.n++ }

func TestMultiNotifierFansOut(t *testing.T) {
	a, b := &countingNotifier{}, &countingNotifier{}
	multi := NewMultiNotifier(a, nil, b)
	multi.Notify(context.Background(), batteryEvent(alerts.ChangeOpened, alerts.SeverityWarning))
	if a.n != 1 || b.n != 1 {
		t.Fatalf("expected both notifiers called once, got %d/%d", a.n, b.n)
	}
}
