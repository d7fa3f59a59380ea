package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	alertapp "cleanroute-fleet/internal/alerts/application"
	alerts "cleanroute-fleet/internal/alerts/domain"
	"cleanroute-fleet/internal/auth"
	collection "cleanroute-fleet/internal/collection/domain"
	commands "cleanroute-fleet/internal/commands/domain"
	registryapp "cleanroute-fleet/internal/registry/application"
	registryevents "cleanroute-fleet/internal/registry/application/events"
	registry "cleanroute-fleet/internal/registry/domain"
	registryhttp "cleanroute-fleet/internal/registry/interfaces/http"
	"cleanroute-fleet/internal/transport/mqtt"
)

var secret = []byte("router-secret")

type stubAlerts []alerts.Alert

func (s stubAlerts) ListAlerts(alertapp.ListFilter) []alerts.Alert { return s }

type stubCommands []commands.Command

func (s stubCommands) List(string) ([]commands.Command, error) { return s, nil }

type stubCollection struct{ window *collection.Window }

func (s stubCollection) Current() (collection.Window, bool) {
	if s.window == nil {
		return collection.Window{}, false
	}
	return *s.window, true
}

func (s stubCollection) State() collection.State {
	if s.window == nil {
		return collection.StateIdle
	}
	return s.window.State
}

type stubTransport struct{ connected bool }

func (s stubTransport) Status() mqtt.Status {
	return mqtt.Status{Broker: "tcp://broker:1883", Connected: s.connected, Received: 42}
}

func token(t *testing.T, role string) string {
	t.Helper()
	claims := auth.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestRouter(t *testing.T) (http.Handler, *registryapp.Registry) {
	t.Helper()
	reg := registryapp.NewRegistry()
	ctx := context.Background()
	seed := func(id string, mode registry.Mode, owner *registry.Owner) {
		_, _, err := reg.Update(ctx, id, registryevents.ReasonRegistration, func(d *registry.Device, _ bool) error {
			d.Mode = mode
			d.Owner = owner
			return nil
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("bin-1", registry.ModeAwake, &registry.Owner{UserID: "u-1"})
	seed("bin-2", registry.ModeAsleep, nil)
	seed("bin-3", registry.ModeUnknown, nil)
	if _, err := reg.Archive(ctx, "bin-3"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	devices, err := registryhttp.NewHandler(reg, nil)
	if err != nil {
		t.Fatalf("device handler: %v", err)
	}
	started := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	fleet := &FleetHandler{
		Devices: reg,
		Alerts: stubAlerts{
			{ID: "a-1", DeviceID: "bin-1", Kind: alerts.KindBatteryLow, Severity: alerts.SeverityCritical},
			{ID: "a-2", DeviceID: "bin-2", Kind: alerts.KindDeviceOffline, Severity: alerts.SeverityWarning},
		},
		Commands:   stubCommands{{ID: "c-1", Status: commands.StatusPending}, {ID: "c-2", Status: commands.StatusFailed}},
		Collection: stubCollection{window: &collection.Window{ID: "w-1", State: collection.StateActive, StartedAt: started, Duration: 12 * time.Hour}},
		Transport:  stubTransport{connected: false},
	}
	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	router := NewRouter(Routes{
		Fleet:        fleet,
		Devices:      devices,
		Auth:         auth.NewMiddleware(secret, policy),
		MetricsRoute: true,
	})
	return router, reg
}

func serve(router http.Handler, method, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_AuthAndRoles(t *testing.T) {
	router, _ := newTestRouter(t)

	if rec := serve(router, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	if rec := serve(router, http.MethodGet, "/api/v1/devices", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	viewer := token(t, "viewer")
	rec := serve(router, http.MethodGet, "/api/v1/devices", viewer)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for viewer, got %d", rec.Code)
	}
	var devices []registry.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil || len(devices) != 2 {
		t.Fatalf("expected two live devices: %v %d", err, len(devices))
	}

	if rec := serve(router, http.MethodPost, "/api/v1/devices/bin-1/archive", viewer); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer archive, got %d", rec.Code)
	}
	if rec := serve(router, http.MethodPost, "/api/v1/devices/bin-1/archive", token(t, "admin")); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin archive, got %d", rec.Code)
	}
}

func TestFleetHealth_Summary(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := serve(router, http.MethodGet, "/api/v1/fleet/health", token(t, "viewer"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got fleetHealth
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Devices == nil || got.Devices.Total != 2 || got.Devices.Archived != 1 || got.Devices.Awake != 1 || got.Devices.Owned != 1 {
		t.Fatalf("unexpected devices %+v", got.Devices)
	}
	if got.Alerts.Open != 2 || got.Alerts.Critical != 1 || got.Alerts.ByKind[alerts.KindDeviceOffline] != 1 {
		t.Fatalf("unexpected alerts %+v", got.Alerts)
	}
	if got.Commands.Pending != 1 || got.Commands.Failed != 1 {
		t.Fatalf("unexpected commands %+v", got.Commands)
	}
	if got.Collection.State != collection.StateActive || got.Collection.EndsAt == nil {
		t.Fatalf("unexpected collection %+v", got.Collection)
	}
	if got.Transport == nil || got.Transport.Connected {
		t.Fatalf("unexpected transport %+v", got.Transport)
	}
}

func TestHealthz_ReportsDegradedBroker(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := serve(router, http.MethodGet, "/healthz", "")
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "degraded" {
		t.Fatalf("expected degraded, got %v", body["status"])
	}
}

func TestDeadLetters_Unavailable(t *testing.T) {
	router, _ := newTestRouter(t)
	if rec := serve(router, http.MethodGet, "/api/v1/dead-letters", token(t, "admin")); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a store, got %d", rec.Code)
	}
}
