package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	alertapp "cleanroute-fleet/internal/alerts/application"
	alerts "cleanroute-fleet/internal/alerts/domain"
	collection "cleanroute-fleet/internal/collection/domain"
	commands "cleanroute-fleet/internal/commands/domain"
	eventingrepo "cleanroute-fleet/internal/eventing/infrastructure/postgres"
	registryapp "cleanroute-fleet/internal/registry/application"
	registry "cleanroute-fleet/internal/registry/domain"
	"cleanroute-fleet/internal/transport/mqtt"
)

// DeviceLister reads the registry.
type DeviceLister interface {
	List(filter registryapp.ListFilter) []registry.Device
}

// AlertLister reads alerts.
type AlertLister interface {
	ListAlerts(filter alertapp.ListFilter) []alerts.Alert
}

// CommandLister reads retained commands.
type CommandLister interface {
	List(deviceID string) ([]commands.Command, error)
}

// CollectionReader reports the collection window.
type CollectionReader interface {
	Current() (collection.Window, bool)
	State() collection.State
}

// TransportStatus reports the broker connection.
type TransportStatus interface {
	Status() mqtt.Status
}

// DeadLetterLister reads recorded handler failures.
type DeadLetterLister interface {
	ListRecent(ctx context.Context, limit int) ([]eventingrepo.DeadLetter, error)
}

// FleetHandler serves fleet-wide health and operational endpoints. Every
// dependency is optional; missing sections are omitted.
type FleetHandler struct {
	Devices     DeviceLister
	Alerts      AlertLister
	Commands    CommandLister
	Collection  CollectionReader
	Transport   TransportStatus
	DeadLetters DeadLetterLister
	Now         func() time.Time
}

type deviceSummary struct {
	Total    int `json:"total"`
	Awake    int `json:"awake"`
	Asleep   int `json:"asleep"`
	Unknown  int `json:"unknown"`
	Owned    int `json:"owned"`
	Archived int `json:"archived"`
}

type alertSummary struct {
	Open     int                 `json:"open"`
	Critical int                 `json:"critical"`
	ByKind   map[alerts.Kind]int `json:"by_kind"`
}

type commandSummary struct {
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
	Retained int `json:"retained"`
}

type collectionSummary struct {
	State    collection.State `json:"state"`
	WindowID string           `json:"window_id,omitempty"`
	EndsAt   *time.Time       `json:"ends_at,omitempty"`
}

type fleetHealth struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Devices     *deviceSummary     `json:"devices,omitempty"`
	Alerts      *alertSummary      `json:"alerts,omitempty"`
	Commands    *commandSummary    `json:"commands,omitempty"`
	Collection  *collectionSummary `json:"collection,omitempty"`
	Transport   *mqtt.Status       `json:"transport,omitempty"`
}

// Health handles GET /api/v1/fleet/health.
func (h *FleetHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := fleetHealth{GeneratedAt: h.now()}

	if h.Devices != nil {
		sum := &deviceSummary{}
		for _, d := range h.Devices.List(registryapp.ListFilter{IncludeArchived: true}) {
			if d.Archived {
				sum.Archived++
				continue
			}
			sum.Total++
			switch d.Mode {
			case registry.ModeAwake:
				sum.Awake++
			case registry.ModeAsleep:
				sum.Asleep++
			default:
				sum.Unknown++
			}
			if d.HasOwner() {
				sum.Owned++
			}
		}
		resp.Devices = sum
	}

	if h.Alerts != nil {
		sum := &alertSummary{ByKind: make(map[alerts.Kind]int)}
		for _, a := range h.Alerts.ListAlerts(alertapp.ListFilter{}) {
			if !a.Open() {
				continue
			}
			sum.Open++
			sum.ByKind[a.Kind]++
			if a.Severity == alerts.SeverityCritical {
				sum.Critical++
			}
		}
		resp.Alerts = sum
	}

	if h.Commands != nil {
		list, err := h.Commands.List("")
		if err == nil {
			sum := &commandSummary{Retained: len(list)}
			for _, c := range list {
				switch c.Status {
				case commands.StatusPending:
					sum.Pending++
				case commands.StatusFailed:
					sum.Failed++
				}
			}
			resp.Commands = sum
		}
	}

	if h.Collection != nil {
		sum := &collectionSummary{State: h.Collection.State()}
		if window, ok := h.Collection.Current(); ok {
			sum.WindowID = window.ID
			if window.State == collection.StateActive {
				ends := window.EndsAt()
				sum.EndsAt = &ends
			}
		}
		resp.Collection = sum
	}

	if h.Transport != nil {
		status := h.Transport.Status()
		resp.Transport = &status
	}
	writeJSON(w, http.StatusOK, resp)
}

type deadLetterView struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Error       string    `json:"error"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Attempts    int       `json:"attempts"`
}

// ListDeadLetters handles GET /api/v1/dead-letters?limit=.
func (h *FleetHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.DeadLetters == nil {
		http.Error(w, "dead letters unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if value := r.URL.Query().Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 || parsed > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	items, err := h.DeadLetters.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, "query dead letters error", http.StatusInternalServerError)
		return
	}
	out := make([]deadLetterView, 0, len(items))
	for _, item := range items {
		out = append(out, deadLetterView(item))
	}
	writeJSON(w, http.StatusOK, out)
}

// Healthz handles GET /healthz. A disconnected broker reports degraded.
func (h *FleetHandler) Healthz(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.Transport != nil {
		status := h.Transport.Status()
		resp["mqtt"] = status
		if !status.Connected {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *FleetHandler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
