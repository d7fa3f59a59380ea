package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	alertapp "cleanroute-fleet/internal/alerts/application"
	alerts "cleanroute-fleet/internal/alerts/domain"
	"cleanroute-fleet/internal/audit"
)

// Service is the alert surface the handler needs.
type Service interface {
	ListAlerts(filter alertapp.ListFilter) []alerts.Alert
	Get(id string) (alerts.Alert, error)
	ResolveAlert(ctx context.Context, id string) (alerts.Alert, error)
}

// Handler provides alert HTTP endpoints.
type Handler struct {
	service     Service
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service Service, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alerts handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger}, nil
}

// List handles GET /api/v1/alerts.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list := h.service.ListAlerts(filter)
	if list == nil {
		list = []alerts.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /api/v1/alerts/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	alert, err := h.service.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// Resolve handles POST /api/v1/alerts/{id}/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	alert, err := h.service.ResolveAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	audit.Record(r, h.auditLogger, "alert.resolve", "alert", alert.ID, map[string]any{
		"device_id": alert.DeviceID,
		"kind":      alert.Kind,
	})
	writeJSON(w, http.StatusOK, alert)
}

func parseFilter(r *http.Request) (alertapp.ListFilter, error) {
	q := r.URL.Query()
	filter := alertapp.ListFilter{
		DeviceID:        q.Get("device_id"),
		IncludeResolved: q.Get("status") == "all" || q.Get("include_resolved") == "true",
	}
	if value := q.Get("kind"); value != "" {
		kind, ok := alerts.ParseKind(value)
		if !ok {
			return filter, errors.New("invalid kind")
		}
		filter.Kind = kind
	}
	if value := q.Get("limit"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit <= 0 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, alerts.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
