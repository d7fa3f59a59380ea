package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cleanroute-fleet/internal/audit"
	registryapp "cleanroute-fleet/internal/registry/application"
	registry "cleanroute-fleet/internal/registry/domain"
)

// Handler provides device registry HTTP endpoints.
type Handler struct {
	registry    *registryapp.Registry
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(reg *registryapp.Registry, auditLogger audit.Logger) (*Handler, error) {
	if reg == nil {
		return nil, errors.New("registry handler: nil registry")
	}
	return &Handler{registry: reg, auditLogger: auditLogger}, nil
}

// List handles GET /api/v1/devices.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter := registryapp.ListFilter{
		IncludeArchived: r.URL.Query().Get("include_archived") == "true",
		OwnedOnly:       r.URL.Query().Get("owned") == "true",
	}
	if value := r.URL.Query().Get("mode"); value != "" {
		mode, ok := registry.ParseMode(value)
		if !ok {
			http.Error(w, "invalid mode", http.StatusBadRequest)
			return
		}
		filter.Mode = mode
	}
	writeJSON(w, http.StatusOK, h.registry.List(filter))
}

// Get handles GET /api/v1/devices/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	device, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// Archive handles POST /api/v1/devices/{id}/archive.
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	device, err := h.registry.Archive(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) || errors.Is(err, registry.ErrInvalidID) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	audit.Record(r, h.auditLogger, "device.archive", "device", device.ID, nil)
	writeJSON(w, http.StatusOK, device)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
