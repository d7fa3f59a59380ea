package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"cleanroute-fleet/internal/audit"
	collectionapp "cleanroute-fleet/internal/collection/application"
	collection "cleanroute-fleet/internal/collection/domain"
)

// Service is the orchestrator surface used by the handler.
type Service interface {
	Start(ctx context.Context, hours int) (collectionapp.StartResult, error)
	End(ctx context.Context) (collection.Window, error)
	RemindOffline(ctx context.Context) (collectionapp.RemindResult, error)
	Current() (collection.Window, bool)
	State() collection.State
	History() []collection.Window
}

// Handler provides collection-day HTTP endpoints.
type Handler struct {
	service     Service
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service Service, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("collection handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger}, nil
}

type startRequest struct {
	Hours int `json:"hours"`
}

type statusResponse struct {
	State   collection.State    `json:"state"`
	Window  *collection.Window  `json:"window,omitempty"`
	History []collection.Window `json:"history"`
}

// Start handles POST /api/v1/collection/start. An empty body uses the
// default duration.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	res, err := h.service.Start(r.Context(), req.Hours)
	if err != nil {
		respondError(w, err)
		return
	}
	audit.Record(r, h.auditLogger, "collection.start", "collection_window", res.Window.ID, map[string]any{
		"hours": res.Window.Hours,
	})
	writeJSON(w, http.StatusCreated, res)
}

// End handles POST /api/v1/collection/end.
func (h *Handler) End(w http.ResponseWriter, r *http.Request) {
	window, err := h.service.End(r.Context())
	if err != nil && window.ID == "" {
		respondError(w, err)
		return
	}
	audit.Record(r, h.auditLogger, "collection.end", "collection_window", window.ID, nil)
	if err != nil {
		// closing started; the sleep broadcast did not go out
		writeJSON(w, http.StatusAccepted, map[string]any{"window": window, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, window)
}

// Remind handles POST /api/v1/collection/remind.
func (h *Handler) Remind(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RemindOffline(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	audit.Record(r, h.auditLogger, "collection.remind", "collection_window", res.WindowID, map[string]any{
		"devices": len(res.Devices),
	})
	writeJSON(w, http.StatusOK, res)
}

// Status handles GET /api/v1/collection.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{State: h.service.State(), History: h.service.History()}
	if window, ok := h.service.Current(); ok {
		resp.Window = &window
		resp.State = window.State
	}
	writeJSON(w, http.StatusOK, resp)
}

func respondError(w http.ResponseWriter, err error) {
	var (
		active    *collection.AlreadyActiveError
		notActive *collection.NotActiveError
		invalid   *collection.ValidationError
	)
	switch {
	case errors.As(err, &invalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &active), errors.As(err, &notActive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
