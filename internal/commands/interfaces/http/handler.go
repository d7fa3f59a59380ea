package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"cleanroute-fleet/internal/audit"
	commandapp "cleanroute-fleet/internal/commands/application"
	commands "cleanroute-fleet/internal/commands/domain"
)

const maxBodyBytes = 64 << 10

// Service is the dispatcher surface used by the handler.
type Service interface {
	Dispatch(ctx context.Context, req commandapp.Request) (commandapp.Receipt, error)
	Get(id string) (commands.Command, error)
	List(deviceID string) ([]commands.Command, error)
	BroadcastStatus(id string) (commandapp.BroadcastStatus, error)
}

// Handler provides command HTTP endpoints.
type Handler struct {
	service     Service
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service Service, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger}, nil
}

type issueRequest struct {
	DeviceID          string          `json:"device_id"`
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	MaxAttempts       int             `json:"max_attempts,omitempty"`
	AckTimeoutSeconds float64         `json:"ack_timeout_seconds,omitempty"`
}

// Issue handles POST /api/v1/commands. device_id "broadcast" fans out to
// the fleet.
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	var body issueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	key := strings.TrimSpace(body.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	req := commandapp.Request{
		DeviceID:       body.DeviceID,
		Type:           commands.Type(body.Type),
		Payload:        body.Payload,
		IdempotencyKey: key,
		Options: commandapp.Options{
			MaxAttempts: body.MaxAttempts,
			AckTimeout:  time.Duration(body.AckTimeoutSeconds * float64(time.Second)),
		},
	}
	receipt, err := h.service.Dispatch(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}

	resourceID := receipt.CommandID
	if receipt.BroadcastID != "" {
		resourceID = receipt.BroadcastID
	}
	audit.Record(r, h.auditLogger, "command.issue", "command", resourceID, map[string]any{
		"device_id": req.DeviceID,
		"type":      string(req.Type),
		"joined":    receipt.Joined,
	})
	status := http.StatusAccepted
	if receipt.Joined {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

// List handles GET /api/v1/commands?device_id=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(strings.TrimSpace(r.URL.Query().Get("device_id")))
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []commands.Command{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /api/v1/commands/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.service.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// Broadcast handles GET /api/v1/broadcasts/{id}.
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.BroadcastStatus(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func respondError(w http.ResponseWriter, err error) {
	var verr *commands.ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, commands.ErrUnknownDevice):
		http.Error(w, "unknown device", http.StatusNotFound)
	case errors.Is(err, commands.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, commands.ErrStopped),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		http.Error(w, "dispatcher unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
