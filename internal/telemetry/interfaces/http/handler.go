package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"cleanroute-fleet/internal/telemetry/application"
	telemetry "cleanroute-fleet/internal/telemetry/domain"
	"cleanroute-fleet/internal/telemetry/interfaces"
)

const maxIngestBody = 1 << 20

// Service is the telemetry surface the handler needs.
type Service interface {
	Ingest(ctx context.Context, sample telemetry.Sample) (application.Outcome, error)
	Recent(ctx context.Context, deviceID string, limit int) ([]telemetry.Sample, error)
}

// Handler serves telemetry endpoints.
type Handler struct {
	service Service
	logger  *log.Logger
}

// NewHandler constructs a telemetry handler.
func NewHandler(service Service, logger *log.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("telemetry handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{service: service, logger: logger}, nil
}

// Ingest handles POST /api/v1/telemetry for gateways that push over HTTP
// instead of MQTT. The body is one device payload or an array of them.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		h.logger.Printf("telemetry ingest: read body error: %v", err)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var payloads []interfaces.SamplePayload
	if err := json.Unmarshal(body, &payloads); err != nil {
		var single interfaces.SamplePayload
		if err := json.Unmarshal(body, &single); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		payloads = []interfaces.SamplePayload{single}
	}
	if len(payloads) == 0 {
		http.Error(w, "no samples", http.StatusBadRequest)
		return
	}

	type result struct {
		DeviceID string `json:"device_id"`
		Outcome  string `json:"outcome,omitempty"`
		Error    string `json:"error,omitempty"`
	}
	results := make([]result, 0, len(payloads))
	accepted := 0
	for _, payload := range payloads {
		sample, err := payload.ToSample("")
		if err != nil {
			results = append(results, result{DeviceID: payload.BinID, Error: err.Error()})
			continue
		}
		outcome, err := h.service.Ingest(r.Context(), sample)
		if err != nil {
			results = append(results, result{DeviceID: sample.DeviceID, Error: err.Error()})
			continue
		}
		accepted++
		results = append(results, result{DeviceID: sample.DeviceID, Outcome: string(outcome)})
	}

	status := http.StatusOK
	if accepted == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"accepted": accepted, "results": results})
}

// Recent handles GET /api/v1/devices/{id}/telemetry?limit=.
func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if value := r.URL.Query().Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	samples, err := h.service.Recent(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		var verr *telemetry.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Printf("telemetry recent: %v", err)
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	if samples == nil {
		samples = []telemetry.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
