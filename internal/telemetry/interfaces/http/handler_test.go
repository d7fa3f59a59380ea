package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"cleanroute-fleet/internal/telemetry/application"
	telemetry "cleanroute-fleet/internal/telemetry/domain"
)

type stubService struct {
	ingested []telemetry.Sample
	recent   []telemetry.Sample
	limit    int
}

func (s *stubService) Ingest(_ context.Context, sample telemetry.Sample) (application.Outcome, error) {
	if sample.FillPct > 100 {
		return "", &telemetry.ValidationError{DeviceID: sample.DeviceID, Field: "fill_pct", Reason: "out of range"}
	}
	s.ingested = append(s.ingested, sample)
	return application.OutcomeApplied, nil
}

func (s *stubService) Recent(_ context.Context, deviceID string, limit int) ([]telemetry.Sample, error) {
	s.limit = limit
	return s.recent, nil
}

func TestHandler_IngestBatch(t *testing.T) {
	svc := &stubService{}
	handler, err := NewHandler(svc, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	body := `[{"bin_id":"B001","ts":"2025-12-12T10:00:00Z","fill_pct":40},
		{"bin_id":"B002","ts":"2025-12-12T10:00:00Z","fill_pct":140},
		{"bin_id":"B003","fill_pct":10}]`
	rec := httptest.NewRecorder()
	handler.Ingest(rec, httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Accepted int `json:"accepted"`
		Results  []struct {
			DeviceID string `json:"device_id"`
			Error    string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted != 1 || len(resp.Results) != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Results[1].Error == "" || resp.Results[2].Error == "" {
		t.Fatalf("expected per-sample errors: %+v", resp.Results)
	}
}

func TestHandler_IngestRejectsGarbage(t *testing.T) {
	handler, _ := NewHandler(&stubService{}, nil)
	rec := httptest.NewRecorder()
	handler.Ingest(rec, httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", strings.NewReader("nope")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_RecentUsesLimit(t *testing.T) {
	svc := &stubService{}
	handler, _ := NewHandler(svc, nil)
	router := chi.NewRouter()
	router.Get("/api/v1/devices/{id}/telemetry", handler.Recent)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/B001/telemetry?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.limit != 5 {
		t.Fatalf("expected limit 5, got %d", svc.limit)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/B001/telemetry?limit=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}
