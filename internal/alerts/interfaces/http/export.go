package http

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/xuri/excelize/v2"

	alerts "cleanroute-fleet/internal/alerts/domain"
	"cleanroute-fleet/internal/observability/metrics"
)

const alertsSheet = "Alerts"

var exportHeader = []string{"ID", "Device", "Kind", "Severity", "Message", "Window", "Opened", "Updated", "Resolved", "Resolved By"}

// Export handles GET /api/v1/alerts/export.xlsx. It accepts the List filters
// and includes resolved alerts unless status=open.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter.IncludeResolved = r.URL.Query().Get("status") != "open"

	data, err := renderAlertsXLSX(h.service.ListAlerts(filter))
	if err != nil {
		metrics.IncExport("xlsx", metrics.ResultError)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	metrics.IncExport("xlsx", metrics.ResultSuccess)
	name := fmt.Sprintf("alerts-%s.xlsx", time.Now().UTC().Format("20060102-1504"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func renderAlertsXLSX(list []alerts.Alert) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", alertsSheet); err != nil {
		return nil, err
	}
	for i, title := range exportHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(alertsSheet, cell, title)
	}
	for i, a := range list {
		row := i + 2
		resolved, resolvedBy := "", ""
		if a.ResolvedAt != nil {
			resolved = a.ResolvedAt.UTC().Format(time.RFC3339)
			resolvedBy = a.ResolvedBy
		}
		values := []any{
			a.ID, a.DeviceID, string(a.Kind), string(a.Severity), a.Message, a.WindowID,
			a.CreatedAt.UTC().Format(time.RFC3339), a.UpdatedAt.UTC().Format(time.RFC3339),
			resolved, resolvedBy,
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(alertsSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
