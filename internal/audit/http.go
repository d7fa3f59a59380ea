package audit

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"

	"cleanroute-fleet/internal/auth"
)

// ClientIP extracts client ip from common headers or RemoteAddr.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// Record writes an audit entry for an operator request. Failures are logged,
// never surfaced to the caller.
func Record(r *http.Request, logger Logger, action, resourceType, resourceID string, metadata map[string]any) {
	if logger == nil || r == nil {
		return
	}
	var meta json.RawMessage
	if len(metadata) > 0 {
		meta, _ = json.Marshal(metadata)
	}
	err := logger.Log(r.Context(), Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     meta,
		IP:           ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		log.Printf("audit log failed: action=%s resource=%s err=%v", action, resourceID, err)
	}
}
