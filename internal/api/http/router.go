package apihttp

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	alerthttp "cleanroute-fleet/internal/alerts/interfaces/http"
	"cleanroute-fleet/internal/auth"
	collectionhttp "cleanroute-fleet/internal/collection/interfaces/http"
	commandhttp "cleanroute-fleet/internal/commands/interfaces/http"
	registryhttp "cleanroute-fleet/internal/registry/interfaces/http"
	telemetryhttp "cleanroute-fleet/internal/telemetry/interfaces/http"
)

const requestTimeout = 20 * time.Second

// Routes holds the handlers mounted by NewRouter. Nil handlers are not
// mounted.
type Routes struct {
	Fleet        *FleetHandler
	Devices      *registryhttp.Handler
	Telemetry    *telemetryhttp.Handler
	Alerts       *alerthttp.Handler
	AlertStream  *alerthttp.StreamHandler
	Commands     *commandhttp.Handler
	Collection   *collectionhttp.Handler
	Auth         *auth.Middleware
	Logger       *log.Logger
	MetricsRoute bool
}

// NewRouter builds the operator API.
func NewRouter(routes Routes) http.Handler {
	logger := routes.Logger
	if logger == nil {
		logger = log.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(logger))
	if routes.Auth != nil {
		r.Use(routes.Auth.Wrap)
	}

	if routes.Fleet != nil {
		r.Get("/healthz", routes.Fleet.Healthz)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if routes.MetricsRoute {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		// the alert stream is long-lived and stays outside the request timeout
		if routes.AlertStream != nil {
			api.Get("/alerts/stream", routes.AlertStream.ServeHTTP)
		}

		api.Group(func(api chi.Router) {
			api.Use(middleware.Timeout(requestTimeout))

			if h := routes.Fleet; h != nil {
				api.Get("/fleet/health", h.Health)
				api.Get("/dead-letters", h.ListDeadLetters)
			}
			if h := routes.Devices; h != nil {
				api.Get("/devices", h.List)
				api.Get("/devices/{id}", h.Get)
				api.Post("/devices/{id}/archive", h.Archive)
			}
			if h := routes.Telemetry; h != nil {
				api.Post("/telemetry", h.Ingest)
				api.Get("/devices/{id}/telemetry", h.Recent)
			}
			if h := routes.Alerts; h != nil {
				api.Get("/alerts", h.List)
				api.Get("/alerts/export.xlsx", h.Export)
				api.Get("/alerts/{id}", h.Get)
				api.Post("/alerts/{id}/resolve", h.Resolve)
			}
			if h := routes.Commands; h != nil {
				api.Post("/commands", h.Issue)
				api.Get("/commands", h.List)
				api.Get("/commands/{id}", h.Get)
				api.Get("/broadcasts/{id}", h.Broadcast)
			}
			if h := routes.Collection; h != nil {
				api.Get("/collection", h.Status)
				api.Post("/collection/start", h.Start)
				api.Post("/collection/end", h.End)
				api.Post("/collection/remind", h.Remind)
			}
		})
	})
	return r
}

func accessLog(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, status, time.Since(start))
		})
	}
}
