package server

import (
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/nicktill/tinyoee/pkg/httpx"
	"github.com/nicktill/tinyoee/pkg/query"
	"github.com/nicktill/tinyoee/pkg/server/monitor"
	"github.com/nicktill/tinyoee/pkg/storage"
)

const version = "1.0.0"

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64          `json:"used_bytes"`
	MaxBytes  int64          `json:"max_bytes"`
	Stats     *storage.Stats `json:"stats,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string              `json:"status"`
	Version    string              `json:"version"`
	Uptime     string              `json:"uptime"`
	PendingKPI int                 `json:"pending_kpi_periods"`
	Jobs       []monitor.JobStatus `json:"jobs"`
}

// handleHealth returns service health status. The service is degraded
// while any scheduled job is unhealthy.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	overallStatus := "healthy"
	statusCode := http.StatusOK

	if !a.monitors.Healthy() {
		overallStatus = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, statusCode, HealthResponse{
		Status:     overallStatus,
		Version:    version,
		Uptime:     a.now().Sub(a.started).Round(time.Second).String(),
		PendingKPI: a.agg.Pending(),
		Jobs:       a.monitors.Status(),
	})
}

// handleStorageUsage returns current storage usage.
func (a *App) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	usedBytes, err := a.storageMonitor.GetUsage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	stats, err := a.storage.Stats(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, StorageUsage{
		UsedBytes: usedBytes,
		MaxBytes:  a.storageMonitor.GetLimit(),
		Stats:     stats,
	})
}

// Routes builds the HTTP handler: ingestion, reads, health, live updates
// and Prometheus metrics, behind CORS, access logging and panic recovery.
func (a *App) Routes() http.Handler {
	router := mux.NewRouter()
	router.Use(a.instrument)

	// Ingestion
	router.HandleFunc("/v1/events/{kind}", a.ingest.HandleIngest).Methods(http.MethodPost)
	router.HandleFunc("/v1/equipment/{id}/facts", a.ingest.HandleFacts).Methods(http.MethodGet)
	router.HandleFunc("/v1/cardinality", a.ingest.HandleCardinality).Methods(http.MethodGet)

	// Reads
	query.NewHandler(a.query).Register(router)

	// Operations
	router.HandleFunc("/v1/health", a.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/storage", a.handleStorageUsage).Methods(http.MethodGet)
	router.HandleFunc("/v1/ws", a.hub.HandleWebSocket()).Methods(http.MethodGet)
	router.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   a.cfg.HTTPServer.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	var h http.Handler = corsHandler.Handler(router)
	h = handlers.CombinedLoggingHandler(a.accessLog, h)
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
}

// instrument counts and times requests by route template. WebSocket
// upgrades are passed through untouched.
func (a *App) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := mux.CurrentRoute(r)
		if route == nil {
			next.ServeHTTP(w, r)
			return
		}
		tmpl, err := route.GetPathTemplate()
		if err != nil || tmpl == "/v1/ws" {
			next.ServeHTTP(w, r)
			return
		}
		a.metrics.Instrument(tmpl, next).ServeHTTP(w, r)
	})
}
