package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/config"
	"github.com/nicktill/tinyohlc/pkg/engine"
	"github.com/nicktill/tinyohlc/pkg/httpx"
	"github.com/nicktill/tinyohlc/pkg/ingest"
	"github.com/nicktill/tinyohlc/pkg/notify"
	"github.com/nicktill/tinyohlc/pkg/server/monitor"
	"github.com/nicktill/tinyohlc/pkg/storage"
)

// Version is reported by the health check and the version command
var Version = "dev"

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version"`
	Uptime  string              `json:"uptime"`
	Sweep   monitor.SweepStatus `json:"sweep"`
	Streams int                 `json:"streams"`
}

// StatsResponse aggregates engine, storage and bus counters.
type StatsResponse struct {
	Engine      engine.Stats            `json:"engine"`
	Storage     *storage.Stats          `json:"storage"`
	Bus         notify.Stats            `json:"bus"`
	Usage       StorageUsage            `json:"usage"`
	Cardinality ingest.CardinalityStats `json:"cardinality"`
}

// handleHealth returns service health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if !s.SweepMonitor.IsHealthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, code, HealthResponse{
		Status:  status,
		Version: Version,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
		Sweep:   s.SweepMonitor.Status(),
		Streams: s.Hub.Clients(),
	})
}

// handleStats returns engine, storage and bus statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.IngestStatsTimeout)
	defer cancel()

	storeStats, err := s.Store.Stats(ctx)
	if err != nil {
		s.logger.Error("failed to read storage stats", zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	used, err := s.StorageMonitor.GetUsage()
	if err != nil {
		s.logger.Warn("failed to calculate storage usage", zap.Error(err))
	}

	httpx.RespondJSON(w, http.StatusOK, StatsResponse{
		Engine:      s.Engine.Stats(),
		Storage:     storeStats,
		Bus:         s.Bus.Stats(),
		Cardinality: s.Ingest.CardinalityStats(),
		Usage: StorageUsage{
			UsedBytes: used,
			MaxBytes:  s.StorageMonitor.GetLimit(),
		},
	})
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, s *Server, port string) {
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/v1").Subrouter()

	// Ingestion and registry
	api.HandleFunc("/ticks", s.Ingest.HandleIngest).Methods(http.MethodPost)
	api.HandleFunc("/instruments", s.Query.HandleInstruments).Methods(http.MethodGet)
	api.HandleFunc("/instruments/{category}/{symbol}", s.Ingest.HandleDeregister).Methods(http.MethodDelete)

	// Reads
	api.HandleFunc("/candles/{category}/{symbol}/{resolution}", s.Query.HandleCandles).Methods(http.MethodGet)
	api.HandleFunc("/candles/{category}/{symbol}/{resolution}/{bucket}", s.Query.HandleCandle).Methods(http.MethodGet)
	api.HandleFunc("/raw/{category}/{symbol}", s.Query.HandleRaw).Methods(http.MethodGet)

	// Backup and restore
	api.HandleFunc("/export/{category}/{symbol}", s.Export.HandleExport).Methods(http.MethodGet)
	api.HandleFunc("/import", s.Export.HandleImport).Methods(http.MethodPost)

	// Change notifications
	api.HandleFunc("/stream", s.Hub.HandleStream).Methods(http.MethodGet)

	// Prometheus scrape of the newest candles
	router.HandleFunc("/metrics", s.Query.HandlePrometheusMetrics).Methods(http.MethodGet)

	// Health and stats
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
