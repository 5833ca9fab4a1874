package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Prescott-Data/kiosk-tunnel/internal/registry"
	"github.com/Prescott-Data/kiosk-tunnel/internal/telemetry"
	"github.com/Prescott-Data/kiosk-tunnel/internal/tunnel"
)

// Version reported by the root endpoint.
const Version = "1.0.0"

// API is the HTTP surface of the tunnel server.
type API struct {
	manager      *Manager
	registry     registry.Registry
	metrics      *telemetry.Metrics
	logger       *slog.Logger
	kioskTimeout time.Duration
	startedAt    time.Time
}

// NewAPI wires the HTTP handlers. kioskTimeout bounds how long /send waits
// for the kiosk reply.
func NewAPI(manager *Manager, reg registry.Registry, metrics *telemetry.Metrics, logger *slog.Logger, kioskTimeout time.Duration) *API {
	return &API{
		manager:      manager,
		registry:     reg,
		metrics:      metrics,
		logger:       logger,
		kioskTimeout: kioskTimeout,
		startedAt:    time.Now(),
	}
}

// Routes builds the router. No timeout middleware wraps /send: its deadline
// is the kiosk response timeout, enforced inside SendAndWait.
func (a *API) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", a.handleRoot)
	r.Post("/send", a.handleSend)
	r.Get("/health", a.handleHealth)
	r.Head("/health", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	r.Get("/ws", a.manager.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet},
		}))
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/kiosks", a.handleKiosks)
		r.Get("/stats", a.handleStats)
		r.Get("/history", a.handleHistory)
	})

	return r
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Kiosk Tunnel Server",
		"version": Version,
		"status":  "running",
	})
}

// handleSend routes an HTTP request to the kiosk named by Header-Kiosk-Id
// and relays the reply. Business failures (unknown, disabled or offline
// kiosk, timeout) are in-band: HTTP 200 with status "error". Only a missing
// routing header or an unusable body is a structural 400.
func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	kioskID := r.Header.Get("Header-Kiosk-Id")
	if kioskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Missing Header-Kiosk-Id header"})
		return
	}
	operationType := r.Header.Get("Header-Operation-Type")
	a.logger.Info("send_request_received", "kiosk_id", kioskID, "operation_type", operationType)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Failed to read request body"})
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Request body must be valid JSON"})
		return
	}

	exists, err := a.registry.Exists(ctx, kioskID)
	if err != nil {
		a.logger.Error("registry_error", "kiosk_id", kioskID, "error", err)
		writeJSON(w, http.StatusOK, tunnel.ErrorReply(nil, tunnel.ErrProcessingError, "registry unavailable"))
		return
	}
	if !exists {
		a.logger.Warn("kiosk_not_found", "kiosk_id", kioskID)
		a.businessError(w, tunnel.ErrKioskNotFound, kioskID)
		return
	}

	enabled, err := a.registry.IsEnabled(ctx, kioskID)
	if err != nil {
		a.logger.Error("registry_error", "kiosk_id", kioskID, "error", err)
		writeJSON(w, http.StatusOK, tunnel.ErrorReply(nil, tunnel.ErrProcessingError, "registry unavailable"))
		return
	}
	if !enabled {
		a.logger.Warn("kiosk_disabled", "kiosk_id", kioskID)
		a.businessError(w, tunnel.ErrKioskDisabled, kioskID)
		return
	}

	if !a.manager.IsConnected(kioskID) {
		a.logger.Warn("kiosk_offline", "kiosk_id", kioskID)
		a.metrics.IncErrors(tunnel.ErrKioskOffline)
		a.businessError(w, tunnel.ErrKioskOffline, kioskID)
		return
	}

	env := &tunnel.Request{
		Headers: RedactHeaders(r.Header),
		Body:    body,
	}
	reply, ok := a.manager.SendAndWait(ctx, kioskID, env, a.kioskTimeout)

	latency := time.Since(start).Seconds()
	a.metrics.ObserveLatency(kioskID, latency)
	if err := a.registry.IncRequests(ctx); err != nil {
		a.logger.Error("stats_update_failed", "error", err)
	}
	if err := a.registry.AddLatencySample(ctx, latency); err != nil {
		a.logger.Error("stats_update_failed", "error", err)
	}

	if !ok {
		a.logger.Error("kiosk_timeout", "kiosk_id", kioskID, "latency", latency)
		if err := a.registry.IncErrors(ctx); err != nil {
			a.logger.Error("stats_update_failed", "error", err)
		}
		a.businessError(w, tunnel.ErrTimeout, kioskID)
		return
	}

	a.logger.Info("response_sent_to_backend", "kiosk_id", kioskID, "latency", latency)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

func (a *API) businessError(w http.ResponseWriter, tag, kioskID string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   tunnel.StatusError,
		"error":    tag,
		"kiosk_id": kioskID,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	redisConnected := a.registry.Ping(ctx) == nil

	online, err := a.registry.OnlineKiosks(ctx)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	all, err := a.registry.AllKiosks(ctx)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}

	a.metrics.SetKiosksOnline(float64(len(online)))
	a.metrics.SetKiosksTotal(float64(len(all)))
	a.metrics.SetUptime(time.Since(a.startedAt).Seconds())

	status := "healthy"
	redisState := "connected"
	if !redisConnected {
		status = "degraded"
		redisState = "disconnected"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"redis":         redisState,
		"active_kiosks": len(online),
		"total_kiosks":  len(all),
	})
}

func (a *API) handleKiosks(w http.ResponseWriter, r *http.Request) {
	kiosks, err := a.registry.AllKiosks(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kiosks": kiosks, "total": len(kiosks)})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.registry.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests_total": stats.RequestsTotal,
		"errors_total":   stats.ErrorsTotal,
		"avg_latency":    stats.AvgLatency,
		"uptime_seconds": time.Since(a.startedAt).Seconds(),
		"active_kiosks":  a.manager.ActiveCount(),
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	history, err := a.registry.ConnectionHistory(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// RefreshGauges syncs the kiosk gauges from the registry; run periodically.
func (a *API) RefreshGauges(ctx context.Context) {
	if online, err := a.registry.OnlineKiosks(ctx); err == nil {
		a.metrics.SetKiosksOnline(float64(len(online)))
	}
	if all, err := a.registry.AllKiosks(ctx); err == nil {
		a.metrics.SetKiosksTotal(float64(len(all)))
	}
	a.metrics.SetUptime(time.Since(a.startedAt).Seconds())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
