package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HealthServer serves the loopback health endpoint of the proxy.
type HealthServer struct {
	proxy *Proxy
	srv   *http.Server
}

// NewHealthServer binds /health on 127.0.0.1:port.
func NewHealthServer(p *Proxy, port int) *HealthServer {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	h := &HealthServer{proxy: p}
	r.Get("/health", h.handleHealth)
	h.srv = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: r,
	}
	return h
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := h.proxy.Connected()
	status := "healthy"
	if !connected {
		status = "disconnected"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":            status,
		"ws_connected":      connected,
		"uptime_seconds":    h.proxy.UptimeSeconds(),
		"stats":             h.proxy.StatsSnapshot(),
		"queue_size":        h.proxy.QueueSize(),
		"routes_configured": h.proxy.RoutesConfigured(),
	})
}

// ListenAndServe runs the health server until Shutdown.
func (h *HealthServer) ListenAndServe() error {
	err := h.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the health server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}
