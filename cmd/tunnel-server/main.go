// tunnel-server is the cloud end of the kiosk tunnel: it holds one
// persistent WebSocket per kiosk and routes POST /send requests over the
// matching socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Prescott-Data/kiosk-tunnel/internal/auth"
	"github.com/Prescott-Data/kiosk-tunnel/internal/config"
	"github.com/Prescott-Data/kiosk-tunnel/internal/registry"
	"github.com/Prescott-Data/kiosk-tunnel/internal/server"
	"github.com/Prescott-Data/kiosk-tunnel/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tunnel-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(cfg.LogLevel)
	logger.Info("application_starting")

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	cancel()
	logger.Info("redis_connected", "url", cfg.RedisURL)

	reg := registry.NewRedisRegistry(rdb)
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTExpiration)
	metrics := telemetry.NewMetrics(nil)

	manager := server.NewManager(verifier, reg, metrics, logger, cfg.AllowDuplicateConnections)
	api := server.NewAPI(manager, reg, metrics, logger, cfg.KioskResponseTimeout)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      api.Routes(),
		ReadTimeout:  0, // WebSocket connections stay open indefinitely
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Gauge sweeper: keeps kiosk totals fresh even without health probes.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				api.RefreshGauges(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("application_ready", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("application_shutting_down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	manager.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", "error", err)
	}

	logger.Info("application_stopped")
	return nil
}
