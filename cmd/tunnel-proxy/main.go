// tunnel-proxy is the kiosk end of the tunnel: it keeps an outbound
// WebSocket to the cloud server and forwards tunnelled requests to the
// local payment gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Prescott-Data/kiosk-tunnel/internal/config"
	"github.com/Prescott-Data/kiosk-tunnel/internal/proxy"
	"github.com/Prescott-Data/kiosk-tunnel/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tunnel-proxy:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadProxy()
	if err != nil {
		return err
	}

	logger, closeLog := telemetry.NewRotatingLogger(cfg.LogLevel, cfg.LogDir, "tunnel-proxy.log")
	defer func() { _ = closeLog() }()

	routingPath, err := findRoutingConfig(cfg.RoutingConfigPath)
	if err != nil {
		return err
	}
	routes, err := proxy.LoadRoutingConfig(routingPath)
	if err != nil {
		return err
	}
	logger.Info("routing_config_loaded", "path", routingPath, "routes", routes.Len())

	p := proxy.New(cfg.ServerURL, cfg.Token, routes, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := proxy.NewHealthServer(p, cfg.HealthPort)
	go func() {
		if err := health.ListenAndServe(); err != nil {
			logger.Error("health_server_failed", "error", err)
		}
	}()
	logger.Info("health_server_started", "port", cfg.HealthPort)

	go p.StatsSweeper(ctx, time.Hour)

	logger.Info("proxy_starting", "server_url", cfg.ServerURL)
	err = p.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := health.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("health_server_shutdown_failed", "error", shutdownErr)
	}

	p.LogStats("final_statistics")
	logger.Info("proxy_stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// findRoutingConfig resolves the routing YAML: the explicit path first, then
// the working directory, the system config dir and the user config dir.
func findRoutingConfig(explicit string) (string, error) {
	candidates := []string{}
	if explicit != "" {
		candidates = append(candidates, explicit)
	}
	candidates = append(candidates, "routing_config.yaml", "/etc/tunnel-proxy/routing_config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".tunnel-proxy", "routing_config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("routing config not found, searched: %v", candidates)
}
