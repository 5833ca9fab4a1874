// Package config loads process configuration from environment variables,
// with optional .env file support.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the tunnel-server configuration.
type ServerConfig struct {
	Host                      string
	Port                      int
	RedisURL                  string
	JWTSecret                 string
	JWTExpiration             time.Duration
	KioskResponseTimeout      time.Duration
	AllowDuplicateConnections bool
	LogLevel                  string
}

// ProxyConfig is the tunnel-proxy configuration.
type ProxyConfig struct {
	ServerURL         string
	Token             string
	RoutingConfigPath string
	HealthPort        int
	LogLevel          string
	LogDir            string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	// Missing .env is fine; the environment alone may carry everything.
	_ = v.ReadInConfig()
	v.AutomaticEnv()
	return v
}

// LoadServer reads the server configuration. A missing JWT secret is a
// startup error.
func LoadServer() (*ServerConfig, error) {
	v := newViper()
	v.SetDefault("WS_HOST", "0.0.0.0")
	v.SetDefault("PORT", 8000)
	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("JWT_EXPIRATION_DAYS", 365)
	v.SetDefault("KIOSK_RESPONSE_TIMEOUT", 45)
	v.SetDefault("ALLOW_DUPLICATE_CONNECTIONS", false)
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &ServerConfig{
		Host:                      v.GetString("WS_HOST"),
		Port:                      v.GetInt("PORT"),
		RedisURL:                  v.GetString("REDIS_URL"),
		JWTSecret:                 v.GetString("JWT_SECRET"),
		JWTExpiration:             time.Duration(v.GetInt("JWT_EXPIRATION_DAYS")) * 24 * time.Hour,
		KioskResponseTimeout:      time.Duration(v.GetInt("KIOSK_RESPONSE_TIMEOUT")) * time.Second,
		AllowDuplicateConnections: v.GetBool("ALLOW_DUPLICATE_CONNECTIONS"),
		LogLevel:                  v.GetString("LOG_LEVEL"),
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("missing required configuration: JWT_SECRET is not set")
	}
	return cfg, nil
}

// LoadProxy reads the proxy configuration. The server URL and credential are
// required.
func LoadProxy() (*ProxyConfig, error) {
	v := newViper()
	v.SetDefault("HEALTH_PORT", 9091)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DIR", ".")

	cfg := &ProxyConfig{
		ServerURL:         v.GetString("WS_SERVER_URL"),
		Token:             v.GetString("WS_TOKEN"),
		RoutingConfigPath: v.GetString("ROUTING_CONFIG_PATH"),
		HealthPort:        v.GetInt("HEALTH_PORT"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogDir:            v.GetString("LOG_DIR"),
	}

	var missing []string
	if cfg.ServerURL == "" {
		missing = append(missing, "WS_SERVER_URL")
	}
	if cfg.Token == "" {
		missing = append(missing, "WS_TOKEN")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %v", missing)
	}
	return cfg, nil
}
