// Package proxy is the kiosk-side end of the tunnel: it keeps an outbound
// WebSocket to the cloud server and dispatches tunnelled requests to the
// local payment gateway.
package proxy

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Route is one gateway target.
type Route struct {
	URL     string `mapstructure:"url"`
	Timeout int    `mapstructure:"timeout"`
}

// TimeoutDuration is the route's end-to-end gateway deadline.
func (r Route) TimeoutDuration() time.Duration {
	if r.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.Timeout) * time.Second
}

// RoutingConfig maps operation types to gateway routes. Immutable for the
// process lifetime.
type RoutingConfig struct {
	Routes  map[string]Route `mapstructure:"routes"`
	Default *Route           `mapstructure:"default"`
}

// LoadRoutingConfig reads the routing YAML at path.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read routing config %s: %w", path, err)
	}
	var cfg RoutingConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid routing config %s: %w", path, err)
	}
	if cfg.Routes == nil {
		cfg.Routes = map[string]Route{}
	}
	return &cfg, nil
}

// Resolve returns the route for operationType: an exact match first, then
// the default route if configured.
func (c *RoutingConfig) Resolve(operationType string) (Route, bool) {
	if route, ok := c.Routes[operationType]; ok {
		return route, true
	}
	if c.Default != nil {
		return *c.Default, true
	}
	return Route{}, false
}

// Len reports the number of configured named routes.
func (c *RoutingConfig) Len() int {
	return len(c.Routes)
}
