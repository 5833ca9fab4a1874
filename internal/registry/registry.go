// Package registry persists kiosk metadata, connection status and server
// counters. All operations are asynchronous and may fail transiently.
package registry

import (
	"context"
	"time"
)

// Kiosk connection statuses.
const (
	StatusOnline  = "online"
	StatusStale   = "stale"
	StatusOffline = "offline"
)

// Connection history events.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// Kiosk is the persisted record for one remote endpoint.
type Kiosk struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// ConnectionEvent is one entry of the bounded connection history.
type ConnectionEvent struct {
	KioskID   string  `json:"kiosk_id"`
	Event     string  `json:"event"`
	Timestamp float64 `json:"timestamp"`
}

// Stats is the aggregate counter snapshot.
type Stats struct {
	RequestsTotal int64   `json:"requests_total"`
	ErrorsTotal   int64   `json:"errors_total"`
	AvgLatency    float64 `json:"avg_latency"`
}

// Registry is the persistent state store consumed by the tunnelling core.
type Registry interface {
	// Kiosk records. Creation and deletion belong to the administrative
	// surface; they live here because the handshake and the tests need
	// seeded kiosks.
	CreateKiosk(ctx context.Context, id, credential, name string) error
	DeleteKiosk(ctx context.Context, id string) error
	EnableKiosk(ctx context.Context, id string) error
	DisableKiosk(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	IsEnabled(ctx context.Context, id string) (bool, error)

	// StoredCredential returns the credential registered for the kiosk, or
	// "" when none is stored.
	StoredCredential(ctx context.Context, id string) (string, error)
	UpdateCredential(ctx context.Context, id, credential string) error

	// Connection status.
	MarkOnline(ctx context.Context, id string, at time.Time) error
	MarkOffline(ctx context.Context, id string) error
	MarkStale(ctx context.Context, id string) error
	AppendConnectionEvent(ctx context.Context, id, event string, at time.Time) error
	ConnectionHistory(ctx context.Context, limit int) ([]ConnectionEvent, error)
	OnlineKiosks(ctx context.Context) ([]string, error)
	AllKiosks(ctx context.Context) ([]Kiosk, error)

	// Counters. Monotonic under concurrent callers.
	IncRequests(ctx context.Context) error
	IncErrors(ctx context.Context) error
	AddLatencySample(ctx context.Context, seconds float64) error
	Stats(ctx context.Context) (Stats, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
