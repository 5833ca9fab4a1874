package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthServer_ReportsDisconnected(t *testing.T) {
	p := newOfflineProxy(&RoutingConfig{Routes: map[string]Route{"payment": {URL: "http://localhost"}}})
	p.queue.Enqueue([]byte(`{}`))

	h := NewHealthServer(p, 0)
	rec := httptest.NewRecorder()
	h.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	assert.Equal(t, "disconnected", parsed["status"])
	assert.Equal(t, false, parsed["ws_connected"])
	assert.Equal(t, 1.0, parsed["queue_size"])
	assert.Equal(t, 1.0, parsed["routes_configured"])
	assert.NotNil(t, parsed["stats"])
}
