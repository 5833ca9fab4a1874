package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prescott-Data/kiosk-tunnel/internal/tunnel"
)

func TestNextBackoff(t *testing.T) {
	delays := []time.Duration{}
	backoff := initialBackoff
	for i := 0; i < 8; i++ {
		delays = append(delays, backoff)
		backoff = nextBackoff(backoff)
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}, delays)
}

func TestIsTransportError(t *testing.T) {
	assert.True(t, isTransportError(tunnel.ErrorReply(nil, tunnel.ErrTimeout, "x")))
	assert.True(t, isTransportError(tunnel.ErrorReply(nil, tunnel.ErrConnectionRefused, "x")))
	assert.True(t, isTransportError(tunnel.ErrorReply(nil, tunnel.ErrHTTPError, "x")))
	assert.False(t, isTransportError(map[string]any{"status": "success"}))
	assert.False(t, isTransportError(map[string]any{"status": "error", "error": "insufficient_funds"}))
}

// popReply drains one queued reply frame. handleFrame with no live socket
// always queues, which makes the reply path observable without a server.
func popReply(t *testing.T, p *Proxy) map[string]any {
	t.Helper()
	frame, ok := p.queue.Pop()
	require.True(t, ok, "expected a queued reply")
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(frame, &parsed))
	return parsed
}

func newOfflineProxy(routes *RoutingConfig) *Proxy {
	if routes == nil {
		routes = &RoutingConfig{Routes: map[string]Route{}}
	}
	return New("ws://unused", "tok", routes, testLogger())
}

func TestHandleFrame_InvalidJSON(t *testing.T) {
	p := newOfflineProxy(nil)
	p.handleFrame(context.Background(), []byte(`{broken`))

	reply := popReply(t, p)
	assert.Equal(t, tunnel.StatusError, reply["status"])
	assert.Equal(t, tunnel.ErrInvalidJSON, reply["error"])
	assert.Nil(t, reply["request_id"], "no correlation is possible")
	assert.Contains(t, reply["message"], "Failed to parse JSON")
}

func TestHandleFrame_MissingOperationType(t *testing.T) {
	p := newOfflineProxy(nil)
	p.handleFrame(context.Background(), []byte(`{"request_id":"req-1","headers":{},"body":{}}`))

	reply := popReply(t, p)
	assert.Equal(t, "req-1", reply["request_id"])
	assert.Equal(t, tunnel.ErrMissingHeader, reply["error"])
	assert.Equal(t, "Header-Operation-Type is required", reply["message"])
}

func TestHandleFrame_RouteNotFound(t *testing.T) {
	p := newOfflineProxy(nil)
	frame := `{"request_id":"req-2","headers":{"header-operation-type":"refund"},"body":{}}`
	p.handleFrame(context.Background(), []byte(frame))

	reply := popReply(t, p)
	assert.Equal(t, "req-2", reply["request_id"])
	assert.Equal(t, tunnel.ErrRouteNotFound, reply["error"])
	assert.Equal(t, "No route configured for operation type: refund", reply["message"])
}

func TestHandleFrame_DispatchesToGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","balance":50}`))
	}))
	defer srv.Close()

	routes := &RoutingConfig{Routes: map[string]Route{"payment": {URL: srv.URL, Timeout: 5}}}
	p := newOfflineProxy(routes)

	frame := `{"request_id":"req-3","headers":{"header-operation-type":"payment"},"body":{"amount":50}}`
	p.handleFrame(context.Background(), []byte(frame))

	reply := popReply(t, p)
	assert.Equal(t, "req-3", reply["request_id"], "request id round-trips")
	assert.Equal(t, "success", reply["status"])
	assert.Equal(t, 50.0, reply["balance"])

	stats := p.StatsSnapshot()
	assert.Equal(t, int64(1), stats["messages_received"])
}

func TestHandleFrame_MissingRequestIDStillReplies(t *testing.T) {
	p := newOfflineProxy(nil)
	p.handleFrame(context.Background(), []byte(`{"headers":{},"body":{}}`))

	reply := popReply(t, p)
	assert.Nil(t, reply["request_id"])
	assert.Equal(t, tunnel.ErrMissingHeader, reply["error"])
}

func TestSendOrQueue_DropsOnOverflow(t *testing.T) {
	routes := &RoutingConfig{Routes: map[string]Route{}}
	p := New("ws://unused", "tok", routes, testLogger(), WithQueueCapacity(1))

	p.sendOrQueue([]byte(`{"a":1}`))
	p.sendOrQueue([]byte(`{"b":2}`))

	assert.Equal(t, 1, p.QueueSize())
	assert.Equal(t, int64(1), p.StatsSnapshot()["errors"])
}

func waitFrame(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func TestProxy_EndToEnd(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"approved"}`))
	}))
	defer gateway.Close()

	upgrader := websocket.Upgrader{}
	frames := make(chan []byte, 4)
	tokens := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// The flushed offline frame arrives before anything else.
		_, flushed, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames <- flushed

		request := `{"request_id":"req-42","headers":{"header-operation-type":"payment"},"body":{"amount":1}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(request)); err != nil {
			return
		}
		_, reply, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames <- reply

		// Hold the socket open until the proxy shuts down.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	routes := &RoutingConfig{Routes: map[string]Route{"payment": {URL: gateway.URL, Timeout: 5}}}
	p := New("ws"+strings.TrimPrefix(srv.URL, "http"), "secret-token", routes, testLogger())
	require.True(t, p.queue.Enqueue([]byte(`{"request_id":"queued-1","status":"success"}`)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Equal(t, "secret-token", <-tokens)

	var flushed map[string]any
	require.NoError(t, json.Unmarshal(waitFrame(t, frames), &flushed))
	assert.Equal(t, "queued-1", flushed["request_id"])
	assert.Equal(t, 0, p.QueueSize(), "queue drained on connect")

	var reply map[string]any
	require.NoError(t, json.Unmarshal(waitFrame(t, frames), &reply))
	assert.Equal(t, "req-42", reply["request_id"])
	assert.Equal(t, "approved", reply["status"])

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("proxy never stopped")
	}
}

func TestProxy_ReconnectsAfterDialFailure(t *testing.T) {
	// Nothing listens on the target; Run must keep retrying until cancelled.
	routes := &RoutingConfig{Routes: map[string]Route{}}
	p := New("ws://127.0.0.1:1", "tok", routes, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.Connected())
}
