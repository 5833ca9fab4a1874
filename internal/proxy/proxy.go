package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Prescott-Data/kiosk-tunnel/internal/tunnel"
)

const (
	handshakeTimeout = 15 * time.Second
	pingInterval     = 20 * time.Second
	pongTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxFrameSize     = 1 << 20

	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

// Stats counts proxy traffic. All fields are safe under concurrent callers.
type Stats struct {
	received      atomic.Int64
	sent          atomic.Int64
	errors        atomic.Int64
	reconnections atomic.Int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"messages_received": s.received.Load(),
		"messages_sent":     s.sent.Load(),
		"errors":            s.errors.Load(),
		"reconnections":     s.reconnections.Load(),
	}
}

// Proxy bridges the cloud tunnel server and the local payment gateway. It
// keeps one outbound WebSocket alive, dispatching each inbound request to
// the gateway and replying on the same socket with the preserved request id.
type Proxy struct {
	serverURL string
	token     string
	routes    *RoutingConfig
	gateway   *GatewayClient
	queue     *OfflineQueue
	logger    *slog.Logger
	dialer    *websocket.Dialer
	startedAt time.Time

	stats Stats

	connMu  sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithDialer sets a custom websocket.Dialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(p *Proxy) { p.dialer = dialer }
}

// WithQueueCapacity overrides the offline queue bound.
func WithQueueCapacity(capacity int) Option {
	return func(p *Proxy) { p.queue = NewOfflineQueue(capacity) }
}

// New creates a Proxy for the given server and routing table.
func New(serverURL, token string, routes *RoutingConfig, logger *slog.Logger, opts ...Option) *Proxy {
	p := &Proxy{
		serverURL: serverURL,
		token:     token,
		routes:    routes,
		gateway:   NewGatewayClient(logger),
		queue:     NewOfflineQueue(DefaultQueueCapacity),
		logger:    logger,
		dialer:    &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff (1 s doubling to a 60 s cap, reset on every
// successful connect). Only cancellation terminates the loop; even a policy
// rejection is retried, since the kiosk may be re-enabled server-side.
func (p *Proxy) Run(ctx context.Context) error {
	defer p.gateway.Close()

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := p.connect(ctx)
		if err != nil {
			p.logger.Error("connection_failed", "error", err, "retry_in", backoff.String())
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		p.serveConn(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.stats.reconnections.Add(1)
		p.logger.Warn("connection_lost", "retry_in", backoff.String())
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

func (p *Proxy) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	fullURL := p.serverURL + "?token=" + url.QueryEscape(p.token)
	conn, _, err := p.dialer.DialContext(dialCtx, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to establish WebSocket connection: %w", err)
	}
	p.logger.Info("connected_to_server", "url", p.serverURL)
	return conn, nil
}

// serveConn runs one connected session: flush the offline queue, then pump
// inbound frames until the socket drops or ctx is cancelled.
func (p *Proxy) serveConn(ctx context.Context, conn *websocket.Conn) {
	p.setConn(conn)
	defer func() {
		p.setConn(nil)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			_ = conn.Close()
		case <-done:
		}
	}()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Replies queued during the outage go out before new frames are read.
	p.flushQueue(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
				p.logger.Error("server_rejected_connection", "reason", closeErr.Text)
			} else {
				p.logger.Warn("connection_closed", "error", err)
			}
			return
		}
		p.handleFrame(ctx, data)
	}
}

// handleFrame processes one inbound request envelope and always answers,
// even when the envelope is unusable. A missing request id is logged and the
// reply goes out with request_id null.
func (p *Proxy) handleFrame(ctx context.Context, data []byte) {
	var req tunnel.Request
	if err := json.Unmarshal(data, &req); err != nil {
		p.stats.errors.Add(1)
		p.logger.Error("invalid_json_from_server", "error", err)
		p.reply(tunnel.ErrorReply(nil, tunnel.ErrInvalidJSON, fmt.Sprintf("Failed to parse JSON: %v", err)))
		return
	}
	p.stats.received.Add(1)

	var requestID any
	if req.RequestID != "" {
		requestID = req.RequestID
	} else {
		p.logger.Warn("message_without_request_id")
	}

	operationType := req.Headers[tunnel.HeaderOperationType]
	kioskID := req.Headers[tunnel.HeaderKioskID]
	p.logger.Info("request_received", "operation_type", operationType, "kiosk_id", kioskID, "request_id", req.RequestID)

	if operationType == "" {
		p.logger.Error("missing_operation_type", "request_id", req.RequestID)
		p.reply(tunnel.ErrorReply(requestID, tunnel.ErrMissingHeader, "Header-Operation-Type is required"))
		return
	}

	route, ok := p.routes.Resolve(operationType)
	if !ok {
		p.stats.errors.Add(1)
		p.logger.Error("route_not_found", "operation_type", operationType)
		p.reply(tunnel.ErrorReply(requestID, tunnel.ErrRouteNotFound,
			fmt.Sprintf("No route configured for operation type: %s", operationType)))
		return
	}

	response := p.gateway.Dispatch(ctx, route, req.Headers, req.Body)
	if isTransportError(response) {
		p.stats.errors.Add(1)
	}
	response["request_id"] = requestID
	p.reply(response)
	p.logger.Info("response_sent", "status", response["status"], "request_id", req.RequestID)
}

// isTransportError reports whether the gateway client mapped a local failure
// rather than relaying a gateway response.
func isTransportError(response map[string]any) bool {
	if response["status"] != tunnel.StatusError {
		return false
	}
	switch response["error"] {
	case tunnel.ErrTimeout, tunnel.ErrConnectionRefused, tunnel.ErrHTTPError, tunnel.ErrOther, tunnel.ErrProcessingError:
		return true
	}
	return false
}

func (p *Proxy) reply(response map[string]any) {
	frame, err := json.Marshal(response)
	if err != nil {
		p.stats.errors.Add(1)
		p.logger.Error("reply_marshal_failed", "error", err)
		return
	}
	p.sendOrQueue(frame)
}

// sendOrQueue writes frame to the live socket, or enqueues it when the
// tunnel is down. Overflow drops the frame and counts an error.
func (p *Proxy) sendOrQueue(frame []byte) {
	if conn := p.currentConn(); conn != nil {
		err := p.writeFrame(conn, frame)
		if err == nil {
			p.stats.sent.Add(1)
			return
		}
		p.logger.Error("send_failed", "error", err)
	}

	if p.queue.Enqueue(frame) {
		p.logger.Warn("message_queued", "queue_size", p.queue.Len(), "capacity", p.queue.Capacity())
	} else {
		p.stats.errors.Add(1)
		p.logger.Error("queue_full_dropping_message", "capacity", p.queue.Capacity())
	}
}

// flushQueue drains queued replies in order. A send failure puts the frame
// back at the head and aborts; the next connect retries.
func (p *Proxy) flushQueue(conn *websocket.Conn) {
	if p.queue.Len() == 0 {
		return
	}
	p.logger.Info("flushing_offline_queue", "size", p.queue.Len())
	for {
		frame, ok := p.queue.Pop()
		if !ok {
			return
		}
		if err := p.writeFrame(conn, frame); err != nil {
			p.logger.Error("flush_send_failed", "error", err)
			p.queue.PushFront(frame)
			return
		}
		p.stats.sent.Add(1)
	}
}

func (p *Proxy) writeFrame(conn *websocket.Conn, frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (p *Proxy) setConn(conn *websocket.Conn) {
	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()
}

func (p *Proxy) currentConn() *websocket.Conn {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.conn
}

// Connected reports whether the tunnel is currently up.
func (p *Proxy) Connected() bool {
	return p.currentConn() != nil
}

// QueueSize reports the offline queue depth.
func (p *Proxy) QueueSize() int { return p.queue.Len() }

// RoutesConfigured reports the number of named routes.
func (p *Proxy) RoutesConfigured() int { return p.routes.Len() }

// UptimeSeconds reports seconds since the proxy was created.
func (p *Proxy) UptimeSeconds() float64 { return time.Since(p.startedAt).Seconds() }

// StatsSnapshot returns the current traffic counters.
func (p *Proxy) StatsSnapshot() map[string]int64 { return p.stats.Snapshot() }

// LogStats writes a counters summary to the log.
func (p *Proxy) LogStats(title string) {
	snapshot := p.stats.Snapshot()
	p.logger.Info(title,
		"messages_received", snapshot["messages_received"],
		"messages_sent", snapshot["messages_sent"],
		"errors", snapshot["errors"],
		"reconnections", snapshot["reconnections"],
	)
}

// StatsSweeper logs the counters every interval until ctx is cancelled.
func (p *Proxy) StatsSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.LogStats("periodic_statistics")
		case <-ctx.Done():
			return
		}
	}
}

// nextBackoff doubles the reconnect delay up to the cap.
func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// sleep waits d or until ctx is cancelled, reporting false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
