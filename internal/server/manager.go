package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Prescott-Data/kiosk-tunnel/internal/auth"
	"github.com/Prescott-Data/kiosk-tunnel/internal/registry"
	"github.com/Prescott-Data/kiosk-tunnel/internal/telemetry"
	"github.com/Prescott-Data/kiosk-tunnel/internal/tunnel"
)

const (
	maxFrameSize         = 1 << 20 // 1 MiB per envelope
	pingInterval         = 20 * time.Second
	pongTimeout          = 10 * time.Second
	writeTimeout         = 10 * time.Second
	livenessProbeTimeout = 2 * time.Second
)

// kioskConn is one live kiosk socket. The manager's table owns it; the
// receive loop borrows it for reads and signals its exit by closing done.
type kioskConn struct {
	kioskID    string
	ws         *websocket.Conn
	acceptedAt time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *kioskConn) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *kioskConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = c.ws.Close()
	})
}

// Manager maintains the table of live kiosk sockets. At most one socket is
// held per kiosk at any instant; HandleHandshake and Disconnect are the only
// mutators of the table.
type Manager struct {
	verifier       *auth.Verifier
	registry       registry.Registry
	metrics        *telemetry.Metrics
	logger         *slog.Logger
	allowDuplicate bool

	upgrader websocket.Upgrader

	mu     sync.Mutex
	active map[string]*kioskConn

	correlation *CorrelationTable

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewManager creates a Manager. allowDuplicate selects the replacement
// policy when a second socket opens for an already-connected kiosk.
func NewManager(verifier *auth.Verifier, reg registry.Registry, metrics *telemetry.Metrics, logger *slog.Logger, allowDuplicate bool) *Manager {
	return &Manager{
		verifier:       verifier,
		registry:       reg,
		metrics:        metrics,
		logger:         logger,
		allowDuplicate: allowDuplicate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Kiosks are not browsers; the credential check below gates access.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		active:      make(map[string]*kioskConn),
		correlation: NewCorrelationTable(),
		done:        make(chan struct{}),
	}
}

// ServeWS is the kiosk upgrade endpoint. The credential travels as the
// "token" query parameter; every rejection closes the socket with a policy
// violation (1008) and the reason.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	credential := r.URL.Query().Get("token")

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket_upgrade_failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	kioskID, rejectReason := m.authenticate(r.Context(), credential)
	if rejectReason != "" {
		m.logger.Warn("websocket_rejected", "kiosk_id", kioskID, "reason", rejectReason, "remote", r.RemoteAddr)
		conn := &kioskConn{kioskID: kioskID, ws: ws, done: make(chan struct{})}
		conn.closeWith(websocket.ClosePolicyViolation, rejectReason)
		return
	}

	conn := &kioskConn{
		kioskID:    kioskID,
		ws:         ws,
		acceptedAt: time.Now(),
		done:       make(chan struct{}),
	}
	if !m.register(r.Context(), conn) {
		return
	}
	m.receiveLoop(conn)
}

// authenticate runs the pre-accept checks: credential verifies, kiosk
// exists, is enabled, and the credential byte-equals the stored one. The
// returned reason is "" on success.
func (m *Manager) authenticate(ctx context.Context, credential string) (string, string) {
	kioskID, ok := m.verifier.Verify(credential)
	if !ok {
		return "", "Invalid token"
	}
	exists, err := m.registry.Exists(ctx, kioskID)
	if err != nil {
		m.logger.Error("registry_error", "kiosk_id", kioskID, "error", err)
		return kioskID, "Registry unavailable"
	}
	if !exists {
		return kioskID, "Kiosk not found"
	}
	enabled, err := m.registry.IsEnabled(ctx, kioskID)
	if err != nil {
		m.logger.Error("registry_error", "kiosk_id", kioskID, "error", err)
		return kioskID, "Registry unavailable"
	}
	if !enabled {
		return kioskID, "Kiosk disabled"
	}
	stored, err := m.registry.StoredCredential(ctx, kioskID)
	if err != nil {
		m.logger.Error("registry_error", "kiosk_id", kioskID, "error", err)
		return kioskID, "Registry unavailable"
	}
	if stored != credential {
		return kioskID, "Token mismatch"
	}
	return kioskID, ""
}

// register installs conn in the table, applying the duplicate policy. The
// new entry is installed before the displaced socket is closed so the kiosk
// never appears offline during a replacement. Returns false when the new
// socket was rejected.
func (m *Manager) register(ctx context.Context, conn *kioskConn) bool {
	m.mu.Lock()
	old, replaced := m.active[conn.kioskID]
	if replaced && !m.allowDuplicate && m.isAlive(old) {
		m.mu.Unlock()
		m.logger.Warn("duplicate_connection_attempt", "kiosk_id", conn.kioskID)
		conn.closeWith(websocket.ClosePolicyViolation, "Kiosk already connected")
		return false
	}
	m.active[conn.kioskID] = conn
	m.mu.Unlock()

	if replaced {
		// The displaced socket's receive loop exits on the close and calls
		// Disconnect with its own handle, a no-op now that the table holds
		// the new one.
		go old.closeWith(websocket.CloseNormalClosure, "Replaced by new connection")
	}

	now := time.Now()
	if err := m.registry.MarkOnline(ctx, conn.kioskID, now); err != nil {
		m.logger.Error("mark_online_failed", "kiosk_id", conn.kioskID, "error", err)
	}
	if err := m.registry.AppendConnectionEvent(ctx, conn.kioskID, registry.EventConnected, now); err != nil {
		m.logger.Error("connection_event_failed", "kiosk_id", conn.kioskID, "error", err)
	}
	m.metrics.IncActiveConnections(conn.kioskID)
	m.logger.Info("kiosk_connected", "kiosk_id", conn.kioskID, "replaced_old", replaced)
	return true
}

// isAlive probes the old socket before rejecting a duplicate: a receive loop
// that already exited means dead; otherwise a bounded ping write decides.
// Called with m.mu held.
func (m *Manager) isAlive(c *kioskConn) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(livenessProbeTimeout))
	return err == nil
}

// IsConnected reports whether the kiosk currently holds a live socket.
func (m *Manager) IsConnected(kioskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[kioskID]
	return ok
}

// ActiveCount reports the number of live sockets.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// SendAndWait routes env to the kiosk and blocks until the correlated reply
// arrives or timeout expires. The second return is false when the kiosk is
// offline, the send failed, or the wait timed out; a reply arriving after
// that is silently discarded.
func (m *Manager) SendAndWait(ctx context.Context, kioskID string, env *tunnel.Request, timeout time.Duration) (json.RawMessage, bool) {
	m.mu.Lock()
	conn, ok := m.active[kioskID]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("kiosk_not_connected", "kiosk_id", kioskID)
		return nil, false
	}

	requestID := uuid.NewString()
	env.RequestID = requestID

	frame, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("envelope_marshal_failed", "kiosk_id", kioskID, "error", err)
		return nil, false
	}

	slot := m.correlation.Install(requestID)
	defer m.correlation.Remove(requestID)

	// The handle was looked up under the lock and stays valid for this
	// send even if the table entry is replaced meanwhile.
	if err := conn.writeFrame(frame); err != nil {
		m.logger.Error("error_sending_to_kiosk", "kiosk_id", kioskID, "request_id", requestID, "error", err)
		m.metrics.IncErrors("send_error")
		return nil, false
	}
	m.metrics.IncMessagesSent(kioskID)
	m.logger.Info("message_sent_to_kiosk", "kiosk_id", kioskID, "request_id", requestID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-slot:
		m.metrics.IncMessagesReceived(kioskID)
		m.logger.Info("response_received_from_kiosk", "kiosk_id", kioskID, "request_id", requestID)
		return reply, true
	case <-timer.C:
		m.metrics.IncErrors("timeout")
		m.logger.Error("kiosk_response_timeout", "kiosk_id", kioskID, "request_id", requestID, "timeout", timeout.String())
		return nil, false
	case <-ctx.Done():
		return nil, false
	case <-m.done:
		return nil, false
	}
}

// Disconnect removes conn from the table. No-op when the table holds a
// different handle for the kiosk (the entry was already replaced).
func (m *Manager) Disconnect(kioskID string, conn *kioskConn) {
	m.mu.Lock()
	current, ok := m.active[kioskID]
	if !ok || (conn != nil && current != conn) {
		m.mu.Unlock()
		m.logger.Info("skip_disconnect", "kiosk_id", kioskID, "reason", "not_current_connection")
		return
	}
	delete(m.active, kioskID)
	m.mu.Unlock()

	ctx := context.Background()
	now := time.Now()
	if err := m.registry.MarkOffline(ctx, kioskID); err != nil {
		m.logger.Error("mark_offline_failed", "kiosk_id", kioskID, "error", err)
	}
	if err := m.registry.AppendConnectionEvent(ctx, kioskID, registry.EventDisconnected, now); err != nil {
		m.logger.Error("connection_event_failed", "kiosk_id", kioskID, "error", err)
	}
	m.metrics.DecActiveConnections(kioskID)
	m.logger.Info("kiosk_disconnected", "kiosk_id", kioskID)
}

// receiveLoop reads frames from the socket until it errors or the peer
// closes, completing correlation slots along the way. Parse failures are
// logged and never propagated.
func (m *Manager) receiveLoop(conn *kioskConn) {
	defer func() {
		close(conn.done)
		conn.closeWith(websocket.CloseNormalClosure, "")
		m.Disconnect(conn.kioskID, conn)
	}()

	ws := conn.ws
	_ = ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go m.keepAlive(conn, stopPing)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Warn("websocket_error", "kiosk_id", conn.kioskID, "error", err)
			} else {
				m.logger.Info("websocket_disconnect", "kiosk_id", conn.kioskID)
			}
			return
		}
		m.handleKioskMessage(conn.kioskID, data)
	}
}

// keepAlive pings the kiosk every pingInterval. An unanswered ping surfaces
// as a read deadline expiry in the receive loop; a failed write marks the
// connection stale and closes it to unblock the reader.
func (m *Manager) keepAlive(conn *kioskConn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout)); err != nil {
				if markErr := m.registry.MarkStale(context.Background(), conn.kioskID); markErr != nil {
					m.logger.Error("mark_stale_failed", "kiosk_id", conn.kioskID, "error", markErr)
				}
				_ = conn.ws.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (m *Manager) handleKioskMessage(kioskID string, data []byte) {
	var reply tunnel.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		m.logger.Error("invalid_json_from_kiosk", "kiosk_id", kioskID, "error", err)
		return
	}
	if reply.RequestID == "" {
		m.logger.Warn("kiosk_response_without_request_id", "kiosk_id", kioskID)
		return
	}
	if !m.correlation.TryComplete(reply.RequestID, json.RawMessage(data)) {
		m.logger.Warn("unknown_request_id", "kiosk_id", kioskID, "request_id", reply.RequestID)
	}
}

// Shutdown closes every live socket with a normal closure and releases all
// in-flight SendAndWait callers, which return as if timed out.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		conns := make([]*kioskConn, 0, len(m.active))
		for _, c := range m.active {
			conns = append(conns, c)
		}
		m.mu.Unlock()
		for _, c := range conns {
			c.closeWith(websocket.CloseNormalClosure, "Server shutting down")
		}
	})
}
