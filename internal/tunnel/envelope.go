// Package tunnel defines the wire format exchanged between the cloud server
// and the kiosk proxy: one UTF-8 JSON envelope per WebSocket text frame.
package tunnel

import "encoding/json"

// Routing headers carried inside a request envelope. Header names are stored
// lowercase on the wire; both sides lowercase on ingress.
const (
	HeaderKioskID       = "header-kiosk-id"
	HeaderOperationType = "header-operation-type"
	HeaderHTTPMethod    = "header-http-method"
)

// Error tags carried in reply envelopes with status "error".
const (
	ErrInvalidJSON       = "invalid_json"
	ErrMissingHeader     = "missing_header"
	ErrRouteNotFound     = "route_not_found"
	ErrTimeout           = "timeout"
	ErrConnectionRefused = "connection_refused"
	ErrHTTPError         = "http_error"
	ErrKioskNotFound     = "kiosk_not_found"
	ErrKioskDisabled     = "kiosk_disabled"
	ErrKioskOffline      = "kiosk_offline"
	ErrProcessingError   = "processing_error"
	ErrOther             = "other"
)

// StatusError is the status value of every error reply.
const StatusError = "error"

// Request is the server-to-proxy envelope. The body is forwarded verbatim;
// the proxy routes on the headers map alone.
type Request struct {
	RequestID string            `json:"request_id"`
	Headers   map[string]string `json:"headers"`
	Body      json.RawMessage   `json:"body"`
}

// Reply extracts only the correlation id from a proxy-to-server frame. The
// rest of the envelope is opaque to the server and returned to the HTTP
// caller as-is.
type Reply struct {
	RequestID string `json:"request_id"`
}

// ErrorReply builds the uniform error envelope. requestID may be nil when no
// correlation is possible (for example an unparseable inbound frame).
func ErrorReply(requestID any, tag, message string) map[string]any {
	reply := map[string]any{
		"request_id": requestID,
		"status":     StatusError,
		"error":      tag,
	}
	if message != "" {
		reply["message"] = message
	}
	return reply
}
