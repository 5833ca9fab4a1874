package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Prescott-Data/kiosk-tunnel/internal/tunnel"
)

// GatewayClient invokes the local payment gateway over HTTP. One pooled
// client serves the whole process; it is created lazily on first use and
// recreated after Close.
type GatewayClient struct {
	logger *slog.Logger

	mu     sync.Mutex
	client *http.Client
}

// NewGatewayClient creates an idle GatewayClient.
func NewGatewayClient(logger *slog.Logger) *GatewayClient {
	return &GatewayClient{logger: logger}
}

func (g *GatewayClient) httpClient() *http.Client {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		g.client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxConnsPerHost:     5,
				MaxIdleConnsPerHost: 5,
				// Go's resolver does not cache DNS; a 5-minute idle
				// connection lifetime bounds lookup churn instead.
				IdleConnTimeout: 5 * time.Minute,
			},
		}
	}
	return g.client
}

// Close releases pooled connections. A later Dispatch recreates the client.
func (g *GatewayClient) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		g.client.CloseIdleConnections()
		g.client = nil
	}
}

// Dispatch forwards body to the route's gateway URL. The HTTP method comes
// from the tunnelled header-http-method (default POST, uppercased): GET
// encodes the body's top-level members as the query string and sends no
// body, every other method sends the body as JSON. The returned map is
// either the gateway's parsed 2xx response or a uniform error object; the
// caller never sees a raw error.
func (g *GatewayClient) Dispatch(ctx context.Context, route Route, headers map[string]string, body json.RawMessage) map[string]any {
	method := strings.ToUpper(headers[tunnel.HeaderHTTPMethod])
	if method == "" {
		method = http.MethodPost
	}

	timeout := route.TimeoutDuration()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, errReply := g.buildRequest(ctx, method, route.URL, body)
	if errReply != nil {
		return errReply
	}

	g.logger.Info("gateway_request", "method", method, "url", route.URL)

	resp, err := g.httpClient().Do(req)
	if err != nil {
		return g.mapTransportError(err, timeout)
	}
	defer resp.Body.Close()

	return g.handleResponse(resp, method)
}

func (g *GatewayClient) buildRequest(ctx context.Context, method, gatewayURL string, body json.RawMessage) (*http.Request, map[string]any) {
	if method == http.MethodGet {
		query, err := encodeQuery(body)
		if err != nil {
			return nil, tunnel.ErrorReply(nil, tunnel.ErrProcessingError, fmt.Sprintf("failed to encode query: %v", err))
		}
		fullURL := gatewayURL
		if query != "" {
			fullURL = gatewayURL + "?" + query
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, tunnel.ErrorReply(nil, tunnel.ErrOther, err.Error())
		}
		return req, nil
	}

	payload := body
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, method, gatewayURL, bytes.NewReader(payload))
	if err != nil {
		return nil, tunnel.ErrorReply(nil, tunnel.ErrOther, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// encodeQuery URL-encodes the top-level members of a JSON object.
func encodeQuery(body json.RawMessage) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	var members map[string]any
	if err := json.Unmarshal(body, &members); err != nil {
		return "", err
	}
	values := url.Values{}
	for key, value := range members {
		switch v := value.(type) {
		case string:
			values.Set(key, v)
		case nil:
			values.Set(key, "")
		default:
			values.Set(key, fmt.Sprint(v))
		}
	}
	return values.Encode(), nil
}

func (g *GatewayClient) mapTransportError(err error, timeout time.Duration) map[string]any {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		g.logger.Error("gateway_timeout", "timeout", timeout.String())
		return tunnel.ErrorReply(nil, tunnel.ErrTimeout, fmt.Sprintf("Gateway timeout after %s", timeout))
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		g.logger.Error("gateway_unreachable", "error", err)
		return tunnel.ErrorReply(nil, tunnel.ErrConnectionRefused, fmt.Sprintf("Cannot connect to gateway: %v", err))
	}

	g.logger.Error("gateway_error", "error", err)
	return tunnel.ErrorReply(nil, tunnel.ErrOther, err.Error())
}

func (g *GatewayClient) handleResponse(resp *http.Response, method string) map[string]any {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return tunnel.ErrorReply(nil, tunnel.ErrOther, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.logger.Error("gateway_http_error", "method", method, "status", resp.StatusCode)
		return tunnel.ErrorReply(nil, tunnel.ErrHTTPError, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(raw)))
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return tunnel.ErrorReply(nil, tunnel.ErrOther, fmt.Sprintf("invalid gateway response: %v", err))
	}
	g.logger.Info("gateway_response", "method", method, "status", resp.StatusCode)
	return result
}
