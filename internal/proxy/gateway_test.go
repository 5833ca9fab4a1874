package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Prescott-Data/kiosk-tunnel/internal/tunnel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGatewayClient_PostRequest(t *testing.T) {
	var gotMethod, gotContentType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","result":"approved"}`))
	}))
	defer srv.Close()

	g := NewGatewayClient(testLogger())
	defer g.Close()

	route := Route{URL: srv.URL, Timeout: 5}
	response := g.Dispatch(context.Background(), route, map[string]string{}, json.RawMessage(`{"amount":125}`))

	assert.Equal(t, http.MethodPost, gotMethod, "method defaults to POST")
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"amount":125}`, gotBody)
	assert.Equal(t, "success", response["status"])
	assert.Equal(t, "approved", response["result"])
}

func TestGatewayClient_GetEncodesQuery(t *testing.T) {
	var gotMethod, gotQuery string
	var gotBodyLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		gotBodyLen = len(body)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	g := NewGatewayClient(testLogger())
	defer g.Close()

	headers := map[string]string{tunnel.HeaderHTTPMethod: "get"}
	route := Route{URL: srv.URL, Timeout: 5}
	response := g.Dispatch(context.Background(), route, headers, json.RawMessage(`{"a":"1","b":"x y","n":2}`))

	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "a=1&b=x+y&n=2", gotQuery)
	assert.Zero(t, gotBodyLen, "GET carries no body")
	assert.Equal(t, "success", response["status"])
}

func TestGatewayClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	g := NewGatewayClient(testLogger())
	defer g.Close()

	response := g.Dispatch(context.Background(), Route{URL: srv.URL, Timeout: 5}, nil, nil)
	assert.Equal(t, tunnel.StatusError, response["status"])
	assert.Equal(t, tunnel.ErrHTTPError, response["error"])
	assert.Equal(t, "HTTP 500: boom", response["message"])
}

func TestGatewayClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g := NewGatewayClient(testLogger())
	defer g.Close()

	response := g.Dispatch(context.Background(), Route{URL: srv.URL, Timeout: 1}, nil, nil)
	assert.Equal(t, tunnel.ErrTimeout, response["error"])
	assert.Equal(t, "Gateway timeout after 1s", response["message"])
}

func TestGatewayClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	g := NewGatewayClient(testLogger())
	defer g.Close()

	response := g.Dispatch(context.Background(), Route{URL: deadURL, Timeout: 2}, nil, nil)
	assert.Equal(t, tunnel.StatusError, response["status"])
	assert.Equal(t, tunnel.ErrConnectionRefused, response["error"])
	assert.Contains(t, response["message"], "Cannot connect to gateway")
}

func TestGatewayClient_NonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	g := NewGatewayClient(testLogger())
	defer g.Close()

	response := g.Dispatch(context.Background(), Route{URL: srv.URL, Timeout: 5}, nil, nil)
	assert.Equal(t, tunnel.ErrOther, response["error"])
}

func TestGatewayClient_BusinessErrorPassedThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"error","error":"insufficient_funds"}`))
	}))
	defer srv.Close()

	g := NewGatewayClient(testLogger())
	defer g.Close()

	// A 2xx gateway response is relayed as-is even when it reports a failure.
	response := g.Dispatch(context.Background(), Route{URL: srv.URL, Timeout: 5}, nil, nil)
	assert.Equal(t, "error", response["status"])
	assert.Equal(t, "insufficient_funds", response["error"])
	assert.False(t, isTransportError(response), "gateway business errors are not transport errors")
}
