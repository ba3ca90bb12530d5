// internal/customhttp/mock_server_test.go
package customhttp

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/sag/internal/network"
)

// MockServerHandler is a configurable http.Handler for testing.
type MockServerHandler struct {
	StatusCode  int
	Headers     map[string]string
	Body        []byte
	Redirects   int
	RedirectURL string
	// AlwaysRedirect redirects every request to RedirectURL.
	AlwaysRedirect bool
	Delay          time.Duration
	// Chunked flushes the body in two writes so it goes out chunked.
	Chunked bool

	mu       sync.Mutex
	requests []*http.Request
}

// ServeHTTP implements the http.Handler interface.
func (h *MockServerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests = append(h.requests, r.Clone(r.Context()))
	redirect := h.AlwaysRedirect || h.Redirects > 0
	if h.Redirects > 0 {
		h.Redirects--
	}
	h.mu.Unlock()

	if h.Delay > 0 {
		time.Sleep(h.Delay)
	}

	if redirect {
		w.Header().Set("Location", h.RedirectURL)
		w.WriteHeader(http.StatusFound)
		return
	}

	for key, value := range h.Headers {
		w.Header().Set(key, value)
	}
	status := h.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	if h.Chunked && len(h.Body) > 1 {
		w.WriteHeader(status)
		half := len(h.Body) / 2
		_, _ = w.Write(h.Body[:half])
		w.(http.Flusher).Flush()
		_, _ = w.Write(h.Body[half:])
		return
	}

	w.WriteHeader(status)
	if h.Body != nil {
		_, _ = w.Write(h.Body)
	}
}

// Requests returns the requests received so far.
func (h *MockServerHandler) Requests() []*http.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*http.Request(nil), h.requests...)
}

// mockServer wraps an httptest.Server and counts accepted connections.
type mockServer struct {
	*httptest.Server
	conns atomic.Int32
}

// NewMockServer creates a new httptest.Server with a MockServerHandler.
func NewMockServer(t *testing.T, handler http.Handler) *mockServer {
	t.Helper()
	ms := &mockServer{}
	ms.Server = httptest.NewUnstartedServer(handler)
	ms.Server.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			ms.conns.Add(1)
		}
	}
	ms.Server.Start()
	t.Cleanup(ms.Server.Close)
	return ms
}

// request builds a network.Request with default headers for path on the server.
func (ms *mockServer) request(t *testing.T, method, path string, body []byte) *network.Request {
	t.Helper()
	u, err := url.Parse(ms.URL)
	require.NoError(t, err)
	req := &network.Request{
		Method: method,
		Path:   path,
		Header: make(http.Header),
		Body:   body,
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   u.Port(),
	}
	require.NoError(t, network.ApplyDefaultHeaders(req, network.HeaderOptions{}))
	return req
}
