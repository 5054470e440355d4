package http

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QVSorrow/low-level-video/internal/http/handlers"
	"github.com/QVSorrow/low-level-video/internal/observability"
	"github.com/QVSorrow/low-level-video/internal/version"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(DefaultServerConfig(), observability.Discard())
	handlers.NewHealthHandler(version.Short()).Register(s.API())
	return s
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept-Encoding", "br")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, version.UserAgent(), rec.Header().Get("Server"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, "br", rec.Header().Get("Content-Encoding"))

	body, err := io.ReadAll(brotli.NewReader(rec.Body))
	require.NoError(t, err)
	var health handlers.HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
}

func TestServer_OpenAPI(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lowvideo API")
	assert.Contains(t, rec.Body.String(), "/health")
}

func TestServer_ServeAndShutdown(t *testing.T) {
	s := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-errc)
}

func TestServerConfig_Address(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8090", DefaultServerConfig().Address())
	assert.Equal(t, "[::1]:80", ServerConfig{Host: "::1", Port: 80}.Address())
}
