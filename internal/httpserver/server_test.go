package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/cutover/internal/httpserver/deps"
	"github.com/MrSnakeDoc/cutover/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/cutover/internal/logger"
)

func testDeps(id string) deps.Deps {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return deps.Deps{
		Logger:    logger.NewNop(),
		StartTime: fixed.Add(-time.Minute),
		GoVersion: "go1.25",
		TimeNow:   func() time.Time { return fixed },
		ServerID:  id,
		Env:       "production",
		RateLimit: 3,
	}
}

func get(t *testing.T, h http.Handler, path, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdentity(t *testing.T) {
	h := NewRouter(testDeps("running"))

	rec := get(t, h, "/api/server-identity?_=abc", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var body handlers.IdentityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, handlers.IdentityResponse{
		ID:        "running",
		Timestamp: "2025-03-01T12:00:00Z",
		GoVersion: "go1.25",
		Env:       "production",
	}, body)
}

func TestIdentity_UnknownWithoutServerID(t *testing.T) {
	h := NewRouter(testDeps(""))

	var body handlers.IdentityResponse
	require.NoError(t, json.Unmarshal(get(t, h, "/api/server-identity", "").Body.Bytes(), &body))
	assert.Equal(t, "unknown", body.ID)

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz", "").Code)
}

func TestIdentity_RateLimitedPerIP(t *testing.T) {
	h := NewRouter(testDeps("main"))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(t, h, "/api/server-identity", "10.0.0.1:5000").Code)
	}
	rec := get(t, h, "/api/server-identity", "10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, get(t, h, "/api/server-identity", "10.0.0.2:5000").Code, "other clients keep their own budget")
}

func TestProbes(t *testing.T) {
	d := testDeps("main")
	d.AllowedCIDRS = []string{"127.0.0.0/8"}
	h := NewRouter(d)

	rec := get(t, h, "/healthz", "127.0.0.1:4000")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.InDelta(t, 60.0, health["uptime_seconds"], 0.001)

	assert.Equal(t, http.StatusOK, get(t, h, "/readyz", "127.0.0.1:4000").Code)
	assert.Equal(t, http.StatusForbidden, get(t, h, "/readyz", "192.168.1.9:4000").Code)
}
