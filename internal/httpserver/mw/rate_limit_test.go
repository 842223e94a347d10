package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestRateLimit_WindowResets(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	h := RateLimit(RateLimitConfig{Limit: 2, Window: time.Minute, Clock: clk})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.1.1.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := call()
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusNoContent, call().Code)

	limited := call()
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))

	clk.SetTime(clk.Now().Add(30 * time.Second))
	assert.Equal(t, "30", call().Header().Get("Retry-After"))

	clk.SetTime(clk.Now().Add(31 * time.Second))
	assert.Equal(t, http.StatusNoContent, call().Code)
}

func TestRateLimit_TrustProxyUsesForwardedFor(t *testing.T) {
	h := RateLimit(RateLimitConfig{Limit: 1, TrustProxy: true})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	call := func(xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "127.0.0.1:80"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("203.0.113.1, 10.0.0.1"))
	assert.Equal(t, http.StatusOK, call("203.0.113.2"))
}
