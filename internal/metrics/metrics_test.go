package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/cutover/internal/probe"
)

func TestObserveProbe(t *testing.T) {
	r := New("app.com")
	ep := probe.MustParseEndpoint("localhost:3000")

	r.ObserveProbe(ep, probe.Result{StatusCode: 200, Elapsed: 10 * time.Millisecond})
	r.ObserveProbe(ep, probe.Result{StatusCode: 204})
	r.ObserveProbe(ep, probe.Result{StatusCode: 502})
	r.ObserveProbe(ep, probe.Result{Failure: probe.FailureTimeout})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.probes.WithLabelValues("2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.probes.WithLabelValues("5xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.probes.WithLabelValues("timeout")))
}

func TestObserveOutcomeKeepsOnlyLast(t *testing.T) {
	r := New("app.com")
	now := time.Unix(1_700_000_000, 0)

	r.ObserveOutcome("held", now)
	r.ObserveOutcome("cut_over", now)

	assert.Equal(t, 1, testutil.CollectAndCount(r.outcome))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.outcome.WithLabelValues("cut_over")))
	assert.Equal(t, 1.7e9, testutil.ToFloat64(r.finished))
}

func TestPush(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   []byte
	)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path = req.Method, req.URL.Path
		body, _ = io.ReadAll(req.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	r := New("app.com")
	r.ObservePhase("build", 42*time.Second)
	r.ObserveCheck("stability", true, 2)

	require.NoError(t, r.Push(context.Background(), gw.URL, "cutover"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/cutover/service/app.com", path)
	assert.NotEmpty(t, body)
}

func TestPush_GatewayError(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer gw.Close()

	err := New("app.com").Push(context.Background(), gw.URL, "cutover")
	assert.Error(t, err)
}
