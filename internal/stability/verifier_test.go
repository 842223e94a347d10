package stability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/probe"
	"github.com/MrSnakeDoc/cutover/internal/probe/probetest"
	"github.com/MrSnakeDoc/cutover/internal/procmgr"
	"github.com/MrSnakeDoc/cutover/internal/procmgr/procmgrtest"
	"github.com/MrSnakeDoc/cutover/internal/readiness"
	"github.com/MrSnakeDoc/cutover/internal/resources"
)

var ep = probe.MustParseEndpoint("localhost:13000")

type validatorFunc func() bool

func (f validatorFunc) Validate(context.Context, probe.Endpoint) (bool, []resources.Failure) {
	return f(), nil
}

func online() *procmgrtest.Fake {
	return &procmgrtest.Fake{StatusFunc: func(context.Context, string) (procmgr.Status, error) {
		return procmgr.Status{Online: true, Status: "online", Uptime: "10s", Restarts: 2}, nil
	}}
}

func newVerifier(procs StatusReader, fake *probetest.Fake, validator ResourceValidator) *Verifier {
	log := logger.NewNop()
	return NewVerifier(procs, readiness.NewWaiter(fake, log, 0), validator, fake, log, 0)
}

func TestVerify_AllChecksPass(t *testing.T) {
	fake := &probetest.Fake{Handler: func(probe.Endpoint, time.Duration) probe.Result {
		return probe.Result{StatusCode: 200, Elapsed: 20 * time.Millisecond}
	}}
	v := newVerifier(online(), fake, validatorFunc(func() bool { return true }))

	got := v.Verify(context.Background(), "app.com", ep, []string{"/", "/favicon.ico"}, 0)

	assert.Equal(t, Verdict{
		ProcessOnline:       true,
		RestartCount:        2,
		EndpointsAccessible: true,
		ResourcesValid:      true,
		ResponseTime:        20 * time.Millisecond,
		Overall:             true,
	}, got)
}

func TestVerify_ProcessNotOnlineShortCircuits(t *testing.T) {
	procs := &procmgrtest.Fake{StatusFunc: func(context.Context, string) (procmgr.Status, error) {
		return procmgr.Status{Status: "errored", Restarts: 15}, nil
	}}
	fake := &probetest.Fake{Handler: func(probe.Endpoint, time.Duration) probe.Result { return probetest.Status(200) }}
	v := newVerifier(procs, fake, nil)

	got := v.Verify(context.Background(), "app.com", ep, []string{"/"}, 0)

	assert.False(t, got.Overall)
	assert.False(t, got.ProcessOnline)
	assert.Equal(t, 15, got.RestartCount)
	assert.Empty(t, fake.Calls(), "no endpoint is probed when the process is down")
}

func TestVerify_StatusErrorFails(t *testing.T) {
	procs := &procmgrtest.Fake{StatusFunc: func(context.Context, string) (procmgr.Status, error) {
		return procmgr.Status{}, errors.New("pm2 daemon not running")
	}}
	fake := &probetest.Fake{Handler: func(probe.Endpoint, time.Duration) probe.Result { return probetest.Status(200) }}

	got := newVerifier(procs, fake, nil).Verify(context.Background(), "app.com", ep, []string{"/"}, 0)

	assert.False(t, got.Overall)
}

func TestVerify_InaccessiblePathFails(t *testing.T) {
	fake := &probetest.Fake{Handler: func(e probe.Endpoint, _ time.Duration) probe.Result {
		if e.Path == "/about" {
			return probetest.Status(503)
		}
		return probetest.Status(200)
	}}
	validated := false
	v := newVerifier(online(), fake, validatorFunc(func() bool { validated = true; return true }))

	got := v.Verify(context.Background(), "app.com", ep, []string{"/", "/about"}, 0)

	assert.True(t, got.ProcessOnline)
	assert.False(t, got.EndpointsAccessible)
	assert.False(t, got.Overall)
	assert.Equal(t, pathAttempts, fake.CallsFor("/about"))
	assert.False(t, validated)
}

func TestVerify_ResourceFailureFails(t *testing.T) {
	fake := &probetest.Fake{Handler: func(probe.Endpoint, time.Duration) probe.Result { return probetest.Status(200) }}
	v := newVerifier(online(), fake, validatorFunc(func() bool { return false }))

	got := v.Verify(context.Background(), "app.com", ep, []string{"/"}, 0)

	assert.True(t, got.EndpointsAccessible)
	assert.False(t, got.ResourcesValid)
	assert.False(t, got.Overall)
}

func TestVerify_SlowResponseOnlyWarns(t *testing.T) {
	fake := &probetest.Fake{Handler: func(probe.Endpoint, time.Duration) probe.Result {
		return probe.Result{StatusCode: 200, Elapsed: 1500 * time.Millisecond}
	}}
	v := newVerifier(online(), fake, nil)

	got := v.Verify(context.Background(), "app.com", ep, nil, time.Second)

	assert.True(t, got.SlowResponse)
	assert.True(t, got.ResourcesValid, "a disabled validator counts as valid")
	assert.True(t, got.Overall)
}

func TestVerify_SettleDelayHonoursContext(t *testing.T) {
	fake := &probetest.Fake{Handler: func(probe.Endpoint, time.Duration) probe.Result { return probetest.Status(200) }}
	log := logger.NewNop()
	v := NewVerifier(online(), readiness.NewWaiter(fake, log, 0), nil, fake, log, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got := v.Verify(ctx, "app.com", ep, nil, 0)

	assert.False(t, got.Overall)
	assert.True(t, got.ResourcesValid)
}
