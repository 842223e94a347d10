// Package probetest provides scripted Prober doubles.
package probetest

import (
	"context"
	"sync"
	"time"

	"github.com/MrSnakeDoc/cutover/internal/probe"
)

// Call records one probe request.
type Call struct {
	Path    string
	Timeout time.Duration
}

// Fake answers probes through Handler and records every call. Safe for
// concurrent use.
type Fake struct {
	Handler func(ep probe.Endpoint, timeout time.Duration) probe.Result

	mu    sync.Mutex
	calls []Call
}

// Probe implements probe.Prober.
func (f *Fake) Probe(ctx context.Context, ep probe.Endpoint, timeout time.Duration, opts probe.Options) probe.Result {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Path: ep.Path, Timeout: timeout})
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return probe.Result{Failure: probe.FailureConnection, Err: err}
	}
	return f.Handler(ep, timeout)
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor counts the calls made to path.
func (f *Fake) CallsFor(path string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Path == path {
			n++
		}
	}
	return n
}

// Status is a canned response with the given code.
func Status(code int) probe.Result {
	return probe.Result{StatusCode: code}
}

// Body is a canned 200 response carrying body.
func Body(body string) probe.Result {
	return probe.Result{StatusCode: 200, Body: []byte(body)}
}

// Timeout is a canned timeout failure.
func Timeout() probe.Result {
	return probe.Result{Failure: probe.FailureTimeout, Err: context.DeadlineExceeded}
}
