// Package procmgrtest provides a scriptable procmgr.Manager double.
package procmgrtest

import (
	"context"
	"sync"

	"github.com/MrSnakeDoc/cutover/internal/procmgr"
)

// Call records one Fake invocation.
type Call struct {
	Method string
	Name   string
}

// Fake is a scriptable procmgr.Manager. A nil func field makes the call
// succeed with a zero value; registered processes report online.
type Fake struct {
	IsRegisteredFunc func(ctx context.Context, name string) (bool, error)
	StartFunc        func(ctx context.Context, target procmgr.Target) error
	ReloadFunc       func(ctx context.Context, name string) error
	StopFunc         func(ctx context.Context, name string) error
	StatusFunc       func(ctx context.Context, name string) (procmgr.Status, error)

	mu    sync.Mutex
	calls []Call
}

func (m *Fake) record(method, name string) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, Name: name})
	m.mu.Unlock()
}

func (m *Fake) IsRegistered(ctx context.Context, name string) (bool, error) {
	m.record("IsRegistered", name)
	if m.IsRegisteredFunc == nil {
		return true, nil
	}
	return m.IsRegisteredFunc(ctx, name)
}

func (m *Fake) Start(ctx context.Context, target procmgr.Target) error {
	m.record("Start", target.Name)
	if m.StartFunc == nil {
		return nil
	}
	return m.StartFunc(ctx, target)
}

func (m *Fake) Reload(ctx context.Context, name string) error {
	m.record("Reload", name)
	if m.ReloadFunc == nil {
		return nil
	}
	return m.ReloadFunc(ctx, name)
}

func (m *Fake) Stop(ctx context.Context, name string) error {
	m.record("Stop", name)
	if m.StopFunc == nil {
		return nil
	}
	return m.StopFunc(ctx, name)
}

func (m *Fake) Status(ctx context.Context, name string) (procmgr.Status, error) {
	m.record("Status", name)
	if m.StatusFunc == nil {
		return procmgr.Status{Online: true, Status: "online"}, nil
	}
	return m.StatusFunc(ctx, name)
}

// Calls returns a copy of the recorded calls.
func (m *Fake) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Called reports whether method was invoked for name.
func (m *Fake) Called(method, name string) bool {
	for _, c := range m.Calls() {
		if c.Method == method && c.Name == name {
			return true
		}
	}
	return false
}

var _ procmgr.Manager = (*Fake)(nil)
