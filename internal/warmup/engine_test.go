package warmup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/probe"
	"github.com/MrSnakeDoc/cutover/internal/probe/probetest"
)

var ep = probe.MustParseEndpoint("localhost:13000")

func byPath(answers map[string]func() probe.Result) *probetest.Fake {
	return &probetest.Fake{Handler: func(e probe.Endpoint, _ time.Duration) probe.Result {
		if fn, ok := answers[e.Path]; ok {
			return fn()
		}
		return probetest.Status(404)
	}}
}

func ok() probe.Result  { return probetest.Status(200) }
func bad() probe.Result { return probetest.Status(500) }

func TestWarmup_FirstTrySuccessIsNeverProbedAgain(t *testing.T) {
	fake := byPath(map[string]func() probe.Result{"/": ok, "/favicon.ico": ok})
	e := NewEngine(fake, logger.NewNop(), nil)

	v, err := e.Warmup(context.Background(), ep, Options{
		Paths:           []string{"/", "/favicon.ico"},
		AttemptsPerPath: 5,
		GlobalTimeout:   5 * time.Second,
		RequiredPaths:   []string{"/"},
	})

	require.NoError(t, err)
	assert.True(t, v.Overall())
	assert.ElementsMatch(t, []string{"/", "/favicon.ico"}, v.Successful)
	assert.Empty(t, v.Failed)
	assert.Empty(t, v.Remaining)
	assert.Equal(t, 1, fake.CallsFor("/"))
	assert.Equal(t, 1, fake.CallsFor("/favicon.ico"))
}

func TestWarmup_RequiredRootNeverSucceeds(t *testing.T) {
	fake := byPath(map[string]func() probe.Result{"/": bad, "/favicon.ico": ok, "/about": ok})
	e := NewEngine(fake, logger.NewNop(), nil)

	v, err := e.Warmup(context.Background(), ep, Options{
		Paths:           []string{"/", "/favicon.ico", "/about"},
		AttemptsPerPath: 3,
		GlobalTimeout:   5 * time.Second,
		RequiredPaths:   []string{"/"},
	})

	require.NoError(t, err)
	assert.False(t, v.Overall())
	assert.False(t, v.RequiredPathsSatisfied)
	assert.Equal(t, []string{"/"}, v.Failed)
	assert.ElementsMatch(t, []string{"/favicon.ico", "/about"}, v.Successful)
	assert.Equal(t, 3, fake.CallsFor("/"), "each path gets exactly its own budget")
}

func TestWarmup_IndependentCountersAndRecovery(t *testing.T) {
	var rootCalls atomic.Int32
	fake := byPath(map[string]func() probe.Result{
		"/": func() probe.Result {
			if rootCalls.Add(1) < 3 {
				return probetest.Timeout()
			}
			return ok()
		},
		"/favicon.ico": ok,
		"/broken":      bad,
	})
	e := NewEngine(fake, logger.NewNop(), nil)

	v, err := e.Warmup(context.Background(), ep, Options{
		Paths:           []string{"/", "/favicon.ico", "/broken"},
		AttemptsPerPath: 3,
		GlobalTimeout:   5 * time.Second,
		RequiredPaths:   []string{"/"},
	})

	require.NoError(t, err)
	assert.True(t, v.RequiredPathsSatisfied)
	assert.False(t, v.Overall(), "a failed non-required path still fails the run")
	assert.Equal(t, []string{"/broken"}, v.Failed)
	assert.Equal(t, 3, fake.CallsFor("/"))
	assert.Equal(t, 1, fake.CallsFor("/favicon.ico"))
	assert.Equal(t, 3, fake.CallsFor("/broken"))
}

func TestWarmup_AdaptiveTimeoutGrowsAndCaps(t *testing.T) {
	fake := byPath(map[string]func() probe.Result{"/": probetest.Timeout})
	var mu sync.Mutex
	var progress []Progress
	e := NewEngine(fake, logger.NewNop(), func(p Progress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})

	_, err := e.Warmup(context.Background(), ep, Options{
		Paths:           []string{"/"},
		AttemptsPerPath: 10,
		GlobalTimeout:   30 * time.Second,
	})
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 10)
	assert.Equal(t, BaseTimeout, calls[0].Timeout)
	assert.Equal(t, 450*time.Millisecond, calls[1].Timeout)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Timeout, calls[i-1].Timeout)
		assert.LessOrEqual(t, calls[i].Timeout, MaxTimeout)
	}
	assert.Equal(t, MaxTimeout, calls[len(calls)-1].Timeout)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, progress, 10)
	last := progress[len(progress)-1]
	assert.Equal(t, 1, last.Completed)
	assert.Equal(t, 0, last.Succeeded)
}

func TestWarmup_GlobalDeadline(t *testing.T) {
	// every probe hangs for its full timeout
	fake := &probetest.Fake{Handler: func(_ probe.Endpoint, timeout time.Duration) probe.Result {
		time.Sleep(timeout)
		return probetest.Timeout()
	}}
	e := NewEngine(fake, logger.NewNop(), nil)

	globalTimeout := 400 * time.Millisecond
	start := time.Now()
	v, err := e.Warmup(context.Background(), ep, Options{
		Paths:           []string{"/", "/favicon.ico"},
		AttemptsPerPath: 100,
		GlobalTimeout:   globalTimeout,
		RequiredPaths:   []string{"/"},
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.LessOrEqual(t, elapsed, globalTimeout+MaxTimeout+200*time.Millisecond)
	// required path pending at the deadline is failed, the optional one stays remaining
	assert.Equal(t, []string{"/"}, v.Failed)
	assert.Equal(t, []string{"/favicon.ico"}, v.Remaining)
	assert.False(t, v.Overall())
}

func TestWarmup_RemainingDoesNotFailOverall(t *testing.T) {
	var slowCalls atomic.Int32
	fake := byPath(map[string]func() probe.Result{
		"/": ok,
		"/slow": func() probe.Result {
			slowCalls.Add(1)
			time.Sleep(150 * time.Millisecond)
			return probetest.Timeout()
		},
	})
	e := NewEngine(fake, logger.NewNop(), nil)

	v, err := e.Warmup(context.Background(), ep, Options{
		Paths:           []string{"/", "/slow"},
		AttemptsPerPath: 1000,
		GlobalTimeout:   300 * time.Millisecond,
		RequiredPaths:   []string{"/"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"/slow"}, v.Remaining)
	assert.Empty(t, v.Failed)
	assert.True(t, v.Overall())
}

func TestWarmup_RequiredPathIsProbedEvenIfNotListed(t *testing.T) {
	fake := byPath(map[string]func() probe.Result{"/": ok, "/health": ok})
	e := NewEngine(fake, logger.NewNop(), nil)

	v, err := e.Warmup(context.Background(), ep, Options{
		Paths:           []string{"/"},
		AttemptsPerPath: 1,
		GlobalTimeout:   time.Second,
		RequiredPaths:   []string{"/health"},
	})

	require.NoError(t, err)
	assert.True(t, v.Overall())
	assert.Equal(t, 1, fake.CallsFor("/health"))
}

func TestWarmup_BlankRequiredPathIsIgnored(t *testing.T) {
	fake := byPath(map[string]func() probe.Result{"/": ok})
	e := NewEngine(fake, logger.NewNop(), nil)

	v, err := e.Warmup(context.Background(), ep, Options{
		Paths:           []string{"/"},
		AttemptsPerPath: 1,
		GlobalTimeout:   time.Second,
		RequiredPaths:   []string{"", "  "},
	})

	require.NoError(t, err)
	assert.True(t, v.Overall())
	assert.Equal(t, []string{"/"}, v.Successful)
	assert.Equal(t, 1, fake.CallsFor("/"))
}

func TestWarmup_PathsMatchingTheSameURLAreProbedOnce(t *testing.T) {
	fake := byPath(map[string]func() probe.Result{"/": ok, "/about": ok})
	e := NewEngine(fake, logger.NewNop(), nil)

	v, err := e.Warmup(context.Background(), ep, Options{
		Paths:           []string{"about", "/", " /about "},
		AttemptsPerPath: 3,
		GlobalTimeout:   time.Second,
		RequiredPaths:   []string{"/about"},
	})

	require.NoError(t, err)
	assert.True(t, v.RequiredPathsSatisfied)
	assert.Equal(t, []string{"/about", "/"}, v.Successful)
	assert.Equal(t, 1, fake.CallsFor("/about"))
	assert.Len(t, fake.Calls(), 2)
}

func TestWarmup_NoCadenceSleepAfterLastBatch(t *testing.T) {
	e := NewEngine(byPath(map[string]func() probe.Result{"/": ok}), logger.NewNop(), nil)

	start := time.Now()
	_, err := e.Warmup(context.Background(), ep, Options{
		Paths:           []string{"/"},
		AttemptsPerPath: 1,
		GlobalTimeout:   time.Second,
	})

	require.NoError(t, err)
	assert.Less(t, time.Since(start), fastCadence)
}

func TestWarmup_RejectsInvalidOptions(t *testing.T) {
	e := NewEngine(byPath(nil), logger.NewNop(), nil)

	tests := []struct {
		name string
		opts Options
		want error
	}{
		{name: "no attempts", opts: Options{Paths: []string{"/"}, GlobalTimeout: time.Second}, want: ErrNoAttemptBudget},
		{name: "no deadline", opts: Options{Paths: []string{"/"}, AttemptsPerPath: 1}, want: ErrNoDeadline},
		{name: "no paths", opts: Options{AttemptsPerPath: 1, GlobalTimeout: time.Second}, want: ErrNoPaths},
		{name: "only blank paths", opts: Options{Paths: []string{"", " "}, AttemptsPerPath: 1, GlobalTimeout: time.Second}, want: ErrNoPaths},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Warmup(context.Background(), ep, tt.opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGrow(t *testing.T) {
	assert.Equal(t, 450*time.Millisecond, grow(300*time.Millisecond))
	assert.Equal(t, MaxTimeout, grow(1500*time.Millisecond))
	assert.Equal(t, MaxTimeout, grow(MaxTimeout))
}
