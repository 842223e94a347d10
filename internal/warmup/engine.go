package warmup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/probe"
	"github.com/MrSnakeDoc/cutover/internal/utils"
)

const (
	// BaseTimeout is the probe timeout of the first batch.
	BaseTimeout = 300 * time.Millisecond
	// MaxTimeout caps the adaptive probe timeout.
	MaxTimeout = 2 * time.Second
	// TimeoutGrowth multiplies the probe timeout after a batch with a failure.
	TimeoutGrowth = 1.5

	fastCadence    = 100 * time.Millisecond
	slowCadence    = 200 * time.Millisecond
	fastCadenceMin = 0.7
)

var (
	ErrNoAttemptBudget = errors.New("warmup: attemptsPerPath must be >= 1")
	ErrNoDeadline      = errors.New("warmup: global timeout must be > 0")
	ErrNoPaths         = errors.New("warmup: no paths to warm up")
)

// Options describes one warmup run.
type Options struct {
	Paths           []string
	AttemptsPerPath int
	GlobalTimeout   time.Duration
	// RequiredPaths must all succeed. They are probed even when missing from Paths.
	RequiredPaths []string
}

// Progress is reported after every batch. Observability only.
type Progress struct {
	Batch     int
	Completed int
	Total     int
	Succeeded int
	Timeout   time.Duration
}

// Verdict is the immutable outcome of a warmup run.
type Verdict struct {
	Successful             []string
	Failed                 []string
	Remaining              []string
	RequiredPathsSatisfied bool
	Elapsed                time.Duration
}

// Overall is true when every required path succeeded and no path failed.
// Paths still pending at the deadline that are not required stay in
// Remaining and do not count against the run.
func (v Verdict) Overall() bool {
	return v.RequiredPathsSatisfied && len(v.Failed) == 0
}

// pathState is the per-path attempt bookkeeping of a single run.
type pathState struct {
	attemptsUsed int
	succeeded    bool
	failed       bool
}

// Engine warms an instance up by probing a set of paths in concurrent batches.
type Engine struct {
	prober     probe.Prober
	logger     logger.Logger
	onProgress func(Progress)
}

// NewEngine builds an Engine. onProgress may be nil.
func NewEngine(p probe.Prober, log logger.Logger, onProgress func(Progress)) *Engine {
	return &Engine{prober: p, logger: log, onProgress: onProgress}
}

// Warmup runs batches until every path is resolved, attempts run out or
// the global deadline passes.
func (e *Engine) Warmup(ctx context.Context, ep probe.Endpoint, opts Options) (Verdict, error) {
	required := normalize(opts.RequiredPaths)
	paths := normalize(append(append([]string{}, opts.Paths...), required...))
	switch {
	case opts.AttemptsPerPath < 1:
		return Verdict{}, fmt.Errorf("%w (got %d)", ErrNoAttemptBudget, opts.AttemptsPerPath)
	case opts.GlobalTimeout <= 0:
		return Verdict{}, ErrNoDeadline
	case len(paths) == 0:
		return Verdict{}, ErrNoPaths
	}

	e.logger.Info("warming up service",
		logger.String("host", ep.Address()),
		logger.Int("paths", len(paths)),
		logger.Int("attempts_per_path", opts.AttemptsPerPath),
		logger.Duration("timeout", opts.GlobalTimeout))

	start := time.Now()
	deadline := start.Add(opts.GlobalTimeout)
	state := make(map[string]*pathState, len(paths))
	for _, p := range paths {
		state[p] = &pathState{}
	}

	timeout := BaseTimeout
	timedOut := false
	for batch := 1; ; batch++ {
		pending := selectPending(paths, state, opts.AttemptsPerPath)
		if len(pending) == 0 {
			break
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			timedOut = true
			break
		}

		results := e.probeBatch(ctx, ep, pending, timeout)

		anyFailure := false
		for i, path := range pending {
			st := state[path]
			st.attemptsUsed++
			if results[i].Is2xx() {
				st.succeeded = true
				continue
			}
			anyFailure = true
			e.logger.Warn("warmup path not ready",
				logger.String("path", path),
				logger.Int("attempt", st.attemptsUsed),
				logger.String("result", results[i].String()))
			if st.attemptsUsed >= opts.AttemptsPerPath {
				st.failed = true
			}
		}
		if anyFailure {
			timeout = grow(timeout)
		}

		succeeded, completed := tally(state)
		e.report(Progress{
			Batch:     batch,
			Completed: completed,
			Total:     len(paths),
			Succeeded: succeeded,
			Timeout:   timeout,
		})
		if len(selectPending(paths, state, opts.AttemptsPerPath)) == 0 {
			break
		}

		cadence := slowCadence
		if float64(succeeded)/float64(len(paths)) > fastCadenceMin {
			cadence = fastCadence
		}
		if remaining := time.Until(deadline); remaining < cadence {
			cadence = remaining
		}
		if err := utils.Sleep(ctx, cadence); err != nil {
			timedOut = true
			break
		}
	}

	v := buildVerdict(paths, required, state, timedOut, time.Since(start))
	e.logSummary(v, timedOut, opts.GlobalTimeout)
	return v, nil
}

// probeBatch probes every pending path concurrently and waits for all of
// them. Each goroutine writes only its own slot.
func (e *Engine) probeBatch(ctx context.Context, ep probe.Endpoint, pending []string, timeout time.Duration) []probe.Result {
	results := make([]probe.Result, len(pending))
	var g errgroup.Group
	for i, path := range pending {
		i, path := i, path
		g.Go(func() error {
			results[i] = e.prober.Probe(ctx, ep.WithPath(path), timeout, probe.Options{})
			return nil
		})
	}
	_ = g.Wait() // probes never return errors; failures live in the results
	return results
}

func (e *Engine) report(p Progress) {
	if p.Completed > 0 {
		e.logger.Info("warmup in progress",
			logger.Int("completed", p.Completed),
			logger.Int("total", p.Total),
			logger.Int("succeeded", p.Succeeded))
	}
	if e.onProgress != nil {
		e.onProgress(p)
	}
}

func (e *Engine) logSummary(v Verdict, timedOut bool, limit time.Duration) {
	if timedOut {
		e.logger.Warn("warmup time limit exceeded",
			logger.Duration("limit", limit),
			logger.Strings("remaining", v.Remaining))
	}

	e.logger.Infof("warmup summary: total=%d succeeded=%d failed=%d remaining=%d elapsed=%.1fs",
		len(v.Successful)+len(v.Failed)+len(v.Remaining),
		len(v.Successful), len(v.Failed), len(v.Remaining), v.Elapsed.Seconds())

	if !v.RequiredPathsSatisfied {
		e.logger.Error("required warmup paths did not succeed")
	}
	if v.Overall() {
		e.logger.Info("warmup complete, all paths answered",
			logger.Duration("elapsed", v.Elapsed))
	} else {
		e.logger.Warn("warmup partially complete, some paths had problems",
			logger.Strings("failed", v.Failed))
	}
}

func selectPending(paths []string, state map[string]*pathState, attempts int) []string {
	var pending []string
	for _, p := range paths {
		st := state[p]
		if st.succeeded || st.failed || st.attemptsUsed >= attempts {
			continue
		}
		pending = append(pending, p)
	}
	return pending
}

func tally(state map[string]*pathState) (succeeded, completed int) {
	for _, st := range state {
		if st.succeeded {
			succeeded++
		}
		if st.succeeded || st.failed {
			completed++
		}
	}
	return succeeded, completed
}

func grow(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * TimeoutGrowth)
	if next > MaxTimeout {
		return MaxTimeout
	}
	return next
}

func buildVerdict(paths, required []string, state map[string]*pathState, timedOut bool, elapsed time.Duration) Verdict {
	isRequired := make(map[string]bool, len(required))
	for _, p := range required {
		isRequired[p] = true
	}

	v := Verdict{Elapsed: elapsed}
	for _, p := range paths {
		st := state[p]
		switch {
		case st.succeeded:
			v.Successful = append(v.Successful, p)
		case st.failed:
			v.Failed = append(v.Failed, p)
		case timedOut && isRequired[p]:
			v.Failed = append(v.Failed, p)
		default:
			v.Remaining = append(v.Remaining, p)
		}
	}

	v.RequiredPathsSatisfied = true
	for _, p := range required {
		if !state[p].succeeded {
			v.RequiredPathsSatisfied = false
			break
		}
	}
	return v
}

// normalize makes every path absolute the way probes send it and drops
// blanks and duplicates, keeping first-seen order.
func normalize(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		p = probe.NormalizePath(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
