// Package rollout drives one blue-green cutover from build to retirement of
// the old instance. Every phase before the decision is fatal on error and
// never touches the main instance; the post-warmup checks only produce
// verdicts.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/MrSnakeDoc/cutover/internal/console"
	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/probe"
	"github.com/MrSnakeDoc/cutover/internal/procmgr"
	"github.com/MrSnakeDoc/cutover/internal/stability"
	"github.com/MrSnakeDoc/cutover/internal/stage"
	redisstore "github.com/MrSnakeDoc/cutover/internal/store/redis"
	"github.com/MrSnakeDoc/cutover/internal/tracker"
	"github.com/MrSnakeDoc/cutover/internal/traffic"
	"github.com/MrSnakeDoc/cutover/internal/utils"
	"github.com/MrSnakeDoc/cutover/internal/warmup"
)

const (
	// DefaultRecoveryAttempts and DefaultRecoveryInterval bound the readiness
	// re-checks after a partial warmup and after the cutover.
	DefaultRecoveryAttempts = 5
	DefaultRecoveryInterval = time.Second

	mainWarmupAttempts = 3
	mainWarmupTimeout  = 10 * time.Second
)

var (
	ErrNotRegistered  = errors.New("process is not registered with the process manager")
	ErrNotReady       = errors.New("instance did not become ready")
	ErrWarmupRecovery = errors.New("instance did not recover after an incomplete warmup")
)

// Builder produces the artifacts the main instance is started from.
type Builder interface {
	Build(ctx context.Context) error
}

// Stager assembles the running directory.
type Stager interface {
	Stage(ctx context.Context, p stage.Plan) (stage.Report, error)
}

// ReadinessWaiter polls the root of an instance.
type ReadinessWaiter interface {
	WaitUntilReady(ctx context.Context, ep probe.Endpoint, maxAttempts int, interval time.Duration) (bool, error)
}

// Warmer pre-loads the routes of an instance.
type Warmer interface {
	Warmup(ctx context.Context, ep probe.Endpoint, opts warmup.Options) (warmup.Verdict, error)
}

// StabilityChecker runs one stability check.
type StabilityChecker interface {
	Verify(ctx context.Context, processName string, ep probe.Endpoint, paths []string, warnThreshold time.Duration) stability.Verdict
}

// TrafficChecker samples which instance the proxy routes to.
type TrafficChecker interface {
	Verify(ctx context.Context, ep probe.Endpoint, sampleSize int) (traffic.Verdict, error)
}

// Ledger serialises rollouts of one service and keeps their history.
type Ledger interface {
	Lock(ctx context.Context, service, owner string, ttl time.Duration) error
	Unlock(ctx context.Context, service, owner string) error
	AppendHistory(ctx context.Context, rec redisstore.Record) error
}

// Recorder receives rollout metrics.
type Recorder interface {
	ObservePhase(phase string, d time.Duration)
	ObserveCheck(check string, passed bool, attempts int)
	ObserveRouted(fraction float64)
	ObserveOutcome(outcome string, at time.Time)
}

// Settings is the static description of one rollout.
type Settings struct {
	Service        string
	MainProcess    string
	RunningProcess string
	SourceDir      string
	RunningDir     string
	Ecosystem      string
	PM2Bin         string

	MainEndpoint     probe.Endpoint
	RunningEndpoint  probe.Endpoint
	ExternalEndpoint probe.Endpoint

	SymlinkPaths  []string
	CopyPaths     []string
	CriticalFiles []string

	MaxAttempts   int
	CheckInterval time.Duration

	WarmupPaths    []string
	WarmupAttempts int
	WarmupTimeout  time.Duration
	RequiredPaths  []string

	RegistrationDelay  time.Duration
	NotOnlineWait      time.Duration
	WarmupRecoveryWait time.Duration
	RecoveryAttempts   int
	RecoveryInterval   time.Duration

	StabilityRetries    int
	TrafficRetries      int
	TrafficSampleSize   int
	RetryBaseDelay      time.Duration
	ResponseTimeWarning time.Duration

	LockTTL time.Duration

	SkipBuild bool
	Force     bool
}

func (s Settings) withDefaults() Settings {
	if s.PM2Bin == "" {
		s.PM2Bin = "pm2"
	}
	if s.RecoveryAttempts < 1 {
		s.RecoveryAttempts = DefaultRecoveryAttempts
	}
	if s.RecoveryInterval <= 0 {
		s.RecoveryInterval = DefaultRecoveryInterval
	}
	if s.StabilityRetries < 1 {
		s.StabilityRetries = 1
	}
	if s.TrafficRetries < 1 {
		s.TrafficRetries = 1
	}
	if s.TrafficSampleSize < 1 {
		s.TrafficSampleSize = traffic.DefaultSampleSize
	}
	return s
}

// Deps are the collaborators of a Machine. Ledger, Metrics, Tracker,
// Console and Clock are optional.
type Deps struct {
	Builder   Builder
	Procs     procmgr.Manager
	Stager    Stager
	Waiter    ReadinessWaiter
	Warmer    Warmer
	Stability StabilityChecker
	Traffic   TrafficChecker
	Ledger    Ledger
	Metrics   Recorder
	Tracker   *tracker.Tracker
	Console   *console.Console
	Clock     clock.PassiveClock
	Logger    logger.Logger
}

// Report describes a finished rollout.
type Report struct {
	ID          string
	Service     string
	Outcome     Outcome
	Err         error
	Forced      bool
	Unmet       []string
	Remediation string

	Stability         stability.Verdict
	StabilityAttempts int
	Traffic           traffic.Verdict
	TrafficAttempts   int

	Phases     []tracker.Phase
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Lines renders the report headline as plain text lines.
func (r Report) Lines() []string {
	lines := []string{
		"rollout: " + r.ID,
		"service: " + r.Service,
		"outcome: " + r.Outcome.String(),
	}
	if r.Err != nil {
		lines = append(lines, "error: "+r.Err.Error())
	}
	for _, u := range r.Unmet {
		lines = append(lines, "unmet: "+u)
	}
	if r.Remediation != "" {
		lines = append(lines, "remediation: "+r.Remediation)
	}
	return lines
}

// Machine runs the rollout phases in order. A Machine is single use.
type Machine struct {
	d        Deps
	settings Settings
	id       string
	state    Phase
	locked   bool
	logger   logger.Logger
	console  *console.Console
	tracker  *tracker.Tracker
	metrics  Recorder
	clock    clock.PassiveClock
}

func New(d Deps, s Settings) *Machine {
	id := uuid.NewString()
	m := &Machine{
		d:        d,
		settings: s.withDefaults(),
		id:       id,
		state:    PhaseIdle,
		logger:   d.Logger.With(logger.String("rollout_id", id), logger.String("service", s.Service)),
		console:  d.Console,
		tracker:  d.Tracker,
		metrics:  d.Metrics,
		clock:    d.Clock,
	}
	if m.clock == nil {
		m.clock = clock.RealClock{}
	}
	if m.console == nil {
		m.console = console.NewWriter(io.Discard, false)
	}
	if m.tracker == nil {
		m.tracker = tracker.New(m.clock)
	}
	if m.metrics == nil {
		m.metrics = nopRecorder{}
	}
	return m
}

// ID identifies this rollout in logs, the lock and the history.
func (m *Machine) ID() string { return m.id }

// State is the current phase.
func (m *Machine) State() Phase { return m.state }

// Run executes the rollout. The returned error is a *PhaseError and is set
// exactly when the outcome is Failed.
func (m *Machine) Run(ctx context.Context) (Report, error) {
	rep := Report{
		ID:        m.id,
		Service:   m.settings.Service,
		Forced:    m.settings.Force,
		StartedAt: m.clock.Now(),
	}
	m.tracker.Begin()
	m.logger.Info("rollout started",
		logger.Bool("skip_build", m.settings.SkipBuild),
		logger.Bool("force", m.settings.Force))

	err := m.run(ctx, &rep)
	if err != nil {
		rep.Outcome = Failed
		rep.Err = err
		_ = m.state.transitionTo(PhaseFailed)
	}

	rep.Duration = m.tracker.Finish()
	rep.FinishedAt = m.clock.Now()
	rep.Phases = m.tracker.Phases()
	m.finish(ctx, rep)
	return rep, err
}

func (m *Machine) run(ctx context.Context, rep *Report) error {
	if err := m.step(ctx, PhaseLock, m.lock); err != nil {
		return err
	}
	if m.locked {
		defer m.unlock(ctx)
	}

	steps := []struct {
		phase Phase
		fn    func(context.Context) error
	}{
		{PhaseBuild, m.build},
		{PhaseStartMain, m.startMain},
		{PhaseStageFiles, m.stageFiles},
		{PhaseStartRunning, m.startRunning},
	}
	for _, s := range steps {
		if err := m.step(ctx, s.phase, s.fn); err != nil {
			return err
		}
	}

	var stable, routed bool
	_ = m.step(ctx, PhaseStability, func(ctx context.Context) error {
		stable, rep.StabilityAttempts = m.retry(ctx, "stability", m.settings.StabilityRetries, func(ctx context.Context) bool {
			rep.Stability = m.d.Stability.Verify(ctx, m.settings.RunningProcess, m.settings.RunningEndpoint,
				m.settings.WarmupPaths, m.settings.ResponseTimeWarning)
			return rep.Stability.Overall
		})
		m.metrics.ObserveCheck("stability", stable, rep.StabilityAttempts)
		return nil
	})
	_ = m.step(ctx, PhaseTrafficSplit, func(ctx context.Context) error {
		routed, rep.TrafficAttempts = m.retry(ctx, "traffic split", m.settings.TrafficRetries, func(ctx context.Context) bool {
			return m.verifyTraffic(ctx, rep)
		})
		m.metrics.ObserveCheck("traffic_split", routed, rep.TrafficAttempts)
		return nil
	})

	var cutOver bool
	err := m.step(ctx, PhaseDecision, func(ctx context.Context) error {
		var err error
		cutOver, err = m.decide(ctx, rep, stable, routed)
		return err
	})
	if err != nil {
		return err
	}

	if !cutOver {
		rep.Outcome = HeldForManualReview
		_ = m.state.transitionTo(PhaseHeld)
		_ = m.state.transitionTo(PhaseDone)
		return nil
	}

	if err := m.step(ctx, PhaseRetireOld, m.retireOld); err != nil {
		return err
	}
	_ = m.step(ctx, PhaseVerifyFinal, m.verifyFinal)
	_ = m.state.transitionTo(PhaseDone)
	rep.Outcome = CutOver
	return nil
}

// step moves the machine to phase and times fn. Errors come back as
// *PhaseError.
func (m *Machine) step(ctx context.Context, phase Phase, fn func(context.Context) error) error {
	if err := m.state.transitionTo(phase); err != nil {
		return &PhaseError{Phase: phase, Err: err}
	}

	name := string(phase)
	m.console.Phase(name)
	m.tracker.StartPhase(name)
	err := fn(ctx)
	d := m.tracker.EndPhase(name)
	m.metrics.ObservePhase(name, d)

	if err != nil {
		m.logger.Error("phase failed",
			logger.String("phase", name),
			logger.Duration("elapsed", d),
			logger.Error(err))
		return &PhaseError{Phase: phase, Err: err}
	}
	m.logger.Debug("phase done", logger.String("phase", name), logger.Duration("elapsed", d))
	return nil
}

func (m *Machine) lock(ctx context.Context) error {
	if m.d.Ledger == nil {
		m.console.Muted("deploy lock disabled (no redis configured)")
		return nil
	}
	if err := m.d.Ledger.Lock(ctx, m.settings.Service, m.id, m.settings.LockTTL); err != nil {
		return err
	}
	m.locked = true
	m.console.Success("deploy lock acquired for %s", m.settings.Service)
	return nil
}

func (m *Machine) unlock(ctx context.Context) {
	if err := m.d.Ledger.Unlock(context.WithoutCancel(ctx), m.settings.Service, m.id); err != nil {
		m.logger.Warn("failed to release deploy lock", logger.Error(err))
	}
}

func (m *Machine) build(ctx context.Context) error {
	if m.settings.SkipBuild {
		m.console.Warn("skipping build")
		return nil
	}
	m.console.Info("building %s", m.settings.SourceDir)
	if err := m.d.Builder.Build(ctx); err != nil {
		return err
	}
	m.console.Success("build finished")
	return nil
}

// startOrReload reloads a registered process and starts an unknown one
// from its ecosystem file.
func (m *Machine) startOrReload(ctx context.Context, target procmgr.Target) error {
	registered, err := m.d.Procs.IsRegistered(ctx, target.Name)
	if err != nil {
		return err
	}
	if registered {
		m.console.Info("reloading %s", target.Name)
		return m.d.Procs.Reload(ctx, target.Name)
	}
	m.console.Info("registering %s from %s", target.Name, target.Dir)
	return m.d.Procs.Start(ctx, target)
}

func (m *Machine) requireRegistered(ctx context.Context, name string) error {
	ok, err := m.d.Procs.IsRegistered(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return nil
}

func (m *Machine) startMain(ctx context.Context) error {
	s := m.settings
	target := procmgr.Target{Name: s.MainProcess, Dir: s.SourceDir, Ecosystem: s.Ecosystem}
	if err := m.startOrReload(ctx, target); err != nil {
		return err
	}
	if err := m.requireRegistered(ctx, s.MainProcess); err != nil {
		return err
	}

	ready, err := m.d.Waiter.WaitUntilReady(ctx, s.MainEndpoint, s.MaxAttempts, s.CheckInterval)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("%w: %s at %s", ErrNotReady, s.MainProcess, s.MainEndpoint)
	}

	v, err := m.d.Warmer.Warmup(ctx, s.MainEndpoint, warmup.Options{
		Paths:           s.WarmupPaths,
		AttemptsPerPath: mainWarmupAttempts,
		GlobalTimeout:   mainWarmupTimeout,
		RequiredPaths:   s.RequiredPaths,
	})
	switch {
	case err != nil:
		m.console.Warn("warmup of %s skipped: %v", s.MainProcess, err)
	case !v.Overall():
		m.console.Warn("warmup of %s incomplete (failed: %s)", s.MainProcess, strings.Join(v.Failed, ", "))
	default:
		m.console.Success("%s is serving and warm", s.MainProcess)
	}
	return nil
}

func (m *Machine) stageFiles(ctx context.Context) error {
	s := m.settings
	rep, err := m.d.Stager.Stage(ctx, stage.Plan{
		SourceDir:     s.SourceDir,
		TargetDir:     s.RunningDir,
		SymlinkPaths:  s.SymlinkPaths,
		CopyPaths:     s.CopyPaths,
		CriticalFiles: s.CriticalFiles,
	})
	if err != nil {
		return err
	}

	for _, p := range rep.Skipped {
		m.console.Warn("not found in source, skipped: %s", p)
	}
	if len(rep.MissingCritical) > 0 {
		m.console.Error("critical files missing in %s: %s", s.RunningDir, strings.Join(rep.MissingCritical, ", "))
		m.console.Warn("the running instance may fail to start")
	}
	m.console.Success("staged %s (%d linked, %d copied)", s.RunningDir, len(rep.Linked), len(rep.Copied))
	return nil
}

func (m *Machine) startRunning(ctx context.Context) error {
	s := m.settings
	target := procmgr.Target{Name: s.RunningProcess, Dir: s.RunningDir, Ecosystem: s.Ecosystem}
	if err := m.startOrReload(ctx, target); err != nil {
		return err
	}

	if err := utils.Sleep(ctx, s.RegistrationDelay); err != nil {
		return err
	}
	if err := m.requireRegistered(ctx, s.RunningProcess); err != nil {
		return err
	}

	st, err := m.d.Procs.Status(ctx, s.RunningProcess)
	if err != nil {
		return err
	}
	if !st.Online {
		m.console.Warn("%s is %q, waiting %s", s.RunningProcess, st.Status, s.NotOnlineWait)
		if err := utils.Sleep(ctx, s.NotOnlineWait); err != nil {
			return err
		}
	}

	ready, err := m.d.Waiter.WaitUntilReady(ctx, s.RunningEndpoint, s.MaxAttempts, s.CheckInterval)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("%w: %s at %s", ErrNotReady, s.RunningProcess, s.RunningEndpoint)
	}

	v, err := m.d.Warmer.Warmup(ctx, s.RunningEndpoint, warmup.Options{
		Paths:           s.WarmupPaths,
		AttemptsPerPath: s.WarmupAttempts,
		GlobalTimeout:   s.WarmupTimeout,
		RequiredPaths:   s.RequiredPaths,
	})
	if err != nil {
		return err
	}
	if v.Overall() {
		m.console.Success("%s is ready and warm", s.RunningProcess)
		return nil
	}

	m.console.Warn("warmup incomplete (failed: %s, remaining: %s), re-checking in %s",
		strings.Join(v.Failed, ", "), strings.Join(v.Remaining, ", "), s.WarmupRecoveryWait)
	if err := utils.Sleep(ctx, s.WarmupRecoveryWait); err != nil {
		return err
	}
	ok, err := m.d.Waiter.WaitUntilReady(ctx, s.RunningEndpoint, s.RecoveryAttempts, s.RecoveryInterval)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWarmupRecovery
	}
	m.console.Success("%s responds after the extra wait", s.RunningProcess)
	return nil
}

func (m *Machine) verifyTraffic(ctx context.Context, rep *Report) bool {
	v, err := m.d.Traffic.Verify(ctx, m.settings.ExternalEndpoint, m.settings.TrafficSampleSize)
	if err != nil {
		m.logger.Error("traffic split check could not run", logger.Error(err))
		return false
	}
	rep.Traffic = v
	m.metrics.ObserveRouted(v.RoutedFraction)

	switch v.Level {
	case traffic.Confirmed:
		m.console.Success("%d/%d samples reached the new instance", v.NewInstanceHits, v.SampleSize)
	case traffic.ConfirmedWithWarning:
		m.console.Warn("only %d/%d samples reached the new instance", v.NewInstanceHits, v.SampleSize)
	default:
		m.console.Error("%d/%d samples reached the new instance (%d old, %d failed)",
			v.NewInstanceHits, v.SampleSize, v.OldInstanceHits, v.FailedSamples)
	}
	return v.Overall
}

// retry runs check up to limit times, sleeping base*attempt between tries.
// It returns the last verdict and the number of attempts used.
func (m *Machine) retry(ctx context.Context, name string, limit int, check func(context.Context) bool) (bool, int) {
	for attempt := 1; ; attempt++ {
		if check(ctx) {
			m.console.Success("%s confirmed", name)
			return true, attempt
		}
		if attempt >= limit {
			m.console.Error("%s not confirmed after %d attempts", name, attempt)
			return false, attempt
		}

		delay := m.settings.RetryBaseDelay * time.Duration(attempt)
		m.console.Warn("%s check failed (%d/%d), retrying in %s", name, attempt, limit, delay)
		m.logger.Warn("check failed, retrying",
			logger.String("check", name),
			logger.Int("attempt", attempt),
			logger.Int("limit", limit),
			logger.Duration("delay", delay))
		if err := utils.Sleep(ctx, delay); err != nil {
			return false, attempt
		}
	}
}

// decide reports whether to retire the main instance. Interruption before
// the decision is fatal so that a cancelled run never stops anything.
func (m *Machine) decide(ctx context.Context, rep *Report, stable, routed bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s := m.settings
	if !stable {
		rep.Unmet = append(rep.Unmet, "stability not confirmed: the running instance is unstable, check its logs and resources")
	}
	if !routed {
		rep.Unmet = append(rep.Unmet, "traffic split not confirmed: the proxy does not route to the running instance, check its upstream configuration")
	}

	if len(rep.Unmet) == 0 {
		m.console.Success("all checks passed, cutting over")
		return true, nil
	}

	if s.Force {
		m.logger.Warn("FORCED CUTOVER with unconfirmed checks",
			logger.Bool("stable", stable),
			logger.Bool("routed", routed),
			logger.Strings("unmet", rep.Unmet))
		m.console.Box(console.ToneWarning, "FORCED CUTOVER: checks did not pass", rep.Unmet...)
		return true, nil
	}

	rep.Remediation = fmt.Sprintf("%s stop %s", s.PM2Bin, s.MainProcess)
	m.logger.Warn("rollout held for manual review",
		logger.Strings("unmet", rep.Unmet),
		logger.String("remediation", rep.Remediation))
	lines := append(append([]string{}, rep.Unmet...), "",
		"once the running instance is verified, finish the cutover with:",
		"  "+rep.Remediation)
	m.console.Box(console.ToneError, "HELD: keeping "+s.MainProcess+" online", lines...)
	return false, nil
}

func (m *Machine) retireOld(ctx context.Context) error {
	name := m.settings.MainProcess
	if err := m.d.Procs.Stop(ctx, name); err != nil {
		return err
	}
	m.console.Success("stopped %s", name)
	return nil
}

// verifyFinal is advisory. It never changes the outcome.
func (m *Machine) verifyFinal(ctx context.Context) error {
	s := m.settings
	st, err := m.d.Procs.Status(ctx, s.RunningProcess)
	switch {
	case err != nil:
		m.console.Warn("could not read the status of %s: %v", s.RunningProcess, err)
	case st.Online:
		m.console.Success("%s is online (uptime %s, restarts %d)", s.RunningProcess, st.Uptime, st.Restarts)
	default:
		m.console.Warn("%s is %q, it may be unstable", s.RunningProcess, st.Status)
	}

	ready, err := m.d.Waiter.WaitUntilReady(ctx, s.RunningEndpoint, s.RecoveryAttempts, s.RecoveryInterval)
	if err != nil || !ready {
		m.console.Warn("%s may not be reachable", s.RunningEndpoint)
		return nil
	}
	m.console.Success("%s responds", s.RunningEndpoint)
	return nil
}

func (m *Machine) finish(ctx context.Context, rep Report) {
	m.metrics.ObserveOutcome(rep.Outcome.String(), rep.FinishedAt)

	if m.d.Ledger != nil && m.locked {
		reason := strings.Join(rep.Unmet, "; ")
		if rep.Err != nil {
			reason = rep.Err.Error()
		}
		err := m.d.Ledger.AppendHistory(context.WithoutCancel(ctx), redisstore.Record{
			ID:         rep.ID,
			Service:    rep.Service,
			Outcome:    rep.Outcome.String(),
			Reason:     reason,
			Unmet:      rep.Unmet,
			Forced:     rep.Forced,
			StartedAt:  rep.StartedAt,
			FinishedAt: rep.FinishedAt,
			Duration:   rep.Duration,
		})
		if err != nil {
			m.logger.Warn("failed to record rollout history", logger.Error(err))
		}
	}

	tone := console.ToneInfo
	switch rep.Outcome {
	case HeldForManualReview:
		tone = console.ToneWarning
	case Failed:
		tone = console.ToneError
	}
	m.console.Box(tone, "rollout "+rep.Outcome.String()+" in "+tracker.FormatClock(rep.Duration), m.tracker.Summary()...)

	fields := []logger.Field{
		logger.String("outcome", rep.Outcome.String()),
		logger.Duration("elapsed", rep.Duration),
	}
	if rep.Err != nil {
		m.logger.Error("rollout failed", append(fields, logger.Error(rep.Err))...)
		return
	}
	m.logger.Info("rollout finished", fields...)
}

type nopRecorder struct{}

func (nopRecorder) ObservePhase(string, time.Duration) {}
func (nopRecorder) ObserveCheck(string, bool, int)     {}
func (nopRecorder) ObserveRouted(float64)              {}
func (nopRecorder) ObserveOutcome(string, time.Time)   {}
