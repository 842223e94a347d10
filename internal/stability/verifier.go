package stability

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/probe"
	"github.com/MrSnakeDoc/cutover/internal/procmgr"
	"github.com/MrSnakeDoc/cutover/internal/resources"
	"github.com/MrSnakeDoc/cutover/internal/utils"
)

const (
	pathAttempts     = 3
	pathInterval     = 300 * time.Millisecond
	timedProbeBudget = 3 * time.Second

	// DefaultWarnThreshold flags a slow root response.
	DefaultWarnThreshold = time.Second
	// DefaultSettleDelay is waited once every check has passed.
	DefaultSettleDelay = 3 * time.Second
)

// StatusReader is the part of the process manager the verifier needs.
type StatusReader interface {
	Status(ctx context.Context, name string) (procmgr.Status, error)
}

// ReadinessWaiter polls one endpoint.
type ReadinessWaiter interface {
	WaitUntilReady(ctx context.Context, ep probe.Endpoint, maxAttempts int, interval time.Duration) (bool, error)
}

// ResourceValidator checks the rendered page and its assets.
type ResourceValidator interface {
	Validate(ctx context.Context, ep probe.Endpoint) (bool, []resources.Failure)
}

// Verdict is the outcome of one stability check.
type Verdict struct {
	ProcessOnline       bool
	RestartCount        int
	EndpointsAccessible bool
	ResourcesValid      bool
	ResponseTime        time.Duration
	SlowResponse        bool
	Overall             bool
}

// Verifier decides whether the new instance is stable enough to take traffic.
type Verifier struct {
	procs       StatusReader
	waiter      ReadinessWaiter
	validator   ResourceValidator // nil disables the resource check
	prober      probe.Prober
	logger      logger.Logger
	settleDelay time.Duration
}

// NewVerifier builds a Verifier. A nil validator skips resource validation.
func NewVerifier(procs StatusReader, waiter ReadinessWaiter, validator ResourceValidator, p probe.Prober, log logger.Logger, settleDelay time.Duration) *Verifier {
	return &Verifier{
		procs:       procs,
		waiter:      waiter,
		validator:   validator,
		prober:      p,
		logger:      log,
		settleDelay: settleDelay,
	}
}

// Verify runs the checks in order and stops at the first failure. Only the
// response time is advisory.
func (v *Verifier) Verify(ctx context.Context, processName string, ep probe.Endpoint, paths []string, warnThreshold time.Duration) Verdict {
	var verdict Verdict
	if warnThreshold <= 0 {
		warnThreshold = DefaultWarnThreshold
	}
	log := v.logger.With(logger.String("process", processName))
	log.Info("checking stability of the new instance", logger.String("host", ep.Address()))

	st, err := v.procs.Status(ctx, processName)
	if err != nil {
		log.Warn("failed to read process status", logger.Error(err))
		return verdict
	}
	verdict.RestartCount = st.Restarts
	if !st.Online {
		log.Warn("process is not online", logger.String("status", st.Status))
		return verdict
	}
	verdict.ProcessOnline = true
	log.Info("process status",
		logger.String("status", st.Status),
		logger.String("uptime", st.Uptime),
		logger.Int("restarts", st.Restarts),
		logger.String("memory", st.Memory))

	for _, path := range paths {
		ok, err := v.waiter.WaitUntilReady(ctx, ep.WithPath(path), pathAttempts, pathInterval)
		if err != nil || !ok {
			log.Warn("path not accessible, the service may not be fully initialised", logger.String("path", path))
			return verdict
		}
	}
	verdict.EndpointsAccessible = true

	if v.validator != nil {
		if ok, _ := v.validator.Validate(ctx, ep); !ok {
			log.Warn("resource validation failed, the application may not be fully loaded")
			return verdict
		}
	}
	verdict.ResourcesValid = true

	res := v.prober.Probe(ctx, ep.WithPath("/"), timedProbeBudget, probe.Options{})
	verdict.ResponseTime = res.Elapsed
	log.Info("root response time", logger.Duration("elapsed", res.Elapsed), logger.String("result", res.String()))
	if res.Elapsed > warnThreshold {
		verdict.SlowResponse = true
		log.Warn("root response is slow, there may be a performance problem",
			logger.Duration("elapsed", res.Elapsed),
			logger.Duration("threshold", warnThreshold))
	}

	log.Info("waiting for the instance to settle", logger.Duration("delay", v.settleDelay))
	if err := utils.Sleep(ctx, v.settleDelay); err != nil {
		log.Warn("stability check interrupted", logger.Error(err))
		return verdict
	}

	verdict.Overall = true
	log.Info("new instance is stable, the old one can be stopped")
	return verdict
}
