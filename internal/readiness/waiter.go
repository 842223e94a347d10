package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/probe"
	"github.com/MrSnakeDoc/cutover/internal/utils"
)

// DefaultRequestTimeout bounds each readiness request, independent of the
// poll interval.
const DefaultRequestTimeout = 500 * time.Millisecond

// progressEvery controls how often a still-waiting line is logged.
const progressEvery = 5

// ErrNoAttemptBudget is returned when a wait is requested without attempts.
var ErrNoAttemptBudget = errors.New("readiness: maxAttempts must be >= 1")

// Waiter polls an endpoint until it answers with a 2xx or a serving redirect.
type Waiter struct {
	prober         probe.Prober
	logger         logger.Logger
	requestTimeout time.Duration
}

// NewWaiter builds a Waiter. A non-positive requestTimeout falls back to
// DefaultRequestTimeout.
func NewWaiter(p probe.Prober, log logger.Logger, requestTimeout time.Duration) *Waiter {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Waiter{prober: p, logger: log, requestTimeout: requestTimeout}
}

// WaitUntilReady makes at most maxAttempts probes against ep, sleeping
// interval between them. It returns true on the first ready answer and false
// once the budget is spent. The error is non-nil only for an invalid budget
// or a cancelled context.
func (w *Waiter) WaitUntilReady(ctx context.Context, ep probe.Endpoint, maxAttempts int, interval time.Duration) (bool, error) {
	if maxAttempts < 1 {
		return false, fmt.Errorf("%w (got %d)", ErrNoAttemptBudget, maxAttempts)
	}

	w.logger.Info("waiting for service to become ready",
		logger.String("url", ep.URL()),
		logger.Int("max_attempts", maxAttempts))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res := w.prober.Probe(ctx, ep, w.requestTimeout, probe.Options{})
		if res.IsReady() {
			w.logger.Info("service is ready",
				logger.String("url", ep.URL()),
				logger.Int("attempts", attempt))
			return true, nil
		}

		if attempt%progressEvery == 0 {
			w.logger.Info("still waiting for service",
				logger.String("url", ep.URL()),
				logger.Int("attempt", attempt),
				logger.Int("max_attempts", maxAttempts),
				logger.String("last_result", res.String()))
		}

		if attempt == maxAttempts {
			break
		}
		if err := utils.Sleep(ctx, interval); err != nil {
			return false, fmt.Errorf("readiness wait interrupted: %w", err)
		}
	}

	w.logger.Warn("max attempts reached, service may not be ready yet",
		logger.String("url", ep.URL()),
		logger.Int("max_attempts", maxAttempts))
	return false, nil
}
