package traffic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/probe"
	"github.com/MrSnakeDoc/cutover/internal/utils"
)

const (
	DefaultIdentityPath = "/api/server-identity"
	DefaultSampleSize   = 10
	DefaultTimeout      = 2 * time.Second
	DefaultSampleDelay  = 300 * time.Millisecond

	// ConfirmedFraction and WarningFraction split the routed fraction into levels.
	ConfirmedFraction = 0.9
	WarningFraction   = 0.5

	newInstanceID = "running"
	oldInstanceID = "main"
)

var ErrNoSamples = errors.New("traffic: sampleSize must be >= 1")

// Level grades how much traffic reaches the new instance.
type Level int

const (
	NotConfirmed Level = iota
	ConfirmedWithWarning
	Confirmed
)

func (l Level) String() string {
	switch l {
	case Confirmed:
		return "confirmed"
	case ConfirmedWithWarning:
		return "confirmed-with-warning"
	default:
		return "not-confirmed"
	}
}

// LevelFor applies the threshold policy to a routed fraction.
func LevelFor(fraction float64) Level {
	switch {
	case fraction >= ConfirmedFraction:
		return Confirmed
	case fraction >= WarningFraction:
		return ConfirmedWithWarning
	default:
		return NotConfirmed
	}
}

// Verdict summarises one sampling run.
type Verdict struct {
	NewInstanceHits int
	OldInstanceHits int
	FailedSamples   int
	SampleSize      int
	RoutedFraction  float64
	Level           Level
	Overall         bool
}

// Options tune the sampling. Zero values take the defaults.
type Options struct {
	IdentityPath string
	Timeout      time.Duration
	SampleDelay  time.Duration
}

// Verifier samples the public endpoint to see which instance the load
// balancer routes to.
type Verifier struct {
	prober probe.Prober
	logger logger.Logger
	opts   Options
	nonce  func() string
}

func NewVerifier(p probe.Prober, log logger.Logger, opts Options) *Verifier {
	if opts.IdentityPath == "" {
		opts.IdentityPath = DefaultIdentityPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SampleDelay < 0 {
		opts.SampleDelay = 0
	}
	return &Verifier{prober: p, logger: log, opts: opts, nonce: uuid.NewString}
}

type identity struct {
	ID string `json:"id"`
}

// Verify sends sampleSize sequential requests to the identity endpoint.
// Errors, non-2xx answers, bad JSON and unknown ids count as failed samples.
func (v *Verifier) Verify(ctx context.Context, ep probe.Endpoint, sampleSize int) (Verdict, error) {
	if sampleSize < 1 {
		return Verdict{}, fmt.Errorf("%w (got %d)", ErrNoSamples, sampleSize)
	}
	v.logger.Info("checking load balancer routing", logger.String("url", ep.WithPath(v.opts.IdentityPath).URL()))

	verdict := Verdict{SampleSize: sampleSize}
	for i := 0; i < sampleSize; i++ {
		if i > 0 {
			if err := utils.Sleep(ctx, v.opts.SampleDelay); err != nil {
				return Verdict{}, fmt.Errorf("traffic sampling interrupted: %w", err)
			}
		}

		target := ep.WithPath(v.opts.IdentityPath + "?_=" + v.nonce())
		switch v.sample(ctx, target) {
		case newInstanceID:
			verdict.NewInstanceHits++
		case oldInstanceID:
			verdict.OldInstanceHits++
		default:
			verdict.FailedSamples++
		}
	}

	verdict.RoutedFraction = float64(verdict.NewInstanceHits) / float64(sampleSize)
	verdict.Level = LevelFor(verdict.RoutedFraction)
	verdict.Overall = verdict.Level != NotConfirmed

	v.logVerdict(verdict)
	return verdict, nil
}

// sample returns the instance id of one answer, or "" when it has none.
func (v *Verifier) sample(ctx context.Context, ep probe.Endpoint) string {
	res := v.prober.Probe(ctx, ep, v.opts.Timeout, probe.Options{KeepBody: true})
	if !res.Is2xx() {
		v.logger.Debug("identity sample failed", logger.String("result", res.String()))
		return ""
	}
	var id identity
	if err := json.Unmarshal(res.Body, &id); err != nil {
		v.logger.Debug("identity sample is not json", logger.Error(err))
		return ""
	}
	return id.ID
}

func (v *Verifier) logVerdict(vd Verdict) {
	v.logger.Info("traffic split sampled",
		logger.Int("new_instance_hits", vd.NewInstanceHits),
		logger.Int("old_instance_hits", vd.OldInstanceHits),
		logger.Int("failed", vd.FailedSamples),
		logger.Int("samples", vd.SampleSize))

	pct := vd.RoutedFraction * 100
	switch vd.Level {
	case Confirmed:
		v.logger.Info("load balancer routes most traffic to the new instance", logger.Float64("percent", pct))
	case ConfirmedWithWarning:
		v.logger.Warn("load balancer routes only part of the traffic to the new instance", logger.Float64("percent", pct))
	default:
		v.logger.Error("load balancer does not route most traffic to the new instance", logger.Float64("percent", pct))
	}
}
