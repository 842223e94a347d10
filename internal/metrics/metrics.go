package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/MrSnakeDoc/cutover/internal/probe"
)

const namespace = "cutover"

// Recorder collects the metrics of one rollout in its own registry. A
// rollout is a short-lived batch job, so the registry is pushed to a
// Pushgateway instead of being scraped.
type Recorder struct {
	registry *prometheus.Registry
	service  string

	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram
	phaseDuration *prometheus.GaugeVec
	checks        *prometheus.GaugeVec
	checkAttempts *prometheus.GaugeVec
	routed        prometheus.Gauge
	outcome       *prometheus.GaugeVec
	finished      prometheus.Gauge
}

func New(service string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		service:  service,
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "HTTP probes sent, by result class",
		}, []string{"result"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Latency of settled HTTP probes",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5},
		}),
		phaseDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of each rollout phase",
		}, []string{"phase"}),
		checks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "check_passed",
			Help:      "Final verdict of each post-warmup check (1 passed, 0 failed)",
		}, []string{"check"}),
		checkAttempts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "check_attempts",
			Help:      "Attempts used by each post-warmup check",
		}, []string{"check"}),
		routed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routed_fraction",
			Help:      "Fraction of sampled requests answered by the new instance",
		}),
		outcome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rollout_outcome",
			Help:      "1 for the outcome of the last rollout",
		}, []string{"outcome"}),
		finished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rollout_finished_timestamp_seconds",
			Help:      "Unix time the last rollout finished",
		}),
	}

	r.registry.MustRegister(
		r.probes, r.probeDuration, r.phaseDuration,
		r.checks, r.checkAttempts, r.routed, r.outcome, r.finished,
	)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveProbe has the probe.Observer signature.
func (r *Recorder) ObserveProbe(_ probe.Endpoint, res probe.Result) {
	r.probes.WithLabelValues(resultClass(res)).Inc()
	r.probeDuration.Observe(res.Elapsed.Seconds())
}

func resultClass(res probe.Result) string {
	switch {
	case !res.Responded():
		return string(res.Failure)
	case res.StatusCode >= 500:
		return "5xx"
	case res.StatusCode >= 400:
		return "4xx"
	case res.StatusCode >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func (r *Recorder) ObservePhase(phase string, d time.Duration) {
	r.phaseDuration.WithLabelValues(phase).Set(d.Seconds())
}

func (r *Recorder) ObserveCheck(check string, passed bool, attempts int) {
	v := 0.0
	if passed {
		v = 1
	}
	r.checks.WithLabelValues(check).Set(v)
	r.checkAttempts.WithLabelValues(check).Set(float64(attempts))
}

func (r *Recorder) ObserveRouted(fraction float64) {
	r.routed.Set(fraction)
}

func (r *Recorder) ObserveOutcome(outcome string, at time.Time) {
	r.outcome.Reset()
	r.outcome.WithLabelValues(outcome).Set(1)
	r.finished.Set(float64(at.Unix()))
}

// Push sends every collected metric to the Pushgateway at url under job,
// grouped by service. It replaces the previous push of the same group.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	err := push.New(url, job).
		Gatherer(r.registry).
		Grouping("service", r.service).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
