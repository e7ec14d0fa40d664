// Package metrics records migration run metrics on a private Prometheus
// registry. Short-lived CLI runs export them through a node-exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "revmigrate"

// Step outcomes used as the outcome label.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomePlanned   = "planned"
)

// Recorder collects engine metrics. A nil *Recorder discards everything.
type Recorder struct {
	registry *prometheus.Registry

	stepsTotal     *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	lockContention prometheus.Counter
	planSteps      *prometheus.GaugeVec
	lastRun        prometheus.Gauge
}

// NewRecorder registers the migration metrics on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Recorder{
		registry: reg,
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "steps_total",
				Help:      "Total number of migration steps by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of committed or failed migration steps in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"direction"},
		),
		lockContention: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "lock_contention_total",
				Help:      "Number of runs that found the migration lock held",
			},
		),
		planSteps: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "plan_steps",
				Help:      "Number of steps in the last resolved plan by direction",
			},
			[]string{"direction"},
		),
		lastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last completed migration run",
			},
		),
	}

	// Export every step series from the start so an idle run still writes
	// the counters.
	for _, direction := range []string{"upgrade", "downgrade"} {
		for _, outcome := range []string{OutcomeSucceeded, OutcomeFailed, OutcomePlanned} {
			r.stepsTotal.WithLabelValues(direction, outcome)
		}
	}
	return r
}

// Registry exposes the underlying registry, for instance to serve it.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveStep records one executed or planned step.
func (r *Recorder) ObserveStep(direction, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.stepsTotal.WithLabelValues(direction, outcome).Inc()
	if outcome != OutcomePlanned {
		r.stepDuration.WithLabelValues(direction).Observe(d.Seconds())
	}
}

// ObserveLockContention counts a failed lock acquisition.
func (r *Recorder) ObserveLockContention() {
	if r == nil {
		return
	}
	r.lockContention.Inc()
}

// ObservePlan records the size of a resolved plan.
func (r *Recorder) ObservePlan(upgrades, downgrades int) {
	if r == nil {
		return
	}
	r.planSteps.WithLabelValues("upgrade").Set(float64(upgrades))
	r.planSteps.WithLabelValues("downgrade").Set(float64(downgrades))
}

// ObserveRun stamps the completion time of a run.
func (r *Recorder) ObserveRun(at time.Time) {
	if r == nil {
		return
	}
	r.lastRun.Set(float64(at.Unix()))
}

// WriteTextfile writes all metrics to path in the text exposition format.
// The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
