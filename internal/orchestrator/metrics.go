package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting agent-step activity.
type Metrics struct {
	stepDuration     *prometheus.HistogramVec
	stepFailures     *prometheus.CounterVec
	continuationRuns *prometheus.CounterVec
	tasksActive      prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Created only once to avoid duplicate
// registration panics when several orchestrators exist in one process.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance on the provided registerer.
// Pass a fresh registry in tests. Registration errors other than
// AlreadyRegistered panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "orchestrator",
			Name:      "agent_step_duration_seconds",
			Help:      "Duration of each agent step by outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"agent", "status"},
	)
	stepFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "orchestrator",
			Name:      "agent_step_failures_total",
			Help:      "Agent steps that failed, by classified error code.",
		},
		[]string{"agent", "code"},
	)
	continuationRuns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "orchestrator",
			Name:      "continuation_attempts_total",
			Help:      "Continuation-loop attempts per agent.",
		},
		[]string{"agent"},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "orchestrator",
			Name:      "tasks_active",
			Help:      "Tasks currently held by a worker.",
		},
	)

	collectors := []prometheus.Collector{stepDuration, stepFailures, continuationRuns, tasksActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					stepDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case stepFailures:
						stepFailures = already.ExistingCollector.(*prometheus.CounterVec)
					case continuationRuns:
						continuationRuns = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					tasksActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stepDuration:     stepDuration,
		stepFailures:     stepFailures,
		continuationRuns: continuationRuns,
		tasksActive:      tasksActive,
	}
}

func (m *Metrics) ObserveStepDuration(agent, status string, d time.Duration) {
	if m == nil || m.stepDuration == nil {
		return
	}
	m.stepDuration.WithLabelValues(agent, status).Observe(d.Seconds())
}

func (m *Metrics) IncStepFailure(agent, code string) {
	if m == nil || m.stepFailures == nil {
		return
	}
	m.stepFailures.WithLabelValues(agent, code).Inc()
}

func (m *Metrics) IncContinuationAttempt(agent string) {
	if m == nil || m.continuationRuns == nil {
		return
	}
	m.continuationRuns.WithLabelValues(agent).Inc()
}

func (m *Metrics) IncActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Inc()
}

func (m *Metrics) DecActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}
