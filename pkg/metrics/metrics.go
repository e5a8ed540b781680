// Package metrics exposes Prometheus instrumentation for the orchestrator. It is ambient
// infrastructure, not part of the distilled pipeline contract: the spec's Non-goals exclude
// authentication, multi-tenant isolation, queueing, distributed scheduling, and retries, but say
// nothing about observability, so a long-lived service in this house style still ships it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every collector the orchestrator reports, so handlers can take one value
// instead of reaching for package-level globals.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	SubmissionsAdmitted  *prometheus.CounterVec
	AdmissionConflicts   *prometheus.CounterVec
	CancellationsHandled *prometheus.CounterVec
	ActiveSubmissions    prometheus.Gauge
	PhaseDuration        *prometheus.HistogramVec
	PhaseVerdicts        *prometheus.CounterVec
}

// New creates a fresh, isolated registry (rather than using the global default registerer) so
// tests can spin up independent instances without collisions.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Registerer: reg,
		Gatherer:   reg,
		SubmissionsAdmitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "submissions_admitted_total",
			Help:      "Number of submissions successfully admitted, by project id.",
		}, []string{"project_id"}),
		AdmissionConflicts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "admission_conflicts_total",
			Help:      "Number of submissions rejected due to an admission conflict, by reason.",
		}, []string{"reason"}),
		CancellationsHandled: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "cancellations_total",
			Help:      "Number of cancel requests handled, by resulting status.",
		}, []string{"status"}),
		ActiveSubmissions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "active_submissions",
			Help:      "Number of submissions currently admitted and in flight.",
		}),
		PhaseDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of each pipeline phase.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16),
		}, []string{"phase"}),
		PhaseVerdicts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "phase_verdicts_total",
			Help:      "Terminal phase verdicts, by phase and status.",
		}, []string{"phase", "status"}),
	}

	return r
}
