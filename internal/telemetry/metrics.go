package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsTotal         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "patch_jobs_total", Help: "Jobs finished, by verdict"}, []string{"verdict"})
	JobErrors         = prometheus.NewCounter(prometheus.CounterOpts{Name: "patch_job_errors_total", Help: "Jobs aborted by an infrastructure error"})
	ArtifactsTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "patch_artifacts_total", Help: "Artifact kinds settled, by kind and state"}, []string{"kind", "state"})
	SubunitFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "patch_subunit_failures_total", Help: "Sub-unit compute failures"}, []string{"kind"})
	DeletesTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "patch_deletes_total", Help: "Delete calls issued to the artifact store"}, []string{"kind"})
	PhaseDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "patch_phase_seconds", Help: "Duration of delete and repopulate phases", Buckets: prometheus.ExponentialBuckets(0.1, 4, 10)}, []string{"phase"})
	InFlightJobs      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "patch_jobs_inflight", Help: "Jobs currently being patched"})
	PartitionsSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "patch_partitions_skipped_total", Help: "Partitions skipped because another process holds their lock"})
	JobsRegistered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "patch_jobs_registered_total", Help: "Jobs newly registered through the API"})
)

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsTotal,
			JobErrors,
			ArtifactsTotal,
			SubunitFailures,
			DeletesTotal,
			PhaseDuration,
			InFlightJobs,
			PartitionsSkipped,
			JobsRegistered,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
