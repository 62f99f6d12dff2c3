package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ScansStarted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "scanfleet_scans_started_total", Help: "Scan requests accepted"})
	ProjectsDiscovered = prometheus.NewCounter(prometheus.CounterOpts{Name: "scanfleet_projects_discovered_total", Help: "Projects enumerated from providers"})
	DiscoveryRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scanfleet_discovery_retries_total", Help: "Provider listings retried after an API error"})
	JobsEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "scanfleet_jobs_enqueued_total", Help: "Jobs pushed to the queue"})
	JobsSucceeded      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scanfleet_jobs_succeeded_total", Help: "Jobs completed successfully"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "scanfleet_jobs_failed_total", Help: "Job attempts reported as failed"})
	ScannerFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scanfleet_scanner_failures_total", Help: "Individual scanner runs that failed or timed out"})
	LeaseReclaims      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scanfleet_lease_reclaims_total", Help: "Expired leases rolled back to queued"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scanfleet_rate_limit_rejects_total", Help: "Scan requests rejected by the rate limiter"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scanfleet_queue_depth", Help: "Ready queue depth"})
	JobsInFlight       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scanfleet_jobs_inflight", Help: "Jobs currently leased by workers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ScansStarted,
			ProjectsDiscovered,
			DiscoveryRetries,
			JobsEnqueued,
			JobsSucceeded,
			JobsFailed,
			ScannerFailures,
			LeaseReclaims,
			RateLimitRejects,
			QueueDepthGauge,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}
