package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_enqueued_total", Help: "Jobs enqueued"})
	EnqueueDuplicates   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_enqueue_duplicates_total", Help: "Enqueues short-circuited by idempotency key"})
	ClaimsGranted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_claims_granted_total", Help: "Jobs successfully claimed by workers"})
	ClaimRaceLosses     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_claim_race_losses_total", Help: "Claim attempts that lost the owner CAS to a concurrent claimer"})
	CallbackCompletions = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_callback_completions_total", Help: "Completion callbacks accepted"})
	CallbackFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_callback_failures_total", Help: "Failure callbacks accepted"})
	FinalizeMismatch    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_finalize_mismatch_total", Help: "Queue finalizations that failed after a successful business write"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_rate_limit_rejects_total", Help: "Callbacks rejected by the per-worker rate limiter"})
	WaitingJobsGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_waiting_jobs", Help: "Waiting jobs across all queues"})
	HealthStatusGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_health_status", Help: "Overall health: 0 healthy, 1 degraded, 2 unhealthy"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			EnqueueDuplicates,
			ClaimsGranted,
			ClaimRaceLosses,
			CallbackCompletions,
			CallbackFailures,
			FinalizeMismatch,
			RateLimitRejects,
			WaitingJobsGauge,
			HealthStatusGauge,
		)
	})
	return promhttp.Handler()
}
