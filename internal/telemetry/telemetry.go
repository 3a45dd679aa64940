// Package telemetry exposes Prometheus collectors for the analysis service.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitelens_http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitelens_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitelens_jobs_total",
			Help: "Total number of jobs reaching a terminal state, labeled by status.",
		},
		[]string{"status"},
	)

	jobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitelens_jobs_submitted_total",
			Help: "Total number of admitted jobs, labeled by caller class.",
		},
		[]string{"class"},
	)

	quotaRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitelens_quota_rejections_total",
			Help: "Total number of submissions rejected by quota, labeled by caller class.",
		},
		[]string{"class"},
	)

	enqueueFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sitelens_enqueue_failures_total",
			Help: "Total admitted jobs whose queue hand-off failed and was left to the recovery sweep.",
		},
	)

	recoverySweepActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitelens_recovery_sweep_actions_total",
			Help: "Total recovery sweep actions, labeled by action (requeued, failed, reenqueued).",
		},
		[]string{"action"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitelens_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitelens_queue_depth",
			Help: "Number of jobs waiting in the queue.",
		},
	)

	jobDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitelens_job_duration_seconds",
			Help:    "Histogram of end-to-end job processing durations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the terminal job counter for the given status
// and records its processing duration.
func ObserveJob(status string, duration time.Duration) {
	jobsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		jobDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveSubmission increments the admitted-job counter for a class.
func ObserveSubmission(class string) {
	jobsSubmittedTotal.WithLabelValues(class).Inc()
}

// ObserveQuotaRejection increments the quota rejection counter.
func ObserveQuotaRejection(class string) {
	quotaRejectionsTotal.WithLabelValues(class).Inc()
}

// ObserveEnqueueFailure increments the lost hand-off counter.
func ObserveEnqueueFailure() {
	enqueueFailuresTotal.Inc()
}

// ObserveSweepAction increments the recovery sweep counter for an action.
func ObserveSweepAction(action string) {
	recoverySweepActionsTotal.WithLabelValues(action).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetQueueDepth records the current queue depth.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}
