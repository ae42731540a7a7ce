package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RegistrationsTotal counts register RPCs by result (created, existing, heartbeat, error).
	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunsearch_registrations_total",
			Help: "Total number of search registrations",
		},
		[]string{"result"},
	)
	// ActiveSearches is the number of running live searches.
	ActiveSearches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bunsearch_active_searches",
			Help: "Number of live searches currently watching a table",
		},
	)
	// EvaluationsTotal counts query evaluations by table and status.
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunsearch_evaluations_total",
			Help: "Total number of live search evaluations",
		},
		[]string{"table", "status"},
	)
	// EvaluationDuration is the latency of one evaluation.
	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bunsearch_evaluation_duration_seconds",
			Help:    "Live search evaluation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)
	// ListPublishesTotal counts result lists written to the transport.
	ListPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunsearch_list_publishes_total",
			Help: "Total number of result lists published",
		},
		[]string{"status"},
	)
	// FeedReopensTotal counts change feeds reopened after ending unexpectedly.
	FeedReopensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunsearch_feed_reopens_total",
			Help: "Total number of change feed reopen attempts",
		},
		[]string{"table", "status"},
	)
	// HeartbeatFailuresTotal counts heartbeat round trips that did not complete.
	HeartbeatFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bunsearch_heartbeat_failures_total",
			Help: "Total number of failed heartbeats",
		},
	)
)

// Status maps an error to the status label used by the counters.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
