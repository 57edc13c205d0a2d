package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Search outcomes: ok, empty, error.
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "musedown",
			Subsystem: "retrieval",
			Name:      "searches_total",
			Help:      "Total candidate searches by outcome",
		},
		[]string{"status"},
	)

	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "musedown",
			Subsystem: "retrieval",
			Name:      "selections_total",
			Help:      "Total selection button presses by result",
		},
		[]string{"result"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "musedown",
			Subsystem: "retrieval",
			Name:      "jobs_total",
			Help:      "Total download jobs by origin and outcome",
		},
		[]string{"origin", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "musedown",
			Subsystem: "retrieval",
			Name:      "job_duration_seconds",
			Help:      "Download job duration in seconds, submission to settlement",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"origin"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "musedown",
			Subsystem: "retrieval",
			Name:      "active_sessions",
			Help:      "Search sessions awaiting a selection",
		},
	)

	TransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "musedown",
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Outbound chat calls that failed and were absorbed",
		},
		[]string{"op"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordSearch(status string) {
	SearchesTotal.WithLabelValues(status).Inc()
}

func RecordSelection(result string) {
	SelectionsTotal.WithLabelValues(result).Inc()
}

// RecordJob records a settled download job
func RecordJob(origin, status string, durationSec float64) {
	JobsTotal.WithLabelValues(origin, status).Inc()
	JobDuration.WithLabelValues(origin).Observe(durationSec)
}

func RecordTransportError(op string) {
	TransportErrorsTotal.WithLabelValues(op).Inc()
}

func SetActiveSessions(n int) {
	ActiveSessions.Set(float64(n))
}
