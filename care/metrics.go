package care

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reporter metrics
var (
	reportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "care_reports_total",
		Help: "The number of reports attempted, by hook",
	}, []string{"hook"})
	reportsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "care_reports_skipped_total",
		Help: "The number of reports dropped because no API key is configured",
	})
	reportFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "care_report_failures_total",
		Help: "The number of reports that failed to send, by reason",
	}, []string{"reason"})
	reportLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "care_report_latency_seconds",
		Help: "A histogram of time spent sending a report",
		// 1ms to 30s, 10 steps per order of magnitude.
		Buckets: prometheus.ExponentialBucketsRange(0.001, 30.000, 46),
	})
)

// Client ingest metrics
var (
	clientReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "care_client_reports_total",
		Help: "The number of browser reports received, by response status code",
	}, []string{"status_code"})
	clientReportBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "care_client_report_size_bytes",
		Help: "A histogram of browser report size",
		// 1 byte to 2 MB, 5 steps per order of magnitude.
		Buckets: prometheus.ExponentialBucketsRange(1, 2000000, 7*5+1),
	})
)

// RunMetricsServer creates an HTTP server that listens on the supplied
// `addr` and serves Prometheus metrics on `/metrics`.  Under normal
// circumstances, this will not return until server shutdown.
func RunMetricsServer(addr string) error {
	metricMux := http.NewServeMux()
	metricMux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, metricMux)
}
