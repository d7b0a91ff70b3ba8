package collector

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingestion metrics
var (
	reportsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "report_collector_reports_created",
		Help: "The number of new distinct reports stored",
	})
	logsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "report_collector_logs_created",
		Help: "The number of report occurrences stored",
	})
	entryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_collector_entry_errors",
		Help: "The number of report entries that failed, by error code",
	}, []string{"code"})
)

// RunMetricsServer creates an HTTP server that listens on the supplied
// `addr` and serves Prometheus metrics on `/metrics`.  Under normal
// circumstances, this will not return until server shutdown.
func RunMetricsServer(addr string) error {
	metricMux := http.NewServeMux()
	metricMux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, metricMux)
}
