package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HTTP Metrics
var (
	requests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "report_collector_requests",
		Help: "The total number of received HTTP requests",
	})
	readErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "report_collector_read_errors",
		Help: "The number of HTTP requests that failed with read errors",
	})
	truncatedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "report_collector_truncated_errors",
		Help: "The number of HTTP requests that failed due to truncation for being too large",
	})
	parseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "report_collector_parse_errors",
		Help: "The number of HTTP requests that failed due to JSON parsing or validation errors",
	})
	contentTypeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "report_collector_content_type_errors",
		Help: "The number of HTTP requests rejected for their content type",
	})
	requestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "report_collector_request_latency_seconds",
		Help: "A histogram of request latency",
		// Create buckets from 1ms to 10 seconds, with 10 steps per order of magnitude,
		// or roughly a 25% jump between buckets.
		Buckets: prometheus.ExponentialBucketsRange(0.001, 10.000, 41),
	})
	responseCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_collector_status_codes",
		Help: "The number of each HTTP status code",
	}, []string{"status_code"})
	requestBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "report_collector_request_size_bytes",
		Help: "A histogram of request size",
		// Create buckets from 1 byte to 2 MB with 5 steps per order of magnitude,
		// or roughly a 60% jump between buckets.
		Buckets: prometheus.ExponentialBucketsRange(1, 10000000, 7*5+1),
	})
	requestEntries = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "report_collector_request_size_entries",
		Help: "A histogram of the number of reports per request",
		// Create buckets from 1 to 1000 5 steps per order of magnitude,
		// or roughly a 60% jump between buckets.
		Buckets: prometheus.ExponentialBucketsRange(1, 1000, 3*5+1),
	})
)

// errorBody is one error in an error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Index   *int   `json:"index,omitempty"`
}

type errorResponse struct {
	Errors []errorBody `json:"errors"`
}

// ReportingHandler is a http.Handler that receives Reporting API
// deliveries.
type ReportingHandler struct {
	NumberOfProxies int
	MaxBytes        int64
	Types           *ReportTypes
	Ingester        *Ingester
}

// NewReportingHandler creates a handler accepting the given report
// types.
func NewReportingHandler(in *Ingester, types *ReportTypes) *ReportingHandler {
	return &ReportingHandler{Ingester: in, Types: types}
}

// MaximumBytes() returns the maximum number of bytes allowed in a
// POST request.  Any requests larger than this will fail and return a
// 413.
func (rh *ReportingHandler) MaximumBytes() int64 {
	if rh.MaxBytes > 0 {
		return rh.MaxBytes
	} else {
		return 1 << 20 // 1 MB
	}
}

// clientIP returns the address of the client, taken from
// X-Forwarded-For when behind proxies.
func (rh *ReportingHandler) clientIP(req *http.Request) string {
	if rh.NumberOfProxies > 0 {
		ips := req.Header.Get("X-Forwarded-For")
		addresses := strings.Split(ips, ",")
		if ips != "" && len(addresses) >= rh.NumberOfProxies {
			return strings.TrimSpace(addresses[len(addresses)-rh.NumberOfProxies])
		}
	}
	h, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return h
}

// ServeHTTP handles Reporting API requests.
func (rh *ReportingHandler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	start := time.Now()
	requests.Inc()

	ctx := req.Context()
	span := trace.SpanFromContext(ctx)
	span.AddEvent("Received request")

	client := rh.clientIP(req)
	span.SetAttributes(attribute.String("client_ip", client))

	// recordTime updates requestLatency with the time since this request started.
	recordTime := func() {
		elapsed := time.Since(start)
		requestLatency.Observe(elapsed.Seconds())
	}
	// reply writes a JSON response and updates the status code
	// metrics.
	reply := func(status int, v any) {
		resp.Header().Set("Content-Type", "application/json; charset=utf-8")
		resp.WriteHeader(status)
		if err := json.NewEncoder(resp).Encode(v); err != nil {
			slog.Error("Unable to write response", "error", err, "client", client)
		}
		responseCodes.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
		recordTime()
	}
	// fail handles failures, making sure that the span is
	// updated, an error is returned, and status code metrics are
	// updated.
	fail := func(status int, err error, code, msg string) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		reply(status, errorResponse{Errors: []errorBody{{Code: code, Message: msg}}})
	}

	if req.Method != http.MethodPost {
		resp.Header().Set("Allow", http.MethodPost)
		fail(http.StatusMethodNotAllowed, nil, "method_not_allowed", "POST required")
		return
	}

	limit := rh.MaximumBytes()
	body, err := io.ReadAll(io.LimitReader(req.Body, limit))
	if err != nil {
		readErrors.Inc()
		slog.Error("Unable to read from req.Body", "error", err, "client", client)
		fail(http.StatusBadRequest, err, "read_error", "Read error")
		return
	}

	requestBytes.Observe(float64(len(body)))

	if int64(len(body)) >= limit {
		truncatedErrors.Inc()
		slog.Error("Message truncated", "size", len(body), "client", client)
		fail(http.StatusRequestEntityTooLarge, nil, "too_large", "Too big")
		return
	}

	contentType := MediaType(req.Header.Get("Content-Type"))
	if contentType == ContentTypeCSPReport {
		if polyfilled, ok := PolyfillCSPReport(body, req.UserAgent()); ok {
			span.AddEvent("Polyfilled csp-report")
			body = polyfilled
			contentType = ContentTypeReports
		}
	}
	if contentType != ContentTypeReports {
		contentTypeErrors.Inc()
		slog.Warn("Invalid content type", "content_type", req.Header.Get("Content-Type"), "client", client)
		fail(http.StatusBadRequest, ErrInvalidContentType, "invalid_content_type", "Invalid content type.")
		return
	}

	entries, err := ParseEntries(body, rh.Types)
	if err != nil {
		parseErrors.Inc()
		slog.Error("Unable to parse reports", "error", err, "client", client)
		fail(http.StatusBadRequest, err, "invalid_param", err.Error())
		return
	}

	requestEntries.Observe(float64(len(entries)))
	span.AddEvent(fmt.Sprintf("Storing %d reports", len(entries)))

	ids, err := rh.Ingester.Ingest(ctx, Batch{ContentType: contentType, Entries: entries})
	var berr *BatchError
	switch {
	case errors.As(err, &berr):
		slog.Error("Unable to store reports", "error", err, "client", client)
		out := errorResponse{}
		for _, ee := range berr.Errors {
			out.Errors = append(out.Errors, errorBody{Code: ee.Code, Message: ee.Message, Index: &ee.Index})
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "entries failed")
		reply(berr.Status(), out)
		return
	case errors.Is(err, ErrInvalidContentType):
		fail(http.StatusBadRequest, err, "invalid_content_type", "Invalid content type.")
		return
	case err != nil:
		slog.Error("Unable to store reports", "error", err, "client", client)
		fail(http.StatusInternalServerError, err, "internal_error", "DB Error")
		return
	}

	if ids == nil {
		ids = []int64{}
	}
	span.SetStatus(codes.Ok, "")
	reply(http.StatusOK, ids)
}
