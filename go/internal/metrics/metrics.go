package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	dbQueryDuration *prometheus.HistogramVec
	dbQueryErrors   *prometheus.CounterVec

	redisCmdDuration *prometheus.HistogramVec
	redisCmdErrors   *prometheus.CounterVec

	businessDuration *prometheus.HistogramVec
	businessErrors   *prometheus.CounterVec

	certificatesProduced *prometheus.CounterVec
	verificationFailures *prometheus.CounterVec
	messagesSubmitted    prometheus.Counter
	messagesFolded       *prometheus.CounterVec
	ledgerSubmissions    *prometheus.CounterVec
	highestMessageID     prometheus.Gauge
)

func counterVec(ns, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
}

func histogramVec(ns, name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
}

// Init registers every collector on the default registry. Until it is called
// the Observe/Inc helpers are no-ops, which keeps tests free of global state.
func Init(serviceName string) {
	ns := serviceName

	httpRequests = counterVec(ns, "http_requests_total", "Total number of HTTP requests", "path", "method", "status")
	httpDuration = histogramVec(ns, "http_request_duration_seconds", "HTTP request duration in seconds", "path", "method")
	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "http_in_flight_requests",
		Help:      "Current number of in-flight HTTP requests",
	})

	dbQueryDuration = histogramVec(ns, "db_query_duration_seconds", "MySQL query duration in seconds", "query")
	dbQueryErrors = counterVec(ns, "db_query_errors_total", "MySQL query errors", "query")

	redisCmdDuration = histogramVec(ns, "redis_command_duration_seconds", "Redis command duration in seconds", "cmd")
	redisCmdErrors = counterVec(ns, "redis_command_errors_total", "Redis command errors", "cmd")

	// genesis, step, fold, process_batch
	businessDuration = histogramVec(ns, "operation_duration_seconds", "Batch operation duration in seconds", "operation")
	businessErrors = counterVec(ns, "operation_errors_total", "Failed batch operations", "operation")

	certificatesProduced = counterVec(ns, "certificates_produced_total", "Certificates produced, by program method", "method")
	verificationFailures = counterVec(ns, "verification_failures_total", "Certificates that failed verification, by stage", "stage")
	messagesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "messages_submitted_total",
		Help:      "Messages accepted on the submission path",
	})
	messagesFolded = counterVec(ns, "messages_folded_total", "Messages folded into a chain, by validity", "valid")
	ledgerSubmissions = counterVec(ns, "ledger_submissions_total", "Final certificates submitted to the ledger, by outcome", "outcome")
	highestMessageID = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "highest_message_id",
		Help:      "Persisted highest message id",
	})
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// InstrumentHandler is a middleware; path is the route pattern, not the raw
// URL, so batch ids do not explode label cardinality.
func InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if httpRequests == nil {
			next.ServeHTTP(w, r)
			return
		}
		method := r.Method
		httpInFlight.Inc()
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w}
		next.ServeHTTP(rw, r)
		duration := time.Since(start).Seconds()
		status := "0"
		if rw.status != 0 {
			status = strconv.Itoa(rw.status)
		}
		httpRequests.WithLabelValues(path, method, status).Inc()
		httpDuration.WithLabelValues(path, method).Observe(duration)
		httpInFlight.Dec()
	})
}

func observe(h *prometheus.HistogramVec, c *prometheus.CounterVec, label string, start time.Time, err error) {
	if h != nil {
		h.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}
	if err != nil && c != nil {
		c.WithLabelValues(label).Inc()
	}
}

func ObserveDB(query string, start time.Time, err error) {
	observe(dbQueryDuration, dbQueryErrors, query, start, err)
}

func ObserveRedis(cmd string, start time.Time, err error) {
	observe(redisCmdDuration, redisCmdErrors, cmd, start, err)
}

// ObserveBusiness times a batch operation: genesis, step, fold or process_batch.
func ObserveBusiness(operation string, start time.Time, err error) {
	observe(businessDuration, businessErrors, operation, start, err)
}

func IncCertificates(method string) {
	if certificatesProduced != nil {
		certificatesProduced.WithLabelValues(method).Inc()
	}
}

func IncVerificationFailures(stage string) {
	if verificationFailures != nil {
		verificationFailures.WithLabelValues(stage).Inc()
	}
}

func IncMessagesSubmitted() {
	if messagesSubmitted != nil {
		messagesSubmitted.Inc()
	}
}

func IncMessagesFolded(valid bool) {
	if messagesFolded != nil {
		messagesFolded.WithLabelValues(strconv.FormatBool(valid)).Inc()
	}
}

// ObserveLedger records one processBatch outcome: applied, stale or rejected.
func ObserveLedger(outcome string, highest uint64) {
	if ledgerSubmissions != nil {
		ledgerSubmissions.WithLabelValues(outcome).Inc()
	}
	if highestMessageID != nil && outcome != "rejected" {
		highestMessageID.Set(float64(highest))
	}
}
