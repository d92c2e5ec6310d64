package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "gedebridge_"

	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	deviceRequests *prometheus.CounterVec
	deviceLatency  *prometheus.HistogramVec
	authRetries    *prometheus.CounterVec

	tokenCache *prometheus.CounterVec

	mappingRebuilds *prometheus.CounterVec
	mappingMeters   prometheus.Gauge

	batchRuns  *prometheus.CounterVec
	batchItems *prometheus.CounterVec

	exportTotal *prometheus.CounterVec
)

// Init registers the bridge metrics with the default prometheus registry. It
// is safe to call more than once. Helpers are no-ops until Init is called.
func Init() {
	registerOnce.Do(func() {
		deviceRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_requests_total",
				Help: "Total concentrator requests by operation and status class",
			},
			[]string{"op", "status"},
		)
		deviceLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "device_request_latency_seconds",
				Help:    "Concentrator request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		)
		authRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_auth_retries_total",
				Help: "Commands retried after the concentrator rejected the token",
			},
			[]string{"op"},
		)
		tokenCache = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "token_cache_total",
				Help: "Token cache lookups by result",
			},
			[]string{"result"},
		)
		mappingRebuilds = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "mapping_rebuilds_total",
				Help: "Concentrator mapping rebuilds by result",
			},
			[]string{"result"},
		)
		mappingMeters = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "mapping_meters",
				Help: "Meters present in the current concentrator mapping",
			},
		)
		batchRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_runs_total",
				Help: "Massive order runs by relay action",
			},
			[]string{"action"},
		)
		batchItems = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_items_total",
				Help: "Massive order items by result",
			},
			[]string{"result"},
		)
		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Report exports by format and result",
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			deviceRequests,
			deviceLatency,
			authRetries,
			tokenCache,
			mappingRebuilds,
			mappingMeters,
			batchRuns,
			batchItems,
			exportTotal,
		)
	})
}

// ObserveDeviceRequest records one request made to a concentrator.
func ObserveDeviceRequest(op string, status int, duration time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if deviceRequests != nil {
		deviceRequests.WithLabelValues(op, statusClass(status)).Inc()
	}
	if deviceLatency != nil {
		deviceLatency.WithLabelValues(op).Observe(duration.Seconds())
	}
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// IncAuthRetry counts a command retried with a fresh token.
func IncAuthRetry(op string) {
	if authRetries != nil {
		authRetries.WithLabelValues(op).Inc()
	}
}

// IncTokenCache counts a token cache hit or miss.
func IncTokenCache(hit bool) {
	if tokenCache == nil {
		return
	}
	if hit {
		tokenCache.WithLabelValues("hit").Inc()
	} else {
		tokenCache.WithLabelValues("miss").Inc()
	}
}

// ObserveMappingRebuild records a mapping rebuild and the resulting size.
func ObserveMappingRebuild(result string, meters int) {
	if result == "" {
		result = ResultSuccess
	}
	if mappingRebuilds != nil {
		mappingRebuilds.WithLabelValues(result).Inc()
	}
	if mappingMeters != nil && result == ResultSuccess {
		mappingMeters.Set(float64(meters))
	}
}

// ObserveBatch records a finished massive order run.
func ObserveBatch(action string, ok, failed int) {
	if batchRuns != nil {
		batchRuns.WithLabelValues(action).Inc()
	}
	if batchItems != nil {
		batchItems.WithLabelValues(ResultSuccess).Add(float64(ok))
		batchItems.WithLabelValues(ResultError).Add(float64(failed))
	}
}

// IncExport counts a generated export document.
func IncExport(format, result string) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = ResultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
}
