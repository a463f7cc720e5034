// Package metrics provides Prometheus instrumentation for sourcewatch.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled     bool
	serviceName string

	// HTTP metrics
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	// Gateway metrics
	gatewayFetchTotal    *prometheus.CounterVec
	gatewaySubscriptions *prometheus.GaugeVec

	// Chain monitor metrics
	blocksProcessedTotal     *prometheus.CounterVec
	contractsDiscoveredTotal *prometheus.CounterVec
	bytecodeRetriesTotal     *prometheus.CounterVec
	blockPollInterval        *prometheus.GaugeVec
	cursorBlock              *prometheus.GaugeVec

	// Verification metrics
	assemblyTotal *prometheus.CounterVec
	matchesTotal  *prometheus.CounterVec
)

// Init initializes the metrics system. Metric names are prefixed with the
// service name.
func Init(enabledFlag bool, svcName string) {
	enabled = enabledFlag
	serviceName = svcName

	if !enabled {
		return
	}

	// HTTP request counter
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTP request duration histogram
	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	gatewayFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "gateway_fetch_total",
			Help:      "Total number of gateway fetch outcomes",
		},
		[]string{"origin", "result"},
	)

	gatewaySubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: serviceName,
			Name:      "gateway_subscriptions",
			Help:      "Number of pending gateway subscriptions",
		},
		[]string{"origin"},
	)

	blocksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "monitor_blocks_processed_total",
			Help:      "Total number of blocks processed",
		},
		[]string{"chain"},
	)

	contractsDiscoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "monitor_contracts_discovered_total",
			Help:      "Total number of contract creations discovered",
		},
		[]string{"chain"},
	)

	bytecodeRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "monitor_bytecode_retries_total",
			Help:      "Total number of empty bytecode retries",
		},
		[]string{"chain"},
	)

	blockPollInterval = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: serviceName,
			Name:      "monitor_block_poll_interval_seconds",
			Help:      "Current adaptive block poll interval",
		},
		[]string{"chain"},
	)

	cursorBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: serviceName,
			Name:      "monitor_cursor_block",
			Help:      "Next block number the monitor will process",
		},
		[]string{"chain"},
	)

	assemblyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "assembly_total",
			Help:      "Total number of contract assembly outcomes",
		},
		[]string{"result"},
	)

	matchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "matches_total",
			Help:      "Total number of stored matches",
		},
		[]string{"chain", "status"},
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

// Enabled returns whether metrics are enabled.
func Enabled() bool {
	return enabled
}
