// Package metrics provides Prometheus metrics for the whisp SSH server
// core. Metrics are a passive sink: the connection state machine writes to
// them, but no core behavior ever branches on their value.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "whisp"

// Metrics contains all Prometheus metrics for the SSH core.
type Metrics struct {
	// Connection lifecycle
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	Disconnects       *prometheus.CounterVec // label: reason

	// Key exchange
	KexTotal        prometheus.Counter
	KexFailures     prometheus.Counter
	RekeysTotal     prometheus.Counter
	KexLatency      prometheus.Histogram

	// Authentication
	AuthAttempts *prometheus.CounterVec // labels: method, outcome

	// Channels
	ChannelsActive prometheus.Gauge
	ChannelsOpened prometheus.Counter
	ChannelErrors  *prometheus.CounterVec // label: reason

	// Data transfer
	BytesFromClient prometheus.Counter
	BytesToClient   prometheus.Counter

	// Parse/framing errors
	ParseFailures prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered against
// a custom registry, so tests can use their own prometheus.Registry and
// avoid colliding with other tests registering the same metric names.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active SSH connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted SSH connections",
		}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total disconnections by reason",
		}, []string{"reason"}),

		KexTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kex_total",
			Help:      "Total key exchanges completed (initial + rekey)",
		}),
		KexFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kex_failures_total",
			Help:      "Total failed key exchanges",
		}),
		RekeysTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekeys_total",
			Help:      "Total rekeys completed",
		}),
		KexLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kex_latency_seconds",
			Help:      "Histogram of key exchange latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total authentication attempts by method and outcome",
		}, []string{"method", "outcome"}),

		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of currently open channels",
		}),
		ChannelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_opened_total",
			Help:      "Total channels opened",
		}),
		ChannelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_errors_total",
			Help:      "Total channel-level errors by reason",
		}, []string{"reason"}),

		BytesFromClient: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_from_client_total",
			Help:      "Total bytes received from clients",
		}),
		BytesToClient: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_to_client_total",
			Help:      "Total bytes sent to clients",
		}),

		ParseFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Total packet framing/parse failures",
		}),
	}
}
