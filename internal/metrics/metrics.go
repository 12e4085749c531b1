// Package metrics provides Prometheus metrics for udprpc.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udprpc"
)

// Metrics contains all Prometheus metrics for the daemon.
type Metrics struct {
	// Transport metrics
	DatagramsReceived prometheus.Counter
	DatagramsSent     prometheus.Counter
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter
	SendErrors        prometheus.Counter

	// Dispatch metrics
	DispatchRejects     *prometheus.CounterVec
	HandlerInvocations  *prometheus.CounterVec
	HandlerErrors       prometheus.Counter
	HandlerLatency      prometheus.Histogram
	ResponsesSent       prometheus.Counter
	ErrorRepliesDropped prometheus.Counter

	// Client metrics
	RequestsTotal    prometheus.Counter
	RequestsInflight prometheus.Gauge
	NotifiesTotal    prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Transport metrics
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total number of UDP datagrams received",
		}),
		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total number of UDP datagrams sent",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received over UDP",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent over UDP",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total OS-level send failures",
		}),

		// Dispatch metrics
		DispatchRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_rejects_total",
			Help:      "Total datagrams rejected before handler invocation, by reason",
		}, []string{"reason"}),
		HandlerInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_invocations_total",
			Help:      "Total handler invocations by command",
		}, []string{"command"}),
		HandlerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Total handler invocations that reported an error",
		}),
		HandlerLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_latency_seconds",
			Help:      "Time from datagram receipt to handler completion",
			Buckets:   prometheus.DefBuckets,
		}),
		ResponsesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_sent_total",
			Help:      "Total response datagrams sent to callers",
		}),
		ErrorRepliesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_replies_dropped_total",
			Help:      "Total error replies suppressed by the rate limiter",
		}),

		// Client metrics
		RequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total requests dispatched",
		}),
		RequestsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_inflight",
			Help:      "Number of requests currently awaiting responses",
		}),
		NotifiesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifies_total",
			Help:      "Total fire-and-forget notifies sent",
		}),
	}

	return m
}
