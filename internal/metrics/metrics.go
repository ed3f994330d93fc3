// Package metrics provides Prometheus metrics for powermole.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "powermole"
)

// Metrics contains all Prometheus metrics for the instructor.
type Metrics struct {
	// Frame metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  prometheus.Counter

	// Heartbeat metrics
	HeartbeatPings  prometheus.Counter
	HeartbeatPongs  prometheus.Counter
	HeartbeatMisses prometheus.Counter
	HeartbeatRTT    prometheus.Histogram

	// Transfer metrics
	ChunksSent     prometheus.Counter
	ChunksAcked    prometheus.Counter
	TransferBytes  prometheus.Counter
	JobsCompleted  *prometheus.CounterVec

	// Command metrics
	CommandsSent   prometheus.Counter
	CommandsFailed prometheus.Counter

	// Session metrics
	SessionOutcomes *prometheus.CounterVec
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

	return &Metrics{
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames written to the tunneled connection by kind",
		}, []string{"kind"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames read from the tunneled connection by kind",
		}, []string{"kind"}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "HELLO to HELLO_ACK latency",
			Buckets:   prometheus.DefBuckets,
		}),
		HandshakeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total failed session handshakes",
		}),

		HeartbeatPings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_pings_total",
			Help:      "Total heartbeat pings sent",
		}),
		HeartbeatPongs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_pongs_total",
			Help:      "Total matching heartbeat pongs received",
		}),
		HeartbeatMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_misses_total",
			Help:      "Total heartbeat ticks without a matching pong",
		}),
		HeartbeatRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Heartbeat round-trip time",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_chunks_sent_total",
			Help:      "Total file chunks sent",
		}),
		ChunksAcked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_chunks_acked_total",
			Help:      "Total file chunks acknowledged OK",
		}),
		TransferBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Total file bytes acknowledged by the agent",
		}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_jobs_total",
			Help:      "Total transfer jobs by terminal status",
		}, []string{"status"}),

		CommandsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Total COMMAND frames sent",
		}),
		CommandsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_failed_total",
			Help:      "Total commands that timed out or were rejected",
		}),

		SessionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Total sessions by final outcome",
		}, []string{"outcome"}),
	}
}
