// Package metrics provides Prometheus metrics for duovoice.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "duovoice"
)

// Metrics contains all Prometheus metrics for a peer or rendezvous process.
type Metrics struct {
	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec

	// Secure stream metrics
	ChatFramesSent     prometheus.Counter
	ChatFramesReceived prometheus.Counter
	ChatBytesSent      prometheus.Counter
	ChatBytesReceived  prometheus.Counter
	StreamErrors       *prometheus.CounterVec

	// Voice path metrics
	VoicePacketsSent     prometheus.Counter
	VoicePacketsReceived prometheus.Counter
	VoicePacketsDropped  *prometheus.CounterVec
	JitterEvictions      prometheus.Counter

	// Rendezvous metrics
	RoomsActive   prometheus.Gauge
	RoomsCreated  prometheus.Counter
	RoomJoins     *prometheus.CounterVec
	RelayBytes    prometheus.Counter
	RelaySessions prometheus.Counter
	CommandErrors prometheus.Counter
	RateLimitHits prometheus.Counter
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
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Time to complete the three-message key exchange",
			Buckets:   prometheus.DefBuckets,
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Handshake failures by reason",
		}, []string{"reason"}),

		ChatFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_frames_sent_total",
			Help:      "Chat frames sent over the secure stream",
		}),
		ChatFramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_frames_received_total",
			Help:      "Chat frames received over the secure stream",
		}),
		ChatBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_bytes_sent_total",
			Help:      "Plaintext bytes sent over the secure stream",
		}),
		ChatBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_bytes_received_total",
			Help:      "Plaintext bytes received over the secure stream",
		}),
		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Secure stream errors by kind (replay, decrypt, frame)",
		}, []string{"kind"}),

		VoicePacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_packets_sent_total",
			Help:      "Voice packets written to the outbound UDP socket",
		}),
		VoicePacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_packets_received_total",
			Help:      "Voice packets accepted from the inbound UDP socket",
		}),
		VoicePacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_packets_dropped_total",
			Help:      "Voice packets dropped by reason (malformed, loopback, late, sink_full)",
		}, []string{"reason"}),
		JitterEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jitter_evictions_total",
			Help:      "Frames evicted from the jitter buffer at capacity",
		}),

		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms currently open on the rendezvous",
		}),
		RoomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Rooms created",
		}),
		RoomJoins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_joins_total",
			Help:      "JOIN attempts by outcome (joined, not_found, full)",
		}, []string{"outcome"}),
		RelayBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes forwarded between paired peers",
		}),
		RelaySessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_sessions_total",
			Help:      "Rooms that reached relay mode",
		}),
		CommandErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Malformed rendezvous commands answered with ERROR",
		}),
		RateLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Connections rejected by the per-IP rate limiter",
		}),
	}
}
