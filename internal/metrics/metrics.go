// Package metrics declares the Prometheus instrumentation for the tunnel
// client, built with promauto the way vango's pkg/middleware/metrics.go
// wires its own collectors: one constructor, one registry, no singletons
// hidden behind package-level init magic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nrgotun"

// Metrics holds every collector the supervisor and its components update.
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	FramesEncodedTotal  *prometheus.CounterVec
	FramesDecodedTotal  *prometheus.CounterVec
	HandshakeDuration   prometheus.Histogram
	RudpBytesSent       prometheus.Counter
	RudpBytesReceived   prometheus.Counter
	TCPAcceptErrors     prometheus.Counter
	KeepalivesSentTotal prometheus.Counter
}

// New registers and returns the full metric set against registry. The
// command and the tests each pass a fresh prometheus.NewRegistry(), which
// avoids collisions between parallel test runs.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of local TCP connections currently multiplexed over the RUDP session.",
		}),
		FramesEncodedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_encoded_total",
			Help:      "Total multiplexer frames encoded for send, by frame type.",
		}, []string{"type"}),
		FramesDecodedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Total multiplexer frames decoded from the RUDP session, by frame type.",
		}, []string{"type"}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time spent completing the conv handshake with upstream.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10},
		}),
		RudpBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rudp_bytes_sent_total",
			Help:      "Total bytes of encoded data frames handed to the RUDP engine for sending.",
		}),
		RudpBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rudp_bytes_received_total",
			Help:      "Total bytes read from the upstream UDP socket.",
		}),
		TCPAcceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_accept_errors_total",
			Help:      "Total errors returned by the local TCP listener's Accept call.",
		}),
		KeepalivesSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Total KEEPALIVE control frames sent to upstream.",
		}),
	}
}
