// Package metrics holds the Prometheus collectors for streams and codecs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telem_streams_active",
			Help: "Number of open message streams",
		},
		[]string{"role"},
	)

	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telem_streams_total",
			Help: "Total number of message streams by outcome",
		},
		[]string{"role", "target", "outcome"},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telem_messages_total",
			Help: "Total number of stream messages",
		},
		[]string{"direction", "kind"},
	)

	FrameCodecBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telem_frame_codec_bytes_total",
			Help: "Bytes processed by the binary frame path",
		},
		[]string{"op"},
	)

	HandshakeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telem_handshake_duration_seconds",
			Help:    "Time from dial to receiving the open message",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	RelayFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telem_relay_frames_total",
			Help: "Frames accepted from writers and delivered or dropped for streamers",
		},
		[]string{"result"},
	)
)

// Stream outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)
