// Package metrics holds the Prometheus instruments shared by the pipeline,
// the transport and the audio devices.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used with FramesDropped.
const (
	DropFrameSize   = "frame_size"
	DropEncodeError = "encode_error"
	DropDecodeError = "decode_error"
	DropNoQueue     = "no_queue"
	DropShutdown    = "shutdown"
)

// Metrics contains all Prometheus metrics for one voice session
type Metrics struct {
	// Audio path
	FramesCaptured prometheus.Counter
	FramesEncoded  prometheus.Counter
	FramesDecoded  prometheus.Counter
	FramesPlayed   prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	Underruns      prometheus.Counter
	EncodeDuration prometheus.Histogram
	DecodeDuration prometheus.Histogram

	// UDP transport
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	SendErrors      prometheus.Counter
	ReceiveErrors   prometheus.Counter

	// Handoff queues
	QueueDepth *prometheus.GaugeVec
}

// New creates the session metrics and registers them with reg. A nil reg
// leaves them unregistered, which lets several sessions share a process.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	latency := []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01}

	return &Metrics{
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_frames_captured_total",
			Help: "Total number of PCM frames pushed by the capture device",
		}),
		FramesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_frames_encoded_total",
			Help: "Total number of PCM frames encoded into packets",
		}),
		FramesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_frames_decoded_total",
			Help: "Total number of packets decoded into PCM frames",
		}),
		FramesPlayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_frames_played_total",
			Help: "Total number of PCM frames handed to the playback device",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duplex_frames_dropped_total",
			Help: "Total number of frames or packets dropped, by reason",
		}, []string{"reason"}),
		Underruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_playback_underruns_total",
			Help: "Total number of playback callbacks filled with silence",
		}),
		EncodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duplex_encode_duration_seconds",
			Help:    "Time spent encoding one frame",
			Buckets: latency,
		}),
		DecodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duplex_decode_duration_seconds",
			Help:    "Time spent decoding one packet",
			Buckets: latency,
		}),

		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_packets_sent_total",
			Help: "Total number of UDP datagrams written",
		}),
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_packets_received_total",
			Help: "Total number of UDP datagrams received",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_bytes_sent_total",
			Help: "Total number of payload bytes written",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_bytes_received_total",
			Help: "Total number of payload bytes received",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_send_errors_total",
			Help: "Total number of failed datagram writes",
		}),
		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_receive_errors_total",
			Help: "Total number of failed datagram reads",
		}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "duplex_queue_depth",
			Help: "Current number of items waiting in a handoff queue",
		}, []string{"queue"}),
	}
}

// OrNop returns m, or a fresh unregistered set when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}
