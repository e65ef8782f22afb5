package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Client core
	FramesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_frames_routed_total",
			Help: "Inbound frames routed, by event kind",
		},
		[]string{"kind"},
	)

	FramesMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_frames_malformed_total",
			Help: "Inbound frames dropped because they could not be decoded",
		},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_messages_sent_total",
			Help: "Outbound messages, by result",
		},
		[]string{"result"}, // sent, failed, resent, dropped
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts",
		},
	)

	ReconnectFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_reconnect_failures_total",
			Help: "Times the reconnect budget was exhausted",
		},
	)

	Receipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_receipts_total",
			Help: "Read and delivery receipts, by type and direction",
		},
		[]string{"type", "direction"},
	)

	HistoryFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_history_fetch_total",
			Help: "Historical page fetches, by result",
		},
		[]string{"result"}, // ok, timeout, error
	)

	// Relay
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatcore_relay_connections",
			Help: "Open relay websocket connections",
		},
	)

	RelayFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_relay_frames_total",
			Help: "Frames accepted by the relay, by event",
		},
		[]string{"event"},
	)

	RelayRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_relay_rate_limited_total",
			Help: "Frames rejected by relay rate limits",
		},
		[]string{"event"},
	)

	RelayStoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatcore_relay_store_latency_seconds",
			Help:    "Relay store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)
)
