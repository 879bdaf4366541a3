// Package metrics provides Prometheus metrics for the relay (RED + WebSocket + gate + tool + audio).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicerelay"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		},
		[]string{"method", "path"},
	)

	// WebSocketConnectionsActive is current number of active relay sessions.
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections_active",
			Help:      "Number of active browser<->upstream relay sessions.",
		},
	)

	// WebSocketMessagesSentTotal counts WebSocket messages sent, by peer.
	WebSocketMessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_messages_sent_total",
			Help:      "Total number of WebSocket messages sent, by peer (browser|upstream).",
		},
		[]string{"peer"},
	)

	// WebSocketMessagesReceivedTotal counts WebSocket messages received, by peer.
	WebSocketMessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_messages_received_total",
			Help:      "Total number of WebSocket messages received, by peer (browser|upstream).",
		},
		[]string{"peer"},
	)

	// WebSocketMessageSizeBytes tracks WebSocket message sizes.
	WebSocketMessageSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "websocket_message_size_bytes",
			Help:      "WebSocket message size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 12),
		},
		[]string{"direction"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current upstream circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"upstream"},
	)

	// CircuitBreakerTransitionsTotal counts circuit breaker state transitions.
	CircuitBreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions.",
		},
		[]string{"upstream", "from_state", "to_state"},
	)

	// CircuitBreakerFailuresTotal counts circuit breaker failures.
	CircuitBreakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_failures_total",
			Help:      "Total number of upstream acquire failures observed by the circuit breaker.",
		},
		[]string{"upstream"},
	)

	// GateLatencySeconds measures time spent handling each gate callback, by gate number and outcome.
	GateLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_latency_seconds",
			Help:      "Latency of gate processing, by gate (1, 2, 3) and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"gate", "outcome"},
	)

	// ToolDispatchTotal counts tool executions by function name and outcome.
	ToolDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_dispatch_total",
			Help:      "Total number of tool dispatches by function name and outcome.",
		},
		[]string{"function_name", "outcome"},
	)

	// AudioPacketLossRatio is a histogram of per-session packet loss ratios, observed at session close.
	AudioPacketLossRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_packet_loss_ratio",
			Help:      "Distribution of per-session audio packet loss ratios at session close.",
			Buckets:   prometheus.LinearBuckets(0, 0.05, 10),
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the fixed-window rate limiter.
	RateLimitRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejected_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		},
	)

	// IdempotencyHitsTotal counts duplicate gate callbacks served from the idempotency cache.
	IdempotencyHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_hits_total",
			Help:      "Total number of gate callbacks served from the idempotency cache.",
		},
	)
)
