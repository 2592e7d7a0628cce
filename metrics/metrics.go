package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions number of registered sessions by transport kind
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushgate_active_sessions",
			Help: "Number of currently registered sessions",
		},
		[]string{"kind"},
	)

	// SessionsTornDown sessions removed from the registry, by reason
	SessionsTornDown = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_sessions_torn_down_total",
			Help: "Total number of sessions removed from the registry",
		},
		[]string{"reason"},
	)

	// TopicMessagesDelivered messages queued for delivery by the topic broker
	TopicMessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_topic_messages_delivered_total",
			Help: "Total number of topic messages handed to subscriber sessions",
		},
		[]string{"policy"},
	)

	// TopicDeliveryFailures failed topic deliveries
	TopicDeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_topic_delivery_failures_total",
			Help: "Total number of topic deliveries which failed and tore down the session",
		},
	)

	// MarketTicksDropped superseded market data messages dropped from full queues
	MarketTicksDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_market_ticks_dropped_total",
			Help: "Total number of market data messages dropped for a newer one",
		},
	)

	// PublishDuration time taken to fan out one publish
	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pushgate_publish_duration_seconds",
			Help:    "Time taken to fan out a topic publish",
			Buckets: prometheus.DefBuckets,
		},
	)

	// OrderEventsPushed order event push results
	OrderEventsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_order_events_pushed_total",
			Help: "Total number of order event deliveries by result",
		},
		[]string{"result"},
	)

	// HeartbeatEvictions sessions evicted for inactivity
	HeartbeatEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_heartbeat_evictions_total",
			Help: "Total number of sessions evicted after missing heartbeats",
		},
	)

	// HeartbeatProbeFailures probes which failed with a SchedulerError
	HeartbeatProbeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_heartbeat_probe_failures_total",
			Help: "Total number of liveness probes which failed",
		},
	)

	// TicksIngested upstream price ticks by source and result
	TicksIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_ticks_ingested_total",
			Help: "Total number of upstream price ticks received",
		},
		[]string{"source", "result"},
	)

	// HandshakeFailures connections rejected before registration
	HandshakeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_handshake_failures_total",
			Help: "Total number of connections rejected during handshake",
		},
		[]string{"endpoint"},
	)
)
