package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_sessions_active",
		Help: "Number of live websocket sessions",
	})

	SessionDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_session_disconnects_total",
		Help: "Session disconnects by cause",
	}, []string{"cause"})

	HandshakeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_handshake_rejections_total",
		Help: "Rejected websocket handshakes by verification code",
	}, []string{"code"})

	PresenceWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_presence_writes_total",
		Help: "Presence store operations",
	}, []string{"op", "status"})

	HeartbeatExtends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_heartbeat_extends_total",
		Help: "Presence TTL extensions driven by heartbeats",
	})

	OutboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_outbound_events_total",
		Help: "Events written to websocket sessions",
	}, []string{"type"})

	OutboundDedupeHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_outbound_dedupe_hits_total",
		Help: "Outbound events suppressed by the per-session dedupe window",
	})

	ReplayServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_replay_served_total",
		Help: "Resume replays by source",
	}, []string{"source"})

	MessagesProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_messages_produced_total",
		Help: "Envelopes appended to the message log",
	}, []string{"status"})

	AckCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_ack_cache_hits_total",
		Help: "Sends answered from the short-lived ack cache",
	})

	ProduceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meridian_produce_duration_seconds",
		Help:    "Validate-and-append latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_messages_consumed_total",
		Help: "Envelopes processed by partition consumers",
	}, []string{"status"})

	ConsumerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_consumer_retries_total",
		Help: "Envelope retries after transient persistence failures",
	})

	DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_dead_lettered_total",
		Help: "Envelopes moved to dead letter streams",
	})

	StreamPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meridian_stream_pending",
		Help: "Unacknowledged entries per partition",
	}, []string{"partition"})

	PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meridian_persist_duration_seconds",
		Help:    "Per-envelope persistence latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	FanoutQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_fanout_queue_depth",
		Help: "Events waiting in the fanout queue",
	})

	DBPoolAcquired = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meridian_db_pool_acquired",
		Help: "Connections currently acquired from a pool",
	}, []string{"pool"})

	DBPoolTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meridian_db_pool_total",
		Help: "Total connections held by a pool",
	}, []string{"pool"})

	DBPoolExhaustions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_db_pool_exhaustions_total",
		Help: "Acquire attempts that found the pool saturated",
	}, []string{"pool"})

	DBPoolSaturation = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meridian_db_pool_saturation",
		Help: "Acquired connections as a fraction of the pool maximum",
	}, []string{"pool"})

	DBPoolAcquireWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_db_pool_acquire_wait_seconds",
		Help:    "Mean connection acquire wait per sampling interval",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"pool"})

	TxDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meridian_db_tx_duration_seconds",
		Help:    "Transaction latency including begin and commit",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	ReplicaLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_replica_lag_seconds",
		Help: "Most recent measured replica lag",
	})

	ReplicaLagBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_replica_lag_bytes",
		Help: "WAL bytes received but not yet replayed on the replica",
	})

	ReplicaHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_replica_healthy",
		Help: "Whether reads may be routed to the replica (1 healthy, 0 not)",
	})

	ReplicaBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_replica_breaker_state",
		Help: "Replica circuit breaker state (0 closed, 1 half open, 2 open)",
	})

	ReplicaFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_replica_fallbacks_total",
		Help: "Read queries routed to the primary while the replica is out",
	})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_cache_requests_total",
		Help: "Result cache lookups",
	}, []string{"entity", "outcome"})

	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_presence_transitions_total",
		Help: "Users transitioning between online and offline",
	}, []string{"state"})
)
