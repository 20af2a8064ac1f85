package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpdatesProcessed tracks accepted location updates by assigned priority.
	UpdatesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_updates_processed_total",
		Help: "Location updates accepted through the pipeline, by priority",
	}, []string{"priority"})

	// UpdatesThrottled tracks updates dropped by the throttle engine.
	UpdatesThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_updates_throttled_total",
		Help: "Location updates dropped before persistence, by reason",
	}, []string{"reason"}) // interval, battery, rate_limit

	// PipelineDuration tracks the end-to-end latency of the critical path.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "convoy_pipeline_duration_seconds",
		Help:    "Duration of one processUpdate pass through the pipeline",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	// SequenceAllocated tracks per-journey sequence counter increments.
	SequenceAllocated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_sequence_allocated_total",
		Help: "Total sequence numbers allocated across journeys",
	})

	// ConnectedClients tracks the number of live realtime sessions.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convoy_connected_clients",
		Help: "Current number of connected realtime clients",
	})

	// RoomMembers tracks the size of each journey room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "convoy_room_members",
		Help: "Current number of connections subscribed to a journey room",
	}, []string{"journey_id"})

	// FramesSent tracks outbound realtime frames by event type.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_frames_sent_total",
		Help: "Outbound realtime frames emitted, by event",
	}, []string{"event"})

	// FramesDropped tracks frames dropped against saturated client queues.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_frames_dropped_total",
		Help: "Outbound frames dropped due to slow-client backpressure",
	}, []string{"event"})

	// HeartbeatTimeouts tracks sessions closed for missed heartbeats.
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_heartbeat_timeouts_total",
		Help: "Realtime sessions closed after heartbeat timeout",
	})

	// DeliveryRetries tracks retry attempts of pending HIGH-priority envelopes.
	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_delivery_retries_total",
		Help: "Redelivery attempts for unacknowledged high-priority updates",
	})

	// DeliveryGiveUps tracks envelopes dropped after exhausting retries.
	DeliveryGiveUps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_delivery_giveups_total",
		Help: "Pending envelopes dropped after max retry attempts",
	})

	// AcksProcessed tracks subscriber acknowledgements applied to cursors.
	AcksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_acks_processed_total",
		Help: "Subscriber acknowledgements that advanced a cursor",
	})

	// ActiveLagAlerts tracks currently active lag alerts per journey.
	ActiveLagAlerts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "convoy_active_lag_alerts",
		Help: "Currently active lag alerts",
	}, []string{"journey_id", "severity"})

	// LagAlertsCreated tracks lag alert lifecycle events.
	LagAlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_lag_alerts_total",
		Help: "Lag alert lifecycle events",
	}, []string{"event"}) // created, upgraded, resolved

	// ArrivalsDetected tracks participants transitioned to ARRIVED.
	ArrivalsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_arrivals_detected_total",
		Help: "Participants detected as arrived at the destination",
	})

	// RateLimited tracks updates rejected by the per-user write limit.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_rate_limited_total",
		Help: "Requests rejected by rate limiting",
	}, []string{"surface"}) // pipeline, gateway

	// RedisLatency tracks cache operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "convoy_redis_roundtrip_latency_seconds",
		Help:    "Cache operation latency (hot-path health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// CacheWriteFailures tracks best-effort hot-cache writes that failed.
	CacheWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_cache_write_failures_total",
		Help: "Best-effort cache writes that failed and were logged",
	}, []string{"kind"})

	// RosterRebuilds tracks roster cache reconciliations from the store.
	RosterRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_roster_rebuilds_total",
		Help: "Roster cache rebuilds triggered by detected inconsistency",
	})

	// ResyncRequests tracks subscriber-initiated resyncs.
	ResyncRequests = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "convoy_resync_gap_size",
		Help:    "Number of records returned per resync request",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 to ~512
	})
)
