package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessiond_sessions_total",
			Help: "Total number of sessions by state",
		},
		[]string{"state"},
	)

	SessionsRegisteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessiond_sessions_registered_total",
			Help: "Total number of sessions ever registered",
		},
	)

	SessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessiond_sessions_expired_total",
			Help: "Total number of sessions that reached EXPIRED",
		},
	)

	PendingEventsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessiond_pending_events",
			Help: "Total unacknowledged events buffered across all sessions",
		},
	)

	// Resource metrics
	ResourceInstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessiond_resource_instances_total",
			Help: "Live resource state-machine instances by type_id",
		},
		[]string{"type_id"},
	)

	CommandsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_commands_applied_total",
			Help: "Total commands applied by resource type_id",
		},
		[]string{"type_id"},
	)

	QueriesServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_queries_served_total",
			Help: "Total queries served by consistency level",
		},
		[]string{"consistency"},
	)

	// Buffer pool metrics
	BufferPoolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessiond_buffer_pool_in_use",
			Help: "Buffers currently checked out of the pool",
		},
	)

	BufferPoolExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessiond_buffer_pool_exhausted_total",
			Help: "Total non-blocking acquire attempts that found the pool exhausted",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessiond_raft_is_leader",
			Help: "Whether this replica is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessiond_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLastIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessiond_raft_last_index",
			Help: "Last Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessiond_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessiond_raft_apply_duration_seconds",
			Help:    "Time taken to append and commit a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transport metrics
	TransportRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_transport_requests_total",
			Help: "Total envelopes handled by transport and message type",
		},
		[]string{"transport", "message_type"},
	)

	TransportRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessiond_transport_request_duration_seconds",
			Help:    "Envelope handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport", "message_type"},
	)
)

func init() {
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionsRegisteredTotal)
	prometheus.MustRegister(SessionsExpiredTotal)
	prometheus.MustRegister(PendingEventsGauge)
	prometheus.MustRegister(ResourceInstancesTotal)
	prometheus.MustRegister(CommandsAppliedTotal)
	prometheus.MustRegister(QueriesServedTotal)
	prometheus.MustRegister(BufferPoolInUse)
	prometheus.MustRegister(BufferPoolExhaustedTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLastIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(TransportRequestsTotal)
	prometheus.MustRegister(TransportRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
