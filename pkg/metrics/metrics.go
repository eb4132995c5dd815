package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gossip metrics.
	GossipMessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrenswarm_gossip_messages_sent_total",
			Help: "Total gossip messages broadcast, by message family",
		},
		[]string{"family"},
	)

	GossipMessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrenswarm_gossip_messages_dropped_total",
			Help: "Total gossip messages dropped, by reason",
		},
		[]string{"reason"},
	)

	GossipMessagesDeduped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenswarm_gossip_messages_deduped_total",
			Help: "Total gossip messages discarded as already-seen",
		},
	)

	AntiEntropyRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenswarm_anti_entropy_rounds_total",
			Help: "Total pull anti-entropy rounds initiated",
		},
	)

	// Task and agent gauges.
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warrenswarm_tasks_by_status",
			Help: "Current number of tasks in each lifecycle state",
		},
		[]string{"status"},
	)

	AgentsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warrenswarm_agents_by_status",
			Help: "Current number of agents in each status",
		},
		[]string{"status"},
	)

	// Dispatcher metrics.
	DispatcherCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenswarm_dispatcher_cycles_total",
			Help: "Total dispatcher wake cycles executed",
		},
	)

	DispatcherCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warrenswarm_dispatcher_cycle_duration_seconds",
			Help:    "Time taken for one dispatcher cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksAssignedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrenswarm_tasks_assigned_total",
			Help: "Total tasks assigned to agents, local or remote",
		},
		[]string{"locality"},
	)

	TasksOverflowedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenswarm_tasks_overflowed_total",
			Help: "Total tasks offered to the broker as bounties after local capacity was exhausted",
		},
	)

	// Integrator metrics.
	MergeAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrenswarm_merge_attempts_total",
			Help: "Total integration merge attempts, by outcome",
		},
		[]string{"outcome"},
	)

	MergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warrenswarm_merge_duration_seconds",
			Help:    "Time taken by one merge-test-retry integration attempt",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	// Election metrics.
	ElectionRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenswarm_election_rounds_total",
			Help: "Total leader-election rounds started",
		},
	)

	IsEmperor = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrenswarm_is_emperor",
			Help: "Whether this node currently believes it is the emperor (1) or not (0)",
		},
	)

	// Broker / marketplace metrics.
	ReputationScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warrenswarm_reputation_score",
			Help: "Current reputation score for a remote node",
		},
		[]string{"node_id"},
	)

	BountiesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warrenswarm_bounties_by_status",
			Help: "Current number of bounties in each status",
		},
		[]string{"status"},
	)

	RelayMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrenswarm_relay_messages_total",
			Help: "Total inter-swarm RELAY envelopes processed, by outcome",
		},
		[]string{"outcome"},
	)

	// Transport metrics.
	PeerConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrenswarm_peer_connections_total",
			Help: "Current number of established peer connections",
		},
	)

	FramesReadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenswarm_frames_read_errors_total",
			Help: "Total frame decode errors that closed a connection",
		},
	)
)

func init() {
	prometheus.MustRegister(
		GossipMessagesSent,
		GossipMessagesDropped,
		GossipMessagesDeduped,
		AntiEntropyRoundsTotal,
		TasksByStatus,
		AgentsByStatus,
		DispatcherCyclesTotal,
		DispatcherCycleDuration,
		TasksAssignedTotal,
		TasksOverflowedTotal,
		MergeAttemptsTotal,
		MergeDuration,
		ElectionRoundsTotal,
		IsEmperor,
		ReputationScore,
		BountiesByStatus,
		RelayMessagesTotal,
		PeerConnectionsTotal,
		FramesReadErrorsTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
