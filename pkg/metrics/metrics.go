package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event pipeline metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devloop_events_published_total",
			Help: "Total number of events published by collectors and agents, by type",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devloop_events_dropped_total",
			Help: "Total number of events dropped by the ingress queue or an agent's private queue, by reason",
		},
		[]string{"reason"},
	)

	EventsCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devloop_events_coalesced_total",
			Help: "Total number of events superseded inside a debounce window",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devloop_ingress_queue_depth",
			Help: "Current ingress queue depth by priority level",
		},
		[]string{"priority"},
	)

	BusDeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devloop_bus_deliveries_total",
			Help: "Total number of event deliveries to subscriber queues",
		},
	)

	SlowSubscribers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devloop_bus_slow_subscribers_total",
			Help: "Total number of slow-subscriber incidents",
		},
	)

	// Agent runtime metrics
	AgentInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devloop_agent_invocations_total",
			Help: "Total number of agent handler invocations by agent and result",
		},
		[]string{"agent", "result"},
	)

	AgentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devloop_agent_duration_seconds",
			Help:    "Agent handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	AgentBusySeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devloop_agent_busy_seconds_total",
			Help: "Cumulative handler wall-clock seconds per agent, the CPU-share proxy for the advisory resource limits",
		},
		[]string{"agent"},
	)

	AgentRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devloop_agent_retries_total",
			Help: "Total number of agent handler retries",
		},
		[]string{"agent"},
	)

	LoopGuardTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devloop_loop_guard_trips_total",
			Help: "Total number of loop-guard trips by agent",
		},
		[]string{"agent"},
	)

	ChainDepthExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devloop_chain_depth_exceeded_total",
			Help: "Total number of derived events dropped for exceeding the chain depth",
		},
	)

	// Context store metrics
	FindingsByTier = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devloop_findings",
			Help: "Current number of stored findings by tier",
		},
		[]string{"tier"},
	)

	StoreWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devloop_store_writes_total",
			Help: "Total number of tier file write cycles",
		},
	)

	StoreWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devloop_store_write_failures_total",
			Help: "Total number of failed tier file writes",
		},
	)

	StoreWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devloop_store_write_duration_seconds",
			Help:    "Tier file write cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FindingsEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devloop_findings_evicted_total",
			Help: "Total number of findings evicted by retention, by tier",
		},
		[]string{"tier"},
	)

	// Process metrics, refreshed by the manager's telemetry loop from
	// runtime.MemStats.
	ProcessMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devloop_process_memory_bytes",
			Help: "Daemon memory usage by kind (alloc, heap_inuse, sys)",
		},
		[]string{"kind"},
	)

	// Collector metrics
	CollectorRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devloop_collector_restarts_total",
			Help: "Total number of collector restarts by collector",
		},
		[]string{"collector"},
	)
)

func init() {
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(EventsCoalesced)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(BusDeliveries)
	prometheus.MustRegister(SlowSubscribers)
	prometheus.MustRegister(AgentInvocations)
	prometheus.MustRegister(AgentDuration)
	prometheus.MustRegister(AgentBusySeconds)
	prometheus.MustRegister(AgentRetries)
	prometheus.MustRegister(ProcessMemoryBytes)
	prometheus.MustRegister(LoopGuardTrips)
	prometheus.MustRegister(ChainDepthExceeded)
	prometheus.MustRegister(FindingsByTier)
	prometheus.MustRegister(StoreWrites)
	prometheus.MustRegister(StoreWriteFailures)
	prometheus.MustRegister(StoreWriteDuration)
	prometheus.MustRegister(FindingsEvicted)
	prometheus.MustRegister(CollectorRestarts)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
