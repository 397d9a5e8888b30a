package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Application / EXC inventory
	ApplicationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtrm_applications_total",
			Help: "Total number of registered applications",
		},
	)

	ExcsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtrm_exc_total",
			Help: "Total number of execution contexts by state",
		},
		[]string{"state"},
	)

	// Resource accountant
	ResourceAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtrm_resource_available",
			Help: "Available quantity of a resource in the active view",
		},
		[]string{"path"},
	)

	ResourceBooked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtrm_resource_booked",
			Help: "Booked quantity of a resource in the scheduled view",
		},
		[]string{"path"},
	)

	ViewPromotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtrm_view_promotions_total",
			Help: "Total number of scheduled-view promotions to active",
		},
	)

	// Scheduler invoker
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rtrm_scheduling_latency_seconds",
			Help:    "Time taken to run one scheduling pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulingRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtrm_scheduling_rounds_total",
			Help: "Total number of scheduling passes run",
		},
	)

	ExcsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtrm_exc_scheduled_total",
			Help: "Total number of EXCs assigned a new AWM",
		},
	)

	ExcsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtrm_exc_rejected_total",
			Help: "Total number of EXCs that could not be scheduled, by reason",
		},
		[]string{"reason"},
	)

	// Synchronization protocol
	SyncRoundDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtrm_sync_round_duration_seconds",
			Help:    "Duration of a four-phase synchronization round by phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	SyncRoundsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtrm_sync_rounds_failed_total",
			Help: "Total number of synchronization rounds aborted, by phase",
		},
		[]string{"phase"},
	)

	// Platform proxy
	PlatformActuationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtrm_platform_actuation_duration_seconds",
			Help:    "Time taken to actuate a resource assignment onto the platform",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	PlatformActuationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtrm_platform_actuation_errors_total",
			Help: "Total number of failed platform actuation calls, by op",
		},
		[]string{"op"},
	)

	// RPC channel
	RPCMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtrm_rpc_messages_total",
			Help: "Total number of RPC channel messages by type and direction",
		},
		[]string{"msg_type", "direction"},
	)

	// RTLib / application-reported profile
	GoalGap = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtrm_goal_gap",
			Help: "Most recently reported goal gap for an execution context",
		},
		[]string{"exc"},
	)

	CycleTimeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtrm_cycle_time_seconds",
			Help:    "Measured per-cycle processing time reported by RTLib",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"exc"},
	)
)

func init() {
	prometheus.MustRegister(ApplicationsTotal)
	prometheus.MustRegister(ExcsTotal)
	prometheus.MustRegister(ResourceAvailable)
	prometheus.MustRegister(ResourceBooked)
	prometheus.MustRegister(ViewPromotionsTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(SchedulingRoundsTotal)
	prometheus.MustRegister(ExcsScheduled)
	prometheus.MustRegister(ExcsRejected)
	prometheus.MustRegister(SyncRoundDuration)
	prometheus.MustRegister(SyncRoundsFailedTotal)
	prometheus.MustRegister(PlatformActuationDuration)
	prometheus.MustRegister(PlatformActuationErrors)
	prometheus.MustRegister(RPCMessagesTotal)
	prometheus.MustRegister(GoalGap)
	prometheus.MustRegister(CycleTimeSeconds)
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
