/*
Package metrics provides Prometheus metrics collection and exposition for rtrmd.

The metrics package defines and registers every rtrmd metric with the
Prometheus client library, giving observability into application and EXC
counts, resource booking, scheduling latency, sync-round outcomes, and
platform actuation. Metrics are exposed over HTTP for scraping.

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics are package-level vars registered with MustRegister in init()
  - Thread-safe for concurrent updates

Gauge Metrics:
  - Instant value that can go up or down
  - Examples: applications total, resource available/booked, goal gap
  - Operations: Set, Inc, Dec, Add, Sub

Counter Metrics:
  - Monotonically increasing value
  - Examples: EXCs scheduled, sync rounds failed, RPC messages
  - Operations: Inc, Add (cannot decrease)

Histogram Metrics:
  - Distribution of observed values
  - Examples: scheduling latency, sync round duration, actuation duration

Collector:
  - pkg/metrics.Collector periodically resamples gauges that aren't
    naturally updated at the point of a state change (EXC counts by
    state, resource availability) from the application manager and
    the accountant

# Metrics Catalog

rtrm_applications_total:
  - Type: Gauge
  - Description: distinct application pids currently known to the daemon

rtrm_exc_total{state}:
  - Type: Gauge
  - Description: EXCs by state (new/ready/scheduling/sync/running/blocked/finished)
  - Labels: state

rtrm_resource_available{path}:
  - Type: Gauge
  - Description: units at a resource path neither reserved nor booked in the active view
  - Labels: path

rtrm_resource_booked{path}:
  - Type: Gauge
  - Description: booked units at a resource path
  - Labels: path

rtrm_view_promotions_total:
  - Type: Counter
  - Description: working-set view generations promoted to current

rtrm_scheduling_latency_seconds:
  - Type: Histogram
  - Description: time to run one scheduling round

rtrm_scheduling_rounds_total:
  - Type: Counter
  - Description: scheduling rounds completed

rtrm_exc_scheduled_total:
  - Type: Counter
  - Description: EXCs assigned a working mode

rtrm_exc_rejected_total{reason}:
  - Type: CounterVec
  - Description: EXCs that could not be scheduled, by reason
  - Labels: reason ("no_fit", "booking_failed")

rtrm_sync_round_duration_seconds{phase}:
  - Type: HistogramVec
  - Description: duration of each four-phase sync round phase
  - Labels: phase (pre_change/sync_change/do_change/post_change)

rtrm_sync_rounds_failed_total{phase}:
  - Type: CounterVec
  - Description: sync rounds that failed at a given phase
  - Labels: phase

rtrm_platform_actuation_duration_seconds{op}:
  - Type: HistogramVec
  - Description: time to apply a resource assignment to a cgroup
  - Labels: op

rtrm_platform_actuation_errors_total{op}:
  - Type: CounterVec
  - Description: actuation failures by op
  - Labels: op

rtrm_rpc_messages_total{msg_type, direction}:
  - Type: CounterVec
  - Description: control-channel messages processed, by message type and direction
  - Labels: msg_type, direction

rtrm_goal_gap{exc}:
  - Type: GaugeVec
  - Description: most recently reported goal gap for an application
  - Labels: exc

rtrm_cycle_time_seconds{exc}:
  - Type: HistogramVec
  - Description: application-reported cycle time
  - Labels: exc

# Usage

Updating Gauge Metrics:

	import "github.com/cuemby/rtrm/pkg/metrics"

	metrics.ApplicationsTotal.Set(5)
	metrics.ResourceAvailable.WithLabelValues("sys0.cpu0.pe0").Set(2)

Updating Counter Metrics:

	metrics.ExcsScheduled.Inc()
	metrics.ExcsRejected.WithLabelValues("no_fit").Inc()

Recording Histogram Observations:

	metrics.SchedulingLatency.Observe(0.003)
	metrics.SyncRoundDuration.WithLabelValues("do_change").Observe(elapsed.Seconds())

Running the Collector:

	collector := metrics.NewCollector(appManager, accountant)
	collector.Start()
	defer collector.Stop()

Complete Example:

	package main

	import (
		"net/http"

		"github.com/cuemby/rtrm/pkg/metrics"
		"github.com/prometheus/client_golang/prometheus/promhttp"
	)

	func main() {
		collector := metrics.NewCollector(appManager, accountant)
		collector.Start()
		defer collector.Stop()

		http.Handle("/metrics", promhttp.Handler())
		http.ListenAndServe(":9090", nil)
	}

# Integration Points

This package is used by:

  - pkg/appmanager: reports EXC registration and state transitions
  - pkg/scheduler: records scheduling latency and rejections
  - pkg/sync: records sync round duration and failures
  - pkg/platform: records actuation duration and errors
  - pkg/rpc: counts processed control-channel messages
  - cmd/rtrmd: wires the Collector and exposes /metrics

# Design Patterns

Package Init Registration:
  - Metrics built as package vars with prometheus.NewGauge/NewCounter/...
    and registered with prometheus.MustRegister in the package's init()
  - No runtime registration needed by callers

Label Discipline:
  - Labels are bounded: state, phase, reason, resource path
  - Never label by EXC pid or timestamp directly where cardinality would
    grow unbounded; rtrm_goal_gap and rtrm_cycle_time_seconds are the
    exception, scoped to the small number of concurrently registered EXCs

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
