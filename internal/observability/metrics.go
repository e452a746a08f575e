// Package observability exposes the Prometheus gauges and counters the
// Scheduler and Workers update every cycle, adapted from the teacher's
// observability/metrics.go: same promauto-registered-package-var shape,
// renamed to this domain's nouns (emulators, features, builders) in place
// of tasks/tenants/leadership.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks how many emulators are currently queued by status
	// (new/ready/waiting), spec §4.E step 7's QueueRow.Status values.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ldfleet_queue_depth",
		Help: "Current number of emulators in the schedule queue by status",
	}, []string{"status"})

	// DispatchDecisions counts Scheduler dispatch outcomes: spawned, or held
	// back by a concurrency/boot-storm limit (spec §4.E step 6).
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldfleet_dispatch_decisions_total",
		Help: "Total scheduler dispatch decisions by outcome",
	}, []string{"outcome"}) // spawned, concurrency_limited, boot_limited

	// SchedulerLoopDuration tracks the wall time of one tick() call.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ldfleet_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	// WorkerSaturation tracks active Worker count against max_concurrent
	// (spec §5's admission-control signal).
	WorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ldfleet_worker_saturation",
		Help: "Ratio of active workers to max_concurrent (0.0-1.0)",
	})

	// FeatureFreezes counts every freeze applied by feature name and reason
	// (spec §4.B: "a failing feature freezes itself, not the emulator").
	FeatureFreezes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldfleet_feature_freezes_total",
		Help: "Total freezes applied, by feature and triggering reason",
	}, []string{"feature", "reason"})

	// FeatureRuns counts every feature Run outcome (spec §4.C/§4.D).
	FeatureRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldfleet_feature_runs_total",
		Help: "Total feature Run invocations by feature and result",
	}, []string{"feature", "result"}) // ok, skipped, failed

	// BuilderUtilization tracks, per emulator, how many of the detected
	// builder slots are currently occupied (spec §13.4).
	BuilderUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ldfleet_builder_utilization",
		Help: "Occupied builder slots per emulator",
	}, []string{"emulator"})

	// BatchingSavings counts how many raw feature events were coalesced
	// into a single launch by the batching window (spec §4.E.1): the
	// difference between events collected and ScheduleEntry.Reasons length
	// summed per tick is the batching effectiveness signal.
	BatchingSavings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ldfleet_batching_coalesced_events_total",
		Help: "Total feature events absorbed into an already-scheduled launch by the batching window",
	})

	// RestartRequests counts Worker-raised restart requests by reason
	// (spec §4.D step 2, grounded on RestartRequests.Request).
	RestartRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldfleet_restart_requests_total",
		Help: "Total restart requests raised by workers, by reason",
	}, []string{"reason"})

	// ESCRecoveryAttempts counts ESC-press recovery attempts and whether
	// they reached a clear UI state (spec §4.D phase 3 / internal/recovery).
	ESCRecoveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldfleet_esc_recovery_attempts_total",
		Help: "Total ESC-press recovery attempts by outcome",
	}, []string{"outcome"}) // cleared, exhausted

	// ConnectedDashboardClients tracks live snapshot-stream WebSocket
	// clients (spec §6's GUI).
	ConnectedDashboardClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ldfleet_dashboard_clients",
		Help: "Current number of connected dashboard WebSocket clients",
	})
)
