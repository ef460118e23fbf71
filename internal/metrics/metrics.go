// Package metrics exposes the grid's Prometheus collectors, grounded on
// pkg/metrics/metrics.go's registry-plus-promhttp-handler pattern: a
// dedicated registry, a namespaced set of counters/gauges/histograms per
// component, and a /metrics HTTP handler any binary can mount alongside its
// /status endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this package registers.
var Registry = prometheus.NewRegistry()

var (
	// SessionsQueued counts sessions entering the Session Manager Task's
	// queue phase (spec §4.F step 2), labeled by outcome.
	SessionsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiongrid",
			Subsystem: "manager",
			Name:      "sessions_queued_total",
			Help:      "Total sessions entering the queue phase, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	// SessionLifecyclePhaseDuration times each phase of the Session Manager
	// Task's state machine (spec §4.F).
	SessionLifecyclePhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessiongrid",
			Subsystem: "manager",
			Name:      "phase_duration_seconds",
			Help:      "Duration of each session lifecycle phase.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"phase"},
	)

	// ActiveSessions tracks the size of the active-session set.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessiongrid",
			Subsystem: "manager",
			Name:      "active_sessions",
			Help:      "Current number of sessions in the active set.",
		},
	)

	// SchedulingMatchDuration times the Scheduler's broadcast
	// ProvisionerMatch request/response round trip (spec §4.G step 4).
	SchedulingMatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sessiongrid",
			Subsystem: "scheduler",
			Name:      "provisioner_match_duration_seconds",
			Help:      "Duration of the provisioner match broadcast round trip.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// ProvisionerSlotsInUse tracks slot utilization per provisioner (spec
	// §4.H, orphan-slot accounting).
	ProvisionerSlotsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sessiongrid",
			Subsystem: "provisioner",
			Name:      "slots_in_use",
			Help:      "Slots currently assigned to a session, per provisioner.",
		},
		[]string{"provisioner_id"},
	)

	// ProvisionAttempts counts Backend.Provision calls, labeled by backend
	// and outcome (spec §4.H step 3/§4.H.1-2 Docker/Kubernetes backends).
	ProvisionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiongrid",
			Subsystem: "provisioner",
			Name:      "provision_attempts_total",
			Help:      "Total Backend.Provision calls, labeled by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	// ReclaimedSlots counts slots reclaimed by the provisioner's liveness
	// sweep (spec §4.H step 5) or the garbage collector (spec §4.K step 1).
	ReclaimedSlots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiongrid",
			Subsystem: "provisioner",
			Name:      "reclaimed_slots_total",
			Help:      "Total slots reclaimed, labeled by reclaiming component.",
		},
		[]string{"reclaimer"},
	)

	// RecordingBytesWritten tallies bytes forwarded to the blob store by a
	// node's HLS recording sink (spec §4.I step 7).
	RecordingBytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiongrid",
			Subsystem: "node",
			Name:      "recording_bytes_total",
			Help:      "Total recording bytes forwarded to the blob store, per session.",
		},
		[]string{"session_id"},
	)

	// GCPassDuration times each garbage-collector pass (spec §4.K).
	GCPassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessiongrid",
			Subsystem: "gc",
			Name:      "pass_duration_seconds",
			Help:      "Duration of each garbage collector pass.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"pass"},
	)

	// JobRestarts counts job-runtime restarts, labeled by job name (spec
	// §4.L).
	JobRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiongrid",
			Subsystem: "jobs",
			Name:      "restarts_total",
			Help:      "Total job restarts, labeled by job name.",
		},
		[]string{"job"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionsQueued,
		SessionLifecyclePhaseDuration,
		ActiveSessions,
		SchedulingMatchDuration,
		ProvisionerSlotsInUse,
		ProvisionAttempts,
		ReclaimedSlots,
		RecordingBytesWritten,
		GCPassDuration,
		JobRestarts,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
