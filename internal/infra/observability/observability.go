// Package observability holds the Prometheus collectors for the transaction
// lifecycle: which path finalized a transaction, how often a path lost the race
// to another one, sweep and timer activity, gateway latency and HTTP traffic.
//
// Collectors are registered on the default registry via promauto and exposed
// by the API at /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "txengine"

// Finalization paths, used as the "path" label.
const (
	PathCreate = "create"
	PathCancel = "cancel"
	PathTimer  = "timer"
	PathForce  = "force"
	PathSweep  = "sweep"
	PathInject = "inject"
)

// ═══════════════════════════════════════════════════════════════════════════
// Lifecycle Metrics
// ═══════════════════════════════════════════════════════════════════════════

// TransactionsCreated counts records persisted by Create, by kind.
var TransactionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "lifecycle",
	Name:      "created_total",
	Help:      "Total transactions persisted in PENDING, by kind.",
}, []string{"kind"})

// Transitions counts terminal writes by the path that won and the target status.
var Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "lifecycle",
	Name:      "transitions_total",
	Help:      "Total terminal transitions, by finalizing path and status.",
}, []string{"path", "status"})

// LostRaces counts guarded writes that found the record already terminal.
var LostRaces = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "lifecycle",
	Name:      "lost_races_total",
	Help:      "Total finalization attempts that observed a non-PENDING record.",
}, []string{"path"})

// FinalizeErrors counts finalization attempts that failed at the store.
var FinalizeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "lifecycle",
	Name:      "finalize_errors_total",
	Help:      "Total finalization attempts that returned a store error.",
}, []string{"path"})

// ForcedCompletions counts records completed by the emergency fallback after
// the deferred completion failed.
var ForcedCompletions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "lifecycle",
	Name:      "forced_completions_total",
	Help:      "Total transactions completed by the forced fallback.",
})

// CancelRejections counts cancellations refused, by reason.
var CancelRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "lifecycle",
	Name:      "cancel_rejections_total",
	Help:      "Total cancellation requests rejected, by reason.",
}, []string{"reason"})

// ─── Sweep Metrics ──────────────────────────────────────────────────────────

// SweepRuns counts sweep passes.
var SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sweep",
	Name:      "runs_total",
	Help:      "Total stuck-transaction sweep passes.",
})

// SweepCompleted counts records force-completed by the sweep.
var SweepCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sweep",
	Name:      "completed_total",
	Help:      "Total stuck transactions completed by the sweep.",
})

// SweepDuration tracks how long a sweep pass takes.
var SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "sweep",
	Name:      "duration_seconds",
	Help:      "Duration of sweep passes.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
})

// ─── Timer Metrics ──────────────────────────────────────────────────────────

// TimersPending tracks armed deferred-completion timers.
var TimersPending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "timers",
	Name:      "pending",
	Help:      "Deferred completion timers currently armed.",
})

// TimersFired counts timer callbacks dispatched.
var TimersFired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "timers",
	Name:      "fired_total",
	Help:      "Total deferred completion callbacks dispatched.",
})

// ─── Gateway Metrics ────────────────────────────────────────────────────────

// GatewayInitiation tracks payment initiation latency by outcome.
var GatewayInitiation = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "gateway",
	Name:      "initiation_seconds",
	Help:      "Latency of payment initiation calls.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
}, []string{"outcome"})

// ─── HTTP Metrics ───────────────────────────────────────────────────────────

// HTTPRequests counts handled HTTP requests.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Total HTTP requests handled.",
}, []string{"method", "route", "status"})

// HTTPDuration tracks HTTP request latency.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "Duration of HTTP requests.",
	Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
}, []string{"method", "route"})
