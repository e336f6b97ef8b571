package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the protection path. Scraped via GET /metrics on
// the status server.

// TicksEvaluated counts evaluation passes, labeled by outcome.
var TicksEvaluated = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "position_guard",
		Subsystem: "engine",
		Name:      "ticks_total",
		Help:      "Evaluation passes over open positions",
	},
	[]string{"outcome"}, // evaluated, stale_skip
)

// ActionsTotal counts protective actions, labeled by type and result.
var ActionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "position_guard",
		Subsystem: "engine",
		Name:      "actions_total",
		Help:      "Protective actions by type and result",
	},
	[]string{"type", "result"}, // result: executed, shadowed, overridden, failed, aborted
)

// EvaluationLatency tracks time from tick intake to decision.
var EvaluationLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "position_guard",
		Subsystem: "engine",
		Name:      "evaluation_latency_ms",
		Help:      "Time to evaluate one position in milliseconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	},
)

// ActionsExhausted counts actions that used up their retries.
var ActionsExhausted = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "position_guard",
		Subsystem: "executor",
		Name:      "actions_exhausted_total",
		Help:      "Actions that exhausted retries and halted their symbol",
	},
)

// ReconciliationDrift counts drifting symbols across audits.
var ReconciliationDrift = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "position_guard",
		Subsystem: "reconciliation",
		Name:      "drift_total",
		Help:      "Symbols found missing or mismatched during audits",
	},
)

// ForcedReviews counts idle-triggered review signals.
var ForcedReviews = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "position_guard",
		Subsystem: "engine",
		Name:      "forced_reviews_total",
		Help:      "Forced-review signals raised after prolonged idleness",
	},
)
