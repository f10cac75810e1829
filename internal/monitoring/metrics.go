// Package monitoring exposes Prometheus metrics for the gateway.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the governance gateway.
type Metrics struct {
	// Proposal metrics
	ProposalsTotal *prometheus.CounterVec

	// Ledger metrics
	LedgerAppendsTotal *prometheus.CounterVec
	LedgerRetriesTotal prometheus.Counter

	// Sandbox metrics
	SandboxRunsTotal    *prometheus.CounterVec
	SandboxRunDuration  prometheus.Histogram
	AutoDenialsTotal    prometheus.Counter
	ApprovalsConsumed   prometheus.Counter
	EvidenceAutoApprove prometheus.Counter

	// HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics against reg. Tests pass a
// fresh registry so repeated construction never double-registers.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ProposalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gavel_proposals_total",
				Help: "Total proposals evaluated, by policy decision",
			},
			[]string{"decision"}, // APPROVED, DENIED, ESCALATED
		),

		LedgerAppendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gavel_ledger_appends_total",
				Help: "Total events appended to the audit spine, by action type",
			},
			[]string{"action_type"},
		),

		LedgerRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gavel_ledger_append_retries_total",
				Help: "Total append retries caused by chain tail contention",
			},
		),

		SandboxRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gavel_sandbox_runs_total",
				Help: "Total sandbox executions, by outcome",
			},
			[]string{"outcome"}, // completed, timed_out, oom_killed, error
		),

		SandboxRunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gavel_sandbox_run_duration_seconds",
				Help:    "Wall-clock duration of sandbox executions",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		AutoDenialsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gavel_auto_denials_total",
				Help: "Total escalations auto-denied by the timeout sweeper",
			},
		),

		ApprovalsConsumed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gavel_approvals_consumed_total",
				Help: "Total one-shot human approvals consumed by re-proposals",
			},
		),

		EvidenceAutoApprove: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gavel_evidence_auto_approvals_total",
				Help: "Total tier-1 executions auto-approved after evidence review",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gavel_http_request_duration_seconds",
				Help:    "Latency of gateway endpoints",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
	}
}

// SandboxOutcome classifies a finished run for the runs counter.
func SandboxOutcome(timedOut, oomKilled bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case oomKilled:
		return "oom_killed"
	case timedOut:
		return "timed_out"
	default:
		return "completed"
	}
}
