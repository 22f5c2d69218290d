// Package metrics exposes Prometheus instrumentation for CarePipe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepipe_turns_total",
			Help: "Total number of handled user turns",
		},
		[]string{"specialist", "outcome"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carepipe_turn_duration_seconds",
			Help:    "End-to-end turn handling latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15},
		},
		[]string{"specialist"},
	)

	RiskAssessments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepipe_risk_assessments_total",
			Help: "Crisis evaluator verdicts by level",
		},
		[]string{"level", "degraded"},
	)

	Escalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carepipe_escalations_total",
			Help: "Turns routed to the crisis specialist",
		},
	)

	CrisisIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carepipe_crisis_iterations",
			Help:    "Reasoning iterations consumed per crisis evaluation",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	UpstreamCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepipe_upstream_calls_total",
			Help: "Capability gateway call attempts",
		},
		[]string{"op", "outcome"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "carepipe_upstream_latency_seconds",
			Help: "Capability gateway call latency in seconds, including retries",
		},
		[]string{"op"},
	)

	RetrievalFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carepipe_retrieval_fallbacks_total",
			Help: "Low-confidence retrievals that fell back to web search",
		},
	)

	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepipe_stage_transitions_total",
			Help: "Stage transition requests by result",
		},
		[]string{"from", "to", "result"},
	)

	ActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carepipe_active_conversations",
			Help: "Number of conversations held in memory",
		},
	)

	CatalogSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carepipe_catalog_candidates",
			Help: "Resource candidates in the current index snapshot",
		},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepipe_crisis_alerts_total",
			Help: "Crisis alert delivery attempts",
		},
		[]string{"outcome"},
	)

	PersistenceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepipe_persistence_writes_total",
			Help: "Store writes by record kind, privacy tier and outcome",
		},
		[]string{"kind", "tier", "outcome"},
	)
)
