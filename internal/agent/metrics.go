package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cycleCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "replyguard_agent_cycles_total",
	Help: "Number of completed monitoring cycles",
})

var cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "replyguard_agent_cycle_duration_seconds",
	Help:    "Duration of monitoring cycles",
	Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
})

var decisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "replyguard_agent_decisions_total",
	Help: "Number of decisions by item kind and action",
}, []string{"kind", "action"})

var actionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "replyguard_agent_actions_total",
	Help: "Number of outbound actions by type and outcome",
}, []string{"action_type", "outcome"})

var anomalyCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "replyguard_agent_anomalies_total",
	Help: "Number of anomalies that triggered an emergency stop",
}, []string{"kind"})
