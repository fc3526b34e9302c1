package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var currentLimitGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "replyguard_governor_current_limit",
	Help: "Adapted hourly limit per action type",
}, []string{"action_type"})

var deniedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "replyguard_governor_denied_total",
	Help: "Number of actions denied by the governor, by rule",
}, []string{"action_type", "rule"})

var recordedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "replyguard_governor_recorded_total",
	Help: "Number of recorded outbound actions by outcome",
}, []string{"action_type", "outcome"})

var emergencyGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "replyguard_governor_emergency_stop",
	Help: "1 while an emergency stop is active",
})
