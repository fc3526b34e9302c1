package generator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var generationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "replyguard_generations_total",
	Help: "Number of text generation calls by result",
}, []string{"result"})

var generationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "replyguard_generation_duration_seconds",
	Help:    "Duration of successful text generation calls",
	Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
})
