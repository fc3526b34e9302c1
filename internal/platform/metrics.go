package platform

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "replyguard_platform_requests_total",
	Help: "Number of platform API requests by operation and status",
}, []string{"op", "status"})
