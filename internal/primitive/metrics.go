package primitive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	primitiveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nock_primitive_duration_seconds",
		Help:    "Duration of primitive calls",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"op", "direction"})

	primitiveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_primitive_errors_total",
		Help: "Total number of failed primitive calls",
	}, []string{"op", "direction"})
)
