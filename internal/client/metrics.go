package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardedBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_forward_batches_total",
		Help: "Tensor batches offered to the remote dataset, by outcome",
	}, []string{"outcome"})

	forwardedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_forward_tensors_total",
		Help: "Tensors delivered to the remote dataset",
	})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nock_forward_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	})
)
