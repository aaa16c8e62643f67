package reorder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reorders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_reorder_total",
		Help: "Total number of layout conversions executed",
	}, []string{"src", "dst"})

	reorderBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_reorder_bytes_total",
		Help: "Total bytes written by layout conversions",
	})

	liveBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nock_reorder_live_bytes",
		Help: "Bytes held by unreleased temporary reorder buffers",
	})
)
