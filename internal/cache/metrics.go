package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_plan_cache_hits_total",
		Help: "Total number of plan lookups served from the cache",
	}, []string{"cache"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_plan_cache_misses_total",
		Help: "Total number of plans constructed on first use",
	}, []string{"cache"})

	buildErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_plan_cache_build_errors_total",
		Help: "Total number of failed plan constructions (never cached)",
	}, []string{"cache"})

	// Caches are never evicted; this tracks their growth.
	cacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nock_plan_cache_entries",
		Help: "Current number of plans held by each cache",
	}, []string{"cache"})
)
