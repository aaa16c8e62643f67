package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	plansBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_kernel_plans_built_total",
		Help: "Total number of execution plans constructed by the kernel engine",
	}, []string{"kind"})

	executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_kernel_executions_total",
		Help: "Total number of plan executions",
	}, []string{"kind"})
)
