package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_worker_claims_total",
		Help: "Rows claimed by this worker, by kind (fresh or retry).",
	}, []string{"kind"})

	finalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_worker_finalized_total",
		Help: "Rows finalized by this worker, by resulting state.",
	}, []string{"state"})

	dispatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_worker_dispatch_errors_total",
		Help: "Dispatch attempts that failed at the transport level.",
	})
)
