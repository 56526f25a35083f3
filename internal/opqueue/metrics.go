package opqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashuwallet",
		Subsystem: "opqueue",
		Name:      "ops_enqueued_total",
		Help:      "Operations enqueued, by type and priority.",
	}, []string{"type", "priority"})

	opsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cashuwallet",
		Subsystem: "opqueue",
		Name:      "ops_completed_total",
		Help:      "Operations that reached COMPLETED.",
	})

	opsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cashuwallet",
		Subsystem: "opqueue",
		Name:      "ops_failed_total",
		Help:      "Operations that exhausted retries and reached FAILED.",
	})

	opsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cashuwallet",
		Subsystem: "opqueue",
		Name:      "ops_retried_total",
		Help:      "Failed attempts that were rescheduled with backoff.",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cashuwallet",
		Subsystem: "opqueue",
		Name:      "depth",
		Help:      "Ops enqueued and not yet completed or terminally failed; incremented on Enqueue, decremented on Complete or terminal Fail.",
	})
)
