package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cashuwallet",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Pipeline runs started, regardless of outcome.",
	})

	runsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cashuwallet",
		Subsystem: "sync",
		Name:      "runs_failed_total",
		Help:      "Pipeline runs that finished with at least one stage error.",
	})

	stageItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashuwallet",
		Subsystem: "sync",
		Name:      "stage_items_total",
		Help:      "Items touched per pipeline stage.",
	}, []string{"stage"})

	stageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashuwallet",
		Subsystem: "sync",
		Name:      "stage_errors_total",
		Help:      "Errors returned per pipeline stage.",
	}, []string{"stage"})

	lastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cashuwallet",
		Subsystem: "sync",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the most recently completed pipeline run.",
	})
)
