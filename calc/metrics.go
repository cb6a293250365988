package calc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "costindex_calc_tasks_total",
		Help: "Calc task outcomes (completed, failed, cancelled, conflict, rejected, interrupted)",
	}, []string{"outcome"})

	groupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "costindex_calc_groups_total",
		Help: "Dimension groups processed by outcome",
	}, []string{"outcome"})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "costindex_calc_task_duration_seconds",
		Help:    "Wall time of calc task execution",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "costindex_calc_queue_depth",
		Help: "Tasks waiting for a worker",
	})
)
