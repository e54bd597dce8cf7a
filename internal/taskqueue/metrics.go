package taskqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emalign_tasks_total",
		Help: "Number of finished queue tasks by final status.",
	}, []string{"status"})
	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "emalign_task_duration_seconds",
		Help:    "Wall time of queue task attempts.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emalign_queue_depth",
		Help: "Tasks waiting for a worker.",
	})
)
