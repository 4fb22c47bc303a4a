package rollout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rolloutDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipctl_rollout_duration_seconds",
			Help:    "Duration of a rollout invocation by terminal state",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"state"},
	)

	rolloutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipctl_rollout_total",
			Help: "Total number of rollouts by terminal state",
		},
		[]string{"state"},
	)

	rolloutObjectsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipctl_rollout_objects_applied_total",
			Help: "Total number of objects applied by kind",
		},
		[]string{"kind"},
	)
)
