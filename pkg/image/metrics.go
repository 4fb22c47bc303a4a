package image

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	imageBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipctl_image_build_duration_seconds",
			Help:    "Duration of a single image build in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"image"},
	)

	imageBuildTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipctl_image_build_total",
			Help: "Total number of image builds",
		},
		[]string{"status"}, // success or error
	)

	imagePushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipctl_image_push_duration_seconds",
			Help:    "Duration of a single tag push including verification",
			Buckets: []float64{1, 5, 15, 30, 60, 120},
		},
		[]string{"image"},
	)

	imagePushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipctl_image_push_total",
			Help: "Total number of tag pushes",
		},
		[]string{"status"}, // success or error
	)
)
