package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// metricsJob is the Pushgateway job name.
const metricsJob = "shipctl"

var stageDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "shipctl_stage_duration_seconds",
		Help:    "Duration of a workflow stage in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	},
	[]string{"workflow", "stage", "status"},
)

var workflowTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "shipctl_workflow_total",
		Help: "Total number of workflow runs by outcome",
	},
	[]string{"workflow", "status"},
)

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// PushMetrics sends the default registry's metrics to a Pushgateway,
// grouped by invocation.
func PushMetrics(ctx context.Context, url, invocation string) error {
	err := push.New(url, metricsJob).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("invocation", invocation).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	slog.Debug("metrics pushed", "url", url, "invocation", invocation)
	return nil
}
