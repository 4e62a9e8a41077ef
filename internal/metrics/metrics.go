package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "deploywatch_rca"

const (
	// OutcomeComplete labels runs whose synthesis succeeded.
	OutcomeComplete = "complete"
	// OutcomeDegraded labels runs that fell back to the incomplete report.
	OutcomeDegraded = "degraded"
)

var (
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Total number of root-cause pipeline runs, partitioned by outcome and deployment linkage.",
		},
		[]string{"outcome", "deployment_related"},
	)

	pipelineDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_seconds",
			Help:      "End-to-end pipeline latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 12},
		},
	)

	providerResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_results_total",
			Help:      "Evidence provider outcomes by provider, status and failure kind.",
		},
		[]string{"provider", "status", "kind"},
	)

	providerDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_seconds",
			Help:      "Evidence provider latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider"},
	)

	watchTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_transitions_total",
			Help:      "Deployment watch state transitions by target state.",
		},
		[]string{"state"},
	)

	correlationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlations_total",
			Help:      "Error events correlated against deployment watches.",
		},
		[]string{"attributed"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation deliveries by action, channel and result.",
		},
		[]string{"action", "channel", "delivered"},
	)
)

// Register attaches deploywatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pipelineRunsTotal,
		pipelineDurationSeconds,
		providerResultsTotal,
		providerDurationSeconds,
		watchTransitionsTotal,
		correlationsTotal,
		escalationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObservePipeline records a pipeline run.
func ObservePipeline(duration time.Duration, degraded, deploymentRelated bool) {
	outcome := OutcomeComplete
	if degraded {
		outcome = OutcomeDegraded
	}
	pipelineRunsTotal.WithLabelValues(outcome, strconv.FormatBool(deploymentRelated)).Inc()
	pipelineDurationSeconds.Observe(nonNegative(duration).Seconds())
}

// ObserveProvider records one provider result.
func ObserveProvider(provider, status, kind string, duration time.Duration) {
	providerResultsTotal.WithLabelValues(provider, status, kind).Inc()
	providerDurationSeconds.WithLabelValues(provider).Observe(nonNegative(duration).Seconds())
}

// ObserveWatchTransition counts a watch entering state.
func ObserveWatchTransition(state string) {
	watchTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveCorrelation counts a correlation decision.
func ObserveCorrelation(attributed bool) {
	correlationsTotal.WithLabelValues(strconv.FormatBool(attributed)).Inc()
}

// ObserveEscalation counts a delivery attempt outcome.
func ObserveEscalation(action, channel string, delivered bool) {
	escalationsTotal.WithLabelValues(action, channel, strconv.FormatBool(delivered)).Inc()
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
