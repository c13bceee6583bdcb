package coaching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	analysisRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_analysis_runs_total",
		Help: "Analysis attempts by outcome",
	}, []string{"outcome"})

	analysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coach_analysis_duration_seconds",
		Help:    "Wall time of one analysis attempt",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"outcome"})
)
