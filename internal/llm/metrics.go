package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	modelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coach_model_call_seconds",
		Help:    "Chat completion latency",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	}, []string{"model"})
	modelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_model_errors_total",
		Help: "Chat completion failures by kind",
	}, []string{"kind"})
)
