package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_jobs_enqueued_total",
		Help: "Analysis jobs accepted, by backend",
	}, []string{"backend"})
	jobsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_jobs_rejected_total",
		Help: "Analysis jobs refused at enqueue",
	}, []string{"reason"})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coach_jobs_queue_depth",
		Help: "Jobs waiting in the local queue",
	})
	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coach_jobs_running",
		Help: "Analysis jobs currently executing",
	})
)
