package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_status_transitions_total",
		Help: "Call session status transitions, by source and target status",
	}, []string{"from", "to"})
	rejectedTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_status_transitions_rejected_total",
		Help: "Status writes refused by the transition table",
	}, []string{"from", "to"})
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coach_sessions_created_total",
		Help: "Call sessions created",
	})
)
