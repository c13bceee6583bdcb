package watch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coach_watch_streams",
		Help: "Open status watch streams",
	})
	streamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_watch_messages_total",
		Help: "Messages pushed to watch streams by type",
	}, []string{"type"})
)
