package hume

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_hume_token_requests_total",
		Help: "Vendor token exchanges by result",
	}, []string{"result"})
	tokenCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coach_hume_token_cache_hits_total",
		Help: "Token requests served from cache",
	})
)
