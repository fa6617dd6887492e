package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitsync_cache_requests_total",
		Help: "Cache lookups by scope and result (hit, miss).",
	}, []string{"scope", "result"})

	cacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitsync_cache_errors_total",
		Help: "Cache tier failures by operation. Failures fall through to the loader.",
	}, []string{"op"})

	cacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitsync_cache_invalidated_keys_total",
		Help: "Keys removed by registry invalidation, by scope.",
	}, []string{"scope"})
)
