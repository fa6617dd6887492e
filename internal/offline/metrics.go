package offline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Replay outcomes.
const (
	resultSynced   = "synced"
	resultResolved = "resolved"
	resultConflict = "conflict"
	resultRetried  = "retried"
	resultFailed   = "failed"
	resultBlocked  = "blocked"
)

var syncItems = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "splitsync_sync_items_total",
	Help: "Queued mutations processed by the offline sync driver, by result.",
}, []string{"result"})
