package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "splitsync_outbox_deliveries_total",
	Help: "Outbox delivery attempts by result (delivered, retried, failed).",
}, []string{"result"})
