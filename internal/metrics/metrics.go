package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	KeyValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingw_key_validations_total",
			Help: "API key validations by outcome",
		},
		[]string{"result"}, // ok|authentication|authorization|error
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingw_events_total",
			Help: "Event admission decisions",
		},
		[]string{"result"}, // admitted|duplicate|quota_exceeded|no_subscription|error
	)

	OutboxRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingw_outbox_relayed_total",
			Help: "Outbox rows relayed to Kafka",
		},
		[]string{"topic", "result"}, // ok|failed
	)

	ProjectedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingw_projected_events_total",
			Help: "Events written to the analytics store",
		},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingw_usage_alerts_total",
			Help: "Usage alert deliveries by endpoint",
		},
		[]string{"endpoint", "result"}, // delivered|failed
	)
)

var registerOnce sync.Once

// MustRegister registers all collectors once per process; later calls are no-ops.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			KeyValidationsTotal,
			EventsTotal,
			OutboxRelayedTotal,
			ProjectedEventsTotal,
			AlertsTotal,
		)
	})
}
