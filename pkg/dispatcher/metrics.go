package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Events *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kong_adapter_webhook_events_total",
			Help: "Dispatched webhook events by entity, action and outcome.",
		}, []string{"entity", "action", "outcome"}),
	}
}

func (m *Metrics) observe(entity, action string, err error) {
	if m == nil {
		return
	}
	outcome := "acknowledged"
	if err != nil {
		outcome = "failed"
	}
	m.Events.WithLabelValues(entity, action, outcome).Inc()
}
