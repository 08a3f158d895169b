package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Passes *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Passes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kong_adapter_sync_passes_total",
			Help: "Reconciliation passes by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

func (m *Metrics) observe(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.Passes.WithLabelValues(kind, outcome).Inc()
}
