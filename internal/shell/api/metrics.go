package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts dispatched operations and translated faults.
type Metrics struct {
	operations *prometheus.CounterVec
	faults     *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackgate_operations_total",
			Help: "Dispatched gateway operations by action.",
		}, []string{"action"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackgate_faults_total",
			Help: "Translated faults by origin type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.faults)
	}
	return m
}

// Operation counts one dispatched action.
func (m *Metrics) Operation(action string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(action).Inc()
}

// Fault counts one translated fault by its origin-type name.
func (m *Metrics) Fault(faultType string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(faultType).Inc()
}
