// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the session layer. A nil *Metrics is a valid
// no-op so callers never branch on whether metrics are enabled.

package control

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/aemu-postoffice/api"
)

// Metrics tracks session lifecycle and transfer volume.
type Metrics struct {
	// Sessions counts occupied slots per kind.
	// Labels: kind=[pdp, ptp_listen, ptp]
	Sessions *prometheus.GaugeVec

	// Operations counts completed operations by outcome.
	// Labels: op, status
	Operations *prometheus.CounterVec

	// Bytes counts payload bytes moved through the relay.
	// Labels: kind=[pdp, ptp], dir=[tx, rx]
	Bytes *prometheus.CounterVec

	// Replacements counts sessions marked dead by a newer bind.
	Replacements *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aemu_postoffice_sessions",
			Help: "Occupied session slots by kind",
		}, []string{"kind"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aemu_postoffice_operations_total",
			Help: "Session operations by name and resulting status",
		}, []string{"op", "status"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aemu_postoffice_payload_bytes_total",
			Help: "Payload bytes moved through the relay",
		}, []string{"kind", "dir"}),
		Replacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aemu_postoffice_replaced_sessions_total",
			Help: "Sessions marked dead by a newer bind to the same address",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Sessions, m.Operations, m.Bytes, m.Replacements)
	}
	return m
}

// Op records one operation outcome.
func (m *Metrics) Op(op string, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, api.StatusOf(err).String()).Inc()
}

// SessionOpened adjusts the occupancy gauge for kind.
func (m *Metrics) SessionOpened(kind api.SessionKind) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(kind.String()).Inc()
}

// SessionFreed adjusts the occupancy gauge for kind.
func (m *Metrics) SessionFreed(kind api.SessionKind) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(kind.String()).Dec()
}

// Replaced counts n sessions of kind superseded by a newer bind.
func (m *Metrics) Replaced(kind api.SessionKind, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Replacements.WithLabelValues(kind.String()).Add(float64(n))
}

// Transferred counts payload bytes.
func (m *Metrics) Transferred(kind api.SessionKind, dir string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Bytes.WithLabelValues(kind.String(), dir).Add(float64(n))
}
