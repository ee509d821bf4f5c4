// Package metrics exposes Prometheus counters for the commands the gateway
// issues to remote devices and to the local host.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeTransport = "transport_error"
	OutcomeApply     = "apply_error"
	OutcomeError     = "error"
)

// Metrics bundles the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RemoteCommands *prometheus.CounterVec
	LocalCommands  *prometheus.CounterVec
	StoreWrites    *prometheus.CounterVec
	Reconciles     *prometheus.CounterVec
	APIRequests    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RemoteCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpngw_remote_commands_total",
			Help: "Commands sent to remote devices.",
		}, []string{"outcome"}),
		LocalCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpngw_local_commands_total",
			Help: "Commands run on the local host.",
		}, []string{"command", "outcome"}),
		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpngw_store_writes_total",
			Help: "Config store registry writes.",
		}, []string{"registry", "outcome"}),
		Reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpngw_route_reconcile_total",
			Help: "Route reconciliation steps by stage.",
		}, []string{"stage", "outcome"}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpngw_api_requests_total",
			Help: "Dashboard API requests by route and status class.",
		}, []string{"method", "route", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.RemoteCommands, m.LocalCommands, m.StoreWrites, m.Reconciles, m.APIRequests)
	}
	return m
}

// RemoteCommand counts a remote command.
func (m *Metrics) RemoteCommand(outcome string) {
	if m == nil {
		return
	}
	m.RemoteCommands.WithLabelValues(outcome).Inc()
}

// LocalCommand counts a local command by executable name.
func (m *Metrics) LocalCommand(command, outcome string) {
	if m == nil {
		return
	}
	m.LocalCommands.WithLabelValues(command, outcome).Inc()
}

// StoreWrite counts a registry write.
func (m *Metrics) StoreWrite(registry string, err error) {
	if m == nil {
		return
	}
	m.StoreWrites.WithLabelValues(registry, outcomeOf(err)).Inc()
}

// Reconcile counts a reconcile stage (kernel, firewall, device).
func (m *Metrics) Reconcile(stage string, err error) {
	if m == nil {
		return
	}
	m.Reconciles.WithLabelValues(stage, outcomeOf(err)).Inc()
}

// APIRequest counts a dashboard request. status is the class, e.g. "2xx".
func (m *Metrics) APIRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(method, route, status).Inc()
}

func outcomeOf(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
