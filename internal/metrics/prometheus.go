// Package metrics provides Prometheus metrics for thunderpush.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message delivery targets.
const (
	TargetUser    = "user"
	TargetChannel = "channel"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	connectionsOpen   prometheus.Gauge
	sessionsAuthed    *prometheus.GaugeVec
	commandsTotal     *prometheus.CounterVec
	wrongKeysTotal    prometheus.Counter
	messagesDelivered *prometheus.CounterVec
	publishesTotal    *prometheus.CounterVec
	apiRequestsTotal  *prometheus.CounterVec
	tenants           prometheus.Gauge
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "thunderpush_connections_open",
			Help: "Number of open client transport sessions",
		}),
		sessionsAuthed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "thunderpush_sessions_authenticated",
			Help: "Number of authenticated client sessions per tenant",
		}, []string{"tenant"}),
		commandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "thunderpush_commands_total",
			Help: "Inbound client commands by command and result",
		}, []string{"command", "result"}),
		wrongKeysTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "thunderpush_wrong_keys_total",
			Help: "CONNECT attempts with an unknown public key",
		}),
		messagesDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "thunderpush_messages_delivered_total",
			Help: "Frames enqueued to client sessions by publish target",
		}, []string{"tenant", "target"}),
		publishesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "thunderpush_publishes_total",
			Help: "Publish operations by target",
		}, []string{"tenant", "target"}),
		apiRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "thunderpush_api_requests_total",
			Help: "Backend API requests by route and status",
		}, []string{"route", "status"}),
		tenants: f.NewGauge(prometheus.GaugeOpts{
			Name: "thunderpush_tenants",
			Help: "Number of registered tenants",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsOpen.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsOpen.Dec()
}

// SessionAuthenticated tracks a session entering (delta 1) or leaving
// (delta -1) a tenant.
func (m *Metrics) SessionAuthenticated(tenant string, delta float64) {
	if m == nil {
		return
	}
	m.sessionsAuthed.WithLabelValues(tenant).Add(delta)
}

func (m *Metrics) Command(command, result string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command, result).Inc()
}

func (m *Metrics) WrongKey() {
	if m == nil {
		return
	}
	m.wrongKeysTotal.Inc()
}

// Published records one publish operation and the number of sessions it
// reached.
func (m *Metrics) Published(tenant, target string, delivered int) {
	if m == nil {
		return
	}
	m.publishesTotal.WithLabelValues(tenant, target).Inc()
	m.messagesDelivered.WithLabelValues(tenant, target).Add(float64(delivered))
}

func (m *Metrics) APIRequest(route string, status int) {
	if m == nil {
		return
	}
	m.apiRequestsTotal.WithLabelValues(route, statusClass(status)).Inc()
}

func (m *Metrics) SetTenants(n int) {
	if m == nil {
		return
	}
	m.tenants.Set(float64(n))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
