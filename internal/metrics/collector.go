// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "tagauthd"

// Label names.
const (
	labelBackend = "backend"
	labelResult  = "result"
	labelStatus  = "status"
)

// Values for the auth_requests_total result label.
const (
	ResultOK      = "ok"
	ResultNoAuth  = "noauth"
	ResultTimeout = "timeout"
)

// Values for the credstore_reloads_total status label.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// -------------------------------------------------------------------------
// Reporter
// -------------------------------------------------------------------------

// Reporter is the instrumentation interface consumed by the coordinator
// and the socket server. Decouples them from Prometheus so tests can run
// with the no-op implementation.
type Reporter interface {
	// SetActiveUIDs records the size of the merged active set.
	SetActiveUIDs(n int)

	// ClientConnected / ClientDisconnected track open client sessions.
	ClientConnected()
	ClientDisconnected()

	// IncListenerUpdate counts a snapshot delivered by a reader backend.
	IncListenerUpdate(backend string)

	// IncAuthRequest counts a resolved authentication request.
	IncAuthRequest(result string)

	// IncCredstoreReload counts a credential file reload attempt.
	IncCredstoreReload(status string)
}

// Nop is a Reporter that discards everything.
type Nop struct{}

func (Nop) SetActiveUIDs(int)          {}
func (Nop) ClientConnected()           {}
func (Nop) ClientDisconnected()        {}
func (Nop) IncListenerUpdate(string)   {}
func (Nop) IncAuthRequest(string)      {}
func (Nop) IncCredstoreReload(string)  {}

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds all daemon Prometheus metrics.
//
//   - ActiveUIDs answers "is a tag on a reader right now".
//   - ClientSessions tracks concurrently connected local clients.
//   - ListenerUpdates shows which reader backends are alive and chatty.
//   - AuthRequests, by result, is the alerting signal: a burst of
//     "noauth" is someone waving the wrong tag at a reader.
//   - CredstoreReloads flags a corrupt or missing credential file.
type Collector struct {
	// ActiveUIDs tracks the number of UIDs in the merged active set.
	ActiveUIDs prometheus.Gauge

	// ClientSessions tracks the number of open client connections.
	ClientSessions prometheus.Gauge

	// ListenerUpdates counts snapshots received per reader backend.
	ListenerUpdates *prometheus.CounterVec

	// AuthRequests counts resolved authentication requests per result.
	AuthRequests *prometheus.CounterVec

	// CredstoreReloads counts credential file reloads per status.
	CredstoreReloads *prometheus.CounterVec
}

var _ Reporter = (*Collector)(nil)

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "tagauthd_" namespace prefix.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ActiveUIDs,
		c.ClientSessions,
		c.ListenerUpdates,
		c.AuthRequests,
		c.CredstoreReloads,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		ActiveUIDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_uids",
			Help:      "Number of transponder UIDs currently present in the merged active set.",
		}),

		ClientSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_sessions",
			Help:      "Number of currently open client connections on the unix socket.",
		}),

		ListenerUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_updates_total",
			Help:      "Total UID snapshots received from reader backends.",
		}, []string{labelBackend}),

		AuthRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_requests_total",
			Help:      "Total resolved authentication requests by result.",
		}, []string{labelResult}),

		CredstoreReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credstore_reloads_total",
			Help:      "Total credential file reload attempts by status.",
		}, []string{labelStatus}),
	}
}

// -------------------------------------------------------------------------
// Reporter Implementation
// -------------------------------------------------------------------------

// SetActiveUIDs records the size of the merged active set.
func (c *Collector) SetActiveUIDs(n int) {
	c.ActiveUIDs.Set(float64(n))
}

// ClientConnected increments the open client sessions gauge.
func (c *Collector) ClientConnected() {
	c.ClientSessions.Inc()
}

// ClientDisconnected decrements the open client sessions gauge.
func (c *Collector) ClientDisconnected() {
	c.ClientSessions.Dec()
}

// IncListenerUpdate counts a snapshot from the named reader backend.
func (c *Collector) IncListenerUpdate(backend string) {
	c.ListenerUpdates.WithLabelValues(backend).Inc()
}

// IncAuthRequest counts a resolved authentication request.
func (c *Collector) IncAuthRequest(result string) {
	c.AuthRequests.WithLabelValues(result).Inc()
}

// IncCredstoreReload counts a credential file reload attempt.
func (c *Collector) IncCredstoreReload(status string) {
	c.CredstoreReloads.WithLabelValues(status).Inc()
}
