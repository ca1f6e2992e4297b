// Package metrics provides Prometheus instrumentation for the relay.
// It exposes gauges for session and connection counts, counters for
// relayed and dropped messages, and a histogram for relay latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive tracks the current number of live sessions in the
	// registry.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duolink_sessions_active",
		Help: "Current number of live relay sessions",
	})

	// ConnectionsActive tracks the current number of bound WebSocket
	// connections across all sessions.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duolink_connections_active",
		Help: "Current number of bound WebSocket connections",
	})

	// MessagesRelayed counts frames forwarded between peers, labeled by
	// the sending role.
	MessagesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_messages_relayed_total",
		Help: "Total number of frames forwarded to a peer",
	}, []string{"sender"}) // sender = "host", "guest"

	// MessagesDropped counts frames that never reached a peer, labeled
	// by why: "no_peer", "malformed", "oversize", "write_error".
	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_messages_dropped_total",
		Help: "Total number of inbound frames dropped before delivery",
	}, []string{"reason"})

	// RelayLatency records the time from reading a frame to completing
	// the peer write, in seconds.
	RelayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duolink_relay_latency_seconds",
		Help:    "Time to forward a frame to the peer transport",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// BindsTotal counts successful transport binds, labeled by role.
	BindsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_binds_total",
		Help: "Total number of successful transport binds",
	}, []string{"role"})

	// BindRejections counts attach attempts refused before binding,
	// labeled by why: "missing_params", "unknown_session", "bad_role",
	// "bad_secret", "rate_limited".
	BindRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_bind_rejections_total",
		Help: "Total number of attach attempts rejected",
	}, []string{"reason"})

	// SessionsRemoved counts sessions deleted from the registry,
	// labeled by why: "empty", "idle", "shutdown".
	SessionsRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_sessions_removed_total",
		Help: "Total number of sessions removed from the registry",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		ConnectionsActive,
		MessagesRelayed,
		MessagesDropped,
		RelayLatency,
		BindsTotal,
		BindRejections,
		SessionsRemoved,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
