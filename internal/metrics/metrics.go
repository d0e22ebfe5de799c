// Package metrics provides Prometheus instrumentation for the messenger. It
// exposes gauges for connections and online users, counters for processed
// events and fan-out frames, and histograms for event latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes used as the "outcome" label of EventsTotal.
const (
	OutcomeOK          = "ok"
	OutcomeProtocol    = "protocol_error"
	OutcomeError       = "error"
	OutcomeRateLimited = "rate_limited"
	OutcomePanic       = "panic"
)

var (
	// ConnectionsActive tracks the current number of active WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_online_users",
		Help: "Current number of online users",
	})

	// AuthFailuresTotal counts handshakes rejected by the identity resolver.
	AuthFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_auth_failures_total",
		Help: "Total number of rejected WebSocket handshakes",
	})

	// EventsTotal counts processed client events by type and outcome.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_events_total",
		Help: "Total number of client events processed",
	}, []string{"type", "outcome"})

	// EventLatency records client event processing latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "messenger_event_latency_seconds",
		Help:    "Client event processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"type"})

	// MessagesStored counts messages appended to conversations.
	MessagesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_messages_stored_total",
		Help: "Total number of messages persisted",
	})

	// FanoutFramesTotal counts frames handed to the fan-out layer, labeled by
	// scope: "user" or "all".
	FanoutFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_fanout_frames_total",
		Help: "Total number of frames fanned out",
	}, []string{"scope"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		OnlineUsers,
		AuthFailuresTotal,
		EventsTotal,
		EventLatency,
		MessagesStored,
		FanoutFramesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
