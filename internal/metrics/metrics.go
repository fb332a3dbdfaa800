// Package metrics provides Prometheus instrumentation for the presence and
// matchmaking engine. Gauges track live population (connections, presence,
// queue, sessions); counters track throughput and session endings; a histogram
// tracks how long identities wait for a match.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections,
	// admitted or not.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// PresenceOnline tracks identities per presence status.
	PresenceOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whisper_presence_online",
		Help: "Number of known identities by presence status",
	}, []string{"status"}) // status = "online", "away", "offline"

	// MessagesTotal counts inbound frames by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"}) // type = "relayed", "signal", "blocked", "rejected", "rate_limited"

	// MatchDuration records the time the longer-waiting side spent queued.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_match_duration_seconds",
		Help:    "Time from joining the queue to match found",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 15, 20, 30, 60},
	})

	// ActiveSessions tracks the current number of non-ended sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_active_sessions",
		Help: "Current number of active random-chat sessions",
	})

	// SessionsEnded counts session endings by reason.
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_sessions_ended_total",
		Help: "Total number of sessions ended",
	}, []string{"reason"})

	// MatchQueueSize tracks the current number of identities waiting.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_match_queue_size",
		Help: "Current number of users in matching queue",
	})

	// Evictions counts connections closed because the same identity
	// connected again.
	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_evictions_total",
		Help: "Connections replaced by a newer connection of the same identity",
	})

	// EventQueueDepth tracks pending events for the engine loop.
	EventQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_engine_event_queue",
		Help: "Events waiting to be processed by the engine",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		PresenceOnline,
		MessagesTotal,
		MatchDuration,
		ActiveSessions,
		SessionsEnded,
		MatchQueueSize,
		Evictions,
		EventQueueDepth,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
