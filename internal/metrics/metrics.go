// Package metrics provides Prometheus instrumentation for the room server.
// It exposes gauges for connection and room counts, counters for join and
// message throughput, and a histogram for per-broadcast fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcome labels for MessagesTotal.
const (
	OutcomeRelayed  = "relayed"
	OutcomeRejected = "rejected"
	OutcomeDropped  = "dropped"
)

var (
	// ConnectionsActive tracks the current number of open WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "secretchat_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsActive tracks the number of rooms with at least one local member.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "secretchat_rooms_active",
		Help: "Current number of non-empty rooms on this node",
	})

	// JoinsTotal counts accepted join-room requests.
	JoinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secretchat_joins_total",
		Help: "Total number of room joins",
	})

	// MessagesTotal counts send-message events by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secretchat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"}) // outcome = "relayed", "rejected", "dropped"

	// BroadcastFanout records how many members received each broadcast.
	BroadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "secretchat_broadcast_fanout",
		Help:    "Number of members a single broadcast was delivered to",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	// BroadcastLatency records time spent delivering one frame to a room.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "secretchat_broadcast_latency_seconds",
		Help:    "Time to deliver one frame to every member of a room",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		RoomsActive,
		JoinsTotal,
		MessagesTotal,
		BroadcastFanout,
		BroadcastLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
