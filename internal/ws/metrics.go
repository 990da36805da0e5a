// Package ws – Prometheus instrumentation for the real-time layer.
//
// Label cardinality is kept bounded: event names come from the fixed protocol
// vocabulary and direction is in/out.
package ws

import "github.com/prometheus/client_golang/prometheus"

var (
	// wsConnections gauges currently open WebSocket connections.
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Current number of open WebSocket connections.",
		},
	)

	// wsRooms gauges rooms with at least one member.
	wsRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_rooms_active",
			Help: "Current number of conversation rooms with members.",
		},
	)

	// wsEvents counts protocol frames by event name and direction.
	wsEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_total",
			Help: "Total number of WebSocket events processed.",
		},
		[]string{"event", "direction"},
	)

	// wsDropped counts frames discarded because a client could not keep up.
	wsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_frames_dropped_total",
			Help: "Total number of outbound frames dropped on slow consumers.",
		},
	)
)

func init() {
	prometheus.MustRegister(wsConnections, wsRooms, wsEvents, wsDropped)
}
