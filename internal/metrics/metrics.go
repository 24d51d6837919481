package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay Metrics
var (
	// Open websocket connections
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ridechat",
			Subsystem: "relay",
			Name:      "connected_clients",
			Help:      "Number of open websocket connections",
		},
	)

	// Inbound events by name
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ridechat",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Total inbound websocket events",
		},
		[]string{"event", "status"},
	)

	// Messages delivered to group members
	MessagesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ridechat",
			Subsystem: "relay",
			Name:      "messages_relayed_total",
			Help:      "Total messages written to group members",
		},
	)

	// History endpoint requests
	HistoryRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ridechat",
			Subsystem: "relay",
			Name:      "history_requests_total",
			Help:      "Total history requests",
		},
		[]string{"status"},
	)
)
