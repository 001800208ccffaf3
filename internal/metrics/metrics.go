// Package metrics — Prometheus-метрики шлюза и движков чата.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Number of active WebSocket connections",
	})

	WSConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_connections_total",
		Help: "Total number of accepted WebSocket connections",
	})

	WSAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_auth_failures_total",
		Help: "Handshakes rejected because of a missing or invalid token",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Number of users with at least one live connection",
	})

	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_broadcasts_total",
		Help: "Events fanned out by the room router",
	}, []string{"event"})

	BackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_backpressure_drops_total",
		Help: "Events dropped because a connection send buffer was full",
	}, []string{"event"})

	InboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_inbound_events_total",
		Help: "Inbound socket events by type and result",
	}, []string{"type", "result"})

	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_operations_total",
		Help: "Engine operations by name and result kind",
	}, []string{"op", "result"})

	SideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_side_effect_failures_total",
		Help: "Fire-and-forget work that failed (notifications, link previews)",
	}, []string{"kind"})
)
