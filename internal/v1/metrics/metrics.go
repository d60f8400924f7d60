package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling service.
//
// Naming convention: namespace_subsystem_name
// - namespace: signaling (application-level grouping)
// - subsystem: websocket, room, cluster (feature-level grouping)
// - name: specific metric (connections_active, frames_total, etc.)

var (
	// ActiveConnections tracks the current number of open WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// FramesTotal counts client frames processed by type and outcome.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total client frames processed",
	}, []string{"frame_type", "status"})

	// AuthFailures counts rejected authentication attempts.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "auth_failures_total",
		Help:      "Total failed authentication handshakes",
	})

	// ActiveRooms tracks the current number of rooms with local participants.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with at least one local participant",
	})

	// RoomParticipants tracks the number of local participants per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of local participants in each room",
	}, []string{"room_id"})

	// ClusterMessages counts cluster-bus traffic by message type and direction.
	ClusterMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "cluster",
		Name:      "messages_total",
		Help:      "Total cluster-bus messages published and received",
	}, []string{"message_type", "direction"})

	// DegradedMode is 1 while the shared coordinator is unreachable.
	DegradedMode = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "cluster",
		Name:      "degraded_mode",
		Help:      "1 when operating without the shared coordinator, 0 otherwise",
	})

	// CircuitBreakerState tracks the Redis circuit breaker (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "cluster",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "cluster",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total requests rejected by an open circuit breaker",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
