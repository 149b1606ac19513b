package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the token board server.
//
// Naming convention: namespace_subsystem_name
// - namespace: tokenboard (application-level grouping)
// - subsystem: websocket, room, mutation, rate_limit, circuit_breaker (feature-level grouping)
// - name: specific metric (connections_active, updates_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, occupancy)
// - Counter: Cumulative events (mutations applied, errors)
// - Histogram: Latency distributions (mutation processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tokenboard",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of room actors held in memory on this node.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tokenboard",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active room actors",
	})

	// RoomOccupancy tracks the number of connected clients in each room on this node.
	RoomOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tokenboard",
		Subsystem: "room",
		Name:      "occupancy",
		Help:      "Number of connected clients per room on this node",
	}, []string{"room_id"})

	// MutationsTotal tracks the total number of update actions processed, by kind and outcome.
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokenboard",
		Subsystem: "mutation",
		Name:      "updates_total",
		Help:      "Total update actions processed",
	}, []string{"action", "outcome"})

	// MutationDuration tracks the time spent inside apply_mutation, including retries.
	MutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tokenboard",
		Subsystem: "mutation",
		Name:      "apply_duration_seconds",
		Help:      "Time spent applying a room mutation, including contention retries",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"result"})

	// MutationRetries tracks how many times apply_mutation was retried due to TransactionFailed.
	MutationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokenboard",
		Subsystem: "mutation",
		Name:      "retries_total",
		Help:      "Total apply_mutation retries due to transaction contention",
	}, []string{"outcome"})

	// CircuitBreakerState tracks the current state of the Redis circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tokenboard",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokenboard",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of connection attempts rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokenboard",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of connection attempts rejected by the rate limiter",
	}, []string{"reason"})

	// RateLimitRequests tracks the total number of acquisitions admitted by the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokenboard",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of acquisitions admitted by the rate limiter",
	}, []string{"scope"})
)

// IncConnection records a newly accepted WebSocket connection.
func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

// DecConnection records a closed WebSocket connection.
func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
