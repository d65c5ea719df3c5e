package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive cuenta las conexiones WebSocket vivas en esta instancia.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_connections_active",
			Help: "Live WebSocket connections on this instance",
		},
	)

	// Disconnects cuenta desconexiones por motivo (client, heartbeat, slow_consumer, shutdown).
	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_disconnects_total",
			Help: "Connection teardowns by reason",
		},
		[]string{"reason"},
	)

	FramesInbound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_frames_inbound_total",
			Help: "Inbound frames by type",
		},
		[]string{"type"},
	)

	FramesOutbound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_frames_outbound_total",
			Help: "Outbound frames by type",
		},
		[]string{"type"},
	)

	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_messages_appended_total",
			Help: "Messages durably appended",
		},
	)

	SequenceConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_sequence_conflicts_total",
			Help: "Append attempts that lost the sequence race and were retried",
		},
	)

	// Routes cuenta entregas por camino: local, remote, unroutable, duplicate.
	Routes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_routes_total",
			Help: "Routed deliveries by path",
		},
		[]string{"kind", "path"},
	)

	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_bus_published_total",
			Help: "Events published to the bus",
		},
		[]string{"topic"},
	)

	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_bus_dropped_total",
			Help: "Events dropped for transient subscribers with a full queue",
		},
		[]string{"topic"},
	)

	BusHandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_bus_handler_errors_total",
			Help: "Subscriber handler failures by group",
		},
		[]string{"group"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_notifications_total",
			Help: "Notification records created by initial state",
		},
		[]string{"state"},
	)

	PushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_push_failures_total",
			Help: "Push payloads that could not be handed to the push sender",
		},
	)
)
