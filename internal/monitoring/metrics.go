package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway, scraped from /metrics.
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatgate_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatgate_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	ConnectionsAuthenticated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatgate_connections_authenticated",
		Help: "Current number of authenticated connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_connections_rejected_total",
		Help: "Handshakes rejected before upgrade, by pipeline step",
	}, []string{"step"})

	HandshakeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatgate_handshake_duration_seconds",
		Help:    "Time spent in the handshake pipeline",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatgate_rooms_active",
		Help: "Current number of live rooms",
	})

	RoomsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatgate_rooms_swept_total",
		Help: "Empty expired rooms removed by the cleanup scheduler",
	})

	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_events_received_total",
		Help: "Inbound client events by type",
	}, []string{"type"})

	EventErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_event_errors_total",
		Help: "Handler failures by error code",
	}, []string{"code"})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_rate_limited_total",
		Help: "Events rejected by the fixed-window limiters, by scope",
	}, []string{"scope"})

	NotificationsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_notifications_delivered_total",
		Help: "Notification deliveries by target kind (user, room, all, bulk)",
	}, []string{"target"})

	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatgate_notifications_dropped_total",
		Help: "Deliveries dropped because the connection buffer was full",
	})

	RelayPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatgate_relay_published_total",
		Help: "Outbound events mirrored to the broadcast relay",
	})

	RelayReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatgate_relay_received_total",
		Help: "Events received from the broadcast relay and re-delivered locally",
	})

	OrphansReconciled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatgate_orphans_reconciled_total",
		Help: "Orphaned connection entries purged by the cleanup scheduler",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsAuthenticated,
		ConnectionsRejected,
		HandshakeDuration,
		RoomsActive,
		RoomsSwept,
		EventsReceived,
		EventErrors,
		RateLimited,
		NotificationsDelivered,
		NotificationsDropped,
		RelayPublished,
		RelayReceived,
		OrphansReconciled,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
