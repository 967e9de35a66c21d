// Package metrics holds the Prometheus collectors of the cart engine and its
// infrastructure. Collectors register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RemoteEventsApplied counts change events merged into a ledger, by event type.
	RemoteEventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_remote_events_applied_total",
		Help: "Total number of remote change events applied to a cart ledger",
	}, []string{"type"})

	// RemoteEventsDiscarded counts events dropped as stale, duplicate or malformed.
	RemoteEventsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_remote_events_discarded_total",
		Help: "Total number of remote change events discarded",
	}, []string{"reason"})

	RemoteEventsDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_remote_events_deferred_total",
		Help: "Total number of remote change events deferred behind an in-flight mutation",
	})

	// MutationsRolledBack counts optimistic ledger changes undone after a failed remote write.
	MutationsRolledBack = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_mutations_rolled_back_total",
		Help: "Total number of local cart mutations rolled back",
	}, []string{"op"})

	ValidationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_validation_rejections_total",
		Help: "Total number of cart mutations rejected by stock validation",
	}, []string{"code"})

	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_sessions_created_total",
		Help: "Total number of cart sessions created",
	})

	// SessionsReset counts sessions superseded or dropped, by reason.
	SessionsReset = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_sessions_reset_total",
		Help: "Total number of cart sessions reset",
	}, []string{"reason"})

	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_outbox_published_total",
		Help: "Total number of outbox events published to the change feed",
	})

	OutboxPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_outbox_publish_failures_total",
		Help: "Total number of failed outbox publish attempts",
	})

	// FeedSubscribers is the current number of live per-session subscriptions.
	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cart_feed_subscribers",
		Help: "Current number of change feed subscriptions",
	})

	ActiveCarts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cart_active_engines",
		Help: "Current number of cart engines held by the registry",
	})

	SessionsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_sessions_purged_total",
		Help: "Total number of expired sessions removed from the store",
	})

	CartsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_registry_evicted_total",
		Help: "Total number of idle or expired carts evicted from memory",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cart_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
