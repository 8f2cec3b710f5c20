package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideboard", Name: "lifecycle_transitions_total", Help: "Lifecycle operations by outcome"},
		[]string{"op", "outcome"},
	)

	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideboard", Name: "outbox_published_total", Help: "Outbox events handed to kafka"})
	OutboxErrors    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideboard", Name: "outbox_errors_total", Help: "Outbox publish failures"})

	NotificationsSent   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideboard", Name: "notifications_sent_total", Help: "Notification records created"})
	NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideboard", Name: "notifications_failed_total", Help: "Notification deliveries that failed"})
	PushSent            = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideboard", Name: "push_sent_total", Help: "Push gateway requests issued"})

	RelayClients = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "rideboard", Name: "relay_connected_clients", Help: "Open websocket subscribers"})
	RelayEvents  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideboard", Name: "relay_events_total", Help: "Events fanned out by the relay"})
	RelayDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideboard", Name: "relay_dropped_clients_total", Help: "Subscribers evicted after failed or slow writes"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideboard", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rideboard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
