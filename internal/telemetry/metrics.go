package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmcast",
			Name:      "messages_sent_total",
			Help:      "Messages handed to a transport, by type.",
		},
		[]string{"type"},
	)

	MessagesForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "swarmcast",
			Name:      "messages_forwarded_total",
			Help:      "Messages relayed on behalf of other peers.",
		},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmcast",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped, by reason.",
		},
		[]string{"reason"},
	)

	RetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swarmcast",
			Name:      "retry_queue_depth",
			Help:      "Messages waiting for a connection to open.",
		},
	)

	GossipExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmcast",
			Name:      "gossip_exchanges_total",
			Help:      "Completed view exchanges, by thread.",
		},
		[]string{"thread"},
	)

	PartsFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmcast",
			Name:      "parts_fetched_total",
			Help:      "Media parts fully received, by source.",
		},
		[]string{"source"},
	)
)

func init() {
	Registry.MustRegister(
		MessagesSent,
		MessagesForwarded,
		MessagesDropped,
		RetryQueueDepth,
		GossipExchanges,
		PartsFetched,
	)
}

// Handler exposes the swarmcast registry, typically mounted on /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
