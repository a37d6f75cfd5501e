package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	EventsObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaykit",
		Name:      "events_total",
		Help:      "Total bus events observed, by kind",
	}, []string{"kind"})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaykit",
		Subsystem: "dispatch",
		Name:      "messages_sent_total",
		Help:      "Total messages handed to a connection",
	})
	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaykit",
		Subsystem: "dispatch",
		Name:      "messages_delivered_total",
		Help:      "Total delivery confirmations received",
	})
	MessagesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaykit",
		Subsystem: "dispatch",
		Name:      "messages_read_total",
		Help:      "Total read confirmations received",
	})
	MessagesRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaykit",
		Subsystem: "dispatch",
		Name:      "messages_retried_total",
		Help:      "Total send retries scheduled",
	})
	MessagesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaykit",
		Subsystem: "dispatch",
		Name:      "messages_failed_total",
		Help:      "Total messages that ran out of send attempts",
	})
	MessagesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaykit",
		Subsystem: "dispatch",
		Name:      "messages_expired_total",
		Help:      "Total messages evicted from a full queue",
	})
	ConfirmationTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaykit",
		Subsystem: "dispatch",
		Name:      "confirmation_timeouts_total",
		Help:      "Total sent messages never confirmed in time",
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaykit",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Messages currently queued across all priorities",
	})
	PendingConfirmations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaykit",
		Subsystem: "dispatch",
		Name:      "pending_confirmations",
		Help:      "Sent messages awaiting a delivery or read receipt",
	})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaykit",
		Subsystem: "connection",
		Name:      "reconnects_total",
		Help:      "Total reconnection attempts across the pool",
	})
	Disconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaykit",
		Subsystem: "connection",
		Name:      "disconnects_total",
		Help:      "Total times the pool lost every connection",
	})
	PoolConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaykit",
		Subsystem: "connection",
		Name:      "pool_connected",
		Help:      "Pooled connections currently able to carry traffic",
	})

	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaykit",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries currently held by the cache",
	})
	CacheHits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaykit",
		Subsystem: "cache",
		Name:      "hits",
		Help:      "Lifetime cache hits",
	})
	CacheMisses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaykit",
		Subsystem: "cache",
		Name:      "misses",
		Help:      "Lifetime cache misses",
	})

	EventsDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaykit",
		Subsystem: "events",
		Name:      "dropped",
		Help:      "Lifetime events discarded because a subscriber was slow",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(EventsObserved)
		prometheus.MustRegister(MessagesSent)
		prometheus.MustRegister(MessagesDelivered)
		prometheus.MustRegister(MessagesRead)
		prometheus.MustRegister(MessagesRetried)
		prometheus.MustRegister(MessagesFailed)
		prometheus.MustRegister(MessagesExpired)
		prometheus.MustRegister(ConfirmationTimeouts)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(PendingConfirmations)
		prometheus.MustRegister(Reconnects)
		prometheus.MustRegister(Disconnects)
		prometheus.MustRegister(PoolConnected)
		prometheus.MustRegister(CacheEntries)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(EventsDropped)
	})
}
