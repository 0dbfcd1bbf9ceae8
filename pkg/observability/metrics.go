package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "amqpplug"

var (
	registerOnce sync.Once

	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "events_total",
			Help:      "Connections opened and closed.",
		},
		[]string{"event"},
	)
	liveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "open",
			Help:      "Connections currently open.",
		},
	)
	engineEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Engine events dispatched, by kind.",
		},
		[]string{"kind"},
	)
	liveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "open",
			Help:      "Session contexts currently open.",
		},
	)
	liveLinks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "open",
			Help:      "Links with an attached delivery handler, by role.",
		},
		[]string{"role"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Sessions and links closed with an error condition.",
		},
		[]string{"object", "condition"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "total",
			Help:      "Deliveries by outcome.",
		},
		[]string{"outcome"},
	)
	deliveryBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "bytes_total",
			Help:      "Message payload bytes by outcome.",
		},
		[]string{"outcome"},
	)
	creditIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "credit_issued_total",
			Help:      "Credit granted to peers on receiving links.",
		},
	)
	outputBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "bytes_total",
			Help:      "Output bytes handed to and confirmed by transports.",
		},
		[]string{"stage"},
	)
	inflightWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "inflight_writes",
			Help:      "Transport writes handed out and not yet confirmed.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connections, liveConnections, engineEvents, liveSessions, liveLinks,
			failures, deliveries, deliveryBytes, creditIssued, outputBytes, inflightWrites,
		)
	})
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordConnectionOpened() {
	RegisterMetrics()
	connections.WithLabelValues("opened").Inc()
	liveConnections.Inc()
}

func RecordConnectionClosed() {
	RegisterMetrics()
	connections.WithLabelValues("closed").Inc()
	liveConnections.Dec()
}

func RecordEvent(kind string) {
	RegisterMetrics()
	engineEvents.WithLabelValues(kind).Inc()
}

func RecordSessionOpened() {
	RegisterMetrics()
	liveSessions.Inc()
}

func RecordSessionClosed() {
	RegisterMetrics()
	liveSessions.Dec()
}

func RecordLinkAttached(role string) {
	RegisterMetrics()
	liveLinks.WithLabelValues(role).Inc()
}

func RecordLinkDetached(role string) {
	RegisterMetrics()
	liveLinks.WithLabelValues(role).Dec()
}

func RecordLinkFailure(condition string) {
	RegisterMetrics()
	failures.WithLabelValues("link", condition).Inc()
}

func RecordSessionFailure(condition string) {
	RegisterMetrics()
	failures.WithLabelValues("session", condition).Inc()
}

func RecordDelivery(outcome string, size int) {
	RegisterMetrics()
	deliveries.WithLabelValues(outcome).Inc()
	deliveryBytes.WithLabelValues(outcome).Add(float64(size))
}

func RecordCreditIssued(credit uint32) {
	RegisterMetrics()
	creditIssued.Add(float64(credit))
}

func RecordOutputHanded(n int) {
	RegisterMetrics()
	outputBytes.WithLabelValues("handed").Add(float64(n))
	inflightWrites.Inc()
}

func RecordOutputConfirmed(n int) {
	RegisterMetrics()
	outputBytes.WithLabelValues("confirmed").Add(float64(n))
	inflightWrites.Dec()
}
