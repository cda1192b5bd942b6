package channel

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "channel"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of join replies, labeled by status.
	Joins metrics.Counter

	// Number of automatic rejoin attempts.
	Rejoins metrics.Counter

	// Number of pushes transmitted, including join and leave pushes.
	Pushes metrics.Counter

	// Number of pushes that received a synthesized timeout reply.
	PushTimeouts metrics.Counter

	// Number of pushes currently buffered waiting for the channel to join.
	BufferedPushes metrics.Gauge

	// Number of inbound messages dropped by the stale join epoch filter.
	StaleMessages metrics.Counter
}

// PrometheusMetrics returns Metrics built using Prometheus client library.
// Optional labels are prepended to all metrics with a corresponding value.
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Joins: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "joins_total",
			Help:      "Number of join replies, labeled by status.",
		}, append(labels, "status")).With(labelsAndValues...),
		Rejoins: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rejoins_total",
			Help:      "Number of automatic rejoin attempts.",
		}, labels).With(labelsAndValues...),
		Pushes: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pushes_total",
			Help:      "Number of pushes transmitted, including join and leave pushes.",
		}, labels).With(labelsAndValues...),
		PushTimeouts: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "push_timeouts_total",
			Help:      "Number of pushes that received a synthesized timeout reply.",
		}, labels).With(labelsAndValues...),
		BufferedPushes: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "buffered_pushes",
			Help:      "Number of pushes currently buffered waiting for the channel to join.",
		}, labels).With(labelsAndValues...),
		StaleMessages: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stale_messages_total",
			Help:      "Number of inbound messages dropped by the stale join epoch filter.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Joins:          discard.NewCounter(),
		Rejoins:        discard.NewCounter(),
		Pushes:         discard.NewCounter(),
		PushTimeouts:   discard.NewCounter(),
		BufferedPushes: discard.NewGauge(),
		StaleMessages:  discard.NewCounter(),
	}
}
