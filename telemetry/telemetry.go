// Package telemetry exposes the messaging core's Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter the core increments. Construct one per
// Messenger with NewMetrics; a nil Registerer yields unregistered (but
// still usable) collectors so tests and embedded use need no registry.
type Metrics struct {
	ExchangesProcessed *prometheus.CounterVec
	ExchangesDropped   *prometheus.CounterVec
	ResolverBatches    prometheus.Counter
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	ReceiptsParked     prometheus.Counter
	ReceiptsReplayed   prometheus.Counter
	Retransmits        prometheus.Counter
	ReadMarksFlushed   prometheus.Counter
}

// NewMetrics builds the collector set, registering on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExchangesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "librelay",
			Name:      "exchanges_processed_total",
			Help:      "Inbound exchanges fully processed, by message type.",
		}, []string{"type"}),
		ExchangesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "librelay",
			Name:      "exchanges_dropped_total",
			Help:      "Inbound exchanges dropped, by reason.",
		}, []string{"reason"}),
		ResolverBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "librelay",
			Name:      "resolver_batches_total",
			Help:      "Remote tag-resolution batch calls issued.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "librelay",
			Name:      "resolver_cache_hits_total",
			Help:      "Tag-resolution cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "librelay",
			Name:      "resolver_cache_misses_total",
			Help:      "Tag-resolution cache misses.",
		}),
		ReceiptsParked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "librelay",
			Name:      "receipts_parked_total",
			Help:      "Receipts that arrived before their message and were parked.",
		}),
		ReceiptsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "librelay",
			Name:      "receipts_replayed_total",
			Help:      "Parked receipts replayed once their message arrived.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "librelay",
			Name:      "retransmits_total",
			Help:      "Messages re-sent in response to close-session requests.",
		}),
		ReadMarksFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "librelay",
			Name:      "read_marks_flushed_total",
			Help:      "Outbound read-mark controls emitted by the read-sync buffer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ExchangesProcessed, m.ExchangesDropped, m.ResolverBatches,
			m.CacheHits, m.CacheMisses, m.ReceiptsParked,
			m.ReceiptsReplayed, m.Retransmits, m.ReadMarksFlushed,
		)
	}
	return m
}
