// Package metrics holds the prometheus collectors shared by the sync engine,
// the exchange transports and the publishers. Everything registers with the
// default registry through promauto and is served by the operator server on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DiffReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depthsync_diff_received_total",
		Help: "Diff events handed to a sync engine",
	}, []string{"symbol"})

	DiffApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depthsync_diff_applied_total",
		Help: "Diff events applied to the book",
	}, []string{"symbol"})

	DiffDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depthsync_diff_discarded_total",
		Help: "Diff events dropped without being applied, by reason",
	}, []string{"symbol", "reason"}) // stale, duplicate, cross_symbol, evicted, invalid

	SequenceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depthsync_sequence_gaps_total",
		Help: "Sequence continuity violations detected",
	}, []string{"symbol", "phase"}) // ready, catchup

	Buffered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "depthsync_buffered_events",
		Help: "Diff events currently held while the book is not ready",
	}, []string{"symbol"})

	Status = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "depthsync_status",
		Help: "Engine status: 0 buffering, 1 syncing, 2 ready, 3 error",
	}, []string{"symbol"})

	LastUpdateID = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "depthsync_last_update_id",
		Help: "Last applied update id",
	}, []string{"symbol"})

	SnapshotFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depthsync_snapshot_fetch_total",
		Help: "Snapshot fetch attempts by outcome",
	}, []string{"symbol", "outcome"}) // ok, error, stale, superseded

	SnapshotLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "depthsync_snapshot_fetch_seconds",
		Help:    "Snapshot fetch latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"symbol"})

	Resyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depthsync_resync_total",
		Help: "Synchronization attempts started, by trigger",
	}, []string{"symbol", "reason"}) // initial, gap, catchup_gap, retry, manual

	SnapshotBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "depthsync_snapshot_breaker_state",
		Help: "Snapshot client circuit breaker: 0 closed, 1 half-open, 2 open",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depthsync_stream_reconnects_total",
		Help: "Diff stream reconnect attempts",
	})

	StreamDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depthsync_stream_decode_errors_total",
		Help: "Diff stream messages that could not be decoded",
	})

	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depthsync_publish_errors_total",
		Help: "Depth publish failures by sink",
	}, []string{"sink"})

	PublishDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depthsync_publish_coalesced_total",
		Help: "Depth views replaced by a newer one before being published",
	}, []string{"symbol"})
)

// Forget removes every per-symbol series, used when a symbol is unsubscribed.
func Forget(symbol string) {
	labels := prometheus.Labels{"symbol": symbol}
	DiffReceived.DeletePartialMatch(labels)
	DiffApplied.DeletePartialMatch(labels)
	DiffDiscarded.DeletePartialMatch(labels)
	SequenceGaps.DeletePartialMatch(labels)
	Buffered.DeletePartialMatch(labels)
	Status.DeletePartialMatch(labels)
	LastUpdateID.DeletePartialMatch(labels)
	SnapshotFetches.DeletePartialMatch(labels)
	SnapshotLatency.DeletePartialMatch(labels)
	Resyncs.DeletePartialMatch(labels)
	PublishDropped.DeletePartialMatch(labels)
}
