package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/core/metrics"
)

// Metrics implements es.Metrics using Prometheus. All collectors carry an
// entity_type label.
type Metrics struct {
	// Store
	storeAppendDuration *prometheus.HistogramVec
	storeLoadDuration   *prometheus.HistogramVec
	eventsAppended      *prometheus.CounterVec
	appendConflicts     *prometheus.CounterVec

	// Reconstruction
	replayDuration    *prometheus.HistogramVec
	eventsReplayed    *prometheus.CounterVec
	unknownEventTypes *prometheus.CounterVec
	eventsSkipped     *prometheus.CounterVec

	// Snapshots
	snapshotLoadDuration *prometheus.HistogramVec
	snapshotSaveDuration *prometheus.HistogramVec
	snapshotHits         *prometheus.CounterVec
	snapshotMisses       *prometheus.CounterVec
	snapshotFailures     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		storeAppendDuration: newHistogram("store", "append_duration_seconds", "Event append latency in seconds, including the entity lock wait"),
		storeLoadDuration:   newHistogram("store", "load_duration_seconds", "Event load latency in seconds"),
		eventsAppended:      newCounter("store", "events_appended_total", "Total number of events appended"),
		appendConflicts:     newCounter("store", "append_conflicts_total", "Total number of appends that failed with a retryable conflict"),

		replayDuration:    newHistogram("engine", "replay_duration_seconds", "State reconstruction latency in seconds"),
		eventsReplayed:    newCounter("engine", "events_replayed_total", "Total number of events folded into a state"),
		unknownEventTypes: newCounter("engine", "unknown_event_types_total", "Total number of events ignored because of an unknown type", "event_type"),
		eventsSkipped:     newCounter("engine", "events_skipped_total", "Total number of invalid events skipped by a lenient reducer", "event_type"),

		snapshotLoadDuration: newHistogram("snapshot", "load_duration_seconds", "Snapshot load latency in seconds"),
		snapshotSaveDuration: newHistogram("snapshot", "save_duration_seconds", "Snapshot save latency in seconds"),
		snapshotHits:         newCounter("snapshot", "hits_total", "Total number of reconstructions seeded from a snapshot"),
		snapshotMisses:       newCounter("snapshot", "misses_total", "Total number of reconstructions without a usable snapshot"),
		snapshotFailures:     newCounter("snapshot", "failures_total", "Total number of automatic snapshots that could not be written"),
	}

	reg.MustRegister(
		m.storeAppendDuration,
		m.storeLoadDuration,
		m.eventsAppended,
		m.appendConflicts,
		m.replayDuration,
		m.eventsReplayed,
		m.unknownEventTypes,
		m.eventsSkipped,
		m.snapshotLoadDuration,
		m.snapshotSaveDuration,
		m.snapshotHits,
		m.snapshotMisses,
		m.snapshotFailures,
	)

	return m
}

func (m *Metrics) StoreAppendDuration(et es.EntityType) metrics.Timer {
	return newTimer(m.storeAppendDuration.WithLabelValues(et.String()))
}

func (m *Metrics) StoreLoadDuration(et es.EntityType) metrics.Timer {
	return newTimer(m.storeLoadDuration.WithLabelValues(et.String()))
}

func (m *Metrics) EventsAppended(et es.EntityType, count int) {
	m.eventsAppended.WithLabelValues(et.String()).Add(float64(count))
}

func (m *Metrics) AppendConflict(et es.EntityType) {
	m.appendConflicts.WithLabelValues(et.String()).Inc()
}

func (m *Metrics) ReplayDuration(et es.EntityType) metrics.Timer {
	return newTimer(m.replayDuration.WithLabelValues(et.String()))
}

func (m *Metrics) EventsReplayed(et es.EntityType, count int) {
	m.eventsReplayed.WithLabelValues(et.String()).Add(float64(count))
}

func (m *Metrics) UnknownEventType(et es.EntityType, eventType string) {
	m.unknownEventTypes.WithLabelValues(et.String(), eventType).Inc()
}

func (m *Metrics) EventSkipped(et es.EntityType, eventType string) {
	m.eventsSkipped.WithLabelValues(et.String(), eventType).Inc()
}

func (m *Metrics) SnapshotLoadDuration(et es.EntityType) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(et.String()))
}

func (m *Metrics) SnapshotSaveDuration(et es.EntityType) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(et.String()))
}

func (m *Metrics) SnapshotHit(et es.EntityType) {
	m.snapshotHits.WithLabelValues(et.String()).Inc()
}

func (m *Metrics) SnapshotMiss(et es.EntityType) {
	m.snapshotMisses.WithLabelValues(et.String()).Inc()
}

func (m *Metrics) SnapshotFailed(et es.EntityType) {
	m.snapshotFailures.WithLabelValues(et.String()).Inc()
}

var _ es.Metrics = (*Metrics)(nil)
