package es

import "github.com/Iscgrou/roboinv/core/metrics"

// Metrics defines the instrumentation points of the event store, the
// reconstruction engine and the write coordinator. Implementations must be
// safe for concurrent use.
type Metrics interface {
	// Store operations
	StoreAppendDuration(entityType EntityType) metrics.Timer
	StoreLoadDuration(entityType EntityType) metrics.Timer
	EventsAppended(entityType EntityType, count int)
	AppendConflict(entityType EntityType)

	// Reconstruction
	ReplayDuration(entityType EntityType) metrics.Timer
	EventsReplayed(entityType EntityType, count int)
	UnknownEventType(entityType EntityType, eventType string)
	EventSkipped(entityType EntityType, eventType string)

	// Snapshots
	SnapshotLoadDuration(entityType EntityType) metrics.Timer
	SnapshotSaveDuration(entityType EntityType) metrics.Timer
	SnapshotHit(entityType EntityType)
	SnapshotMiss(entityType EntityType)
	SnapshotFailed(entityType EntityType)
}

type nopMetrics struct{}

func (nopMetrics) StoreAppendDuration(EntityType) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) StoreLoadDuration(EntityType) metrics.Timer   { return metrics.NopTimer() }
func (nopMetrics) EventsAppended(EntityType, int)               {}
func (nopMetrics) AppendConflict(EntityType)                    {}

func (nopMetrics) ReplayDuration(EntityType) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) EventsReplayed(EntityType, int)          {}
func (nopMetrics) UnknownEventType(EntityType, string)     {}
func (nopMetrics) EventSkipped(EntityType, string)         {}

func (nopMetrics) SnapshotLoadDuration(EntityType) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) SnapshotSaveDuration(EntityType) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) SnapshotHit(EntityType)                        {}
func (nopMetrics) SnapshotMiss(EntityType)                       {}
func (nopMetrics) SnapshotFailed(EntityType)                     {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }

var _ Metrics = nopMetrics{}
