package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/core/es/estests/domain"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	for _, timer := range []interface{ ObserveDuration() }{
		m.StoreAppendDuration("invoice"),
		m.StoreLoadDuration("invoice"),
		m.ReplayDuration("invoice"),
		m.SnapshotLoadDuration("invoice"),
		m.SnapshotSaveDuration("invoice"),
	} {
		timer.ObserveDuration()
	}

	m.EventsAppended("invoice", 5)
	m.AppendConflict("invoice")
	m.EventsReplayed("invoice", 7)
	m.UnknownEventType("invoice", "InvoiceArchived")
	m.EventSkipped("sales_partner", "CommissionEarned")
	m.SnapshotHit("invoice")
	m.SnapshotMiss("invoice")
	m.SnapshotFailed("invoice")

	assert.Equal(t, 5.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues("invoice")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.eventsReplayed.WithLabelValues("invoice")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unknownEventTypes.WithLabelValues("invoice", "InvoiceArchived")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsSkipped.WithLabelValues("sales_partner", "CommissionEarned")))

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["roboinv_store_append_duration_seconds"])
	assert.True(t, names["roboinv_store_append_conflicts_total"])
	assert.True(t, names["roboinv_engine_replay_duration_seconds"])
	assert.True(t, names["roboinv_snapshot_failures_total"])
}

func TestMetrics_Env(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	env, err := es.NewEnv(
		es.WithReducers(domain.NewReducer()),
		es.WithMetrics(m),
		es.WithSnapshotThreshold(2),
	)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := env.RecordEvent(t.Context(), domain.Inc("t-1", 1))
		require.NoError(t, err)
	}

	assert.Equal(t, 4.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues(domain.EntityTally.String())))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.snapshotFailures.WithLabelValues(domain.EntityTally.String())))
	assert.Positive(t, testutil.ToFloat64(m.snapshotHits.WithLabelValues(domain.EntityTally.String())))
}
