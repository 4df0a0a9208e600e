package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEnqueue()
	c.RecordEnqueue()
	c.RecordLease()
	c.RecordAccepted(1.5)
	c.RecordStale()
	c.RecordRequeued()
	c.RecordDead()
	c.RecordFinalized()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsEnqueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsLeased))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resultsAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resultsStale))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRequeued))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDead))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.videosFinalized))
}

func TestCollectorGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.UpdateQueueStats(7, 3)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.jobsQueued))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsInflight))

	c.UpdateQueueStats(0, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsQueued))
}

func TestCollectorGathers(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordAccepted(0.7)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["framecut_results_accepted_total"])
	assert.True(t, names["framecut_window_latency_seconds"])
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	// two collectors must be able to coexist in one process
	a := NewCollector(prometheus.NewRegistry())
	b := NewCollector(prometheus.NewRegistry())
	a.RecordEnqueue()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.jobsEnqueued))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.jobsEnqueued))
}
