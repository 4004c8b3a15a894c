package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("reporting:carryover").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("reporting:carryover").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("reporting:carryover", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("reporting:carryover", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("reporting:carryover")))
}

func TestCarryoverValuesCounted(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddCarryoverValues("carryover", 2)
	m.AddCarryoverValues("", 1)
	m.AddCarryoverValues("carryover", 0)

	require.Equal(t, 2.0, testutil.ToFloat64(m.carryover.WithLabelValues("carryover")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.carryover.WithLabelValues("unknown")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AddCarryoverValues("carryover", 1)
	require.NoError(t, m.Track("job").End(nil))
}
