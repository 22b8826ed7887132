package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"causalityengine/internal/clock"
	"causalityengine/internal/event"
	"causalityengine/internal/store"
)

func queryEvent(id, traceID string, ms int) *event.Event {
	d := uint64(ms) * 1_000_000
	return &event.Event{
		ID:              id,
		TraceID:         traceID,
		Timestamp:       time.Now(),
		Kind:            event.Kind{DatabaseQuery: &event.DatabaseQueryData{Query: "select 1", DurationMs: float64(ms)}},
		Metadata:        event.Metadata{ThreadID: "T1", ServiceName: "svc", Environment: "test", DurationNs: &d, Tags: map[string]string{}},
		CausalityVector: clock.New(),
		LockSet:         []string{},
	}
}

func TestDetectTraceFlagsOutlierWithinCohort(t *testing.T) {
	s := store.NewMemoryStore()
	for i, ms := range []int{10, 11, 9, 10, 200} {
		require.NoError(t, s.Put(queryEvent(string(rune('a'+i)), "t1", ms)))
	}

	d := NewDetector(s, 0, 0)
	anomalies, err := d.DetectTrace("t1")
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "e", anomalies[0].EventID)
	assert.Equal(t, Minor, anomalies[0].Severity)
}

func TestDetectTraceSkipsUniformCohort(t *testing.T) {
	s := store.NewMemoryStore()
	for i, ms := range []int{10, 10, 10, 10, 10} {
		require.NoError(t, s.Put(queryEvent(string(rune('a'+i)), "t1", ms)))
	}

	d := NewDetector(s, 0, 0)
	anomalies, err := d.DetectTrace("t1")
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestDetectTraceFallsBackToGlobalCohortWhenLocalTooSmall(t *testing.T) {
	s := store.NewMemoryStore()
	for i, ms := range []int{10, 11, 9, 10, 200} {
		require.NoError(t, s.Put(queryEvent(string(rune('a'+i)), "t1", ms)))
	}
	require.NoError(t, s.Put(queryEvent("z", "t2", 10)))

	d := NewDetector(s, 0, 0)
	anomalies, err := d.DetectTrace("t2")
	require.NoError(t, err)
	// t2's own cohort has only 1 member, so the global t1+t2 cohort of 6 is
	// used: mean about 41.7ms, standard deviation about 70.8ms, so "z" at
	// 10ms scores about -0.45 and is not flagged.
	for _, a := range anomalies {
		assert.NotEqual(t, "z", a.EventID)
	}
}
