package race

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"causalityengine/internal/clock"
	"causalityengine/internal/event"
	"causalityengine/internal/store"
)

func vcOf(pairs ...interface{}) *clock.VectorClock {
	vc := clock.New()
	for i := 0; i < len(pairs); i += 2 {
		vc.Set(pairs[i].(string), uint64(pairs[i+1].(int)))
	}
	return vc
}

func stateChangeEvent(id, traceID, thread string, vc *clock.VectorClock, variable string, at event.AccessType) *event.Event {
	return &event.Event{
		ID:        id,
		TraceID:   traceID,
		Timestamp: time.Now(),
		Kind: event.Kind{StateChange: &event.StateChangeData{
			Variable: variable, NewValue: event.NewValue(1), AccessType: at,
		}},
		Metadata:        event.Metadata{ThreadID: thread, ServiceName: "svc", Environment: "test", Tags: map[string]string{}},
		CausalityVector: vc,
		LockSet:         []string{},
	}
}

func TestDetectTraceFindsConcurrentWriteWrite(t *testing.T) {
	s := store.NewMemoryStore()
	a := stateChangeEvent("a", "t1", "T1", vcOf("T1", 1, "T2", 0), "x", event.AccessWrite)
	b := stateChangeEvent("b", "t1", "T2", vcOf("T1", 0, "T2", 1), "x", event.AccessWrite)
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	d := NewDetector(s, false)
	findings, err := d.DetectTrace("t1")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, Critical, findings[0].Severity)
}

func TestDetectTraceReportsRaceWhenOnlyOneSideHoldsLock(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Now()
	acquireA := &event.Event{
		ID: "acqA", TraceID: "t1", Timestamp: base,
		Kind:            event.Kind{LockAcquire: &event.LockAcquireData{LockID: "L1"}},
		Metadata:        event.Metadata{ThreadID: "T1", ServiceName: "svc", Environment: "test", Tags: map[string]string{}},
		CausalityVector: vcOf("T1", 1, "T2", 0),
		LockSet:         []string{},
	}
	a := stateChangeEvent("a", "t1", "T1", vcOf("T1", 2, "T2", 0), "x", event.AccessWrite)
	a.Timestamp = base.Add(time.Millisecond)
	b := stateChangeEvent("b", "t1", "T2", vcOf("T1", 0, "T2", 1), "x", event.AccessWrite)

	require.NoError(t, s.Put(acquireA))
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	d := NewDetector(s, false)
	findings, err := d.DetectTrace("t1")
	require.NoError(t, err)
	// a holds L1 but b holds nothing, so lock sets are disjoint: still races.
	require.Len(t, findings, 1)
}

func TestDetectTraceNoRaceWhenNotConcurrent(t *testing.T) {
	s := store.NewMemoryStore()
	a := stateChangeEvent("a", "t1", "T1", vcOf("T1", 1), "x", event.AccessWrite)
	b := stateChangeEvent("b", "t1", "T1", vcOf("T1", 2), "x", event.AccessWrite)
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	d := NewDetector(s, false)
	findings, err := d.DetectTrace("t1")
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestDetectTraceNoRaceOnReadRead(t *testing.T) {
	s := store.NewMemoryStore()
	a := stateChangeEvent("a", "t1", "T1", vcOf("T1", 1, "T2", 0), "x", event.AccessRead)
	b := stateChangeEvent("b", "t1", "T2", vcOf("T1", 0, "T2", 1), "x", event.AccessRead)
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	d := NewDetector(s, false)
	findings, err := d.DetectTrace("t1")
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestDetectTraceNoRaceOnSameThread(t *testing.T) {
	s := store.NewMemoryStore()
	a := stateChangeEvent("a", "t1", "T1", vcOf("T1", 1), "x", event.AccessWrite)
	b := stateChangeEvent("b", "t1", "T1", vcOf("T1", 1, "T2", 5), "x", event.AccessWrite)
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	d := NewDetector(s, false)
	findings, err := d.DetectTrace("t1")
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestDetectGlobalFindsCrossTraceRace(t *testing.T) {
	s := store.NewMemoryStore()
	a := stateChangeEvent("a", "t1", "T1", vcOf("root1", 1), "x", event.AccessWrite)
	b := stateChangeEvent("b", "t2", "T1", vcOf("root2", 1), "x", event.AccessWrite)
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	d := NewDetector(s, false)
	findings := d.DetectGlobal()
	require.Len(t, findings, 1)
	assert.True(t, findings[0].CrossTrace)
}

func TestDetectGlobalIgnoresCrossTraceReadReadByDefault(t *testing.T) {
	s := store.NewMemoryStore()
	a := stateChangeEvent("a", "t1", "T1", vcOf("root1", 1), "x", event.AccessRead)
	b := stateChangeEvent("b", "t2", "T1", vcOf("root2", 1), "x", event.AccessRead)
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	d := NewDetector(s, false)
	assert.Empty(t, d.DetectGlobal())
}

func TestDetectGlobalReportsCrossTraceReadReadAsInfoWhenEnabled(t *testing.T) {
	s := store.NewMemoryStore()
	a := stateChangeEvent("a", "t1", "T1", vcOf("root1", 1), "x", event.AccessRead)
	b := stateChangeEvent("b", "t2", "T1", vcOf("root2", 1), "x", event.AccessRead)
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	d := NewDetector(s, true)
	findings := d.DetectGlobal()
	require.Len(t, findings, 1)
	assert.Equal(t, Info, findings[0].Severity)
	assert.True(t, findings[0].CrossTrace)
}

func TestDetectTraceNeverReportsSameTraceReadReadEvenWhenEnabled(t *testing.T) {
	s := store.NewMemoryStore()
	a := stateChangeEvent("a", "t1", "T1", vcOf("T1", 1, "T2", 0), "x", event.AccessRead)
	b := stateChangeEvent("b", "t1", "T2", vcOf("T1", 0, "T2", 1), "x", event.AccessRead)
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	d := NewDetector(s, true)
	findings, err := d.DetectTrace("t1")
	require.NoError(t, err)
	assert.Empty(t, findings)
}
