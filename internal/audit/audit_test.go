package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"causalityengine/internal/clock"
	"causalityengine/internal/event"
	"causalityengine/internal/race"
	"causalityengine/internal/store"
)

func vcOf(key string, n uint64) *clock.VectorClock {
	vc := clock.New()
	vc.Set(key, n)
	return vc
}

func writeEvent(id, traceID, thread string, ts time.Time, vc *clock.VectorClock) *event.Event {
	return &event.Event{
		ID:        id,
		TraceID:   traceID,
		Timestamp: ts,
		Kind: event.Kind{StateChange: &event.StateChangeData{
			Variable: "x", NewValue: event.NewValue(1), AccessType: event.AccessWrite, Location: "a.go:1",
		}},
		Metadata:        event.Metadata{ThreadID: thread, ServiceName: "svc", Environment: "test", Tags: map[string]string{}},
		CausalityVector: vc,
		LockSet:         []string{},
	}
}

func TestAuditOrdersByTimestampAndFlagsCausalLinks(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Now()
	require.NoError(t, s.Put(writeEvent("a", "t1", "T1", base, vcOf("T1", 1))))
	require.NoError(t, s.Put(writeEvent("b", "t1", "T1", base.Add(time.Millisecond), vcOf("T1", 2))))

	b := NewBuilder(s, race.NewDetector(s, false))
	trail, err := b.Audit("t1", "x")
	require.NoError(t, err)
	require.Len(t, trail.OrderedAccesses, 2)
	assert.False(t, trail.OrderedAccesses[0].HasCausalLinkToPrevious)
	assert.True(t, trail.OrderedAccesses[1].HasCausalLinkToPrevious)
}

func TestAuditFlagsRacingAccesses(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Now()
	require.NoError(t, s.Put(writeEvent("a", "t1", "T1", base, vcOf("T1", 1))))
	require.NoError(t, s.Put(writeEvent("b", "t1", "T2", base, vcOf("T2", 1))))

	b := NewBuilder(s, race.NewDetector(s, false))
	trail, err := b.Audit("t1", "x")
	require.NoError(t, err)
	require.Len(t, trail.OrderedAccesses, 2)
	assert.True(t, trail.OrderedAccesses[0].IsRace)
	assert.True(t, trail.OrderedAccesses[1].IsRace)
}
