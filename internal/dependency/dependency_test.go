package dependency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"causalityengine/internal/clock"
	"causalityengine/internal/event"
	"causalityengine/internal/store"
)

func svcEvent(id, traceID, parent, service string, ts time.Time) *event.Event {
	var p *string
	if parent != "" {
		p = &parent
	}
	return &event.Event{
		ID:              id,
		TraceID:         traceID,
		ParentID:        p,
		Timestamp:       ts,
		Kind:            event.Kind{FunctionCall: &event.FunctionCallData{FunctionName: "f"}},
		Metadata:        event.Metadata{ThreadID: "T1", ServiceName: service, Environment: "test", Tags: map[string]string{}},
		CausalityVector: clock.New(),
		LockSet:         []string{},
	}
}

func TestDependenciesBuildsEdgeFromParentLink(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Now()
	require.NoError(t, s.Put(svcEvent("a", "t1", "", "svcA", base)))
	require.NoError(t, s.Put(svcEvent("b", "t1", "a", "svcB", base.Add(time.Millisecond))))
	require.NoError(t, s.Put(svcEvent("c", "t1", "a", "svcB", base.Add(2*time.Millisecond))))

	x := NewExtractor(s)
	g, err := x.Dependencies("t1")
	require.NoError(t, err)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, "svcA", g.Edges[0].From)
	assert.Equal(t, "svcB", g.Edges[0].To)
	assert.Equal(t, 2, g.Edges[0].CallCount)
}

func TestDependenciesGlobalSumsAcrossTraces(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Now()
	require.NoError(t, s.Put(svcEvent("a", "t1", "", "svcA", base)))
	require.NoError(t, s.Put(svcEvent("b", "t1", "a", "svcB", base.Add(time.Millisecond))))
	require.NoError(t, s.Put(svcEvent("c", "t2", "", "svcA", base)))
	require.NoError(t, s.Put(svcEvent("d", "t2", "c", "svcB", base.Add(time.Millisecond))))

	x := NewExtractor(s)
	g := x.DependenciesGlobal()
	require.Len(t, g.Edges, 1)
	assert.Equal(t, 2, g.Edges[0].CallCount)
}
