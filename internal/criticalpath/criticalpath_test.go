package criticalpath

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"causalityengine/internal/causality"
	"causalityengine/internal/clock"
	"causalityengine/internal/event"
	"causalityengine/internal/store"
)

func durEvent(id, traceID, parent string, ts time.Time, ms int, vc *clock.VectorClock) *event.Event {
	var p *string
	if parent != "" {
		p = &parent
	}
	d := uint64(ms) * 1_000_000
	return &event.Event{
		ID:              id,
		TraceID:         traceID,
		ParentID:        p,
		Timestamp:       ts,
		Kind:            event.Kind{FunctionCall: &event.FunctionCallData{FunctionName: "f"}},
		Metadata:        event.Metadata{ThreadID: "T1", ServiceName: "svc", Environment: "test", DurationNs: &d, Tags: map[string]string{}},
		CausalityVector: vc,
		LockSet:         []string{},
	}
}

func vcOf(key string, n uint64) *clock.VectorClock {
	vc := clock.New()
	vc.Set(key, n)
	return vc
}

func TestAnalyzeSequentialChainSumsDurations(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Now()
	require.NoError(t, s.Put(durEvent("a", "t1", "", base, 10, vcOf("t1", 1))))
	require.NoError(t, s.Put(durEvent("b", "t1", "a", base.Add(10*time.Millisecond), 20, vcOf("t1", 2))))

	g, err := causality.NewBuilder(s).Build("t1")
	require.NoError(t, err)

	result := Analyze(g)
	assert.Equal(t, 30.0, result.TotalDurationMs)
	assert.Equal(t, []string{"a", "b"}, result.OrderedEvents)
}

func TestAnalyzeConcurrentChildrenTakesMax(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Now()
	root := durEvent("root", "t1", "", base, 5, vcOf("t1", 1))
	childShort := durEvent("short", "t1", "root", base.Add(time.Millisecond), 10, vcOf("t1", 2))
	childLong := durEvent("long", "t1", "root", base.Add(time.Millisecond), 50, vcOf("svcB:1", 1))

	require.NoError(t, s.Put(root))
	require.NoError(t, s.Put(childShort))
	require.NoError(t, s.Put(childLong))

	g, err := causality.NewBuilder(s).Build("t1")
	require.NoError(t, err)

	result := Analyze(g)
	assert.Equal(t, 55.0, result.TotalDurationMs)
	assert.Contains(t, result.OrderedEvents, "long")
}

func TestAnalyzePercentageClampedAndComputed(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Now()
	require.NoError(t, s.Put(durEvent("a", "t1", "", base, 10, vcOf("t1", 1))))

	g, err := causality.NewBuilder(s).Build("t1")
	require.NoError(t, err)

	result := Analyze(g)
	assert.GreaterOrEqual(t, result.Percentage, 0.0)
	assert.LessOrEqual(t, result.Percentage, 100.0)
}

func TestAnalyzeEmptyGraph(t *testing.T) {
	g := &causality.Graph{Nodes: map[string]*event.Event{}, Out: map[string][]causality.Edge{}}
	result := Analyze(g)
	assert.Equal(t, 0.0, result.TotalDurationMs)
	assert.Nil(t, result.OrderedEvents)
}
