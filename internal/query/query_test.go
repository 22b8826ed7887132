package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"causalityengine/internal/clock"
	"causalityengine/internal/event"
	"causalityengine/internal/store"
)

func putWrite(t *testing.T, s store.Store, id, traceID, thread string, ts time.Time, vc *clock.VectorClock) {
	t.Helper()
	require.NoError(t, s.Put(&event.Event{
		ID:        id,
		TraceID:   traceID,
		Timestamp: ts,
		Kind: event.Kind{StateChange: &event.StateChangeData{
			Variable: "x", NewValue: event.NewValue(1), AccessType: event.AccessWrite,
		}},
		Metadata:        event.Metadata{ThreadID: thread, ServiceName: "svc", Environment: "test", Tags: map[string]string{}},
		CausalityVector: vc,
		LockSet:         []string{},
	}))
}

func vcOf(key string, n uint64) *clock.VectorClock {
	vc := clock.New()
	vc.Set(key, n)
	return vc
}

func TestAnalyzeIsMemoizedUntilInvalidated(t *testing.T) {
	s := store.NewMemoryStore()
	putWrite(t, s, "a", "t1", "T1", time.Now(), vcOf("T1", 1))
	putWrite(t, s, "b", "t1", "T2", time.Now(), vcOf("T2", 1))

	svc := NewService(s, 0, 0, 0, false)
	findings1, err := svc.Analyze(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, findings1, 1)

	putWrite(t, s, "c", "t1", "T3", time.Now(), vcOf("T3", 1))

	findings2, err := svc.Analyze(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, len(findings1), len(findings2), "cache should still return the pre-invalidation result")

	svc.Invalidate("t1")
	findings3, err := svc.Analyze(context.Background(), "t1")
	require.NoError(t, err)
	assert.Greater(t, len(findings3), len(findings1))
}

func TestListTracesCursorPagination(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Now()
	for i, id := range []string{"t1", "t2", "t3"} {
		putWrite(t, s, "e", id, "T1", base.Add(time.Duration(i)*time.Second), vcOf("T1", uint64(i+1)))
	}

	svc := NewService(s, 0, 0, 0, false)
	page1, err := svc.ListTraces(2, "")
	require.NoError(t, err)
	assert.Len(t, page1.Traces, 2)
	require.NotEmpty(t, page1.NextCursor)

	page2, err := svc.ListTraces(2, page1.NextCursor)
	require.NoError(t, err)
	assert.Len(t, page2.Traces, 1)
	assert.Empty(t, page2.NextCursor)
}

func TestServiceCatalogAndTraces(t *testing.T) {
	s := store.NewMemoryStore()
	putWrite(t, s, "a", "t1", "T1", time.Now(), vcOf("T1", 1))

	svc := NewService(s, 0, 0, 0, false)
	assert.Equal(t, []string{"svc"}, svc.ServiceCatalog())
	assert.Equal(t, []string{"t1"}, svc.ServiceTraces("svc"))
}
