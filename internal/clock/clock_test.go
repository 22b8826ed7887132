package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareBeforeAfter(t *testing.T) {
	a := New()
	a.Set("r", 1)
	b := a.Inc("r")

	assert.Equal(t, Before, a.Compare(b))
	assert.Equal(t, After, b.Compare(a))
}

func TestCompareEqual(t *testing.T) {
	a := New()
	a.Set("r", 3)
	b := a.Copy()

	assert.Equal(t, Equal, a.Compare(b))
	assert.True(t, a.IsEqual(b))
}

func TestCompareConcurrent(t *testing.T) {
	a := New()
	a.Set("r1", 1)
	b := New()
	b.Set("r2", 1)

	assert.Equal(t, Concurrent, a.Compare(b))
	assert.Equal(t, Concurrent, b.Compare(a))
}

func TestCompareMissingKeysTreatedAsZero(t *testing.T) {
	a := New()
	a.Set("r1", 1)
	b := New()
	b.Set("r1", 1)
	b.Set("r2", 1)

	assert.Equal(t, Before, a.Compare(b))
}

func TestMergeMonotonicity(t *testing.T) {
	a := New()
	a.Set("x", 2)
	a.Set("y", 1)
	b := New()
	b.Set("x", 1)
	b.Set("y", 5)

	merged := a.Merge(b)

	require.GreaterOrEqual(t, merged.Get("x"), a.Get("x"))
	require.GreaterOrEqual(t, merged.Get("y"), a.Get("y"))
	require.GreaterOrEqual(t, merged.Get("x"), b.Get("x"))
	require.GreaterOrEqual(t, merged.Get("y"), b.Get("y"))
}

func TestAntisymmetry(t *testing.T) {
	clocks := []*VectorClock{New(), New(), New()}
	clocks[1].Set("a", 1)
	clocks[2].Set("a", 1)
	clocks[2].Set("b", 1)

	for _, a := range clocks {
		for _, b := range clocks {
			if a.Compare(b) == Before {
				assert.NotEqual(t, Before, b.Compare(a), "compare must not report Before both ways")
			}
		}
	}
}

func TestIncLeavesReceiverUnmodified(t *testing.T) {
	a := New()
	a.Set("r", 1)
	_ = a.Inc("r")

	assert.Equal(t, uint64(1), a.Get("r"))
}

func TestPropagateIncrementsMergedClock(t *testing.T) {
	local := New()
	local.Set("svcA:1", 2)
	received := New()
	received.Set("svcB:1", 5)

	out := Propagate(local, received, "svcA:1")

	assert.Equal(t, uint64(3), out.Get("svcA:1"))
	assert.Equal(t, uint64(5), out.Get("svcB:1"))
}

func TestArriveMergesWithoutIncrement(t *testing.T) {
	local := New()
	local.Set("svcA:1", 2)
	received := New()
	received.Set("svcB:1", 5)

	out := Arrive(local, received)

	assert.Equal(t, uint64(2), out.Get("svcA:1"))
	assert.Equal(t, uint64(5), out.Get("svcB:1"))
}

func TestFromPairsRejectsNegativeCounter(t *testing.T) {
	_, err := FromPairs([][2]any{{"k", -1}})
	require.Error(t, err)
}

func TestPairsRoundTrip(t *testing.T) {
	vc := New()
	vc.Set("b", 2)
	vc.Set("a", 1)

	pairs := vc.Pairs()
	require.Len(t, pairs, 2)
	assert.Equal(t, "a", pairs[0][0])
	assert.Equal(t, "b", pairs[1][0])

	back, err := FromPairs(pairs)
	require.NoError(t, err)
	assert.True(t, vc.IsEqual(back))
}
