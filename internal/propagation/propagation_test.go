package propagation

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIncomingValidTraceparent(t *testing.T) {
	h := http.Header{}
	h.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")

	in := ParseIncoming(h, "svc:inst")

	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", in.TraceID)
	assert.True(t, in.Distributed)
	require.Equal(t, "b7ad6b7169203331", in.ParentSpan)
}

func TestParseIncomingClockHeader(t *testing.T) {
	h := http.Header{}
	h.Set("x-raceway-clock", "svcA:1:1,svcB:2:2")

	in := ParseIncoming(h, "svcC:1")

	assert.Equal(t, uint64(1), in.ClockVector.Get("svcA:1"))
	assert.Equal(t, uint64(2), in.ClockVector.Get("svcB:2"))
	assert.True(t, in.Distributed)
}

func TestParseIncomingMalformedTraceparentFallsBackToFreshTrace(t *testing.T) {
	h := http.Header{}
	h.Set("traceparent", "invalid-format")

	in := ParseIncoming(h, "svc:inst")

	assert.False(t, in.Distributed)
	assert.Len(t, in.TraceID, 36) // fresh UUID
}

func TestParseIncomingNoHeadersGeneratesFreshTrace(t *testing.T) {
	in := ParseIncoming(http.Header{}, "svc:inst")

	assert.False(t, in.Distributed)
	assert.Len(t, in.TraceID, 36)
	assert.Equal(t, uint64(0), in.ClockVector.Get("svc:inst"))
}

func TestParseIncomingMalformedClockHeaderIgnored(t *testing.T) {
	h := http.Header{}
	h.Set("x-raceway-clock", "not-well-formed")

	in := ParseIncoming(h, "svc:inst")

	assert.False(t, in.Distributed)
}

func TestBuildOutboundIncrementsSelfKey(t *testing.T) {
	h := http.Header{}
	h.Set("x-raceway-clock", "upstream:5")
	in := ParseIncoming(h, "svcC:1")

	out := BuildOutbound(in.TraceID, in.ClockVector, "svcC:1", "")

	assert.Equal(t, uint64(1), out.ClockVector.Get("svcC:1"))
	assert.Equal(t, uint64(5), out.ClockVector.Get("upstream"))
	assert.Contains(t, out.Headers, "traceparent")
	assert.Contains(t, out.Headers, "x-raceway-clock")
}

func TestBuildOutboundPassesThroughTraceState(t *testing.T) {
	out := BuildOutbound("0af7651916cd43dd8448eb211c80319c", nil, "svc:1", "vendor=opaque")
	assert.Equal(t, "vendor=opaque", out.Headers["tracestate"])
}
