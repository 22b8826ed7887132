// Package propagation implements the cross-service propagation headers of
// spec §6.3: parsing an inbound W3C traceparent and x-raceway-clock header
// into a trace id and vector clock, and building the equivalent outbound
// headers for the next hop.
//
// Grounded on the reference Go SDK's ParseIncomingHeaders/
// BuildPropagationHeaders shape (same fallback-to-fresh-trace behavior on a
// malformed header, same merge-then-increment propagation order); the exact
// x-raceway-clock wire encoding here follows spec §6.3's literal text
// (comma-separated key:counter pairs) rather than the SDK's own
// version-prefixed base64 envelope.
package propagation

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"causalityengine/internal/clock"
)

// Incoming is the result of parsing a request's propagation headers.
type Incoming struct {
	TraceID     string
	ParentSpan  string
	Distributed bool
	ClockVector *clock.VectorClock
	TraceState  string
}

// traceparentFields is the number of hyphen-separated fields a valid W3C
// traceparent header carries: version-traceid-parentid-flags.
const traceparentFields = 4

// ParseIncoming extracts the trace id, parent span, and vector clock from
// a request's propagation headers, per spec §6.3. Malformed headers fall
// back to starting a fresh trace rather than failing the request.
func ParseIncoming(h http.Header, selfKey string) Incoming {
	traceID, parentSpan, distributed := parseTraceparent(h.Get("traceparent"))

	vc := clock.New()
	if raw := h.Get("x-raceway-clock"); raw != "" {
		parsed, ok := parseClockHeader(raw)
		if ok {
			vc = parsed
			distributed = true
		}
	}

	if traceID == "" {
		traceID = uuid.NewString()
		distributed = false
	}

	// Initialize the local clock component explicitly so a first Inc()
	// grows an existing zero entry instead of inserting a new key, mirroring
	// the reference SDK's "initialize local clock component" behavior.
	if vc.Get(selfKey) == 0 {
		vc.Set(selfKey, 0)
	}

	return Incoming{
		TraceID:     traceID,
		ParentSpan:  parentSpan,
		Distributed: distributed,
		ClockVector: vc,
		TraceState:  h.Get("tracestate"),
	}
}

// parseTraceparent parses the standard W3C traceparent header
// ("version-traceid-parentid-flags"). The hex trace id is reported
// verbatim; callers that need a UUID-shaped trace id should generate one
// instead when no header was present at all.
func parseTraceparent(header string) (traceID string, parentSpan string, distributed bool) {
	if header == "" {
		return "", "", false
	}
	parts := strings.Split(header, "-")
	if len(parts) != traceparentFields {
		return "", "", false
	}
	version, traceIDHex, parentIDHex, flags := parts[0], parts[1], parts[2], parts[3]
	if len(version) != 2 || len(traceIDHex) != 32 || len(parentIDHex) != 16 || len(flags) != 2 {
		return "", "", false
	}
	if !isHex(traceIDHex) || !isHex(parentIDHex) || !isHex(version) || !isHex(flags) {
		return "", "", false
	}
	return traceIDHex, parentIDHex, true
}

func isHex(s string) bool {
	for _, r := range s {
		isDigit := r >= '0' && r <= '9'
		isLower := r >= 'a' && r <= 'f'
		if !isDigit && !isLower {
			return false
		}
	}
	return true
}

// parseClockHeader parses spec §6.3's "comma-separated key:counter" form.
// A key may itself contain ':' ("service:instance"), so the counter is the
// text after the last colon.
func parseClockHeader(raw string) (*clock.VectorClock, bool) {
	vc := clock.New()
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.LastIndex(part, ":")
		if idx <= 0 {
			return nil, false
		}
		counter, err := strconv.ParseUint(part[idx+1:], 10, 64)
		if err != nil {
			return nil, false
		}
		vc.Set(part[:idx], counter)
	}
	return vc, true
}

// Outbound holds the headers to attach to a downstream call.
type Outbound struct {
	Headers     map[string]string
	ClockVector *clock.VectorClock
}

// BuildOutbound computes the outbound propagation headers for a
// cross-service call, per spec §4.2: the outbound clock is
// increment(merge(local, received), self_key); traceparent is re-emitted
// with a freshly generated span id and the trace id unchanged; tracestate
// passes through unchanged.
func BuildOutbound(traceID string, local *clock.VectorClock, selfKey, traceState string) Outbound {
	spanID := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	outbound := local.Inc(selfKey)

	pairs := make([]string, 0, len(outbound.Keys()))
	for _, k := range outbound.Keys() {
		pairs = append(pairs, fmt.Sprintf("%s:%d", k, outbound.Get(k)))
	}

	headers := map[string]string{
		"traceparent":     fmt.Sprintf("00-%s-%s-01", normalizeTraceID(traceID), spanID),
		"x-raceway-clock": strings.Join(pairs, ","),
	}
	if traceState != "" {
		headers["tracestate"] = traceState
	}

	return Outbound{Headers: headers, ClockVector: outbound}
}

// normalizeTraceID renders a trace id as a 32-hex-digit string for the
// traceparent header, accepting either an existing hex trace id or a UUID.
func normalizeTraceID(traceID string) string {
	hex := strings.ReplaceAll(traceID, "-", "")
	if len(hex) == 32 && isHex(strings.ToLower(hex)) {
		return strings.ToLower(hex)
	}
	// Fall back to a deterministic 32-hex-digit projection of the id.
	if len(hex) > 32 {
		return strings.ToLower(hex[:32])
	}
	return strings.ToLower(hex + strings.Repeat("0", 32-len(hex)))
}
