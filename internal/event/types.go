// Package event implements the canonical event record of spec §3 (C1: Event
// Model): its Go representation, the structural-form JSON codec of §4.1/
// §6.2, and the per-variant payload types.
package event

import (
	"time"

	"causalityengine/internal/clock"
)

// Metadata is an event's producer/environment context (spec §3).
type Metadata struct {
	ThreadID          string            `json:"thread_id"`
	ProcessID         int               `json:"process_id"`
	ServiceName       string            `json:"service_name"`
	InstanceID        string            `json:"instance_id,omitempty"`
	Environment       string            `json:"environment"`
	Tags              map[string]string `json:"tags"`
	DurationNs        *uint64           `json:"duration_ns,omitempty"`
	DistributedSpanID string            `json:"distributed_span_id,omitempty"`
	UpstreamSpanID    string            `json:"upstream_span_id,omitempty"`
}

// Event is the atomic record of spec §3.
type Event struct {
	ID              string
	TraceID         string
	ParentID        *string
	Timestamp       time.Time
	Kind            Kind
	Metadata        Metadata
	CausalityVector *clock.VectorClock
	LockSet         []string

	// ReceivedAt, IngestSeq and IngestCorrelationID are server-side
	// enrichment fields the ingest pipeline populates (spec §4.4 step 3);
	// they are zero-valued on an event that has not yet passed through it.
	ReceivedAt          time.Time
	IngestSeq           uint64
	IngestCorrelationID string
}

// ServiceInstanceKey is this event's "service:instance" clock key, used for
// the cross-service clock regime of spec §4.2.
func (e *Event) ServiceInstanceKey() string {
	return e.Metadata.ServiceName + ":" + e.Metadata.InstanceID
}

// DurationNs returns the event's duration in nanoseconds, treating a
// missing value as zero (spec §4.7: "Missing values are treated as 0").
func (e *Event) DurationNs() uint64 {
	if e.Metadata.DurationNs == nil {
		return 0
	}
	return *e.Metadata.DurationNs
}

// IsStateChange reports whether this event is a StateChange on the given
// variable, the filter the race detector and audit trail both apply.
func (e *Event) IsStateChange(variable string) bool {
	return e.Kind.StateChange != nil && e.Kind.StateChange.Variable == variable
}
