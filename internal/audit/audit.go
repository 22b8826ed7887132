// Package audit implements the Audit Trail Builder of spec §4.9 (C9): a
// per-variable timeline annotated with causal-link and race-membership
// flags.
//
// Grounded on the teacher's results package, which renders a trace's
// findings into an ordered human-facing report; the same
// "collect -> order -> annotate" shape is reused here to build a
// structured Trail instead of a printable report.
package audit

import (
	"sort"

	"causalityengine/internal/clock"
	"causalityengine/internal/event"
	"causalityengine/internal/race"
	"causalityengine/internal/store"
)

// Access is one annotated entry of a variable's audit trail.
type Access struct {
	EventID                 string
	Timestamp               string
	ThreadID                string
	ServiceName              string
	AccessType               event.AccessType
	OldValue                 event.Value
	NewValue                 event.Value
	Location                 string
	HasCausalLinkToPrevious bool
	IsRace                  bool
}

// Trail is the ordered timeline returned by Audit.
type Trail struct {
	Variable        string
	OrderedAccesses []Access
}

// Builder constructs audit trails, cross-referencing the race detector for
// each access's is_race flag.
type Builder struct {
	s store.Store
	d *race.Detector
}

// NewBuilder wires a Builder to the store and race detector it reads from.
func NewBuilder(s store.Store, d *race.Detector) *Builder {
	return &Builder{s: s, d: d}
}

// Audit builds the ordered, annotated timeline of every access to
// variable within traceID (spec §4.9).
func (b *Builder) Audit(traceID, variable string) (Trail, error) {
	events, err := b.s.GetTrace(traceID)
	if err != nil {
		return Trail{}, err
	}

	var accesses []*event.Event
	for _, e := range events {
		if e.Kind.StateChange != nil && e.Kind.StateChange.Variable == variable {
			accesses = append(accesses, e)
		}
	}

	sort.SliceStable(accesses, func(i, j int) bool {
		return lessByTimestampThenClockThenID(accesses[i], accesses[j])
	})

	findings, err := b.d.DetectTrace(traceID)
	if err != nil {
		return Trail{}, err
	}
	racing := make(map[string]bool)
	for _, f := range findings {
		if f.Variable == variable {
			racing[f.EventAID] = true
			racing[f.EventBID] = true
		}
	}

	out := make([]Access, 0, len(accesses))
	for i, e := range accesses {
		sc := e.Kind.StateChange
		causal := false
		if i > 0 {
			prev := accesses[i-1]
			causal = prev.CausalityVector.Compare(e.CausalityVector) == clock.Before
		}
		out = append(out, Access{
			EventID:                 e.ID,
			Timestamp:               e.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"),
			ThreadID:                e.Metadata.ThreadID,
			ServiceName:             e.Metadata.ServiceName,
			AccessType:              sc.AccessType,
			OldValue:                sc.OldValue,
			NewValue:                sc.NewValue,
			Location:                sc.Location,
			HasCausalLinkToPrevious: causal,
			IsRace:                  racing[e.ID],
		})
	}

	return Trail{Variable: variable, OrderedAccesses: out}, nil
}

// lessByTimestampThenClockThenID orders accesses by timestamp, ties broken
// by vector-clock Before, then by event id (spec §4.9).
func lessByTimestampThenClockThenID(a, b *event.Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if rel := a.CausalityVector.Compare(b.CausalityVector); rel == clock.Before {
		return true
	} else if rel == clock.After {
		return false
	}
	return a.ID < b.ID
}
