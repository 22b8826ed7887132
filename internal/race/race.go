// Package race implements the Race Detector of spec §4.6 (C6):
// variable-indexed conflict search by pairwise vector-clock comparison, using the store's
// effective lock sets as ground truth rather than a producer's advisory
// lock_set field.
//
// Grounded on the teacher's own race-detection predicate over vector
// clocks (GetHappensBefore == Concurrent plus a lock-set-intersection
// check in happensBefore.go), generalized here from the teacher's
// fixed two-goroutine case to an arbitrary-cardinality variable-indexed
// scan across a trace or the whole store.
package race

import (
	"sort"

	"causalityengine/internal/clock"
	"causalityengine/internal/event"
	"causalityengine/internal/store"
)

// Severity classifies a race finding's risk, per spec §4.6.
type Severity string

const (
	Critical Severity = "Critical"
	Warning  Severity = "Warning"
	Info     Severity = "Info"
)

var severityRank = map[Severity]int{Critical: 0, Warning: 1, Info: 2}

// Finding is one race between two StateChange events on the same variable.
type Finding struct {
	Severity   Severity
	Variable   string
	EventAID   string
	EventBID   string
	TraceAID   string
	TraceBID   string
	CrossTrace bool
	Reason     string
}

// access is the subset of an event needed for the pairwise scan, bound to
// the trace it was observed in (relevant for cross-trace mode).
type access struct {
	traceID string
	e       *event.Event
}

// Detector runs the variable-indexed scan of spec §4.6.
type Detector struct {
	s              store.Store
	reportReadRead bool
}

// NewDetector wires a Detector to the trace store it reads lock timelines
// and events from. reportReadRead toggles the Open Question decision on
// cross-trace read/read pairs (spec's analysis.race_detection.
// report_read_read, off by default): when false, a concurrent read/read
// access is never reported, matching the normal §4.6 predicate's "at least
// one write" requirement; when true, a cross-trace read/read pair is
// additionally reported at Info severity. A same-trace read/read pair is
// never reported, toggle or not — it is the normal intra-trace predicate
// that requires a write, not the cross-trace exception.
func NewDetector(s store.Store, reportReadRead bool) *Detector {
	return &Detector{s: s, reportReadRead: reportReadRead}
}

// DetectTrace scans a single trace for races among its StateChange events.
func (d *Detector) DetectTrace(traceID string) ([]Finding, error) {
	events, err := d.s.GetTrace(traceID)
	if err != nil {
		return nil, err
	}
	byVar := make(map[string][]access)
	for _, e := range events {
		if e.Kind.StateChange == nil {
			continue
		}
		v := e.Kind.StateChange.Variable
		byVar[v] = append(byVar[v], access{traceID: traceID, e: e})
	}
	return d.scan(byVar), nil
}

// DetectGlobal scans every known variable across all traces in the store
// (spec §4.6 "Global mode").
func (d *Detector) DetectGlobal() []Finding {
	byVar := make(map[string][]access)
	for _, traceID := range d.s.AllTraceIDs() {
		events, err := d.s.GetTrace(traceID)
		if err != nil {
			continue
		}
		for _, e := range events {
			if e.Kind.StateChange == nil {
				continue
			}
			v := e.Kind.StateChange.Variable
			byVar[v] = append(byVar[v], access{traceID: traceID, e: e})
		}
	}
	return d.scan(byVar)
}

// scan applies the pairwise predicate within each variable's access list
// (spec §4.6 algorithm: O(Σ_v k_v² · C), comparisons confined to one
// variable at a time).
func (d *Detector) scan(byVar map[string][]access) []Finding {
	var findings []Finding
	seenPairs := make(map[string]bool)

	for variable, accesses := range byVar {
		for i := 0; i < len(accesses); i++ {
			for j := i + 1; j < len(accesses); j++ {
				a, b := accesses[i], accesses[j]
				f, ok := d.evaluate(variable, a, b)
				if !ok {
					continue
				}
				key := pairKey(f.EventAID, f.EventBID)
				if seenPairs[key] {
					continue
				}
				seenPairs[key] = true
				findings = append(findings, f)
			}
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if severityRank[findings[i].Severity] != severityRank[findings[j].Severity] {
			return severityRank[findings[i].Severity] < severityRank[findings[j].Severity]
		}
		if findings[i].Variable != findings[j].Variable {
			return findings[i].Variable < findings[j].Variable
		}
		return findings[i].EventAID < findings[j].EventAID
	})
	return findings
}

// evaluate applies the five-part detection predicate of spec §4.6 to one
// candidate pair.
func (d *Detector) evaluate(variable string, a, b access) (Finding, bool) {
	sa, sb := a.e.Kind.StateChange, b.e.Kind.StateChange
	if sa == nil || sb == nil || sa.Variable != sb.Variable {
		return Finding{}, false
	}

	if a.e.CausalityVector.Compare(b.e.CausalityVector) != clock.Concurrent {
		return Finding{}, false
	}

	aWrite, bWrite := sa.AccessType.IsWrite(), sb.AccessType.IsWrite()
	crossTrace := a.traceID != b.traceID
	if !aWrite && !bWrite && !(crossTrace && d.reportReadRead) {
		return Finding{}, false
	}

	sameThread := a.e.Metadata.ThreadID == b.e.Metadata.ThreadID
	if sameThread && !crossTrace {
		return Finding{}, false
	}

	lockA := d.s.EffectiveLockSet(a.traceID, a.e.Metadata.ThreadID, a.e.ID)
	lockB := d.s.EffectiveLockSet(b.traceID, b.e.Metadata.ThreadID, b.e.ID)
	if intersects(lockA, lockB) {
		return Finding{}, false
	}

	sev := Warning
	switch {
	case aWrite && bWrite:
		sev = Critical
	case !aWrite && !bWrite:
		sev = Info
	}

	eventA, eventB := a.e.ID, b.e.ID
	traceA, traceB := a.traceID, b.traceID
	if eventA > eventB {
		eventA, eventB = eventB, eventA
		traceA, traceB = traceB, traceA
	}

	return Finding{
		Severity:   sev,
		Variable:   variable,
		EventAID:   eventA,
		EventBID:   eventB,
		TraceAID:   traceA,
		TraceBID:   traceB,
		CrossTrace: crossTrace,
		Reason:     reasonFor(sev, crossTrace),
	}, true
}

func reasonFor(sev Severity, crossTrace bool) string {
	scope := "within trace"
	if crossTrace {
		scope = "across traces"
	}
	switch sev {
	case Critical:
		return "concurrent write/write conflict " + scope
	case Warning:
		return "concurrent read/write conflict " + scope
	default:
		return "concurrent read/read access " + scope
	}
}

func intersects(a, b map[string]struct{}) bool {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for k := range small {
		if _, ok := large[k]; ok {
			return true
		}
	}
	return false
}

func pairKey(a, b string) string {
	if a < b {
		return a + "\x00" + b
	}
	return b + "\x00" + a
}
