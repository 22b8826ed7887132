// Package anomaly implements the Anomaly Detector of spec §4.8 (C8):
// per-kind cohort z-score scan over event durations, falling back to a
// global cohort when a trace's own cohort is too small.
//
// Grounded on the teacher's stats package, which computes mean/stddev
// summaries over collected runtime samples; the same summary statistics
// are reused here as the baseline for a z-score anomaly test instead of a
// plain reporting table.
package anomaly

import (
	"math"
	"sort"

	"causalityengine/internal/event"
	"causalityengine/internal/store"
)

// Severity classifies how far an event's duration deviates from its
// cohort baseline, per spec §4.8.
type Severity string

const (
	Minor    Severity = "Minor"
	Warning  Severity = "Warning"
	Critical Severity = "Critical"
)

// defaultMinCohortSize is the smallest cohort the detector will compute a
// per-trace baseline from before falling back to the global cohort
// (spec §4.8 step 2 / "Baselines"), used when NewDetector is given n <= 0.
const defaultMinCohortSize = 5

// defaultZThreshold is the absolute z-score above which an event is
// flagged (spec §4.8 step 4), used when NewDetector is given z <= 0.
const defaultZThreshold = 1.5

// Anomaly is one flagged event.
type Anomaly struct {
	EventID        string
	Kind           string
	Severity       Severity
	ActualMs       float64
	ExpectedMs     float64
	StdDevFromMean float64
	Description    string
	Location       string
}

// Detector scans trace events for duration outliers within their kind
// cohort.
type Detector struct {
	s             store.Store
	zThreshold    float64
	minCohortSize int
}

// NewDetector wires a Detector to the store it reads global cohorts from,
// with the given z-score threshold and minimum local-cohort size (spec
// §4.8, tunable via config.Config.AnomalyZThreshold/AnomalyMinCohortN).
// Non-positive values fall back to the spec's own defaults.
func NewDetector(s store.Store, zThreshold float64, minCohortSize int) *Detector {
	if zThreshold <= 0 {
		zThreshold = defaultZThreshold
	}
	if minCohortSize <= 0 {
		minCohortSize = defaultMinCohortSize
	}
	return &Detector{s: s, zThreshold: zThreshold, minCohortSize: minCohortSize}
}

type cohortStats struct {
	mean   float64
	stddev float64
	n      int
}

// DetectTrace scans one trace's events, falling back to the matching
// global cohort when the trace's own per-kind cohort has fewer than
// minCohortSize members (5 by default).
func (d *Detector) DetectTrace(traceID string) ([]Anomaly, error) {
	events, err := d.s.GetTrace(traceID)
	if err != nil {
		return nil, err
	}

	localByKind := groupByKind(events)
	var globalByKind map[string][]*event.Event

	var out []Anomaly
	for kind, members := range localByKind {
		cohort := members
		if len(cohort) < d.minCohortSize {
			if globalByKind == nil {
				globalByKind = d.globalCohorts()
			}
			if g, ok := globalByKind[kind]; ok && len(g) >= d.minCohortSize {
				cohort = g
			} else {
				continue
			}
		}
		stats := computeStats(cohort)
		if stats.stddev == 0 {
			continue
		}
		for _, e := range members {
			out = append(out, d.evaluate(e, kind, stats)...)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

// globalCohorts builds per-kind cohorts across every trace in the store,
// for use as a fallback baseline.
func (d *Detector) globalCohorts() map[string][]*event.Event {
	byKind := make(map[string][]*event.Event)
	for _, traceID := range d.s.AllTraceIDs() {
		events, err := d.s.GetTrace(traceID)
		if err != nil {
			continue
		}
		for kind, members := range groupByKind(events) {
			byKind[kind] = append(byKind[kind], members...)
		}
	}
	return byKind
}

func groupByKind(events []*event.Event) map[string][]*event.Event {
	out := make(map[string][]*event.Event)
	for _, e := range events {
		tag := string(e.Kind.Tag())
		if tag == "" {
			continue
		}
		out[tag] = append(out[tag], e)
	}
	return out
}

func computeStats(events []*event.Event) cohortStats {
	n := len(events)
	if n == 0 {
		return cohortStats{}
	}
	var sum float64
	for _, e := range events {
		sum += float64(e.DurationNs())
	}
	mean := sum / float64(n)

	var sqDiff float64
	for _, e := range events {
		d := float64(e.DurationNs()) - mean
		sqDiff += d * d
	}
	variance := sqDiff / float64(n)
	return cohortStats{mean: mean, stddev: math.Sqrt(variance), n: n}
}

func (d *Detector) evaluate(e *event.Event, kind string, stats cohortStats) []Anomaly {
	actual := float64(e.DurationNs())
	z := (actual - stats.mean) / stats.stddev
	if math.Abs(z) <= d.zThreshold {
		return nil
	}

	var sev Severity
	switch {
	case math.Abs(z) > 5:
		sev = Critical
	case math.Abs(z) > 3:
		sev = Warning
	default:
		sev = Minor
	}

	return []Anomaly{{
		EventID:        e.ID,
		Kind:           kind,
		Severity:       sev,
		ActualMs:       actual / 1e6,
		ExpectedMs:     stats.mean / 1e6,
		StdDevFromMean: z,
		Description:    describeDeviation(kind, z),
		Location:       locationOf(e),
	}}
}

func describeDeviation(kind string, z float64) string {
	if z > 0 {
		return kind + " took longer than its cohort's baseline"
	}
	return kind + " completed faster than its cohort's baseline"
}

func locationOf(e *event.Event) string {
	switch {
	case e.Kind.FunctionCall != nil:
		return e.Kind.FunctionCall.File
	case e.Kind.StateChange != nil:
		return e.Kind.StateChange.Location
	case e.Kind.LockAcquire != nil:
		return e.Kind.LockAcquire.Location
	case e.Kind.LockRelease != nil:
		return e.Kind.LockRelease.Location
	case e.Kind.MemoryFence != nil:
		return e.Kind.MemoryFence.Location
	default:
		return ""
	}
}
