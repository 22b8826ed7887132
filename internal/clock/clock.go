// Package clock implements the vector clock algebra of spec §4.2: sparse
// clocks keyed by a clock_key string (either a trace-local root event id, or
// a "service:instance" pair for cross-service causality), with increment,
// merge, and a total four-way comparison.
package clock

import (
	"fmt"
	"sort"
)

// VectorClock is a sparse mapping clock_key -> non-negative counter. Missing
// keys are treated as zero, matching spec §4.2.
type VectorClock struct {
	counters map[string]uint64
}

// New returns an empty vector clock.
func New() *VectorClock {
	return &VectorClock{counters: make(map[string]uint64)}
}

// FromPairs builds a vector clock from the (clock_key, counter) pairs found
// in an event's causality_vector wire field (spec §3/§6.2).
func FromPairs(pairs [][2]any) (*VectorClock, error) {
	vc := New()
	for _, p := range pairs {
		key, ok := p[0].(string)
		if !ok || key == "" {
			return nil, fmt.Errorf("causality vector entry has a malformed key: %v", p[0])
		}
		var counter uint64
		switch v := p[1].(type) {
		case uint64:
			counter = v
		case int:
			if v < 0 {
				return nil, fmt.Errorf("causality vector entry %q has a negative counter", key)
			}
			counter = uint64(v)
		case float64:
			if v < 0 {
				return nil, fmt.Errorf("causality vector entry %q has a negative counter", key)
			}
			counter = uint64(v)
		default:
			return nil, fmt.Errorf("causality vector entry %q has a non-numeric counter: %v", key, p[1])
		}
		vc.counters[key] = counter
	}
	return vc, nil
}

// Get returns the counter for key, or zero if key is absent.
func (vc *VectorClock) Get(key string) uint64 {
	if vc == nil {
		return 0
	}
	return vc.counters[key]
}

// Set assigns the counter for key directly.
func (vc *VectorClock) Set(key string, value uint64) {
	if vc.counters == nil {
		vc.counters = make(map[string]uint64)
	}
	vc.counters[key] = value
}

// Keys returns the set of clock_keys with a non-zero or explicitly recorded
// entry, sorted for deterministic iteration.
func (vc *VectorClock) Keys() []string {
	keys := make([]string, 0, len(vc.counters))
	for k := range vc.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Pairs renders the clock back into the (key, counter) pair form used on
// the wire, in stable sorted-key order for deterministic encoding.
func (vc *VectorClock) Pairs() [][2]any {
	keys := vc.Keys()
	out := make([][2]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]any{k, vc.counters[k]})
	}
	return out
}

// Inc returns a copy of vc with key incremented by one. The receiver is left
// unmodified; callers that want in-place increment should assign the result
// back (this mirrors the outbound-propagation formula of spec §4.2, which
// composes Inc with Merge functionally).
func (vc *VectorClock) Inc(key string) *VectorClock {
	out := vc.Copy()
	out.counters[key] = out.counters[key] + 1
	return out
}

// Merge returns the coordinate-wise maximum of vc and other (spec §4.2:
// merge(V1, V2)[k] = max(V1[k], V2[k]) over the union of keys).
func (vc *VectorClock) Merge(other *VectorClock) *VectorClock {
	out := vc.Copy()
	if other == nil {
		return out
	}
	for k, v := range other.counters {
		if v > out.counters[k] {
			out.counters[k] = v
		}
	}
	return out
}

// Copy returns a deep copy of vc.
func (vc *VectorClock) Copy() *VectorClock {
	out := New()
	if vc == nil {
		return out
	}
	for k, v := range vc.counters {
		out.counters[k] = v
	}
	return out
}

// IsEqual reports whether vc and other have identical counters over the
// union of their keys (missing entries treated as zero).
func (vc *VectorClock) IsEqual(other *VectorClock) bool {
	return vc.Compare(other) == Equal
}

// Relation is the result of comparing two vector clocks under the partial
// order they induce.
type Relation int

const (
	// Before means vc happens-before other.
	Before Relation = iota
	// After means other happens-before vc.
	After
	// Equal means vc and other are identical.
	Equal
	// Concurrent means neither happens-before the other.
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Before:
		return "Before"
	case After:
		return "After"
	case Equal:
		return "Equal"
	case Concurrent:
		return "Concurrent"
	default:
		return "Unknown"
	}
}

// Compare implements spec §4.2's total, anti-symmetric comparison:
//
//	Before      iff ∀k: vc[k] ≤ other[k] AND ∃k: vc[k] < other[k]
//	After       iff Compare(other, vc) = Before
//	Equal       iff all keys equal
//	Concurrent  otherwise
func (vc *VectorClock) Compare(other *VectorClock) Relation {
	lessOrEqual, strictlyLess := vc.dominatesOrEqual(other)
	greaterOrEqual, strictlyGreater := other.dominatesOrEqual(vc)

	switch {
	case lessOrEqual && greaterOrEqual:
		return Equal
	case lessOrEqual && strictlyLess:
		return Before
	case greaterOrEqual && strictlyGreater:
		return After
	default:
		return Concurrent
	}
}

// dominatesOrEqual reports whether vc[k] <= other[k] for every key in the
// union of both clocks' keys, and whether that inequality is strict for at
// least one key.
func (vc *VectorClock) dominatesOrEqual(other *VectorClock) (lessOrEqual bool, strict bool) {
	seen := make(map[string]struct{}, len(vc.counters)+len(other.counters))
	for k := range vc.counters {
		seen[k] = struct{}{}
	}
	for k := range other.counters {
		seen[k] = struct{}{}
	}

	lessOrEqual = true
	for k := range seen {
		a, b := vc.Get(k), other.Get(k)
		if a > b {
			lessOrEqual = false
		}
		if a < b {
			strict = true
		}
	}
	return lessOrEqual, strict
}

// Propagate computes the outbound vector clock for a cross-service call per
// spec §4.2: increment(merge(local, received), selfKey). When received is
// nil (no inbound propagation header), it degenerates to a plain local
// increment.
func Propagate(local, received *VectorClock, selfKey string) *VectorClock {
	merged := local.Merge(received)
	return merged.Inc(selfKey)
}

// Arrive computes the local vector clock after receiving an inbound call,
// per spec §4.2: arrivals merge incoming into local before emitting further
// events.
func Arrive(local, received *VectorClock) *VectorClock {
	return local.Merge(received)
}
