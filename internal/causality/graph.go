// Package causality builds the causal DAG of spec §4.5 (C5): parent edges
// plus derived causal edges from the vector-clock happens-before relation,
// transitively reduced, memoized per trace and invalidated on ingest.
//
// Grounded on the teacher's analysisGraph.go, which represents a trace's
// happens-before structure as a map[TraceElement][]TraceElement adjacency
// list and walks it with plain BFS; the same adjacency-list shape is used
// here, built from clock.Compare instead of clock.GetHappensBefore.
package causality

import (
	"sort"
	"sync"

	"causalityengine/internal/clock"
	"causalityengine/internal/event"
	"causalityengine/internal/store"
	"causalityengine/internal/xerrors"
)

// Edge is one causal edge in the DAG.
type Edge struct {
	From string // event id
	To   string // event id
	Kind string // "parent" | "causal"
}

// Graph is the causal DAG for one trace: events plus their outbound edges,
// already transitively reduced.
type Graph struct {
	TraceID string
	Nodes   map[string]*event.Event
	Out     map[string][]Edge // event id -> outbound edges, sorted by To
}

// Ancestors returns every event id reachable backwards from id (its full
// causal history), including id itself.
func (g *Graph) Ancestors(id string) map[string]struct{} {
	in := make(map[string][]string)
	for from, edges := range g.Out {
		for _, e := range edges {
			in[e.To] = append(in[e.To], from)
		}
	}
	seen := map[string]struct{}{id: {}}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range in[cur] {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				queue = append(queue, p)
			}
		}
	}
	return seen
}

// Builder constructs and memoizes causal DAGs, one per trace, invalidated
// whenever the store reports new events for that trace (spec §4.11).
type Builder struct {
	s store.Store

	mu    sync.Mutex
	cache map[string]*Graph
}

// NewBuilder wires a Builder to the trace store it reads from.
func NewBuilder(s store.Store) *Builder {
	return &Builder{s: s, cache: make(map[string]*Graph)}
}

// Invalidate drops a trace's cached graph; call from the store's
// invalidation hook.
func (b *Builder) Invalidate(traceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cache, traceID)
}

// Build returns the causal DAG for traceID, building and caching it on
// first request and reusing the cached graph until Invalidate fires.
func (b *Builder) Build(traceID string) (*Graph, error) {
	b.mu.Lock()
	if g, ok := b.cache[traceID]; ok {
		b.mu.Unlock()
		return g, nil
	}
	b.mu.Unlock()

	events, err := b.s.GetTrace(traceID)
	if err != nil {
		return nil, err
	}

	g := buildGraph(traceID, events)

	b.mu.Lock()
	b.cache[traceID] = g
	b.mu.Unlock()
	return g, nil
}

// buildGraph assembles the raw edge set, then transitively reduces it
// (spec §4.5: "the causal DAG is the transitive reduction of the union of
// parent edges and derived happens-before edges").
func buildGraph(traceID string, events []*event.Event) *Graph {
	byID := make(map[string]*event.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}

	// A parent edge and a derived causal edge frequently connect the same
	// pair (any sequential instrumented call both declares its parent and
	// happens-before it). Dedup by (from,to) before reduction, preferring
	// the parent edge, so the raw graph never carries two parallel edges
	// for one pair; transitiveReduce's per-edge exclusion only works
	// against a single edge per pair.
	type pairKey struct{ from, to string }
	dedup := make(map[pairKey]string, len(events))

	for _, e := range events {
		if e.ParentID != nil {
			if _, ok := byID[*e.ParentID]; ok {
				dedup[pairKey{*e.ParentID, e.ID}] = "parent"
			}
		}
	}

	for i, a := range events {
		for j, b := range events {
			if i == j {
				continue
			}
			rel := a.CausalityVector.Compare(b.CausalityVector)
			if rel == clock.Before {
				k := pairKey{a.ID, b.ID}
				if _, exists := dedup[k]; !exists {
					dedup[k] = "causal"
				}
			}
		}
	}

	raw := make(map[string][]Edge, len(events))
	for _, e := range events {
		raw[e.ID] = nil
	}
	for k, kind := range dedup {
		raw[k.from] = append(raw[k.from], Edge{From: k.from, To: k.to, Kind: kind})
	}

	reduced := transitiveReduce(raw)
	for id, edges := range reduced {
		sort.Slice(edges, func(i, j int) bool { return edges[i].To < edges[j].To })
		reduced[id] = edges
	}

	return &Graph{TraceID: traceID, Nodes: byID, Out: reduced}
}

// transitiveReduce drops any edge u->w for which a longer path u->...->w
// already exists, per spec §4.5. Reachability is computed once per node via
// BFS over the raw graph, then each direct edge is kept only if removing it
// would not disconnect the destination from some other path.
func transitiveReduce(raw map[string][]Edge) map[string][]Edge {
	reachableVia := func(from, to string, avoid Edge) bool {
		seen := map[string]struct{}{from: {}}
		queue := []string{from}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, e := range raw[cur] {
				if e == avoid {
					continue
				}
				if e.To == to {
					return true
				}
				if _, ok := seen[e.To]; !ok {
					seen[e.To] = struct{}{}
					queue = append(queue, e.To)
				}
			}
		}
		return false
	}

	out := make(map[string][]Edge, len(raw))
	for from := range raw {
		out[from] = nil
	}
	for from, edges := range raw {
		for _, e := range edges {
			if !reachableVia(from, e.To, e) {
				out[from] = append(out[from], e)
			}
		}
	}
	return out
}

// Ancestors returns the full causal history of an event (spec §4.10
// "derive upstream dependencies"), reading through the Builder's cache.
func (b *Builder) Ancestors(traceID, eventID string) (map[string]struct{}, error) {
	g, err := b.Build(traceID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.Nodes[eventID]; !ok {
		return nil, xerrors.New(xerrors.TraceNotFound, "unknown event id: "+eventID)
	}
	return g.Ancestors(eventID), nil
}
