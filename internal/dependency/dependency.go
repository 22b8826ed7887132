// Package dependency implements the Dependency Extractor of spec §4.10
// (C10): a service call graph derived from cross-service parent_id links,
// with a system-wide union mode across every trace.
//
// Grounded on the teacher's analysisGraph.go adjacency-list shape, reused
// here for a service-level graph rather than an event-level one; edges
// aggregate a call_count instead of carrying residual flow capacity.
package dependency

import (
	"sort"

	"causalityengine/internal/event"
	"causalityengine/internal/store"
)

// Edge is one directed service-to-service dependency.
type Edge struct {
	From      string
	To        string
	CallCount int
}

// ServiceGraph is the dependency graph of spec §4.10.
type ServiceGraph struct {
	Nodes []string
	Edges []Edge
}

// Extractor builds service dependency graphs from the trace store.
type Extractor struct {
	s store.Store
}

// NewExtractor wires an Extractor to the store it reads events from.
func NewExtractor(s store.Store) *Extractor {
	return &Extractor{s: s}
}

// Dependencies builds the service graph for a single trace (spec §4.10).
func (x *Extractor) Dependencies(traceID string) (ServiceGraph, error) {
	events, err := x.s.GetTrace(traceID)
	if err != nil {
		return ServiceGraph{}, err
	}
	return buildGraph(events), nil
}

// DependenciesGlobal unions every trace's service graph, summing edge
// weights across traces (spec §4.10 "System-wide mode").
func (x *Extractor) DependenciesGlobal() ServiceGraph {
	counts := make(map[[2]string]int)
	nodes := make(map[string]struct{})

	for _, traceID := range x.s.AllTraceIDs() {
		events, err := x.s.GetTrace(traceID)
		if err != nil {
			continue
		}
		g := buildGraph(events)
		for _, n := range g.Nodes {
			nodes[n] = struct{}{}
		}
		for _, e := range g.Edges {
			counts[[2]string{e.From, e.To}] += e.CallCount
		}
	}
	return toGraph(nodes, counts)
}

func buildGraph(events []*event.Event) ServiceGraph {
	byID := make(map[string]*event.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}

	nodes := make(map[string]struct{})
	counts := make(map[[2]string]int)

	for _, e := range events {
		if e.Metadata.ServiceName != "" {
			nodes[e.Metadata.ServiceName] = struct{}{}
		}
		if e.ParentID == nil {
			continue
		}
		parent, ok := byID[*e.ParentID]
		if !ok {
			continue
		}
		from, to := parent.Metadata.ServiceName, e.Metadata.ServiceName
		if from == "" || to == "" || from == to {
			continue
		}
		counts[[2]string{from, to}]++
	}

	return toGraph(nodes, counts)
}

func toGraph(nodes map[string]struct{}, counts map[[2]string]int) ServiceGraph {
	nodeList := make([]string, 0, len(nodes))
	for n := range nodes {
		nodeList = append(nodeList, n)
	}
	sort.Strings(nodeList)

	edges := make([]Edge, 0, len(counts))
	for pair, count := range counts {
		edges = append(edges, Edge{From: pair[0], To: pair[1], CallCount: count})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	return ServiceGraph{Nodes: nodeList, Edges: edges}
}
