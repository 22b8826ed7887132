// Package query implements the Query Surface of spec §4.11 (C11): a thin
// aggregator composing C3 and C5-C10 into the response shapes of §6.4,
// with per-result memoization keyed by (operator, trace_id, params) and
// invalidated on ingest, plus opaque cursor pagination.
//
// Grounded on the teacher's results package, which assembles per-bug
// analysis output from several underlying analyzers into one report
// structure; the same composition role is reused here across a running
// server's query surface instead of a one-shot CLI report.
package query

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"causalityengine/internal/anomaly"
	"causalityengine/internal/audit"
	"causalityengine/internal/causality"
	"causalityengine/internal/criticalpath"
	"causalityengine/internal/dependency"
	"causalityengine/internal/event"
	"causalityengine/internal/race"
	"causalityengine/internal/store"
	"causalityengine/internal/xerrors"
)

// Service composes the analysis operators behind a memoized facade.
type Service struct {
	store      store.Store
	graphs     *causality.Builder
	raceDet    *race.Detector
	auditor    *audit.Builder
	depExtract *dependency.Extractor
	anomalyDet *anomaly.Detector

	criticalPathTimeout time.Duration

	mu    sync.Mutex
	cache map[cacheKey]any
}

type cacheKey struct {
	operator string
	traceID  string
	params   string
}

// NewService wires a Service to the trace store and builds the C5-C10
// operators on top of it. anomalyZThreshold/anomalyMinCohortN configure the
// anomaly detector (spec §4.8, zero values fall back to its own defaults);
// criticalPathTimeout bounds a single CriticalPath computation (spec §4.7,
// zero disables the timeout); reportReadRead toggles cross-trace read/read
// reporting in the race detector (spec §4.6 Open Question decision, off by
// default).
func NewService(s store.Store, anomalyZThreshold float64, anomalyMinCohortN int, criticalPathTimeout time.Duration, reportReadRead bool) *Service {
	graphs := causality.NewBuilder(s)
	raceDet := race.NewDetector(s, reportReadRead)
	return &Service{
		store:               s,
		graphs:              graphs,
		raceDet:             raceDet,
		auditor:             audit.NewBuilder(s, raceDet),
		depExtract:          dependency.NewExtractor(s),
		anomalyDet:          anomaly.NewDetector(s, anomalyZThreshold, anomalyMinCohortN),
		criticalPathTimeout: criticalPathTimeout,
		cache:               make(map[cacheKey]any),
	}
}

// Invalidate drops every memoized result for traceID; wire this to the
// store's ingest invalidation hook (spec §4.11).
func (svc *Service) Invalidate(traceID string) {
	svc.graphs.Invalidate(traceID)
	svc.mu.Lock()
	defer svc.mu.Unlock()
	for k := range svc.cache {
		if k.traceID == traceID {
			delete(svc.cache, k)
		}
	}
}

func memoize[T any](svc *Service, operator, traceID, params string, compute func() (T, error)) (T, error) {
	key := cacheKey{operator: operator, traceID: traceID, params: params}
	svc.mu.Lock()
	if cached, ok := svc.cache[key]; ok {
		svc.mu.Unlock()
		return cached.(T), nil
	}
	svc.mu.Unlock()

	result, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}

	svc.mu.Lock()
	svc.cache[key] = result
	svc.mu.Unlock()
	return result, nil
}

// TracePage is one page of trace metadata, per §6.4 GET /traces.
type TracePage struct {
	Traces     []store.TraceMeta
	Total      int
	NextCursor string
}

// ListTraces returns a cursor-paginated, last_timestamp-descending page of
// trace metadata (spec §6.4).
func (svc *Service) ListTraces(pageSize int, cursor string) (TracePage, error) {
	page := 0
	if cursor != "" {
		decoded, err := decodeCursor(cursor)
		if err != nil {
			return TracePage{}, xerrors.Wrap(xerrors.Internal, "malformed cursor", err)
		}
		page = decoded
	}

	metas, total := svc.store.ListTraces(page, pageSize)
	next := ""
	if (page+1)*pageSize < total {
		next = encodeCursor(page + 1)
	}
	return TracePage{Traces: metas, Total: total, NextCursor: next}, nil
}

func encodeCursor(page int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("page:%d", page)))
}

func decodeCursor(cursor string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	var page int
	if _, err := fmt.Sscanf(string(raw), "page:%d", &page); err != nil {
		return 0, err
	}
	return page, nil
}

// GetTrace returns a trace's events in deterministic order (spec §4.3).
func (svc *Service) GetTrace(traceID string) ([]*event.Event, error) {
	return svc.store.GetTrace(traceID)
}

// Analyze returns the race findings for one trace (spec §4.6), memoized.
func (svc *Service) Analyze(ctx context.Context, traceID string) ([]race.Finding, error) {
	return memoize(svc, "analyze", traceID, "", func() ([]race.Finding, error) {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.Cancelled, "analyze cancelled", err)
		}
		return svc.raceDet.DetectTrace(traceID)
	})
}

// AnalyzeGlobal returns the cross-trace race aggregate (spec §6.4
// GET /analyze/global). Not memoized: its cache key would depend on every
// trace in the store, which changes too often to be worth caching.
func (svc *Service) AnalyzeGlobal() []race.Finding {
	return svc.raceDet.DetectGlobal()
}

// CriticalPath returns the critical path of one trace (spec §4.7),
// memoized. The computation is bounded by criticalPathTimeout; a trace
// whose DAG is too large to analyze within that budget reports a Timeout
// error rather than blocking the caller indefinitely.
func (svc *Service) CriticalPath(ctx context.Context, traceID string) (criticalpath.Result, error) {
	return memoize(svc, "critical-path", traceID, "", func() (criticalpath.Result, error) {
		if svc.criticalPathTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, svc.criticalPathTimeout)
			defer cancel()
		}

		type outcome struct {
			result criticalpath.Result
			err    error
		}
		done := make(chan outcome, 1)
		go func() {
			g, err := svc.graphs.Build(traceID)
			if err != nil {
				done <- outcome{err: err}
				return
			}
			done <- outcome{result: criticalpath.Analyze(g)}
		}()

		select {
		case o := <-done:
			return o.result, o.err
		case <-ctx.Done():
			return criticalpath.Result{}, xerrors.Wrap(xerrors.Timeout, "critical path computation timed out", ctx.Err())
		}
	})
}

// Anomalies returns the anomaly report for one trace (spec §4.8),
// memoized.
func (svc *Service) Anomalies(traceID string) ([]anomaly.Anomaly, error) {
	return memoize(svc, "anomalies", traceID, "", func() ([]anomaly.Anomaly, error) {
		return svc.anomalyDet.DetectTrace(traceID)
	})
}

// Dependencies returns the service dependency graph of one trace (spec
// §4.10), memoized.
func (svc *Service) Dependencies(traceID string) (dependency.ServiceGraph, error) {
	return memoize(svc, "dependencies", traceID, "", func() (dependency.ServiceGraph, error) {
		return svc.depExtract.Dependencies(traceID)
	})
}

// DependenciesGlobal returns the system-wide dependency graph (spec §4.10
// "System-wide mode"), unmemoized for the same reason as AnalyzeGlobal.
func (svc *Service) DependenciesGlobal() dependency.ServiceGraph {
	return svc.depExtract.DependenciesGlobal()
}

// AuditTrail returns the annotated access timeline for one variable
// within one trace (spec §4.9), memoized per variable.
func (svc *Service) AuditTrail(traceID, variable string) (audit.Trail, error) {
	return memoize(svc, "audit-trail", traceID, variable, func() (audit.Trail, error) {
		return svc.auditor.Audit(traceID, variable)
	})
}

// ServiceCatalog lists every known service across all traces (spec §6.4
// GET /services).
func (svc *Service) ServiceCatalog() []string {
	seen := make(map[string]struct{})
	for _, traceID := range svc.store.AllTraceIDs() {
		if meta, ok := svc.store.TraceMeta(traceID); ok {
			for name := range meta.Services {
				seen[name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ServiceTraces lists the ids of every trace a service participates in
// (spec §6.4 GET /services/{name}/traces).
func (svc *Service) ServiceTraces(name string) []string {
	var ids []string
	for _, traceID := range svc.store.AllTraceIDs() {
		meta, ok := svc.store.TraceMeta(traceID)
		if !ok {
			continue
		}
		if _, has := meta.Services[name]; has {
			ids = append(ids, traceID)
		}
	}
	sort.Strings(ids)
	return ids
}

// ServiceDependencies narrows the global dependency graph to edges
// touching name (spec §6.4 GET /services/{name}/dependencies).
func (svc *Service) ServiceDependencies(name string) dependency.ServiceGraph {
	full := svc.DependenciesGlobal()
	var edges []dependency.Edge
	nodes := map[string]struct{}{name: {}}
	for _, e := range full.Edges {
		if e.From == name || e.To == name {
			edges = append(edges, e)
			nodes[e.From] = struct{}{}
			nodes[e.To] = struct{}{}
		}
	}
	names := make([]string, 0, len(nodes))
	for n := range nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return dependency.ServiceGraph{Nodes: names, Edges: edges}
}
