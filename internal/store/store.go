// Package store implements the Trace Store of spec §4.3 (C3): events keyed
// by (trace_id, event_id), sharded by trace_id so writers serialize only
// within a trace while proceeding in parallel across traces, plus the
// secondary indices (variable index, per-thread lock timeline, per-service
// index, trace metadata) spec §3/§4.3 describe as derived structures owned
// exclusively by the store.
//
// Grounded on the teacher's analysisData.go: a single global trace-wide
// state object guarded by mutexes around its secondary maps, generalized
// here from one implicit trace to N independently-locked shards.
package store

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
	"time"

	"causalityengine/internal/event"
	"causalityengine/internal/xerrors"
)

// TraceMeta is the trace-level metadata of spec §3.
type TraceMeta struct {
	TraceID        string
	FirstTimestamp time.Time
	LastTimestamp  time.Time
	Services       map[string]struct{}
	EventCount     int
}

// Distributed reports whether this trace spans more than one service.
func (m TraceMeta) Distributed() bool {
	return len(m.Services) > 1
}

// LockEvent is one entry of a thread's lock timeline (spec §3: "Lock
// Timeline").
type LockEvent struct {
	EventID   string
	LockID    string
	Acquire   bool // true = LockAcquire, false = LockRelease
	Timestamp time.Time
}

// shard owns one trace_id's events and every secondary index derived from
// them, matching spec §4.3's exclusivity rule ("Ownership of derived
// structures is exclusive to the component that builds them").
type shard struct {
	mu sync.RWMutex

	events map[string]*event.Event // event id -> event, this shard's trace only

	meta TraceMeta

	// variable -> chronologically ordered event ids touching it
	variableIndex map[string][]string

	// thread id -> ordered lock acquire/release log
	lockTimeline map[string][]LockEvent

	// service name -> event ids emitted by that service
	serviceIndex map[string][]string

	lastTouched time.Time
	lruElem     *list.Element
}

func newShard(traceID string) *shard {
	return &shard{
		events:        make(map[string]*event.Event),
		variableIndex: make(map[string][]string),
		lockTimeline:  make(map[string][]LockEvent),
		serviceIndex:  make(map[string][]string),
		meta:          TraceMeta{TraceID: traceID, Services: make(map[string]struct{})},
	}
}

// Store is the Trace Store contract of spec §4.3.
type Store interface {
	// Put ingests a single event idempotently, updating every secondary
	// index atomically from a reader's point of view.
	Put(e *event.Event) error
	// GetTrace returns a trace's events in deterministic order: by
	// timestamp, tie-broken by event id (spec §4.3).
	GetTrace(traceID string) ([]*event.Event, error)
	// GetEvent looks up a single event by trace and event id.
	GetEvent(traceID, eventID string) (*event.Event, bool)
	// TraceMeta returns a trace's metadata.
	TraceMeta(traceID string) (TraceMeta, bool)
	// ListTraces returns paginated trace metadata, newest trace first.
	ListTraces(page, pageSize int) ([]TraceMeta, int)
	// AllTraceIDs returns every known trace id, for system-wide queries.
	AllTraceIDs() []string
	// IterVariable returns every (trace_id, event) touching variable,
	// across all traces, for global audit/race queries (spec §4.3).
	IterVariable(variable string) []VariableAccess
	// LockTimeline returns the lock acquire/release log for one thread
	// within one trace.
	LockTimeline(traceID, threadID string) []LockEvent
	// EffectiveLockSet replays a thread's lock timeline up to (and
	// including) the given event, returning the set of locks held at that
	// instant (spec §3 "Lock Timeline", §4.6 predicate 4).
	EffectiveLockSet(traceID, threadID, uptoEventID string) map[string]struct{}
}

// VariableAccess pairs an event with the trace it belongs to, for
// cross-trace variable iteration (spec §4.3 iter_variable).
type VariableAccess struct {
	TraceID string
	Event   *event.Event
}

// memoryStore is the in-memory Store implementation (spec §4.3/§6.6
// store.backend = "memory", the default backend).
type memoryStore struct {
	mu        sync.RWMutex
	shards    map[string]*shard
	lru       *list.List // front = most recently touched
	maxTraces int

	onInvalidate func(traceID string)
}

// Option configures a memoryStore.
type Option func(*memoryStore)

// WithMaxTraces bounds the store to at most n traces, evicting the
// least-recently-touched trace (spec §4.3: "drop whole traces
// (least-recently-touched); partial-trace retention is forbidden").
func WithMaxTraces(n int) Option {
	return func(s *memoryStore) {
		s.maxTraces = n
	}
}

// WithInvalidationHook registers a callback invoked after every Put that
// stores a new event (a duplicate Put does not fire it), naming the trace
// that changed (spec §4.4 step 5 / §4.11: cached
// analysis results must be invalidated on ingest).
func WithInvalidationHook(fn func(traceID string)) Option {
	return func(s *memoryStore) {
		s.onInvalidate = fn
	}
}

// NewMemoryStore constructs the default in-memory Store.
func NewMemoryStore(opts ...Option) Store {
	s := &memoryStore{
		shards: make(map[string]*shard),
		lru:    list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New builds the Store named by backend (spec §6.6 store.backend). "memory"
// (and the empty string) resolve to NewMemoryStore; any other name resolves
// to the stubbed relational-backend placeholder (see unavailableStore),
// since no relational driver is wired in this engine.
func New(backend string, opts ...Option) Store {
	if backend == "" || backend == "memory" {
		return NewMemoryStore(opts...)
	}
	return newUnavailableStore(backend)
}

// backendRetryAttempts and backendRetryBaseDelay bound the retry/backoff
// wrapper promised for the relational backend option: each retried call
// retries with doubling delay before giving up and reporting BackendUnavailable.
const (
	backendRetryAttempts  = 3
	backendRetryBaseDelay = 20 * time.Millisecond
)

// unavailableStore is the Store interface's second implementation: the
// interface boundary and retry/backoff wrapper for an optional relational
// backend (spec §6.6), with no actual driver wired up. Put and GetTrace
// exhaust the retry budget and report BackendUnavailable, matching a backend
// that is configured but unreachable; the other methods, whose signatures
// carry no error, return empty results at once.
type unavailableStore struct {
	backend string
}

func newUnavailableStore(backend string) Store {
	return &unavailableStore{backend: backend}
}

// retryThenFail runs the retry/backoff loop and returns the resulting
// BackendUnavailable error; op names the attempted operation for the error
// message.
func (s *unavailableStore) retryThenFail(op string) error {
	delay := backendRetryBaseDelay
	for attempt := 1; attempt <= backendRetryAttempts; attempt++ {
		time.Sleep(delay)
		delay *= 2
	}
	return xerrors.New(xerrors.BackendUnavailable,
		fmt.Sprintf("store backend %q: %s failed after %d retries", s.backend, op, backendRetryAttempts))
}

func (s *unavailableStore) Put(e *event.Event) error {
	return s.retryThenFail("put")
}

func (s *unavailableStore) GetTrace(traceID string) ([]*event.Event, error) {
	return nil, s.retryThenFail("get_trace")
}

func (s *unavailableStore) GetEvent(traceID, eventID string) (*event.Event, bool) {
	return nil, false
}

func (s *unavailableStore) TraceMeta(traceID string) (TraceMeta, bool) {
	return TraceMeta{}, false
}

func (s *unavailableStore) ListTraces(page, pageSize int) ([]TraceMeta, int) {
	return nil, 0
}

func (s *unavailableStore) AllTraceIDs() []string {
	return nil
}

func (s *unavailableStore) IterVariable(variable string) []VariableAccess {
	return nil
}

func (s *unavailableStore) LockTimeline(traceID, threadID string) []LockEvent {
	return nil
}

func (s *unavailableStore) EffectiveLockSet(traceID, threadID, uptoEventID string) map[string]struct{} {
	return map[string]struct{}{}
}

// shardFor returns (creating if necessary) the shard for traceID. The
// outer store lock is held only long enough to look up/insert the shard
// pointer and touch the LRU list; all event-level work happens under the
// shard's own lock, so writers to different traces never block each other
// (spec §4.3/§5: "writers serialize per trace but proceed in parallel
// across different traces").
func (s *memoryStore) shardFor(traceID string, create bool) *shard {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shards[traceID]
	if !ok {
		if !create {
			return nil
		}
		sh = newShard(traceID)
		s.shards[traceID] = sh
		sh.lruElem = s.lru.PushFront(traceID)
		s.evictIfNeededLocked()
		return sh
	}
	s.touchLocked(sh)
	return sh
}

func (s *memoryStore) touchLocked(sh *shard) {
	sh.lastTouched = time.Now()
	s.lru.MoveToFront(sh.lruElem)
}

// evictIfNeededLocked drops the least-recently-touched whole trace when the
// store exceeds maxTraces. Must be called with s.mu held.
func (s *memoryStore) evictIfNeededLocked() {
	if s.maxTraces <= 0 {
		return
	}
	for len(s.shards) > s.maxTraces {
		back := s.lru.Back()
		if back == nil {
			return
		}
		traceID := back.Value.(string)
		s.lru.Remove(back)
		delete(s.shards, traceID)
	}
}

func (s *memoryStore) Put(e *event.Event) error {
	if e == nil {
		return xerrors.New(xerrors.Internal, "nil event")
	}
	sh := s.shardFor(e.TraceID, true)

	sh.mu.Lock()
	_, exists := sh.events[e.ID]
	if exists {
		// Idempotent re-ingestion is a no-op (spec §3 invariant v).
		sh.mu.Unlock()
		return nil
	}
	sh.events[e.ID] = e
	sh.updateMetaLocked(e)
	sh.updateVariableIndexLocked(e)
	sh.updateLockTimelineLocked(e)
	sh.updateServiceIndexLocked(e)
	sh.mu.Unlock()

	if s.onInvalidate != nil {
		s.onInvalidate(e.TraceID)
	}
	return nil
}

func (sh *shard) updateMetaLocked(e *event.Event) {
	sh.meta.EventCount++
	if sh.meta.EventCount == 1 || e.Timestamp.Before(sh.meta.FirstTimestamp) {
		sh.meta.FirstTimestamp = e.Timestamp
	}
	if e.Timestamp.After(sh.meta.LastTimestamp) {
		sh.meta.LastTimestamp = e.Timestamp
	}
	if e.Metadata.ServiceName != "" {
		sh.meta.Services[e.Metadata.ServiceName] = struct{}{}
	}
}

func (sh *shard) updateVariableIndexLocked(e *event.Event) {
	if e.Kind.StateChange == nil {
		return
	}
	variable := e.Kind.StateChange.Variable
	ids := sh.variableIndex[variable]
	ids = append(ids, e.ID)
	sort.SliceStable(ids, func(i, j int) bool {
		return lessEventID(sh.events[ids[i]], sh.events[ids[j]])
	})
	sh.variableIndex[variable] = ids
}

func (sh *shard) updateLockTimelineLocked(e *event.Event) {
	var lockID string
	var acquire bool
	switch {
	case e.Kind.LockAcquire != nil:
		lockID, acquire = e.Kind.LockAcquire.LockID, true
	case e.Kind.LockRelease != nil:
		lockID, acquire = e.Kind.LockRelease.LockID, false
	default:
		return
	}
	thread := e.Metadata.ThreadID
	log := sh.lockTimeline[thread]
	log = append(log, LockEvent{EventID: e.ID, LockID: lockID, Acquire: acquire, Timestamp: e.Timestamp})
	sort.SliceStable(log, func(i, j int) bool { return log[i].Timestamp.Before(log[j].Timestamp) })
	sh.lockTimeline[thread] = log
}

func (sh *shard) updateServiceIndexLocked(e *event.Event) {
	if e.Metadata.ServiceName == "" {
		return
	}
	sh.serviceIndex[e.Metadata.ServiceName] = append(sh.serviceIndex[e.Metadata.ServiceName], e.ID)
}

func lessEventID(a, b *event.Event) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

func (s *memoryStore) GetTrace(traceID string) ([]*event.Event, error) {
	sh := s.shardFor(traceID, false)
	if sh == nil {
		return nil, xerrors.New(xerrors.TraceNotFound, traceID)
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	out := make([]*event.Event, 0, len(sh.events))
	for _, e := range sh.events {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return lessEventID(out[i], out[j]) })
	return out, nil
}

func (s *memoryStore) GetEvent(traceID, eventID string) (*event.Event, bool) {
	sh := s.shardFor(traceID, false)
	if sh == nil {
		return nil, false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.events[eventID]
	return e, ok
}

func (s *memoryStore) TraceMeta(traceID string) (TraceMeta, bool) {
	sh := s.shardFor(traceID, false)
	if sh == nil {
		return TraceMeta{}, false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.meta, true
}

func (s *memoryStore) ListTraces(page, pageSize int) ([]TraceMeta, int) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}
	shards := make([]*shard, 0, len(ids))
	for _, id := range ids {
		shards = append(shards, s.shards[id])
	}
	s.mu.RUnlock()

	metas := make([]TraceMeta, 0, len(shards))
	for _, sh := range shards {
		sh.mu.RLock()
		metas = append(metas, sh.meta)
		sh.mu.RUnlock()
	}

	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].LastTimestamp.After(metas[j].LastTimestamp)
	})

	total := len(metas)
	if pageSize <= 0 {
		pageSize = 20
	}
	start := page * pageSize
	if start >= total {
		return nil, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return metas[start:end], total
}

func (s *memoryStore) AllTraceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IterVariable acquires read locks on every shard in a fixed total order
// (sorted trace id) to avoid deadlock against concurrent per-trace writers,
// per spec §5: "cross-trace queries ... acquire read locks on all shards in
// a fixed total order".
func (s *memoryStore) IterVariable(variable string) []VariableAccess {
	s.mu.RLock()
	shards := make(map[string]*shard, len(s.shards))
	for id, sh := range s.shards {
		shards[id] = sh
	}
	s.mu.RUnlock()

	ids := make([]string, 0, len(shards))
	for id := range shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []VariableAccess
	for _, id := range ids {
		sh := shards[id]
		sh.mu.RLock()
		for _, eid := range sh.variableIndex[variable] {
			out = append(out, VariableAccess{TraceID: id, Event: sh.events[eid]})
		}
		sh.mu.RUnlock()
	}
	return out
}

func (s *memoryStore) LockTimeline(traceID, threadID string) []LockEvent {
	sh := s.shardFor(traceID, false)
	if sh == nil {
		return nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]LockEvent, len(sh.lockTimeline[threadID]))
	copy(out, sh.lockTimeline[threadID])
	return out
}

func (s *memoryStore) EffectiveLockSet(traceID, threadID, uptoEventID string) map[string]struct{} {
	sh := s.shardFor(traceID, false)
	if sh == nil {
		return map[string]struct{}{}
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	target, ok := sh.events[uptoEventID]
	if !ok {
		return map[string]struct{}{}
	}

	held := make(map[string]struct{})
	for _, le := range sh.lockTimeline[threadID] {
		if le.Timestamp.After(target.Timestamp) {
			break
		}
		if le.Timestamp.Equal(target.Timestamp) && le.EventID != uptoEventID {
			// Same-instant entries that aren't the target itself are
			// ambiguous in wall-clock order; vector-clock order would be
			// needed to disambiguate, but the lock timeline is built from
			// a single thread's own events, which are never concurrent
			// with each other.
			continue
		}
		if le.Acquire {
			held[le.LockID] = struct{}{}
		} else {
			delete(held, le.LockID)
		}
	}
	return held
}
