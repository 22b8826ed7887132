// Package ingest implements the Event Ingestion Pipeline of spec §4.1 (C4):
// decode, validate, enrich, store, and invalidate each accepted event, with
// a bounded queue and a worker pool that preserves per-trace ordering.
//
// Grounded on the teacher's toolchain package, which pulls tests off a
// work queue and fans them out across a bounded pool of goroutines; here
// the queue item is a single event rather than a test run, and routing is
// hashed by trace_id (fnv32a) so that two events of the same trace always
// land on the same worker and are applied to the store in arrival order,
// matching spec §4.1's "a single trace_id's events are processed in
// arrival order" requirement.
package ingest

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"causalityengine/internal/event"
	"causalityengine/internal/resources"
	"causalityengine/internal/store"
	"causalityengine/internal/xerrors"
	"causalityengine/internal/xlog"
)

// EventResult reports the per-event outcome of a batch ingest call (spec
// §6.4: "partial success is not an error; the response enumerates
// per-event results").
type EventResult struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"` // "accepted" | "rejected"
	Error  string `json:"error,omitempty"`
}

// BatchResult is the outcome of one Accept call.
type BatchResult struct {
	Accepted int
	Rejected int
	Results  []EventResult
}

type job struct {
	raw    []byte
	result chan EventResult
}

// Pipeline is the running ingest pipeline: a bounded queue drained by a
// fixed pool of trace-hashed workers.
type Pipeline struct {
	store   store.Store
	monitor *resources.Monitor

	queues []chan job
	wg     sync.WaitGroup

	batchLimit int
	maxSkew    time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMemoryMonitor wires a resources.Monitor whose Pressure() gauge folds
// into Accept's backpressure decision alongside queue depth.
func WithMemoryMonitor(m *resources.Monitor) Option {
	return func(p *Pipeline) { p.monitor = m }
}

// WithBatchLimit bounds how many events a single Accept call will process
// (spec §6.4's batch ingest endpoint).
func WithBatchLimit(n int) Option {
	return func(p *Pipeline) { p.batchLimit = n }
}

// WithMaxSkew bounds how far an event's declared timestamp may drift from
// server receipt time before Validate rejects it (spec §4.4 step 2).
func WithMaxSkew(d time.Duration) Option {
	return func(p *Pipeline) { p.maxSkew = d }
}

// New builds a Pipeline with workers worker goroutines, each fed by its own
// bounded channel of depth queueSize/workers.
func New(s store.Store, workers, queueSize int, opts ...Option) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	perWorker := queueSize / workers
	if perWorker <= 0 {
		perWorker = 1
	}

	p := &Pipeline{
		store:      s,
		queues:     make([]chan job, workers),
		batchLimit: 1000,
		maxSkew:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := range p.queues {
		p.queues[i] = make(chan job, perWorker)
		p.wg.Add(1)
		go p.worker(p.queues[i])
	}
	return p
}

// Shutdown closes every worker queue and waits for in-flight jobs to drain.
func (p *Pipeline) Shutdown() {
	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()
}

// worker drains q on its own goroutine. seq is a per-worker (i.e. per-shard,
// since routeFor hashes a trace_id to exactly one worker) monotonic ingest
// sequence counter: it is local to this goroutine, so it needs no
// synchronization of its own (spec §4.4 step 3).
func (p *Pipeline) worker(q chan job) {
	defer p.wg.Done()
	var seq uint64
	for j := range q {
		j.result <- p.process(j.raw, &seq)
	}
}

func (p *Pipeline) process(raw []byte, seq *uint64) EventResult {
	e, err := event.Decode(raw)
	if err != nil {
		xlog.Errorf("ingest: rejected event: %v", err)
		return EventResult{Status: "rejected", Error: err.Error()}
	}

	if err := p.validate(e); err != nil {
		xlog.Errorf("ingest: rejected event %s: %v", e.ID, err)
		return EventResult{ID: e.ID, Status: "rejected", Error: err.Error()}
	}
	p.enrich(e, seq)

	if err := p.store.Put(e); err != nil {
		xlog.Errorf("ingest: store rejected event %s: %v", e.ID, err)
		return EventResult{ID: e.ID, Status: "rejected", Error: err.Error()}
	}
	return EventResult{ID: e.ID, Status: "accepted"}
}

// validate applies the checks of spec §4.4 step 2 that Decode cannot: a
// well-formed event can still carry a timestamp too far from server receipt
// time to trust (clock skew, replayed payload, producer bug). trace_id
// non-emptiness and causality_vector well-formedness are already enforced
// by event.Decode.
func (p *Pipeline) validate(e *event.Event) error {
	skew := time.Since(e.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > p.maxSkew {
		return xerrors.New(xerrors.MalformedEvent,
			"event timestamp outside accepted skew window")
	}
	return nil
}

// enrich derives the server-side fields of spec §4.4 step 3: receipt
// timestamp, a monotonic per-shard ingest sequence number, and a
// correlation id for cross-system tracing of the ingest call itself.
func (p *Pipeline) enrich(e *event.Event, seq *uint64) {
	e.ReceivedAt = time.Now()
	*seq++
	e.IngestSeq = *seq
	e.IngestCorrelationID = uuid.New().String()
}

// routeFor picks the worker queue for traceID by fnv32a hash, so that all
// events of one trace are always applied in arrival order by the same
// goroutine (spec §4.1).
func (p *Pipeline) routeFor(traceID string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(traceID))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// traceIDOf peeks the trace_id out of a raw event payload without a full
// decode, purely for routing; a malformed payload routes to queue 0 and
// fails normally during process().
func traceIDOf(raw []byte) string {
	var probe struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.TraceID
}

// Accept decodes, validates, stores, and invalidates caches for up to
// batchLimit raw event payloads, per spec §4.1/§6.4. It never returns an
// error for a malformed individual event; those are reported per-event in
// the BatchResult. It returns a BackpressureExceeded error if the pipeline
// cannot absorb the batch at all (full queues or memory pressure).
func (p *Pipeline) Accept(ctx context.Context, rawEvents [][]byte) (BatchResult, error) {
	if len(rawEvents) > p.batchLimit {
		return BatchResult{}, xerrors.New(xerrors.MalformedEvent,
			"batch exceeds configured ingest batch limit")
	}
	if p.monitor != nil && p.monitor.Pressure() {
		return BatchResult{}, xerrors.New(xerrors.BackpressureExceeded,
			"ingest pipeline is under memory pressure")
	}

	results := make(chan EventResult, len(rawEvents))
	pending := 0
	for _, raw := range rawEvents {
		q := p.routeFor(traceIDOf(raw))
		j := job{raw: raw, result: results}
		select {
		case q <- j:
			pending++
		case <-ctx.Done():
			return BatchResult{}, xerrors.Wrap(xerrors.Cancelled, "ingest accept cancelled", ctx.Err())
		default:
			return BatchResult{}, xerrors.New(xerrors.BackpressureExceeded,
				"ingest queue is full")
		}
	}

	out := BatchResult{Results: make([]EventResult, 0, pending)}
	for i := 0; i < pending; i++ {
		select {
		case r := <-results:
			out.Results = append(out.Results, r)
			if r.Status == "accepted" {
				out.Accepted++
			} else {
				out.Rejected++
			}
		case <-ctx.Done():
			return out, xerrors.Wrap(xerrors.Cancelled, "ingest accept cancelled", ctx.Err())
		}
	}
	return out, nil
}
