package event

import (
	"encoding/json"
	"fmt"
	"time"

	"causalityengine/internal/clock"
	"causalityengine/internal/xerrors"
)

// timeLayout is ISO-8601 with microsecond precision, per spec §6.2.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// wireEvent mirrors the normative structural form of spec §6.2. Declaring
// it as a plain struct (rather than building a map by hand) gives the
// encoder deterministic, stable key order for free: encoding/json always
// marshals struct fields in declaration order.
type wireEvent struct {
	ID              string                 `json:"id"`
	TraceID         string                 `json:"trace_id"`
	ParentID        *string                `json:"parent_id,omitempty"`
	Timestamp       string                 `json:"timestamp"`
	Kind            map[string]json.RawMessage `json:"kind"`
	Metadata        Metadata               `json:"metadata"`
	CausalityVector [][2]any               `json:"causality_vector"`
	LockSet         []string               `json:"lock_set"`
}

// Decode parses the structural wire form of an event, per spec §4.1. It
// fails with a MalformedEvent taxonomy error when a required field is
// missing, the kind tag is unknown, the causality vector is malformed, or a
// duration is negative.
func Decode(data []byte) (*Event, error) {
	var raw struct {
		ID              string                     `json:"id"`
		TraceID         string                     `json:"trace_id"`
		ParentID        *string                    `json:"parent_id"`
		Timestamp       string                     `json:"timestamp"`
		Kind            map[string]json.RawMessage `json:"kind"`
		Metadata        *Metadata                  `json:"metadata"`
		CausalityVector []json.RawMessage          `json:"causality_vector"`
		LockSet         []string                   `json:"lock_set"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, xerrors.Wrap(xerrors.MalformedEvent, "invalid JSON", err)
	}

	if raw.ID == "" {
		return nil, xerrors.New(xerrors.MalformedEvent, "missing required field: id")
	}
	if raw.TraceID == "" {
		return nil, xerrors.New(xerrors.MalformedEvent, "missing required field: trace_id")
	}
	if raw.Timestamp == "" {
		return nil, xerrors.New(xerrors.MalformedEvent, "missing required field: timestamp")
	}
	ts, err := time.Parse(timeLayout, raw.Timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339Nano, raw.Timestamp)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.MalformedEvent, "malformed timestamp", err)
	}

	if raw.Metadata == nil {
		return nil, xerrors.New(xerrors.MalformedEvent, "missing required field: metadata")
	}
	if err := validateMetadata(*raw.Metadata); err != nil {
		return nil, err
	}

	kind, err := decodeKind(raw.Kind)
	if err != nil {
		return nil, err
	}

	vc, err := decodeCausalityVector(raw.CausalityVector)
	if err != nil {
		return nil, err
	}

	lockSet := raw.LockSet
	if lockSet == nil {
		lockSet = []string{}
	}

	return &Event{
		ID:              raw.ID,
		TraceID:         raw.TraceID,
		ParentID:        raw.ParentID,
		Timestamp:       ts,
		Kind:            *kind,
		Metadata:        *raw.Metadata,
		CausalityVector: vc,
		LockSet:         lockSet,
	}, nil
}

func validateMetadata(m Metadata) error {
	if m.ThreadID == "" {
		return xerrors.New(xerrors.MalformedEvent, "missing required field: metadata.thread_id")
	}
	if m.ServiceName == "" {
		return xerrors.New(xerrors.MalformedEvent, "missing required field: metadata.service_name")
	}
	if m.Environment == "" {
		return xerrors.New(xerrors.MalformedEvent, "missing required field: metadata.environment")
	}
	if m.DurationNs != nil && int64(*m.DurationNs) < 0 {
		return xerrors.New(xerrors.MalformedEvent, "metadata.duration_ns must not be negative")
	}
	return nil
}

func decodeCausalityVector(raw []json.RawMessage) (*clock.VectorClock, error) {
	pairs := make([][2]any, 0, len(raw))
	for _, entryRaw := range raw {
		var entry []json.RawMessage
		if err := json.Unmarshal(entryRaw, &entry); err != nil || len(entry) != 2 {
			return nil, xerrors.New(xerrors.MalformedEvent, "malformed causality_vector entry")
		}
		var key string
		if err := json.Unmarshal(entry[0], &key); err != nil || key == "" {
			return nil, xerrors.New(xerrors.MalformedEvent, "malformed causality_vector key")
		}
		var counter float64
		if err := json.Unmarshal(entry[1], &counter); err != nil || counter < 0 {
			return nil, xerrors.New(xerrors.MalformedEvent, "malformed causality_vector counter")
		}
		pairs = append(pairs, [2]any{key, uint64(counter)})
	}
	vc, err := clock.FromPairs(pairs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.MalformedEvent, "malformed causality_vector", err)
	}
	return vc, nil
}

// decodeKind dispatches on the single key of the externally-tagged kind
// object (spec §6.2, Design Notes §9).
func decodeKind(raw map[string]json.RawMessage) (*Kind, error) {
	if len(raw) != 1 {
		return nil, xerrors.New(xerrors.MalformedEvent, "kind must carry exactly one variant tag")
	}
	var tag string
	var payload json.RawMessage
	for k, v := range raw {
		tag, payload = k, v
	}

	k := &Kind{}
	switch Tag(tag) {
	case TagFunctionCall:
		var d FunctionCallData
		if err := unmarshalWithExtra(payload, &d, &d.Extra,
			"function_name", "module", "args", "file", "line"); err != nil {
			return nil, err
		}
		k.FunctionCall = &d
	case TagStateChange:
		var d StateChangeData
		if err := unmarshalWithExtra(payload, &d, &d.Extra,
			"variable", "old_value", "new_value", "location", "access_type"); err != nil {
			return nil, err
		}
		if d.Variable == "" || d.NewValue.IsZero() || d.AccessType == "" {
			return nil, xerrors.New(xerrors.MalformedEvent, "StateChange missing a required field")
		}
		k.StateChange = &d
	case TagAsyncSpawn:
		var d AsyncSpawnData
		if err := unmarshalWithExtra(payload, &d, &d.Extra, "task_id", "task_name", "spawned_at"); err != nil {
			return nil, err
		}
		k.AsyncSpawn = &d
	case TagAsyncAwait:
		var d AsyncAwaitData
		if err := unmarshalWithExtra(payload, &d, &d.Extra, "future_id", "awaited_at"); err != nil {
			return nil, err
		}
		k.AsyncAwait = &d
	case TagLockAcquire:
		var d LockAcquireData
		if err := unmarshalWithExtra(payload, &d, &d.Extra, "lock_id", "lock_type", "location"); err != nil {
			return nil, err
		}
		if d.LockID == "" {
			return nil, xerrors.New(xerrors.MalformedEvent, "LockAcquire missing lock_id")
		}
		k.LockAcquire = &d
	case TagLockRelease:
		var d LockReleaseData
		if err := unmarshalWithExtra(payload, &d, &d.Extra, "lock_id", "lock_type", "location"); err != nil {
			return nil, err
		}
		if d.LockID == "" {
			return nil, xerrors.New(xerrors.MalformedEvent, "LockRelease missing lock_id")
		}
		k.LockRelease = &d
	case TagMemoryFence:
		var d MemoryFenceData
		if err := unmarshalWithExtra(payload, &d, &d.Extra, "fence_type", "location"); err != nil {
			return nil, err
		}
		k.MemoryFence = &d
	case TagHTTPRequest:
		var d HTTPRequestData
		if err := unmarshalWithExtra(payload, &d, &d.Extra, "method", "url", "headers", "body"); err != nil {
			return nil, err
		}
		k.HTTPRequest = &d
	case TagHTTPResponse:
		var d HTTPResponseData
		if err := unmarshalWithExtra(payload, &d, &d.Extra, "status", "headers", "body", "duration_ms"); err != nil {
			return nil, err
		}
		if d.DurationMs < 0 {
			return nil, xerrors.New(xerrors.MalformedEvent, "HttpResponse.duration_ms must not be negative")
		}
		k.HTTPResponse = &d
	case TagDatabaseQuery:
		var d DatabaseQueryData
		if err := unmarshalWithExtra(payload, &d, &d.Extra, "query", "database", "duration_ms"); err != nil {
			return nil, err
		}
		if d.DurationMs < 0 {
			return nil, xerrors.New(xerrors.MalformedEvent, "DatabaseQuery.duration_ms must not be negative")
		}
		k.DatabaseQuery = &d
	case TagDatabaseResult:
		var d DatabaseResultData
		if err := unmarshalWithExtra(payload, &d, &d.Extra, "rows_affected", "duration_ms", "error"); err != nil {
			return nil, err
		}
		if d.DurationMs < 0 {
			return nil, xerrors.New(xerrors.MalformedEvent, "DatabaseResult.duration_ms must not be negative")
		}
		k.DatabaseResult = &d
	case TagError:
		var d ErrorData
		if err := unmarshalWithExtra(payload, &d, &d.Extra, "error_type", "message", "stack_trace"); err != nil {
			return nil, err
		}
		k.Error = &d
	case TagCustom:
		var d CustomData
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, xerrors.Wrap(xerrors.MalformedEvent, "malformed Custom payload", err)
		}
		k.Custom = &d
	default:
		return nil, xerrors.New(xerrors.MalformedEvent, fmt.Sprintf("unknown kind tag: %s", tag))
	}
	return k, nil
}

// unmarshalWithExtra decodes payload into dst, then collects every wire key
// not in known into extra, preserving unrecognized fields verbatim for
// forward compatibility (spec §4.1).
func unmarshalWithExtra(payload json.RawMessage, dst any, extra *map[string]Value, known ...string) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return xerrors.Wrap(xerrors.MalformedEvent, "malformed kind payload", err)
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(payload, &all); err != nil {
		return nil
	}
	knownSet := make(map[string]struct{}, len(known))
	for _, k := range known {
		knownSet[k] = struct{}{}
	}
	var leftover map[string]Value
	for k, v := range all {
		if _, ok := knownSet[k]; ok {
			continue
		}
		if leftover == nil {
			leftover = make(map[string]Value)
		}
		var val Value
		_ = val.UnmarshalJSON(v)
		leftover[k] = val
	}
	*extra = leftover
	return nil
}

// Encode renders the event back into the normative structural form, with
// stable key order (spec §4.1: "Encoder is deterministic for testing").
func Encode(e *Event) ([]byte, error) {
	kindMap, err := encodeKind(e.Kind)
	if err != nil {
		return nil, err
	}

	vector := e.CausalityVector
	if vector == nil {
		vector = clock.New()
	}

	w := wireEvent{
		ID:              e.ID,
		TraceID:         e.TraceID,
		ParentID:        e.ParentID,
		Timestamp:       e.Timestamp.UTC().Format(timeLayout),
		Kind:            kindMap,
		Metadata:        e.Metadata,
		CausalityVector: vector.Pairs(),
		LockSet:         e.LockSet,
	}
	if w.LockSet == nil {
		w.LockSet = []string{}
	}
	return json.Marshal(w)
}

func encodeKind(k Kind) (map[string]json.RawMessage, error) {
	tag := k.Tag()
	if tag == "" {
		return nil, xerrors.New(xerrors.Internal, "event has no kind variant set")
	}

	var payload any
	switch tag {
	case TagFunctionCall:
		payload = k.FunctionCall
	case TagStateChange:
		payload = k.StateChange
	case TagAsyncSpawn:
		payload = k.AsyncSpawn
	case TagAsyncAwait:
		payload = k.AsyncAwait
	case TagLockAcquire:
		payload = k.LockAcquire
	case TagLockRelease:
		payload = k.LockRelease
	case TagMemoryFence:
		payload = k.MemoryFence
	case TagHTTPRequest:
		payload = k.HTTPRequest
	case TagHTTPResponse:
		payload = k.HTTPResponse
	case TagDatabaseQuery:
		payload = k.DatabaseQuery
	case TagDatabaseResult:
		payload = k.DatabaseResult
	case TagError:
		payload = k.Error
	case TagCustom:
		payload = k.Custom
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Internal, "failed to encode kind payload", err)
	}

	if we, ok := payload.(withExtra); ok && len(we.extraFields()) > 0 {
		raw, err = mergeExtra(raw, we.extraFields())
		if err != nil {
			return nil, err
		}
	}

	return map[string]json.RawMessage{string(tag): raw}, nil
}

// mergeExtra re-adds previously-preserved unknown wire fields to an encoded
// payload. encoding/json marshals map keys in sorted order, so the result
// stays deterministic even though it is built through an intermediate map.
func mergeExtra(raw json.RawMessage, extra map[string]Value) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, xerrors.Wrap(xerrors.Internal, "failed to merge preserved fields", err)
	}
	for k, v := range extra {
		fields[k] = v.Raw()
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Internal, "failed to merge preserved fields", err)
	}
	return merged, nil
}
