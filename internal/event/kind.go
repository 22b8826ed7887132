package event

// Tag names the variant carried by a Kind, used as the single wire key of
// the externally-tagged {Tag: payload} representation (spec §6.2, Design
// Notes §9: "Serialization uses externally-tagged representation ... for
// wire compatibility with existing producers").
type Tag string

const (
	TagFunctionCall    Tag = "FunctionCall"
	TagStateChange     Tag = "StateChange"
	TagAsyncSpawn      Tag = "AsyncSpawn"
	TagAsyncAwait      Tag = "AsyncAwait"
	TagLockAcquire     Tag = "LockAcquire"
	TagLockRelease     Tag = "LockRelease"
	TagMemoryFence     Tag = "MemoryFence"
	TagHTTPRequest     Tag = "HttpRequest"
	TagHTTPResponse    Tag = "HttpResponse"
	TagDatabaseQuery   Tag = "DatabaseQuery"
	TagDatabaseResult  Tag = "DatabaseResult"
	TagError           Tag = "Error"
	TagCustom          Tag = "Custom"
)

// AccessType is the kind of access a StateChange event performed.
type AccessType string

const (
	AccessRead       AccessType = "Read"
	AccessWrite      AccessType = "Write"
	AccessAtomicRead AccessType = "AtomicRead"
	AccessAtomicWrite AccessType = "AtomicWrite"
	AccessAtomicRMW  AccessType = "AtomicRMW"
)

// IsWrite reports whether the access type counts as a write for the race
// detector's predicate (spec §4.6, predicate 3).
func (a AccessType) IsWrite() bool {
	switch a {
	case AccessWrite, AccessAtomicWrite, AccessAtomicRMW:
		return true
	default:
		return false
	}
}

// FunctionCallData is the payload of a FunctionCall event (spec §6.2).
type FunctionCallData struct {
	FunctionName string `json:"function_name"`
	Module       string `json:"module"`
	Args         Value  `json:"args"`
	File         string `json:"file"`
	Line         int    `json:"line"`
	Extra        map[string]Value `json:"-"`
}

// StateChangeData is the payload of a StateChange event (spec §6.2).
type StateChangeData struct {
	Variable   string     `json:"variable"`
	OldValue   Value      `json:"old_value,omitempty"`
	NewValue   Value      `json:"new_value"`
	Location   string     `json:"location"`
	AccessType AccessType `json:"access_type"`
	Extra      map[string]Value `json:"-"`
}

// AsyncSpawnData is the payload of an AsyncSpawn event. Not detailed
// verbatim in §6.2's non-exhaustive list, shaped after the spawn/await
// pairing §4.2's trace-local clock rationale describes.
type AsyncSpawnData struct {
	TaskID    string `json:"task_id"`
	TaskName  string `json:"task_name"`
	SpawnedAt string `json:"spawned_at"`
	Extra     map[string]Value `json:"-"`
}

// AsyncAwaitData is the payload of an AsyncAwait event.
type AsyncAwaitData struct {
	FutureID  string `json:"future_id"`
	AwaitedAt string `json:"awaited_at"`
	Extra     map[string]Value `json:"-"`
}

// LockAcquireData is the payload of a LockAcquire event (spec §6.2).
type LockAcquireData struct {
	LockID   string `json:"lock_id"`
	LockType string `json:"lock_type"`
	Location string `json:"location"`
	Extra    map[string]Value `json:"-"`
}

// LockReleaseData is the payload of a LockRelease event (spec §6.2).
type LockReleaseData struct {
	LockID   string `json:"lock_id"`
	LockType string `json:"lock_type"`
	Location string `json:"location"`
	Extra    map[string]Value `json:"-"`
}

// MemoryFenceData is the payload of a MemoryFence event. §3 names the
// variant without a §6.2 payload; SPEC_FULL.md fills the gap.
type MemoryFenceData struct {
	FenceType string `json:"fence_type"`
	Location  string `json:"location"`
	Extra     map[string]Value `json:"-"`
}

// HTTPRequestData is the payload of an HttpRequest event (spec §6.2).
type HTTPRequestData struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    Value             `json:"body,omitempty"`
	Extra   map[string]Value  `json:"-"`
}

// HTTPResponseData is the payload of an HttpResponse event (spec §6.2).
type HTTPResponseData struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       Value             `json:"body,omitempty"`
	DurationMs float64           `json:"duration_ms"`
	Extra      map[string]Value  `json:"-"`
}

// DatabaseQueryData is the payload of a DatabaseQuery event (spec §6.2).
type DatabaseQueryData struct {
	Query      string  `json:"query"`
	Database   string  `json:"database"`
	DurationMs float64 `json:"duration_ms"`
	Extra      map[string]Value `json:"-"`
}

// DatabaseResultData is the payload of a DatabaseResult event. §3 names the
// variant without a §6.2 payload; SPEC_FULL.md fills the gap.
type DatabaseResultData struct {
	RowsAffected *int64  `json:"rows_affected,omitempty"`
	DurationMs   float64 `json:"duration_ms"`
	Error        *string `json:"error,omitempty"`
	Extra        map[string]Value `json:"-"`
}

// ErrorData is the payload of an Error event (spec §6.2).
type ErrorData struct {
	ErrorType  string   `json:"error_type"`
	Message    string   `json:"message"`
	StackTrace []string `json:"stack_trace"`
	Extra      map[string]Value `json:"-"`
}

// CustomData is the payload of a Custom event (spec §6.2).
type CustomData struct {
	Name string `json:"name"`
	Data Value  `json:"data"`
}

// Kind is the externally-tagged sum type over the thirteen event variants.
// Exactly one field is non-nil; Tag reports which.
type Kind struct {
	FunctionCall   *FunctionCallData
	StateChange    *StateChangeData
	AsyncSpawn     *AsyncSpawnData
	AsyncAwait     *AsyncAwaitData
	LockAcquire    *LockAcquireData
	LockRelease    *LockReleaseData
	MemoryFence    *MemoryFenceData
	HTTPRequest    *HTTPRequestData
	HTTPResponse   *HTTPResponseData
	DatabaseQuery  *DatabaseQueryData
	DatabaseResult *DatabaseResultData
	Error          *ErrorData
	Custom         *CustomData
}

// Tag reports which variant is set, or "" if none is (a decode failure
// state the caller should never observe on a successfully-decoded event).
func (k Kind) Tag() Tag {
	switch {
	case k.FunctionCall != nil:
		return TagFunctionCall
	case k.StateChange != nil:
		return TagStateChange
	case k.AsyncSpawn != nil:
		return TagAsyncSpawn
	case k.AsyncAwait != nil:
		return TagAsyncAwait
	case k.LockAcquire != nil:
		return TagLockAcquire
	case k.LockRelease != nil:
		return TagLockRelease
	case k.MemoryFence != nil:
		return TagMemoryFence
	case k.HTTPRequest != nil:
		return TagHTTPRequest
	case k.HTTPResponse != nil:
		return TagHTTPResponse
	case k.DatabaseQuery != nil:
		return TagDatabaseQuery
	case k.DatabaseResult != nil:
		return TagDatabaseResult
	case k.Error != nil:
		return TagError
	case k.Custom != nil:
		return TagCustom
	default:
		return ""
	}
}

// withExtra is implemented by payload types that preserve unrecognized wire
// fields verbatim (spec §4.1 forward compatibility).
type withExtra interface {
	extraFields() map[string]Value
}

func (d *FunctionCallData) extraFields() map[string]Value   { return d.Extra }
func (d *StateChangeData) extraFields() map[string]Value    { return d.Extra }
func (d *AsyncSpawnData) extraFields() map[string]Value     { return d.Extra }
func (d *AsyncAwaitData) extraFields() map[string]Value     { return d.Extra }
func (d *LockAcquireData) extraFields() map[string]Value    { return d.Extra }
func (d *LockReleaseData) extraFields() map[string]Value    { return d.Extra }
func (d *MemoryFenceData) extraFields() map[string]Value    { return d.Extra }
func (d *HTTPRequestData) extraFields() map[string]Value    { return d.Extra }
func (d *HTTPResponseData) extraFields() map[string]Value   { return d.Extra }
func (d *DatabaseQueryData) extraFields() map[string]Value  { return d.Extra }
func (d *DatabaseResultData) extraFields() map[string]Value { return d.Extra }
func (d *ErrorData) extraFields() map[string]Value          { return d.Extra }
