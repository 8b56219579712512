// Package transport implements the type-keyed multi-handler dispatch
// registry described in SPEC_FULL.md §4.1 (component C1). A transport
// (HTTP upload, CoAP block-wise, cloud push, ...) produces chunks; the
// registry fans each chunk out to every handler registered for that
// chunk's DataType, in priority order, carrying begin/notify/end/abort
// transfer lifecycle alongside the bytes.
//
// The registry is the hot-path glue between a byte source and a consumer
// such as the OTA engine (ota package) or an application install session
// (applifecycle package); neither of those packages knows or cares which
// transport fed them.
package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DataType identifies the kind of payload flowing through a transfer.
// The enumeration is extensible by appending new constants before
// numTypes.
type DataType int

const (
	WasmApp DataType = iota
	Firmware
	File
	Config
	numTypes
)

func (t DataType) String() string {
	switch t {
	case WasmApp:
		return "wasm-app"
	case Firmware:
		return "firmware"
	case File:
		return "file"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// HandlersPerType bounds the number of concurrently registered handlers
// for a single DataType (SPEC_FULL §3.1: H_PER_TYPE = 2).
const HandlersPerType = 2

// ChunkFlag marks the position of a chunk within its transfer.
type ChunkFlag int

const (
	ChunkMiddle ChunkFlag = iota
	ChunkStart
	ChunkEnd
	ChunkAbort
)

// ChunkInfo is passed to every handler callback on every dispatch.
type ChunkInfo struct {
	Type        DataType
	TotalSize   uint32
	Offset      uint32
	Flag        ChunkFlag
	Name        string
	UserContext any
}

// Callback is a registered handler's entry point. It receives the chunk
// metadata (with UserContext already overridden to this handler's own
// context) and the chunk's data, which is empty for lifecycle-only
// notifications (ChunkStart/ChunkEnd/ChunkAbort with no payload).
//
// A callback must not call back into the registry it was invoked from
// while still believing the registry's mutex is held — it isn't; the
// registry releases its mutex before invoking any callback (SPEC_FULL
// §4.1, "Concurrency"), so handlers are free to register/unregister/
// notify re-entrantly.
type Callback func(info ChunkInfo, data []byte) error

// HandlerID identifies a registered handler. It encodes (type ×
// HandlersPerType) + local index, per SPEC_FULL §4.1.
type HandlerID int

func (id HandlerID) dataType() DataType { return DataType(int(id) / HandlersPerType) }
func (id HandlerID) slot() int          { return int(id) % HandlersPerType }

type handler struct {
	active   bool
	callback Callback
	userCtx  any
	priority int
}

type transferState struct {
	active        bool
	currentOffset uint32
	totalSize     uint32
	name          string
}

// Stats accumulates per-DataType (or, when queried with Type -1, global)
// dispatch statistics.
type Stats struct {
	TotalBytes            uint64
	TotalChunks           uint64
	Errors                uint64
	LastDispatchLatencyUs int64
}

// Dispatcher is the transfer-lifecycle subset of Registry's API that a
// transport adapter (cloudpush, httpchunk) actually drives: begin a
// transfer, feed it chunks, and close it out successfully or not. It lets
// transport.Registry itself be swapped for a fake in adapter tests,
// without pulling in Register/Unregister/Statistics, which adapters never
// call. *Registry satisfies this interface.
type Dispatcher interface {
	Begin(typ DataType, totalSize uint32, name string) error
	Notify(typ DataType, data []byte) error
	End(typ DataType, success bool) error
	Abort(typ DataType) error
}

// Errors returned by Registry operations.
var (
	ErrInvalidParam      = errors.New("transport: invalid param")
	ErrNoSpace           = errors.New("transport: no space for handler")
	ErrAlreadyRegistered = errors.New("transport: callback already registered for type")
	ErrNotFound          = errors.New("transport: handler not found")
	ErrBusy              = errors.New("transport: transfer already active")
)

// Registry is a type-keyed, priority-ordered dispatch table. The zero
// value is not usable; construct with New.
type Registry struct {
	mu       sync.Mutex
	handlers [numTypes][HandlersPerType]handler
	transfer [numTypes]transferState
	stats    [numTypes]Stats
	logger   *slog.Logger
}

// New constructs an empty Registry. A nil logger disables logging.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{logger: logger}
}

// Register adds callback as a handler for typ at the given priority
// (0 = highest). Returns NoSpace if all HandlersPerType slots for typ are
// occupied, or AlreadyRegistered if callback (compared by pointer
// identity via reflection-free function-value comparison is not possible
// in Go, so identity here is established by the caller supplying a
// distinct userCtx — see doc below) is already registered.
//
// Go cannot compare func values for equality, so "duplicate callback
// pointer" from SPEC_FULL §4.1 is approximated by rejecting a second
// registration that shares the same (typ, userCtx) pair — the pairing a
// real caller would use to tell its own handlers apart.
func (r *Registry) Register(typ DataType, cb Callback, userCtx any, priority int) (HandlerID, error) {
	if typ < 0 || typ >= numTypes || cb == nil {
		return 0, ErrInvalidParam
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	slots := &r.handlers[typ]
	freeSlot := -1
	for i := range slots {
		h := &slots[i]
		if !h.active {
			if freeSlot < 0 {
				freeSlot = i
			}
			continue
		}
		if h.userCtx == userCtx {
			return 0, ErrAlreadyRegistered
		}
	}
	if freeSlot < 0 {
		return 0, ErrNoSpace
	}
	slots[freeSlot] = handler{active: true, callback: cb, userCtx: userCtx, priority: priority}
	id := HandlerID(int(typ)*HandlersPerType + freeSlot)
	r.logger.Debug("transport:registered", slog.String("type", typ.String()), slog.Int("id", int(id)))
	return id, nil
}

// Unregister removes a previously registered handler.
func (r *Registry) Unregister(id HandlerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	typ := id.dataType()
	if typ < 0 || typ >= numTypes {
		return ErrNotFound
	}
	h := &r.handlers[typ][id.slot()]
	if !h.active {
		return ErrNotFound
	}
	*h = handler{}
	r.logger.Debug("transport:unregistered", slog.Int("id", int(id)))
	return nil
}

// Begin marks a transfer active for typ and dispatches an empty
// ChunkStart notification. Returns ErrBusy if a transfer for typ is
// already active.
func (r *Registry) Begin(typ DataType, totalSize uint32, name string) error {
	if typ < 0 || typ >= numTypes {
		return ErrInvalidParam
	}
	r.mu.Lock()
	if r.transfer[typ].active {
		r.mu.Unlock()
		return ErrBusy
	}
	r.transfer[typ] = transferState{active: true, currentOffset: 0, totalSize: totalSize, name: name}
	r.mu.Unlock()

	r.dispatch(typ, ChunkInfo{Type: typ, TotalSize: totalSize, Offset: 0, Flag: ChunkStart, Name: name}, nil)
	return nil
}

// Notify dispatches data to every active handler registered for typ, in
// priority order (lower value first). Every handler is invoked regardless
// of whether an earlier one returned an error; Notify returns the first
// error encountered (SPEC_FULL §4.1: "do not stop dispatch"). currentOffset
// advances by len(data) after all callbacks return.
func (r *Registry) Notify(typ DataType, data []byte) error {
	if typ < 0 || typ >= numTypes {
		return ErrInvalidParam
	}
	r.mu.Lock()
	ts := r.transfer[typ]
	r.mu.Unlock()

	info := ChunkInfo{Type: typ, TotalSize: ts.totalSize, Offset: ts.currentOffset, Flag: ChunkMiddle, Name: ts.name}
	start := time.Now()
	firstErr := r.dispatch(typ, info, data)
	latency := time.Since(start)

	r.mu.Lock()
	r.transfer[typ].currentOffset += uint32(len(data))
	st := &r.stats[typ]
	st.TotalBytes += uint64(len(data))
	st.TotalChunks++
	st.LastDispatchLatencyUs = latency.Microseconds()
	if firstErr != nil {
		st.Errors++
	}
	r.mu.Unlock()

	return firstErr
}

// End emits a final ChunkEnd (or ChunkAbort, if !success) notification and
// clears transfer state for typ.
func (r *Registry) End(typ DataType, success bool) error {
	if typ < 0 || typ >= numTypes {
		return ErrInvalidParam
	}
	r.mu.Lock()
	ts := r.transfer[typ]
	r.transfer[typ] = transferState{}
	r.mu.Unlock()

	flag := ChunkEnd
	if !success {
		flag = ChunkAbort
	}
	r.dispatch(typ, ChunkInfo{Type: typ, TotalSize: ts.totalSize, Offset: ts.currentOffset, Flag: flag, Name: ts.name}, nil)
	return nil
}

// Abort emits a ChunkAbort notification and clears transfer state for typ.
// It is always safe to call regardless of current state.
func (r *Registry) Abort(typ DataType) error {
	if typ < 0 || typ >= numTypes {
		return ErrInvalidParam
	}
	r.mu.Lock()
	ts := r.transfer[typ]
	r.transfer[typ] = transferState{}
	r.mu.Unlock()

	r.dispatch(typ, ChunkInfo{Type: typ, TotalSize: ts.totalSize, Offset: ts.currentOffset, Flag: ChunkAbort, Name: ts.name}, nil)
	return nil
}

// IsActive reports whether a transfer is currently in progress for typ.
func (r *Registry) IsActive(typ DataType) bool {
	if typ < 0 || typ >= numTypes {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfer[typ].active
}

// Statistics returns a snapshot of dispatch statistics for typ, or the sum
// across all types if typ is negative.
func (r *Registry) Statistics(typ DataType) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if typ >= 0 && typ < numTypes {
		return r.stats[typ]
	}
	var total Stats
	for i := range r.stats {
		total.TotalBytes += r.stats[i].TotalBytes
		total.TotalChunks += r.stats[i].TotalChunks
		total.Errors += r.stats[i].Errors
	}
	return total
}

// dispatch invokes every active handler for typ, in ascending priority
// order, with the registry's mutex released. It returns the first error
// any handler returned, but always calls every handler.
func (r *Registry) dispatch(typ DataType, info ChunkInfo, data []byte) error {
	r.mu.Lock()
	var active []handler
	for _, h := range r.handlers[typ] {
		if h.active {
			active = append(active, h)
		}
	}
	r.mu.Unlock()

	// Stable priority-order sort (HandlersPerType is tiny; insertion sort
	// keeps registration order stable among equal priorities).
	for i := 1; i < len(active); i++ {
		for j := i; j > 0 && active[j].priority < active[j-1].priority; j-- {
			active[j], active[j-1] = active[j-1], active[j]
		}
	}

	var firstErr error
	for _, h := range active {
		callInfo := info
		callInfo.UserContext = h.userCtx
		if err := h.callback(callInfo, data); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logger.Warn("transport:handler-error", slog.String("type", typ.String()), slog.String("err", err.Error()))
		}
	}
	return firstErr
}
