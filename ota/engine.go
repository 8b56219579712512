// Package ota implements the OTA firmware update engine described in
// SPEC_FULL.md §4.3 (component C3): a single-writer state machine that
// stages a firmware image into the secondary flash slot, validates it,
// requests a bootloader-mediated swap, and arranges reboot/confirmation.
//
// All mutating operations are processed on one dedicated worker goroutine,
// serialized by a bounded message queue; public API methods enqueue a
// message and block on a per-call completion channel with a timeout. This
// guarantees a single writer to the flash slot even under concurrent
// pressure from multiple transports (SPEC_FULL §4.3, §5).
package ota

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"openenterprise/wasmcore/config"
)

// Publisher is the optional, best-effort, fire-and-forget broadcast sink
// the engine calls after a state transition (SPEC_FULL §9: "the event bus
// is a non-core broadcast that does not affect engine semantics"). It is
// satisfied structurally by eventbus.MQTTPublisher; nothing in this
// package imports the eventbus package, to keep the dependency one-way.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// ProgressFunc is the authoritative, synchronous progress callback named
// in SPEC_FULL §6.3 (register_progress_callback). It is called on the
// engine's worker goroutine; implementations must not block.
type ProgressFunc func(Status)

// ErrNotInitialized is returned by every public operation before Init has
// been called.
var ErrNotInitialized = errors.New("ota: engine not initialized")

const (
	msgStart = iota
	msgWrite
	msgFinalize
	msgAbort
	msgConfirm
	msgReboot
)

type otaMsg struct {
	kind      int
	data      []byte
	totalSize uint32
	delay     time.Duration
	reply     chan Result
}

// Engine is the OTA state machine. The zero value is not usable; construct
// with New.
type Engine struct {
	flash      FlashArea
	bootloader Bootloader
	logger     *slog.Logger

	queueDepth int
	queuePut   time.Duration
	completion time.Duration
	pageSize   int
	writeAlign int

	mu          sync.Mutex
	progressCb  ProgressFunc
	publisher   Publisher
	initialized bool

	msgCh chan *otaMsg
	done  chan struct{}
	wg    sync.WaitGroup

	// Worker-thread-only state below; never touched off the worker
	// goroutine once Init has started it.
	state                    State
	lastError                Result
	totalSize                uint32
	bytesWritten             uint32
	lastProgressReportOffset uint32
	statusMessage            string

	handle        FlashHandle
	slotSize      uint32
	targetSize    uint32
	flashWriteOff uint32
	stagingBuf    []byte
	bufferPos     int
}

// New constructs an Engine over the given collaborators. Call Init before
// using it.
func New(flash FlashArea, bootloader Bootloader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		flash:      flash,
		bootloader: bootloader,
		logger:     logger,
		queueDepth: config.DefaultOTAQueueDepth,
		queuePut:   config.OTAQueuePutWait(),
		completion: config.OTACompletionWait(),
		pageSize:   config.FlashPageSize(),
		writeAlign: config.FlashWriteAlign(),
		state:      Idle,
	}
}

// SetProgressCallback installs the authoritative progress callback.
func (e *Engine) SetProgressCallback(fn ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progressCb = fn
}

// SetPublisher installs the optional event-bus publisher.
func (e *Engine) SetPublisher(p Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publisher = p
}

// Init allocates the staging buffer and starts the worker goroutine. It is
// idempotent; a second call is a no-op.
func (e *Engine) Init() error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = true
	e.mu.Unlock()

	// Staging buffer must be a multiple of the write alignment and at
	// least one flash page (SPEC_FULL §4.3.2).
	size := e.pageSize
	if size%e.writeAlign != 0 {
		size += e.writeAlign - size%e.writeAlign
	}
	e.stagingBuf = make([]byte, size)
	e.msgCh = make(chan *otaMsg, e.queueDepth)
	e.done = make(chan struct{})

	e.wg.Add(1)
	go e.run()
	return nil
}

// Close stops the worker goroutine. Intended for tests and graceful
// shutdown; no further public calls should be made afterward.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	e.initialized = false
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
}

func (e *Engine) isInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// enqueue sends msg to the worker, respecting the 1-second (default) queue
// -put timeout from SPEC_FULL §4.3.3.
func (e *Engine) enqueue(msg *otaMsg) error {
	if !e.isInitialized() {
		return ErrNotInitialized
	}
	timer := time.NewTimer(e.queuePut)
	defer timer.Stop()
	select {
	case e.msgCh <- msg:
		return nil
	case <-timer.C:
		return errors.New("ota: message queue full")
	}
}

// call enqueues msg and waits up to the completion timeout for a reply. A
// timeout here does not mean the operation failed — per SPEC_FULL §4.3.3,
// it may still complete on the worker thread; the caller should Abort to
// restore a known state.
func (e *Engine) call(msg *otaMsg) Result {
	msg.reply = make(chan Result, 1)
	if !e.isInitialized() {
		return NotInitialized
	}
	if err := e.enqueue(msg); err != nil {
		return Timeout
	}
	timer := time.NewTimer(e.completion)
	defer timer.Stop()
	select {
	case r := <-msg.reply:
		return r
	case <-timer.C:
		return Timeout
	}
}

// StartUpdate begins receiving a firmware image of the given total size
// (0 means "unknown, use the slot size as the ceiling").
func (e *Engine) StartUpdate(totalSize uint32) Result {
	return e.call(&otaMsg{kind: msgStart, totalSize: totalSize})
}

// WriteChunk appends data to the in-flight transfer.
func (e *Engine) WriteChunk(data []byte) Result {
	return e.call(&otaMsg{kind: msgWrite, data: data})
}

// Finalize validates and installs the received image.
func (e *Engine) Finalize() Result {
	return e.call(&otaMsg{kind: msgFinalize})
}

// Abort cancels any in-flight transfer and returns the engine to Idle. It
// is always safe to call regardless of current state.
func (e *Engine) Abort() Result {
	return e.call(&otaMsg{kind: msgAbort})
}

// ConfirmFirmware tells the bootloader the running image is good. Has no
// state precondition.
func (e *Engine) ConfirmFirmware() Result {
	return e.call(&otaMsg{kind: msgConfirm})
}

// RebootToApply requests a reboot after delay. Fire-and-forget: it does
// not wait for the reboot to happen, only for the request to be enqueued.
func (e *Engine) RebootToApply(delay time.Duration) {
	_ = e.enqueue(&otaMsg{kind: msgReboot, delay: delay})
}

// GetProgress returns a snapshot of the engine's current status. Safe to
// call concurrently with any in-flight operation.
func (e *Engine) GetProgress() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:                    e.state,
		LastError:                e.lastError,
		TotalSize:                e.totalSize,
		BytesWritten:             e.bytesWritten,
		Percentage:               percentage(e.bytesWritten, e.totalSize),
		LastProgressReportOffset: e.lastProgressReportOffset,
		StatusMessage:            e.statusMessage,
	}
}

// run is the dedicated worker goroutine. It is the only goroutine that
// touches the worker-thread-only fields on Engine.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case msg := <-e.msgCh:
			e.process(msg)
		case <-e.done:
			return
		}
	}
}

func (e *Engine) process(msg *otaMsg) {
	var result Result
	switch msg.kind {
	case msgStart:
		result = e.doStart(msg.totalSize)
	case msgWrite:
		result = e.doWrite(msg.data)
	case msgFinalize:
		result = e.doFinalize()
	case msgAbort:
		result = e.doAbort()
	case msgConfirm:
		result = e.doConfirm()
	case msgReboot:
		e.doReboot(msg.delay)
		return // fire-and-forget: no reply
	}
	if msg.reply != nil {
		msg.reply <- result
	}
}

func (e *Engine) setStatus(state State, lastError Result, message string) {
	e.mu.Lock()
	e.state = state
	e.lastError = lastError
	if message != "" {
		e.statusMessage = truncateMessage(message)
	}
	snap := Status{
		State:                    state,
		LastError:                lastError,
		TotalSize:                e.totalSize,
		BytesWritten:             e.bytesWritten,
		Percentage:               percentage(e.bytesWritten, e.totalSize),
		LastProgressReportOffset: e.lastProgressReportOffset,
		StatusMessage:            e.statusMessage,
	}
	cb := e.progressCb
	pub := e.publisher
	e.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
	if pub != nil {
		go pub.Publish("ota/state", []byte(state.String()))
	}
}

func (e *Engine) doStart(totalSize uint32) Result {
	if e.state != Idle {
		return AlreadyInProgress
	}
	handle, err := e.flash.Open(Secondary)
	if err != nil {
		e.setStatus(Error, FlashOpenFailed, "flash open failed")
		return FlashOpenFailed
	}
	slotSize := e.flash.Size(handle)
	target := totalSize
	if target == 0 || target > slotSize {
		target = slotSize
	}
	if err := e.flash.Erase(handle, 0, slotSize); err != nil {
		e.flash.Close(handle)
		e.setStatus(Error, FlashEraseFailed, "flash erase failed")
		return FlashEraseFailed
	}

	e.handle = handle
	e.slotSize = slotSize
	e.targetSize = target
	e.totalSize = totalSize
	e.bytesWritten = 0
	e.flashWriteOff = 0
	e.bufferPos = 0
	e.lastProgressReportOffset = 0

	e.setStatus(Receiving, Ok, "receiving")
	return Ok
}

func (e *Engine) doWrite(data []byte) Result {
	if e.state != Receiving {
		return InvalidParam
	}
	if e.bytesWritten+uint32(len(data)) > e.targetSize {
		return InsufficientSpace
	}

	remaining := data
	for len(remaining) > 0 {
		space := len(e.stagingBuf) - e.bufferPos
		n := space
		if n > len(remaining) {
			n = len(remaining)
		}
		copy(e.stagingBuf[e.bufferPos:e.bufferPos+n], remaining[:n])
		e.bufferPos += n
		remaining = remaining[n:]

		if e.bufferPos == len(e.stagingBuf) {
			if err := e.flush(); err != nil {
				e.setStatus(Error, FlashWriteFailed, "flash write failed")
				return FlashWriteFailed
			}
		}
	}

	e.bytesWritten += uint32(len(data))

	step := uint32(config.DefaultProgressReportStep)
	if e.bytesWritten-e.lastProgressReportOffset >= step || e.bytesWritten == e.targetSize {
		e.lastProgressReportOffset = e.bytesWritten
		e.setStatus(Receiving, Ok, "receiving")
	}
	return Ok
}

// flush writes the staging buffer to flash, padding with the flash erase
// value (0xFF) up to the write alignment, per SPEC_FULL §4.3.1/§4.3.2.
func (e *Engine) flush() error {
	if e.bufferPos == 0 {
		return nil
	}
	n := e.bufferPos
	padded := n
	if rem := padded % e.writeAlign; rem != 0 {
		padded += e.writeAlign - rem
	}
	if padded > cap(e.stagingBuf) {
		padded = cap(e.stagingBuf)
	}
	for i := n; i < padded; i++ {
		e.stagingBuf[i] = 0xFF
	}
	if err := e.flash.Write(e.handle, e.flashWriteOff, e.stagingBuf[:padded]); err != nil {
		return err
	}
	e.flashWriteOff += uint32(padded)
	e.bufferPos = 0
	return nil
}

func (e *Engine) doFinalize() Result {
	if e.state != Receiving {
		return InvalidParam
	}
	if err := e.flush(); err != nil {
		e.setStatus(Error, FlashWriteFailed, "flash write failed on finalize")
		return FlashWriteFailed
	}
	e.setStatus(Validating, Ok, "validating")

	var hdr [4]byte
	if _, err := e.flash.Read(e.handle, 0, hdr[:]); err != nil {
		e.flash.Close(e.handle)
		e.setStatus(Error, InvalidImage, "could not read image header")
		return InvalidImage
	}
	magic := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16 | uint32(hdr[3])<<24
	if magic != config.FirmwareImageMagic {
		e.flash.Close(e.handle)
		e.setStatus(Error, InvalidImage, "image magic mismatch")
		return InvalidImage
	}

	e.setStatus(Installing, Ok, "installing")
	if err := e.bootloader.RequestUpgrade(Test); err != nil {
		e.flash.Close(e.handle)
		e.setStatus(Error, BootRequestFailed, "bootloader upgrade request failed")
		return BootRequestFailed
	}
	e.flash.Close(e.handle)
	e.handle = nil
	e.setStatus(Complete, Ok, "complete")
	return Ok
}

func (e *Engine) doAbort() Result {
	if e.handle != nil {
		_ = e.flush() // best-effort; errors ignored per SPEC_FULL §4.3.1
		e.flash.Close(e.handle)
		e.handle = nil
	}
	e.totalSize = 0
	e.bytesWritten = 0
	e.flashWriteOff = 0
	e.bufferPos = 0
	e.lastProgressReportOffset = 0
	e.setStatus(Idle, Ok, "idle")
	return Ok
}

func (e *Engine) doConfirm() Result {
	if err := e.bootloader.Confirm(); err != nil {
		return BootRequestFailed
	}
	return Ok
}

func (e *Engine) doReboot(delay time.Duration) {
	time.Sleep(delay)
	e.bootloader.Reboot(Warm)
}

// ActiveSlot and TargetSlot are a supplemented feature (SPEC_FULL.md
// "Supplemented features"): letting an operator ask which slot is live
// without requesting the full status snapshot. They delegate to the
// FlashArea collaborator if it also implements PartitionInfo; otherwise
// they report Primary/Secondary as a static default.
type PartitionInfo interface {
	ActivePartition() Slot
}

func (e *Engine) ActiveSlot() Slot {
	if pi, ok := e.flash.(PartitionInfo); ok {
		return pi.ActivePartition()
	}
	return Primary
}

func (e *Engine) TargetSlot() Slot {
	if e.ActiveSlot() == Primary {
		return Secondary
	}
	return Primary
}
