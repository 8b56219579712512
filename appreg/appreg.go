package appreg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"time"

	"openenterprise/wasmcore/config"
)

// AppState is an installed application's lifecycle position (SPEC_FULL
// §3.4).
type AppState int

const (
	New AppState = iota
	Installed
	Running
	Stopped
	Error
	Failed
)

func (s AppState) String() string {
	switch s {
	case New:
		return "new"
	case Installed:
		return "installed"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Source identifies how an application arrived on the device.
type Source int

const (
	SourceHTTP Source = iota
	SourceBLE
	SourceUSB
	SourceSD
	SourceFirmware
	SourceUnknown
)

// Permission is a single bit in an AppEntry's permission bitset.
type Permission uint32

const (
	PermNetwork Permission = 1 << iota
	PermStorage
	PermGPIO
	PermTimer
)

// RestartPolicy governs the auto-restart behavior SPEC_FULL §4.6
// describes for an app that crashes into Error.
type RestartPolicy struct {
	Enabled    bool
	MaxRetries uint32
	DelayMs    uint32
}

// AppEntry is one slot of the registry (SPEC_FULL §3.4).
type AppEntry struct {
	ID            uint32
	Name          string
	Version       string
	State         AppState
	Size          uint32
	HeapKB        uint32
	StackKB       uint32
	Permissions   Permission
	Source        Source
	ContainerID   string
	CrashCount    uint32
	RestartPolicy RestartPolicy
	InstallTime   int64
	LastStartTime int64
	IsPreloaded   bool
}

const (
	maxNameLen    = 32
	maxVersionLen = 16
)

// Registry errors — returned where SPEC_FULL names a specific outcome.
var (
	ErrNotFound       = fmt.Errorf("appreg: app not found")
	ErrDuplicateName  = fmt.Errorf("appreg: app name already exists")
	ErrFull           = fmt.Errorf("appreg: registry full")
	ErrPermission     = fmt.Errorf("appreg: permission denied")
	ErrInvalidImage   = fmt.Errorf("appreg: invalid wasm image")
	ErrTooLarge       = fmt.Errorf("appreg: binary exceeds max size")
	ErrCRCMismatch    = fmt.Errorf("appreg: registry file CRC mismatch")
	ErrBadMagic       = fmt.Errorf("appreg: registry file magic mismatch")
	ErrBadVersion     = fmt.Errorf("appreg: unsupported registry file version")
)

var wasmMagic = [4]byte{0x00, 0x61, 0x73, 0x6D} // "\0asm"

// Registry is the fixed-size, persisted table of installed applications
// (SPEC_FULL §4.5). All mutations are serialized by a single mutex; reads
// that hand back copies take it too, for a consistent snapshot.
type Registry struct {
	mu      sync.Mutex
	entries []*AppEntry // nil == empty slot
	storage Storage
	logger  *slog.Logger
	nextID  uint32
}

// New constructs an empty registry of the given capacity (typically
// config.DefaultMaxApps) backed by storage.
func New(capacity int, storage Storage, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		entries: make([]*AppEntry, capacity),
		storage: storage,
		logger:  logger,
		nextID:  1,
	}
}

// registryFilePath is where the persisted table lives, relative to the
// storage root.
const registryFilePath = "registry.bin"

// header is the on-disk layout of the registry file (SPEC_FULL §6.1):
// magic, version, app_count, reserved, crc — all little-endian.
type header struct {
	Magic    uint32
	Version  uint8
	AppCount uint8
	Reserved uint16
	CRC      uint32
}

const headerSize = 4 + 1 + 1 + 2 + 4

// entryRecordSize is the packed, fixed-width on-disk size of one AppEntry.
// Strings are stored as fixed-width, NUL-padded byte arrays.
const entryRecordSize = 4 + maxNameLen + maxVersionLen + 1 + 4 + 4 + 4 + 4 + 1 + maxNameLen + 4 + 1 + 4 + 4 + 8 + 8 + 1

// Save persists the in-memory table to storage, computing a real CRC-32
// (IEEE) over the header-and-entries region with the CRC field zeroed
// during computation (SPEC_FULL §9).
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	count := 0
	for _, e := range r.entries {
		if e != nil {
			count++
		}
	}

	var buf bytes.Buffer
	hdr := header{Magic: config.RegistryMagic, Version: config.RegistryVersion, AppCount: uint8(count)}
	binary.Write(&buf, binary.LittleEndian, hdr)
	for _, e := range r.entries {
		if e == nil {
			continue
		}
		rec := encodeEntry(e)
		buf.Write(rec)
	}

	raw := buf.Bytes()
	crcZeroed := make([]byte, len(raw))
	copy(crcZeroed, raw)
	binary.LittleEndian.PutUint32(crcZeroed[8:12], 0) // CRC field zeroed for computation
	crc := crc32.ChecksumIEEE(crcZeroed)
	binary.LittleEndian.PutUint32(raw[8:12], crc)

	return r.storage.WriteFile(registryFilePath, raw)
}

// Load reads the persisted table, validating the header and CRC, and
// demotes any Running entry to Installed with container_id reset
// (SPEC_FULL §3.4, §8 property 5).
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := r.storage.ReadFile(registryFilePath)
	if err != nil {
		return err
	}
	if len(raw) < headerSize {
		return ErrBadMagic
	}

	magic := binary.LittleEndian.Uint32(raw[0:4])
	version := raw[4]
	appCount := raw[5]
	storedCRC := binary.LittleEndian.Uint32(raw[8:12])

	if magic != config.RegistryMagic {
		return ErrBadMagic
	}
	if version != config.RegistryVersion {
		return ErrBadVersion
	}

	crcZeroed := make([]byte, len(raw))
	copy(crcZeroed, raw)
	binary.LittleEndian.PutUint32(crcZeroed[8:12], 0)
	if crc32.ChecksumIEEE(crcZeroed) != storedCRC {
		return ErrCRCMismatch
	}

	entries := make([]*AppEntry, len(r.entries))
	offset := headerSize
	maxID := uint32(0)
	for i := 0; i < int(appCount); i++ {
		if offset+entryRecordSize > len(raw) {
			break
		}
		e := decodeEntry(raw[offset : offset+entryRecordSize])
		offset += entryRecordSize
		if e.State == Running {
			e.State = Installed
			e.ContainerID = ""
		}
		slot := -1
		if e.ID > 0 && int(e.ID) <= len(entries) && entries[e.ID-1] == nil {
			slot = int(e.ID - 1)
		} else {
			for j, occ := range entries {
				if occ == nil {
					slot = j
					break
				}
			}
		}
		if slot < 0 {
			break
		}
		entries[slot] = e
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	r.entries = entries
	r.nextID = maxID + 1
	return nil
}

func encodeEntry(e *AppEntry) []byte {
	buf := make([]byte, entryRecordSize)
	pos := 0
	binary.LittleEndian.PutUint32(buf[pos:], e.ID)
	pos += 4
	pos += copyFixed(buf[pos:], e.Name, maxNameLen)
	pos += copyFixed(buf[pos:], e.Version, maxVersionLen)
	buf[pos] = byte(e.State)
	pos++
	binary.LittleEndian.PutUint32(buf[pos:], e.Size)
	pos += 4
	binary.LittleEndian.PutUint32(buf[pos:], e.HeapKB)
	pos += 4
	binary.LittleEndian.PutUint32(buf[pos:], e.StackKB)
	pos += 4
	binary.LittleEndian.PutUint32(buf[pos:], uint32(e.Permissions))
	pos += 4
	buf[pos] = byte(e.Source)
	pos++
	pos += copyFixed(buf[pos:], e.ContainerID, maxNameLen)
	binary.LittleEndian.PutUint32(buf[pos:], e.CrashCount)
	pos += 4
	buf[pos] = boolByte(e.RestartPolicy.Enabled)
	pos++
	binary.LittleEndian.PutUint32(buf[pos:], e.RestartPolicy.MaxRetries)
	pos += 4
	binary.LittleEndian.PutUint32(buf[pos:], e.RestartPolicy.DelayMs)
	pos += 4
	binary.LittleEndian.PutUint64(buf[pos:], uint64(e.InstallTime))
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], uint64(e.LastStartTime))
	pos += 8
	buf[pos] = boolByte(e.IsPreloaded)
	return buf
}

func decodeEntry(buf []byte) *AppEntry {
	e := &AppEntry{}
	pos := 0
	e.ID = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	e.Name = readFixed(buf[pos:], maxNameLen)
	pos += maxNameLen
	e.Version = readFixed(buf[pos:], maxVersionLen)
	pos += maxVersionLen
	e.State = AppState(buf[pos])
	pos++
	e.Size = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	e.HeapKB = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	e.StackKB = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	e.Permissions = Permission(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	e.Source = Source(buf[pos])
	pos++
	e.ContainerID = readFixed(buf[pos:], maxNameLen)
	pos += maxNameLen
	e.CrashCount = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	e.RestartPolicy.Enabled = buf[pos] != 0
	pos++
	e.RestartPolicy.MaxRetries = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	e.RestartPolicy.DelayMs = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	e.InstallTime = int64(binary.LittleEndian.Uint64(buf[pos:]))
	pos += 8
	e.LastStartTime = int64(binary.LittleEndian.Uint64(buf[pos:]))
	pos += 8
	e.IsPreloaded = buf[pos] != 0
	return e
}

func copyFixed(dst []byte, s string, width int) int {
	n := copy(dst[:width], s)
	for i := n; i < width; i++ {
		dst[i] = 0
	}
	return width
}

func readFixed(src []byte, width int) string {
	end := 0
	for end < width && src[end] != 0 {
		end++
	}
	return string(src[:end])
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// BinaryPath returns the on-disk path for an app's WASM binary
// (SPEC_FULL §6.1: apps/<id:03d>_<name>.wasm).
func BinaryPath(id uint32, name string) string {
	return fmt.Sprintf("apps/%03d_%s.wasm", id, name)
}

// DataDir returns the on-disk path for an app's persistent data directory.
func DataDir(name string) string {
	return fmt.Sprintf("app_data/%s/", name)
}

// ValidateWasmBinary checks the magic header and the configured maximum
// size (SPEC_FULL §4.5).
func ValidateWasmBinary(data []byte) error {
	if len(data) < 4 || !bytes.Equal(data[:4], wasmMagic[:]) {
		return ErrInvalidImage
	}
	if len(data) > config.MaxAppBinarySize() {
		return ErrTooLarge
	}
	return nil
}

// byNameLocked finds the entry with the given name. Caller must hold r.mu.
func (r *Registry) byNameLocked(name string) (*AppEntry, int) {
	for i, e := range r.entries {
		if e != nil && e.Name == name {
			return e, i
		}
	}
	return nil, -1
}

func (r *Registry) freeSlotLocked() int {
	for i, e := range r.entries {
		if e == nil {
			return i
		}
	}
	return -1
}

// Get returns a copy of the entry named name.
func (r *Registry) Get(name string) (AppEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, _ := r.byNameLocked(name)
	if e == nil {
		return AppEntry{}, ErrNotFound
	}
	return *e, nil
}

// List returns a copy of every non-empty entry.
func (r *Registry) List() []AppEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AppEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out
}

// Put inserts a new entry (reusing name's existing slot if present, per
// SPEC_FULL §4.6 step 3 — update, not new install) and persists the
// registry. The registry assigns the ID: an update keeps the existing
// entry's ID, a new entry gets the next free one; any ID set on e is
// ignored.
func (r *Registry) Put(e AppEntry) (AppEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, idx := r.byNameLocked(e.Name); existing != nil {
		e.ID = existing.ID
		e.IsPreloaded = existing.IsPreloaded
		r.entries[idx] = &e
		if err := r.saveLocked(); err != nil {
			return AppEntry{}, err
		}
		return e, nil
	}

	idx := r.freeSlotLocked()
	if idx < 0 {
		return AppEntry{}, ErrFull
	}
	e.ID = r.nextID
	r.nextID++
	if e.InstallTime == 0 {
		e.InstallTime = time.Now().UnixMilli()
	}
	r.entries[idx] = &e
	if err := r.saveLocked(); err != nil {
		return AppEntry{}, err
	}
	return e, nil
}

// Remove deletes the named entry and persists the registry. Forbidden for
// preloaded apps.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, idx := r.byNameLocked(name)
	if e == nil {
		return ErrNotFound
	}
	if e.IsPreloaded {
		return ErrPermission
	}
	r.entries[idx] = nil
	return r.saveLocked()
}

// Update mutates the named entry in place via fn and persists the
// registry.
func (r *Registry) Update(name string, fn func(*AppEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, _ := r.byNameLocked(name)
	if e == nil {
		return ErrNotFound
	}
	fn(e)
	return r.saveLocked()
}

// ScanDir lists the names of the .wasm files directly under path
// (subdirectories are skipped) — the scan_dir operation of SPEC_FULL.md
// §6.3. It does not compare them with the registered entries and does not
// register them.
func (r *Registry) ScanDir(path string) ([]string, error) {
	dir, err := r.storage.Opendir(path)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	var found []string
	for {
		entry, ok, err := dir.Readdir()
		if err != nil {
			return found, err
		}
		if !ok {
			break
		}
		if entry.IsDir || len(entry.Name) < 5 || entry.Name[len(entry.Name)-5:] != ".wasm" {
			continue
		}
		found = append(found, entry.Name)
	}
	return found, nil
}
