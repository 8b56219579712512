// Package flashsim provides default, in-process implementations of the
// ota.FlashArea and ota.Bootloader collaborator interfaces. The real flash
// device and bootloader are a Non-goal of SPEC_FULL.md (§1 Non-goals:
// "bootloader internals", "HAL"); this package exists so the rest of the
// module is runnable and testable without real hardware, the same role
// the teacher's UF2 staging file played for its bindicator build.
package flashsim

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"openenterprise/wasmcore/ota"
)

// eraseValue is the byte flash reads back as after an erase, matching
// config.FlashWriteAlign padding semantics (SPEC_FULL §4.3.2).
const eraseValue = 0xFF

// RAMFlash is a RAM-backed FlashArea, the "RAM-backed overlay" default
// named in SPEC_FULL.md §9. It is the variant unit tests should prefer:
// fast, and trivially reset between cases.
type RAMFlash struct {
	mu         sync.Mutex
	align      uint32
	primary    []byte
	secondary  []byte
	active     ota.Slot
}

// NewRAMFlash constructs a RAMFlash with both slots of the given size and
// the given write alignment.
func NewRAMFlash(slotSize int, align uint32) *RAMFlash {
	f := &RAMFlash{
		align:     align,
		primary:   make([]byte, slotSize),
		secondary: make([]byte, slotSize),
		active:    ota.Primary,
	}
	for i := range f.primary {
		f.primary[i] = eraseValue
	}
	for i := range f.secondary {
		f.secondary[i] = eraseValue
	}
	return f
}

type ramHandle struct {
	slot ota.Slot
}

func (f *RAMFlash) region(h ota.FlashHandle) []byte {
	rh := h.(*ramHandle)
	if rh.slot == ota.Primary {
		return f.primary
	}
	return f.secondary
}

func (f *RAMFlash) Open(slot ota.Slot) (ota.FlashHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &ramHandle{slot: slot}, nil
}

func (f *RAMFlash) Erase(h ota.FlashHandle, offset, length uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	region := f.region(h)
	if offset+length > uint32(len(region)) {
		return errors.New("flashsim: erase out of range")
	}
	for i := offset; i < offset+length; i++ {
		region[i] = eraseValue
	}
	return nil
}

func (f *RAMFlash) Write(h ota.FlashHandle, offset uint32, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset%f.align != 0 {
		return errors.Errorf("flashsim: write offset %d not aligned to %d", offset, f.align)
	}
	region := f.region(h)
	if int(offset)+len(buf) > len(region) {
		return errors.New("flashsim: write out of range")
	}
	copy(region[offset:], buf)
	return nil
}

func (f *RAMFlash) Read(h ota.FlashHandle, offset uint32, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	region := f.region(h)
	if int(offset) >= len(region) {
		return 0, errors.New("flashsim: read out of range")
	}
	n := copy(buf, region[offset:])
	return n, nil
}

func (f *RAMFlash) Alignment(h ota.FlashHandle) uint32 { return f.align }

func (f *RAMFlash) Size(h ota.FlashHandle) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint32(len(f.region(h)))
}

func (f *RAMFlash) Close(h ota.FlashHandle) error { return nil }

// ActivePartition implements ota.PartitionInfo.
func (f *RAMFlash) ActivePartition() ota.Slot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// SecondaryContents returns a copy of the secondary slot's bytes, for test
// assertions.
func (f *RAMFlash) SecondaryContents() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.secondary))
	copy(out, f.secondary)
	return out
}

// FileFlash is a file-backed FlashArea for the two slots, grounded on the
// teacher's flash-image-as-a-file idiom (and on zchee-go-qcow2's
// WriteAt/errors.Wrap style for a file-backed block device).
type FileFlash struct {
	mu         sync.Mutex
	align      uint32
	slotSize   int64
	primary    *os.File
	secondary  *os.File
}

// NewFileFlash opens (creating if necessary) two files to back the
// primary and secondary slots.
func NewFileFlash(primaryPath, secondaryPath string, slotSize int64, align uint32) (*FileFlash, error) {
	primary, err := os.OpenFile(primaryPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "flashsim: open primary slot file")
	}
	if err := primary.Truncate(slotSize); err != nil {
		primary.Close()
		return nil, errors.Wrap(err, "flashsim: truncate primary slot file")
	}
	secondary, err := os.OpenFile(secondaryPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		primary.Close()
		return nil, errors.Wrap(err, "flashsim: open secondary slot file")
	}
	if err := secondary.Truncate(slotSize); err != nil {
		primary.Close()
		secondary.Close()
		return nil, errors.Wrap(err, "flashsim: truncate secondary slot file")
	}
	return &FileFlash{align: align, slotSize: slotSize, primary: primary, secondary: secondary}, nil
}

type fileHandle struct {
	f *os.File
}

func (f *FileFlash) fileFor(slot ota.Slot) *os.File {
	if slot == ota.Primary {
		return f.primary
	}
	return f.secondary
}

func (f *FileFlash) Open(slot ota.Slot) (ota.FlashHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fileHandle{f: f.fileFor(slot)}, nil
}

func (f *FileFlash) Erase(h ota.FlashHandle, offset, length uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fh := h.(*fileHandle)
	pad := make([]byte, length)
	for i := range pad {
		pad[i] = eraseValue
	}
	if _, err := fh.f.WriteAt(pad, int64(offset)); err != nil {
		return errors.Wrap(err, "flashsim: erase")
	}
	return nil
}

func (f *FileFlash) Write(h ota.FlashHandle, offset uint32, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset%f.align != 0 {
		return errors.Errorf("flashsim: write offset %d not aligned to %d", offset, f.align)
	}
	fh := h.(*fileHandle)
	if _, err := fh.f.WriteAt(buf, int64(offset)); err != nil {
		return errors.Wrap(err, "flashsim: write")
	}
	return nil
}

func (f *FileFlash) Read(h ota.FlashHandle, offset uint32, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fh := h.(*fileHandle)
	n, err := fh.f.ReadAt(buf, int64(offset))
	if err != nil && n == 0 {
		return 0, errors.Wrap(err, "flashsim: read")
	}
	return n, nil
}

func (f *FileFlash) Alignment(h ota.FlashHandle) uint32 { return f.align }

func (f *FileFlash) Size(h ota.FlashHandle) uint32 { return uint32(f.slotSize) }

func (f *FileFlash) Close(h ota.FlashHandle) error { return nil }

// Shutdown closes both backing files.
func (f *FileFlash) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err1 := f.primary.Close()
	err2 := f.secondary.Close()
	if err1 != nil {
		return errors.Wrap(err1, "flashsim: close primary")
	}
	if err2 != nil {
		return errors.Wrap(err2, "flashsim: close secondary")
	}
	return nil
}

// Bootloader is a default in-process ota.Bootloader that just records
// calls; good enough for tests and for the RAM-only demo build of
// cmd/wasmosd.
type Bootloader struct {
	mu            sync.Mutex
	PendingMode   *ota.UpgradeMode
	Confirmed     bool
	RebootCount   int
	LastReboot    ota.RebootKind
	FailUpgrade   bool
	FailConfirm   bool
}

func (b *Bootloader) RequestUpgrade(mode ota.UpgradeMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailUpgrade {
		return errors.New("flashsim: simulated bootloader upgrade failure")
	}
	m := mode
	b.PendingMode = &m
	return nil
}

func (b *Bootloader) Confirm() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailConfirm {
		return errors.New("flashsim: simulated bootloader confirm failure")
	}
	b.Confirmed = true
	b.PendingMode = nil
	return nil
}

func (b *Bootloader) Reboot(kind ota.RebootKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.RebootCount++
	b.LastReboot = kind
}
