package ota

import (
	"encoding/binary"
	"errors"
	"io"

	"openenterprise/wasmcore/config"
)

// Slot identifies one of the two flash regions the bootloader can execute
// from (SPEC_FULL.md glossary: "Slot"). OTA always writes to Secondary.
type Slot int

const (
	Primary Slot = iota
	Secondary
)

// UpgradeMode parameterizes Bootloader.RequestUpgrade: Test requests a
// Try-Before-You-Buy boot that must later be Confirmed, Permanent commits
// immediately.
type UpgradeMode int

const (
	Test UpgradeMode = iota
	Permanent
)

// RebootKind distinguishes a warm reboot (preserve peripheral state where
// possible) from a cold one.
type RebootKind int

const (
	Warm RebootKind = iota
	Cold
)

// Bootloader is the collaborator contract of SPEC_FULL.md §6.2: a
// bootloader-mediated slot swap, confirm, and reboot. The bootloader's own
// slot-swap mechanics are a Non-goal; this interface is the entire surface
// the OTA engine needs from it.
type Bootloader interface {
	// RequestUpgrade asks the bootloader to boot from the secondary slot
	// next time, in the given mode.
	RequestUpgrade(mode UpgradeMode) error
	// Confirm tells the bootloader the currently running image is good;
	// safe to call even when no upgrade is pending.
	Confirm() error
	// Reboot requests a reboot of the given kind. Does not return on a
	// real device; implementations used in tests may return normally.
	Reboot(kind RebootKind)
}

// FlashHandle is an opaque handle to an open flash area, returned by
// FlashArea.Open and passed back to every other FlashArea method.
type FlashHandle any

// FlashArea is the collaborator contract of SPEC_FULL.md §6.2 for the raw
// flash device the secondary slot lives in.
type FlashArea interface {
	Open(slot Slot) (FlashHandle, error)
	Erase(h FlashHandle, offset, length uint32) error
	Write(h FlashHandle, offset uint32, buf []byte) error
	Read(h FlashHandle, offset uint32, buf []byte) (int, error)
	Alignment(h FlashHandle) uint32
	Size(h FlashHandle) uint32
	Close(h FlashHandle) error
}

// ImageInfo is the result of a cheap, pre-flash sanity check on a firmware
// image (SPEC_FULL.md "Supplemented features": offline image inspection,
// generalized from the teacher's UF2 header sniff).
type ImageInfo struct {
	MagicOK bool
	Magic   uint32
}

// ErrImageTooShort is returned by InspectImage when fewer than 4 bytes are
// available to check the magic.
var ErrImageTooShort = errors.New("ota: image too short to contain a magic header")

// InspectImage reads the first 4 bytes of r and reports whether they match
// the firmware image magic (SPEC_FULL.md §6.1). It is a pure, allocation-
// light helper a transport adapter can call before ever opening the flash
// slot, to fail fast on an obviously malformed upload.
func InspectImage(r io.Reader) (ImageInfo, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return ImageInfo{}, ErrImageTooShort
	}
	magic := binary.LittleEndian.Uint32(hdr[:])
	return ImageInfo{MagicOK: magic == config.FirmwareImageMagic, Magic: magic}, nil
}
