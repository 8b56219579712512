package ota_test

import (
	"encoding/binary"
	"testing"
	"time"

	"openenterprise/wasmcore/flashsim"
	. "openenterprise/wasmcore/ota"
)

func newTestEngine(t *testing.T, slotSize, align int) (*Engine, *flashsim.RAMFlash, *flashsim.Bootloader) {
	t.Helper()
	flash := flashsim.NewRAMFlash(slotSize, uint32(align))
	boot := &flashsim.Bootloader{}
	e := New(flash, boot, nil)
	if err := e.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(e.Close)
	return e, flash, boot
}

// image builds a minimal firmware image of n bytes starting with the
// correct little-endian magic header (SPEC_FULL §9).
func image(n int) []byte {
	buf := make([]byte, n)
	binary.LittleEndian.PutUint32(buf[:4], 0x3DB8F396)
	for i := 4; i < n; i++ {
		buf[i] = byte(i)
	}
	return buf
}

// TestHappyPathOTA mirrors scenario S1: a full image sent as 32 chunks of
// 4096 bytes plus one final partial chunk.
func TestHappyPathOTA(t *testing.T) {
	const totalSize = 32*4096 + 928
	e, flash, boot := newTestEngine(t, 1<<20, 4)

	if r := e.StartUpdate(totalSize); r != Ok {
		t.Fatalf("StartUpdate: %v", r)
	}

	img := image(totalSize)
	const chunkSize = 4096
	for off := 0; off < len(img); off += chunkSize {
		end := off + chunkSize
		if end > len(img) {
			end = len(img)
		}
		if r := e.WriteChunk(img[off:end]); r != Ok {
			t.Fatalf("WriteChunk at %d: %v", off, r)
		}
	}

	if r := e.Finalize(); r != Ok {
		t.Fatalf("Finalize: %v", r)
	}

	st := e.GetProgress()
	if st.State != Complete {
		t.Fatalf("expected Complete, got %v", st.State)
	}
	if st.Percentage != 100 {
		t.Fatalf("expected 100%%, got %d", st.Percentage)
	}
	if boot.PendingMode == nil || *boot.PendingMode != Test {
		t.Fatalf("expected a pending Test-mode upgrade request")
	}

	got := flash.SecondaryContents()[:totalSize]
	for i := range img {
		if got[i] != img[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, got[i], img[i])
		}
	}
}

// TestOversizeChunkRejectedThenAbortRecovers mirrors scenario S2.
func TestOversizeChunkRejectedThenAbortRecovers(t *testing.T) {
	e, _, _ := newTestEngine(t, 4096, 4)

	if r := e.StartUpdate(4096); r != Ok {
		t.Fatalf("StartUpdate: %v", r)
	}
	oversize := make([]byte, 4096+1)
	if r := e.WriteChunk(oversize); r != InsufficientSpace {
		t.Fatalf("expected InsufficientSpace, got %v", r)
	}
	if st := e.GetProgress(); st.State != Receiving {
		t.Fatalf("a rejected chunk must not change state, got %v", st.State)
	}

	if r := e.Abort(); r != Ok {
		t.Fatalf("Abort: %v", r)
	}
	if st := e.GetProgress(); st.State != Idle {
		t.Fatalf("expected Idle after abort, got %v", st.State)
	}

	if r := e.StartUpdate(4096); r != Ok {
		t.Fatalf("restart after abort: %v", r)
	}
}

func TestStartWhileReceivingIsAlreadyInProgress(t *testing.T) {
	e, _, _ := newTestEngine(t, 4096, 4)
	if r := e.StartUpdate(100); r != Ok {
		t.Fatalf("StartUpdate: %v", r)
	}
	if r := e.StartUpdate(100); r != AlreadyInProgress {
		t.Fatalf("expected AlreadyInProgress, got %v", r)
	}
}

func TestFinalizeWithoutStartIsInvalidParam(t *testing.T) {
	e, _, _ := newTestEngine(t, 4096, 4)
	if r := e.Finalize(); r != InvalidParam {
		t.Fatalf("expected InvalidParam, got %v", r)
	}
}

func TestFinalizeRejectsBadMagic(t *testing.T) {
	e, _, _ := newTestEngine(t, 4096, 4)
	if r := e.StartUpdate(64); r != Ok {
		t.Fatalf("StartUpdate: %v", r)
	}
	bad := make([]byte, 64)
	if r := e.WriteChunk(bad); r != Ok {
		t.Fatalf("WriteChunk: %v", r)
	}
	if r := e.Finalize(); r != InvalidImage {
		t.Fatalf("expected InvalidImage, got %v", r)
	}
	if st := e.GetProgress(); st.State != Error {
		t.Fatalf("expected Error state, got %v", st.State)
	}
}

// TestProgressMonotonicity exercises property 2 (SPEC_FULL §8): bytes
// written never decreases within a single transfer.
func TestProgressMonotonicity(t *testing.T) {
	e, _, _ := newTestEngine(t, 1<<16, 4)
	if r := e.StartUpdate(4096 * 4); r != Ok {
		t.Fatalf("StartUpdate: %v", r)
	}
	last := uint32(0)
	for i := 0; i < 4; i++ {
		if r := e.WriteChunk(make([]byte, 4096)); r != Ok {
			t.Fatalf("WriteChunk: %v", r)
		}
		st := e.GetProgress()
		if st.BytesWritten < last {
			t.Fatalf("bytes written decreased: %d -> %d", last, st.BytesWritten)
		}
		last = st.BytesWritten
	}
}

// TestProgressVisitsDistinctStates drives one small update from Idle to
// Finalize and checks that GetProgress reported at least two distinct
// states along the way.
func TestProgressVisitsDistinctStates(t *testing.T) {
	e, _, _ := newTestEngine(t, 4096, 4)
	seen := map[State]bool{}
	seen[e.GetProgress().State] = true
	e.StartUpdate(64)
	seen[e.GetProgress().State] = true
	e.WriteChunk(image(64))
	seen[e.GetProgress().State] = true
	e.Finalize()
	seen[e.GetProgress().State] = true
	if len(seen) < 2 {
		t.Fatalf("expected the engine to have visited multiple distinct states, saw %v", seen)
	}
}

func TestConfirmFirmwareDelegatesToBootloader(t *testing.T) {
	e, _, boot := newTestEngine(t, 4096, 4)
	if r := e.ConfirmFirmware(); r != Ok {
		t.Fatalf("ConfirmFirmware: %v", r)
	}
	if !boot.Confirmed {
		t.Fatalf("expected bootloader to be confirmed")
	}
}

func TestRebootToApplyIsFireAndForget(t *testing.T) {
	e, _, boot := newTestEngine(t, 4096, 4)
	start := time.Now()
	e.RebootToApply(50 * time.Millisecond)
	if time.Since(start) > 20*time.Millisecond {
		t.Fatalf("RebootToApply must return immediately, took %v", time.Since(start))
	}
	time.Sleep(100 * time.Millisecond)
	if boot.RebootCount != 1 {
		t.Fatalf("expected exactly one reboot after the delay, got %d", boot.RebootCount)
	}
}

func TestOpsBeforeInitReturnNotInitialized(t *testing.T) {
	flash := flashsim.NewRAMFlash(4096, 4)
	boot := &flashsim.Bootloader{}
	e := New(flash, boot, nil)
	if r := e.StartUpdate(64); r != NotInitialized {
		t.Fatalf("expected NotInitialized, got %v", r)
	}
}
